package arbiter

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/openvmsim/pciebridge/tlp"
)

var _ = Describe("Arbiter", func() {
	var (
		dispatched []tlp.Packet
		arb        *Arbiter
	)

	mustWrite := func(addr uint64, n int) *tlp.MemWr {
		wr, err := tlp.MemWrBuilder{}.
			WithAddress(addr).
			WithData(make([]byte, n)).
			Build()
		Expect(err).ToNot(HaveOccurred())
		return wr
	}

	mustRead := func(tag uint8) *tlp.MemRd {
		rd, err := tlp.MemRdBuilder{}.
			WithTag(tag).
			WithAddress(0x1000).
			WithByteLen(4).
			Build()
		Expect(err).ToNot(HaveOccurred())
		return rd
	}

	BeforeEach(func() {
		dispatched = nil
		arb = MakeBuilder().
			WithPostedCredits(Credits{Header: 2, Data: 4}).
			WithNonPostedCredits(Credits{Header: 1, Data: 4}).
			WithDispatchFunc(func(p tlp.Packet) {
				dispatched = append(dispatched, p)
			}).
			Build()
	})

	It("should admit a packet within credits", func() {
		decision, err := arb.Admit(mustWrite(0x1000, 4))

		Expect(err).ToNot(HaveOccurred())
		Expect(decision).To(Equal(Admitted))
		Expect(arb.Available(tlp.Posted)).To(
			Equal(Credits{Header: 1, Data: 3}))
	})

	It("should defer a packet the pool cannot afford", func() {
		decision, err := arb.Admit(mustWrite(0x1000, 128))

		Expect(err).ToNot(HaveOccurred())
		Expect(decision).To(Equal(Deferred))
		Expect(arb.Pending(tlp.Posted)).To(Equal(1))
		Expect(arb.Available(tlp.Posted)).To(
			Equal(Credits{Header: 2, Data: 4}))
	})

	It("should defer a posted write behind an earlier deferred one", func() {
		first, err := arb.Admit(mustWrite(0x1000, 128))
		Expect(err).ToNot(HaveOccurred())
		Expect(first).To(Equal(Deferred))

		// The second write fits the pool, but letting it through would
		// reorder it ahead of the first.
		second, err := arb.Admit(mustWrite(0x2000, 4))
		Expect(err).ToNot(HaveOccurred())
		Expect(second).To(Equal(Deferred))
	})

	It("should keep deferred packets queued while credits are short", func() {
		big := mustWrite(0x1000, 128)
		small := mustWrite(0x2000, 4)
		Expect(arb.Admit(big)).To(Equal(Deferred))
		Expect(arb.Admit(small)).To(Equal(Deferred))

		arb.ReturnCredits(tlp.Posted, Credits{})

		Expect(dispatched).To(BeEmpty())
		Expect(arb.Pending(tlp.Posted)).To(Equal(2))
	})

	It("should never dispatch past a head the pool cannot afford", func() {
		held := mustWrite(0x1000, 16)
		Expect(arb.Admit(held)).To(Equal(Admitted))

		big := mustWrite(0x2000, 128)
		small := mustWrite(0x3000, 4)
		Expect(arb.Admit(big)).To(Equal(Deferred))
		Expect(arb.Admit(small)).To(Equal(Deferred))

		// The small write alone is affordable, but dispatching it would
		// pass the queue head.
		arb.Release(held)

		Expect(dispatched).To(BeEmpty())
		Expect(arb.Pending(tlp.Posted)).To(Equal(2))
	})

	It("should let a non-posted read pass a deferred posted write", func() {
		Expect(arb.Admit(mustWrite(0x1000, 128))).To(Equal(Deferred))

		decision, err := arb.Admit(mustRead(1))

		Expect(err).ToNot(HaveOccurred())
		Expect(decision).To(Equal(Admitted))
	})

	It("should always admit completions from an infinite pool", func() {
		for tag := uint8(0); tag < 32; tag++ {
			cpl, err := tlp.CplBuilder{}.
				WithTag(tag).
				WithData(make([]byte, 64)).
				Build()
			Expect(err).ToNot(HaveOccurred())

			decision, admitErr := arb.Admit(cpl)
			Expect(admitErr).ToNot(HaveOccurred())
			Expect(decision).To(Equal(Admitted))
		}
	})

	It("should return credits on release and redispatch FIFO", func() {
		held := mustWrite(0x1000, 16)
		Expect(arb.Admit(held)).To(Equal(Admitted))

		blockedA := mustWrite(0x2000, 64)
		blockedB := mustWrite(0x3000, 4)
		Expect(arb.Admit(blockedA)).To(Equal(Deferred))
		Expect(arb.Admit(blockedB)).To(Equal(Deferred))

		arb.Release(held)
		Expect(dispatched).To(Equal([]tlp.Packet{blockedA}))
		Expect(arb.Pending(tlp.Posted)).To(Equal(1))

		arb.Release(blockedA)
		Expect(dispatched).To(Equal([]tlp.Packet{blockedA, blockedB}))
		Expect(arb.Pending(tlp.Posted)).To(BeZero())
	})

	It("should preserve FIFO order across concurrent credit returns", func() {
		for i := 0; i < 25; i++ {
			var mu sync.Mutex
			var order []uint64
			arb := MakeBuilder().
				WithPostedCredits(Credits{Header: 2, Data: 8}).
				WithDispatchFunc(func(p tlp.Packet) {
					// A slow consumer widens the window between popping
					// a deferred packet and delivering it.
					time.Sleep(time.Millisecond)
					mu.Lock()
					order = append(order, p.(*tlp.MemWr).Address)
					mu.Unlock()
				}).
				Build()

			heldA := mustWrite(0x1000, 16)
			heldB := mustWrite(0x2000, 16)
			Expect(arb.Admit(heldA)).To(Equal(Admitted))
			Expect(arb.Admit(heldB)).To(Equal(Admitted))
			Expect(arb.Admit(mustWrite(0x3000, 16))).To(Equal(Deferred))
			Expect(arb.Admit(mustWrite(0x4000, 16))).To(Equal(Deferred))

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				arb.Release(heldA)
			}()
			go func() {
				defer wg.Done()
				arb.Release(heldB)
			}()
			wg.Wait()

			mu.Lock()
			Expect(order).To(Equal([]uint64{0x3000, 0x4000}))
			mu.Unlock()
		}
	})

	It("should never drive a pool negative", func() {
		admitted := 0
		for i := 0; i < 16; i++ {
			decision, err := arb.Admit(mustRead(uint8(i)))
			Expect(err).ToNot(HaveOccurred())
			if decision == Admitted {
				admitted++
			}
		}

		Expect(admitted).To(Equal(1))
		free := arb.Available(tlp.NonPosted)
		Expect(free.Header).To(BeNumerically(">=", 0))
		Expect(free.Data).To(BeNumerically(">=", 0))
	})
})
