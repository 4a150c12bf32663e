package adapter

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/openvmsim/pciebridge/bar"
	"github.com/openvmsim/pciebridge/tlp"
	"github.com/openvmsim/pciebridge/xact"
)

const (
	msiWindowBase = 0xfee0_0000
	hostWindow    = 0xc000_0000
)

var _ = Describe("Adapter with a simulated device", func() {
	var (
		guest    tlp.DeviceID
		dev      *SimDevice
		ad       *Adapter
		alloc    *WindowAllocator
		attached []bar.Descriptor
		vectors  chan uint8
		ctx      context.Context
	)

	submitWrite := func(addr uint64, data []byte) *xact.Handle {
		wr, err := tlp.MemWrBuilder{}.
			WithRequester(guest).
			WithAddress(addr).
			WithData(data).
			Build()
		Expect(err).ToNot(HaveOccurred())

		h, err := ad.Submit(wr.ToBytes())
		Expect(err).ToNot(HaveOccurred())
		return h
	}

	submitRead := func(tag uint8, addr uint64, n int) *xact.Handle {
		rd, err := tlp.MemRdBuilder{}.
			WithRequester(guest).
			WithTag(tag).
			WithAddress(addr).
			WithByteLen(n).
			Build()
		Expect(err).ToNot(HaveOccurred())

		h, err := ad.Submit(rd.ToBytes())
		Expect(err).ToNot(HaveOccurred())
		return h
	}

	BeforeEach(func() {
		guest = tlp.NewDeviceID(0x0008)
		vectors = make(chan uint8, 8)
		ctx = context.Background()

		dev = NewSimDevice(
			tlp.NewDeviceID(0x0100), 0x1af4, 0x1000,
			[]BARProfile{
				{Index: 0, Size: 0x1000, Kind: bar.Mem32},
				{Index: 1, Size: 0x4000, Kind: bar.Mem32, Prefetchable: true},
			})
		dev.SetMSIAddress(msiWindowBase)

		ad = MakeBuilder().
			WithDevice(dev).
			WithMSIWindow(msiWindowBase, 0x1000).
			WithMSIDeadline(time.Second).
			WithMSISink(func(v uint8) { vectors <- v }).
			Build()
		ad.Start()
		DeferCleanup(ad.Stop)

		alloc = NewWindowAllocator(hostWindow, 0x1000_0000)

		var err error
		attached, err = ad.Attach(ctx, alloc)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should discover both regions during attach", func() {
		Expect(attached).To(HaveLen(2))

		Expect(attached[0].Index).To(Equal(0))
		Expect(attached[0].Size).To(Equal(uint64(0x1000)))
		Expect(attached[0].Prefetchable).To(BeFalse())

		Expect(attached[1].Index).To(Equal(1))
		Expect(attached[1].Size).To(Equal(uint64(0x4000)))
		Expect(attached[1].Prefetchable).To(BeTrue())
	})

	It("should align each region to its size", func() {
		for _, d := range attached {
			Expect(d.Base % d.Size).To(BeZero())
		}
	})

	It("should round-trip data through the pass-through region", func() {
		h := submitWrite(attached[0].Base+0x10, []byte{0xca, 0xfe, 0xba, 0xbe})
		Eventually(h.Done()).Should(BeClosed())

		read := submitRead(1, attached[0].Base+0x10, 4)
		cpl, err := read.Wait(ctx)

		Expect(err).ToNot(HaveOccurred())
		Expect(cpl.Data).To(Equal([]byte{0xca, 0xfe, 0xba, 0xbe}))
		Expect(read.State()).To(Equal(xact.StateCompleted))
	})

	It("should round-trip data through the shared-memory region", func() {
		h := submitWrite(attached[1].Base+0x80, []byte{1, 2, 3, 4, 5, 6, 7, 8})
		Expect(h.State()).To(Equal(xact.StateCompleted))

		read := submitRead(2, attached[1].Base+0x80, 8)
		cpl, err := read.Wait(ctx)

		Expect(err).ToNot(HaveOccurred())
		Expect(cpl.Data).To(Equal([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	})

	It("should answer a read outside every region with UR", func() {
		read := submitRead(3, 0x5000_0000, 4)
		cpl, err := read.Wait(ctx)

		Expect(err).To(HaveOccurred())
		Expect(cpl.Status).To(Equal(tlp.CplUnsupportedRequest))
	})

	It("should reject malformed ingress without falling over", func() {
		_, err := ad.Submit([]byte{0x00, 0x01})
		Expect(err).To(MatchError(tlp.ErrParse))

		// The adapter still services traffic afterwards.
		read := submitRead(4, attached[1].Base, 4)
		_, err = read.Wait(ctx)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should read device config space", func() {
		id, err := ad.ConfigRead(ctx, 0)

		Expect(err).ToNot(HaveOccurred())
		Expect(id).To(Equal(uint32(0x1000_1af4)))
	})

	It("should deliver a doorbell write as an interrupt", func() {
		dev.RaiseMSI(0x21)

		var vector uint8
		Eventually(vectors).Should(Receive(&vector))
		Expect(vector).To(Equal(uint8(0x21)))

		Expect(ad.AckMSI(0x21)).To(Succeed())
	})

	It("should queue a second assertion behind an unacked one", func() {
		first, err := ad.AssertMSI(0x10)
		Expect(err).ToNot(HaveOccurred())
		Eventually(vectors).Should(Receive())

		second, err := ad.AssertMSI(0x10)
		Expect(err).ToNot(HaveOccurred())
		Consistently(vectors, 50*time.Millisecond).ShouldNot(Receive())

		Expect(ad.AckMSI(0x10)).To(Succeed())
		Expect(first.State()).To(Equal(xact.StateCompleted))
		Eventually(vectors).Should(Receive())

		Expect(ad.AckMSI(0x10)).To(Succeed())
		Expect(second.State()).To(Equal(xact.StateCompleted))
	})

	It("should cancel an undelivered assertion on deassert", func() {
		_, err := ad.AssertMSI(0x10)
		Expect(err).ToNot(HaveOccurred())
		second, err := ad.AssertMSI(0x10)
		Expect(err).ToNot(HaveOccurred())

		Expect(ad.DeassertMSI(0x10)).To(Succeed())
		Expect(second.State()).To(Equal(xact.StateCancelled))

		Expect(ad.AckMSI(0x10)).To(Succeed())
	})

	It("should refuse to deassert a delivered interrupt", func() {
		_, err := ad.AssertMSI(0x10)
		Expect(err).ToNot(HaveOccurred())

		Expect(ad.DeassertMSI(0x10)).To(HaveOccurred())
	})
})

// silentDevice drains the lane and never answers, standing in for a
// wedged or unplugged device.
type silentDevice struct{}

func (silentDevice) Run(side DeviceSide) {
	for range side.Recv() {
	}
	side.CloseUpstream()
}

var _ = Describe("Adapter with an unresponsive device", func() {
	var (
		guest tlp.DeviceID
		ad    *Adapter
	)

	BeforeEach(func() {
		guest = tlp.NewDeviceID(0x0008)

		ad = MakeBuilder().
			WithDevice(silentDevice{}).
			WithOpTimeout(30 * time.Millisecond).
			WithSweepInterval(5 * time.Millisecond).
			Build()
		ad.Start()
		DeferCleanup(ad.Stop)

		err := ad.Registry().Register(bar.Descriptor{
			Index:    0,
			Base:     hostWindow,
			Size:     0x1000,
			Kind:     bar.Mem32,
			Enabled:  true,
			Resource: ad.NewTransactionRegion(0),
		})
		Expect(err).ToNot(HaveOccurred())
	})

	submitRead := func(tag uint8, addr uint64) *xact.Handle {
		rd, err := tlp.MemRdBuilder{}.
			WithRequester(guest).
			WithTag(tag).
			WithAddress(addr).
			WithByteLen(4).
			Build()
		Expect(err).ToNot(HaveOccurred())

		h, err := ad.Submit(rd.ToBytes())
		Expect(err).ToNot(HaveOccurred())
		return h
	}

	It("should surface a completion timeout instead of hanging", func() {
		done := make(chan *xact.Handle, 1)
		go func() {
			defer GinkgoRecover()
			done <- submitRead(1, hostWindow+0x40)
		}()

		var h *xact.Handle
		Eventually(done, time.Second).Should(Receive(&h))

		cpl, err := h.Result()
		Expect(err).To(HaveOccurred())
		Expect(cpl).ToNot(BeNil())
		Expect(cpl.Status).ToNot(Equal(tlp.CplSuccess))
	})

	It("should block reprogramming while a read is in flight", func() {
		go func() {
			defer GinkgoRecover()
			submitRead(1, hostWindow+0x40)
		}()

		Eventually(func() int {
			return len(ad.Table().Outstanding())
		}).ShouldNot(BeZero())

		err := ad.Registry().Reprogram(0, hostWindow+0x10000)
		Expect(err).To(MatchError(bar.ErrConflict))

		// Once the read drains, the move goes through.
		Eventually(func() error {
			return ad.Registry().Reprogram(0, hostWindow+0x10000)
		}, time.Second).Should(Succeed())
	})
})

// headerOnlyDevice answers every config read with a data-less
// successful completion, as a misbehaving endpoint might.
type headerOnlyDevice struct{}

func (headerOnlyDevice) Run(side DeviceSide) {
	for raw := range side.Recv() {
		p, err := tlp.Decode(raw)
		if err != nil {
			continue
		}
		req, ok := p.(*tlp.CfgRd)
		if !ok {
			continue
		}
		cpl, err := tlp.CplBuilder{}.
			WithCompleter(req.Target).
			WithRequester(req.Requester).
			WithTag(req.Tag).
			WithStatus(tlp.CplSuccess).
			WithByteCount(4).
			Build()
		if err != nil {
			continue
		}
		_ = side.Send(cpl.ToBytes())
	}
	side.CloseUpstream()
}

var _ = Describe("Adapter with a device answering header-only completions", func() {
	It("should fail the config read instead of crashing", func() {
		ad := MakeBuilder().
			WithDevice(headerOnlyDevice{}).
			Build()
		ad.Start()
		DeferCleanup(ad.Stop)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err := ad.ConfigRead(ctx, 0)
		Expect(err).To(MatchError(ContainSubstring("no data")))
	})
})

var _ = Describe("MSI delivery after a missed deadline", func() {
	It("should hand the queue over when a swept head is acknowledged", func() {
		vectors := make(chan uint8, 4)
		ad := MakeBuilder().
			WithDevice(silentDevice{}).
			WithMSIDeadline(20 * time.Millisecond).
			WithSweepInterval(2 * time.Millisecond).
			WithMSISink(func(v uint8) { vectors <- v }).
			Build()
		ad.Start()
		DeferCleanup(ad.Stop)

		h1, err := ad.AssertMSI(0x21)
		Expect(err).ToNot(HaveOccurred())
		Eventually(vectors).Should(Receive(Equal(uint8(0x21))))
		Eventually(h1.State, time.Second).Should(Equal(xact.StateTimedOut))

		// The second assertion queues behind the dead head.
		_, err = ad.AssertMSI(0x21)
		Expect(err).ToNot(HaveOccurred())

		Expect(ad.AckMSI(0x21)).To(Succeed())
		Expect(vectors).To(Receive(Equal(uint8(0x21))))
	})
})
