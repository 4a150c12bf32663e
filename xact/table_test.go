package xact

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/openvmsim/pciebridge/tlp"
)

var _ = Describe("Table", func() {
	var (
		table     *Table
		requester tlp.DeviceID
		clock     time.Time
	)

	mustRead := func(tag uint8) *tlp.MemRd {
		req, err := tlp.MemRdBuilder{}.
			WithRequester(requester).
			WithTag(tag).
			WithAddress(0x1000).
			WithByteLen(4).
			Build()
		Expect(err).ToNot(HaveOccurred())
		return req
	}

	mustCpl := func(tag uint8, status tlp.CplStatus) *tlp.Cpl {
		cpl, err := tlp.CplBuilder{}.
			WithRequester(requester).
			WithTag(tag).
			WithStatus(status).
			WithData([]byte{1, 2, 3, 4}).
			Build()
		Expect(err).ToNot(HaveOccurred())
		return cpl
	}

	BeforeEach(func() {
		requester = tlp.NewDeviceID(0x0100)
		clock = time.Unix(1000, 0)
		table = NewTable(map[Kind]time.Duration{
			KindMemory:    50 * time.Millisecond,
			KindInterrupt: 10 * time.Millisecond,
		})
		table.now = func() time.Time { return clock }
	})

	It("should park an issued read in AwaitingCompletion", func() {
		h, err := table.Issue(KindMemory, requester, 3, mustRead(3), false)

		Expect(err).ToNot(HaveOccurred())
		Expect(h.State()).To(Equal(StateAwaitingCompletion))
		Expect(h.Done()).ToNot(BeClosed())
	})

	It("should match a completion by requester and tag", func() {
		h, err := table.Issue(KindMemory, requester, 3, mustRead(3), false)
		Expect(err).ToNot(HaveOccurred())

		matched, err := table.Complete(mustCpl(3, tlp.CplSuccess))

		Expect(err).ToNot(HaveOccurred())
		Expect(matched).To(BeIdenticalTo(h))
		Expect(h.State()).To(Equal(StateCompleted))
		Expect(h.Done()).To(BeClosed())

		cpl, resErr := h.Result()
		Expect(resErr).ToNot(HaveOccurred())
		Expect(cpl.Data).To(Equal([]byte{1, 2, 3, 4}))
	})

	It("should record a failed completion as an error", func() {
		h, err := table.Issue(KindMemory, requester, 3, mustRead(3), false)
		Expect(err).ToNot(HaveOccurred())

		cpl := mustCpl(3, tlp.CplUnsupportedRequest)
		cpl.Data = nil
		cpl.Type = tlp.CplE
		cpl.Length = 0

		_, err = table.Complete(cpl)
		Expect(err).ToNot(HaveOccurred())

		_, resErr := h.Result()
		Expect(resErr).To(HaveOccurred())
	})

	It("should reject a completion matching nothing", func() {
		_, err := table.Complete(mustCpl(9, tlp.CplSuccess))

		Expect(err).To(MatchError(ErrMismatch))
	})

	It("should reject a duplicate tag", func() {
		_, err := table.Issue(KindMemory, requester, 3, mustRead(3), false)
		Expect(err).ToNot(HaveOccurred())

		_, err = table.Issue(KindMemory, requester, 3, mustRead(3), false)
		Expect(err).To(HaveOccurred())
	})

	It("should hand out distinct tags and recycle them", func() {
		t0, err := table.AllocTag(requester)
		Expect(err).ToNot(HaveOccurred())
		t1, err := table.AllocTag(requester)
		Expect(err).ToNot(HaveOccurred())
		Expect(t0).ToNot(Equal(t1))

		_, err = table.Issue(KindMemory, requester, t0, mustRead(t0), true)
		Expect(err).ToNot(HaveOccurred())
		_, err = table.Complete(mustCpl(t0, tlp.CplSuccess))
		Expect(err).ToNot(HaveOccurred())

		again, err := table.AllocTag(requester)
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(Equal(t0))
	})

	It("should cancel an interrupt before delivery", func() {
		h, err := table.Issue(KindInterrupt, requester, 5, nil, false)
		Expect(err).ToNot(HaveOccurred())

		Expect(table.Cancel(h)).To(Succeed())
		Expect(h.State()).To(Equal(StateCancelled))

		_, err = table.Complete(mustCpl(5, tlp.CplSuccess))
		Expect(err).To(MatchError(ErrMismatch))
	})

	It("should complete an interrupt on acknowledgement", func() {
		h, err := table.Issue(KindInterrupt, requester, 5, nil, false)
		Expect(err).ToNot(HaveOccurred())

		Expect(table.Ack(h)).To(Succeed())
		Expect(h.State()).To(Equal(StateCompleted))
		Expect(table.Outstanding()).To(BeEmpty())
	})

	It("should not evict a reused tag when acking a stale interrupt", func() {
		h1, err := table.Issue(KindInterrupt, requester, 5, nil, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(table.Ack(h1)).To(Succeed())

		// The tag is free again; a later interrupt takes it over.
		h2, err := table.Issue(KindInterrupt, requester, 5, nil, false)
		Expect(err).ToNot(HaveOccurred())

		Expect(table.Ack(h1)).To(MatchError(ErrAlreadyTerminal))
		Expect(table.Outstanding()).To(ConsistOf(h2))
	})

	It("should refuse to cancel a memory transaction", func() {
		h, err := table.Issue(KindMemory, requester, 3, mustRead(3), false)
		Expect(err).ToNot(HaveOccurred())

		Expect(table.Cancel(h)).To(MatchError(ErrNotCancellable))
	})

	It("should refuse to cancel a terminal handle", func() {
		h, err := table.Issue(KindInterrupt, requester, 5, nil, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(table.Cancel(h)).To(Succeed())

		Expect(table.Cancel(h)).To(MatchError(ErrAlreadyTerminal))
	})

	It("should retire handles past their deadline", func() {
		h, err := table.Issue(KindMemory, requester, 3, mustRead(3), false)
		Expect(err).ToNot(HaveOccurred())

		clock = clock.Add(40 * time.Millisecond)
		Expect(table.PollTimeouts()).To(BeEmpty())

		clock = clock.Add(20 * time.Millisecond)
		expired := table.PollTimeouts()

		Expect(expired).To(ConsistOf(h))
		Expect(h.State()).To(Equal(StateTimedOut))

		_, resErr := h.Result()
		Expect(resErr).To(MatchError(ErrTimeout))
	})

	It("should expire a handle without waiting for its deadline", func() {
		h, err := table.Issue(KindMemory, requester, 3, mustRead(3), false)
		Expect(err).ToNot(HaveOccurred())

		table.Expire(h)

		Expect(h.State()).To(Equal(StateTimedOut))
		_, resErr := h.Result()
		Expect(resErr).To(MatchError(ErrTimeout))
		Expect(table.Outstanding()).To(BeEmpty())

		// A second expiry of the same handle is a no-op.
		table.Expire(h)
		Expect(h.State()).To(Equal(StateTimedOut))
	})

	It("should not time out a completed handle", func() {
		h, err := table.Issue(KindMemory, requester, 3, mustRead(3), false)
		Expect(err).ToNot(HaveOccurred())
		_, err = table.Complete(mustCpl(3, tlp.CplSuccess))
		Expect(err).ToNot(HaveOccurred())

		clock = clock.Add(time.Hour)

		Expect(table.PollTimeouts()).To(BeEmpty())
		Expect(h.State()).To(Equal(StateCompleted))
	})

	It("should retire a posted write immediately", func() {
		wr, err := tlp.MemWrBuilder{}.
			WithRequester(requester).
			WithAddress(0x1000).
			WithData([]byte{1, 2, 3, 4}).
			Build()
		Expect(err).ToNot(HaveOccurred())

		h := table.IssuePosted(KindMemory, requester, wr)
		table.Retire(h, nil)

		Expect(h.State()).To(Equal(StateCompleted))
		Expect(table.Outstanding()).To(BeEmpty())
	})
})
