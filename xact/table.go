package xact

import (
	"fmt"
	"sync"
	"time"

	"github.com/openvmsim/pciebridge/hooks"
	"github.com/openvmsim/pciebridge/tlp"
)

// tagSpace tracks which of a requester's 256 tags are bound to
// outstanding transactions.
type tagSpace [4]uint64

func (s *tagSpace) has(tag uint8) bool {
	return s[tag/64]&(1<<(tag%64)) != 0
}

func (s *tagSpace) set(tag uint8) {
	s[tag/64] |= 1 << (tag % 64)
}

func (s *tagSpace) clear(tag uint8) {
	s[tag/64] &^= 1 << (tag % 64)
}

func (s *tagSpace) lowestFree() (uint8, bool) {
	for tag := 0; tag < 256; tag++ {
		if !s.has(uint8(tag)) {
			return uint8(tag), true
		}
	}
	return 0, false
}

type handleKey struct {
	requester uint16
	tag       uint8
}

// A Table is the arena of outstanding transaction handles, keyed by
// (requester ID, tag). It matches completions to their originating
// request, sweeps deadlines, and guarantees each handle terminates
// exactly once.
type Table struct {
	hooks.HookableBase

	mu       sync.Mutex
	handles  map[handleKey]*Handle
	tags     map[uint16]*tagSpace
	interval map[Kind]time.Duration
	now      func() time.Time
}

// NewTable creates an empty handle table. The timeouts map gives the
// deadline offset per transaction class; a class with no entry never
// times out.
func NewTable(timeouts map[Kind]time.Duration) *Table {
	interval := make(map[Kind]time.Duration, len(timeouts))
	for k, d := range timeouts {
		interval[k] = d
	}
	return &Table{
		handles:  make(map[handleKey]*Handle),
		tags:     make(map[uint16]*tagSpace),
		interval: interval,
		now:      time.Now,
	}
}

func (t *Table) tagSpaceOf(requester tlp.DeviceID) *tagSpace {
	s, ok := t.tags[requester.Uint16()]
	if !ok {
		s = &tagSpace{}
		t.tags[requester.Uint16()] = s
	}
	return s
}

// AllocTag reserves the lowest free tag of a requester, for transactions
// the adapter originates itself. The tag is released when the handle
// issued with it terminates.
func (t *Table) AllocTag(requester tlp.DeviceID) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tag, ok := t.tagSpaceOf(requester).lowestFree()
	if !ok {
		return 0, fmt.Errorf("%w %v", ErrTagExhausted, requester)
	}
	t.tagSpaceOf(requester).set(tag)
	return tag, nil
}

// Issue opens a tracked transaction expecting a completion. The handle
// starts in AwaitingCompletion; it leaves on a matching completion, a
// cancellation, or the timeout sweep. The (requester, tag) pair must be
// free unless the tag was reserved through AllocTag beforehand.
func (t *Table) Issue(
	kind Kind,
	requester tlp.DeviceID,
	tag uint8,
	req tlp.Packet,
	reserved bool,
) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := handleKey{requester.Uint16(), tag}
	if _, dup := t.handles[key]; dup {
		return nil, fmt.Errorf(
			"tag %d of %v already bound to an outstanding transaction",
			tag, requester)
	}
	if !reserved && t.tagSpaceOf(requester).has(tag) {
		return nil, fmt.Errorf(
			"tag %d of %v already reserved", tag, requester)
	}

	h := newHandle(kind, requester, tag)
	h.Request = req
	if d, ok := t.interval[kind]; ok {
		h.Deadline = t.now().Add(d)
	}
	h.await()

	t.tagSpaceOf(requester).set(tag)
	t.handles[key] = h

	t.InvokeHook(hooks.Ctx{Domain: t, Pos: hooks.PosIssue, Item: h})
	return h, nil
}

// IssuePosted opens an untracked posted transaction. Posted handles
// expect no completion and are retired by the caller as soon as routing
// finishes.
func (t *Table) IssuePosted(
	kind Kind, requester tlp.DeviceID, req tlp.Packet,
) *Handle {
	h := newHandle(kind, requester, 0)
	h.Request = req
	t.InvokeHook(hooks.Ctx{Domain: t, Pos: hooks.PosIssue, Item: h})
	return h
}

// Retire terminates a posted handle after routing. A nil error completes
// the handle; a non-nil error records the routing failure.
func (t *Table) Retire(h *Handle, err error) {
	if !h.terminate(StateCompleted, nil, err) {
		return
	}
	t.InvokeHook(hooks.Ctx{Domain: t, Pos: hooks.PosComplete, Item: h})
}

// Complete matches a completion to its outstanding handle and
// terminates it. An unmatched completion returns ErrMismatch.
func (t *Table) Complete(cpl *tlp.Cpl) (*Handle, error) {
	t.mu.Lock()
	key := handleKey{cpl.Requester.Uint16(), cpl.Tag}
	h, ok := t.handles[key]
	if ok {
		t.remove(key)
	}
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %v tag %d",
			ErrMismatch, cpl.Requester, cpl.Tag)
	}

	var err error
	if cpl.Status != tlp.CplSuccess {
		err = fmt.Errorf("completion status %v", cpl.Status)
	}
	if !h.terminate(StateCompleted, cpl, err) {
		return h, ErrAlreadyTerminal
	}

	t.InvokeHook(hooks.Ctx{Domain: t, Pos: hooks.PosComplete, Item: h})
	return h, nil
}

// Ack completes an interrupt handle once the guest's interrupt
// controller reports delivery. Interrupts complete by acknowledgement,
// not by a completion packet.
func (t *Table) Ack(h *Handle) error {
	if h.Kind != KindInterrupt {
		return fmt.Errorf("%v transactions complete by completion, not ack",
			h.Kind)
	}

	t.removeIfCurrent(h)

	if !h.terminate(StateCompleted, nil, nil) {
		return ErrAlreadyTerminal
	}

	t.InvokeHook(hooks.Ctx{Domain: t, Pos: hooks.PosComplete, Item: h})
	return nil
}

// Cancel terminates an interrupt handle whose device deasserted before
// delivery. Memory and message transactions run to completion or
// timeout once issued.
func (t *Table) Cancel(h *Handle) error {
	if h.Kind != KindInterrupt {
		return fmt.Errorf("%w: %v", ErrNotCancellable, h.Kind)
	}

	t.removeIfCurrent(h)

	if !h.terminate(StateCancelled, nil, nil) {
		return ErrAlreadyTerminal
	}

	t.InvokeHook(hooks.Ctx{Domain: t, Pos: hooks.PosCancel, Item: h})
	return nil
}

// PollTimeouts retires every outstanding handle whose deadline has
// passed and returns them. The sweep is cooperative; nothing is
// preempted.
func (t *Table) PollTimeouts() []*Handle {
	now := t.now()

	t.mu.Lock()
	var expired []*Handle
	for key, h := range t.handles {
		if h.Deadline.IsZero() || now.Before(h.Deadline) {
			continue
		}
		t.remove(key)
		expired = append(expired, h)
	}
	t.mu.Unlock()

	retired := expired[:0]
	for _, h := range expired {
		err := fmt.Errorf("%w: %v after %v", ErrTimeout, h.Kind,
			h.Deadline)
		if h.terminate(StateTimedOut, timeoutCpl(h), err) {
			retired = append(retired, h)
			t.InvokeHook(hooks.Ctx{Domain: t, Pos: hooks.PosTimeout, Item: h})
		}
	}
	return retired
}

// removeIfCurrent drops a handle's table entry unless its (requester,
// tag) key was already recycled by a later transaction. A stale handle
// must never evict the key's current occupant.
func (t *Table) removeIfCurrent(h *Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := handleKey{h.Requester.Uint16(), h.Tag}
	if cur, ok := t.handles[key]; ok && cur == h {
		t.remove(key)
		return true
	}
	return false
}

// Expire retires an outstanding handle with a timeout error without
// waiting for its deadline, for teardown paths that must not leave a
// waiter hanging. Expiring a handle the table no longer holds is a
// no-op.
func (t *Table) Expire(h *Handle) {
	if !t.removeIfCurrent(h) {
		return
	}

	err := fmt.Errorf("%w: %v expired", ErrTimeout, h.Kind)
	if h.terminate(StateTimedOut, timeoutCpl(h), err) {
		t.InvokeHook(hooks.Ctx{Domain: t, Pos: hooks.PosTimeout, Item: h})
	}
}

// timeoutCpl synthesizes the completer-abort completion a timed-out
// request surfaces to its issuer. Handles without a request, such as
// interrupts, carry no completion.
func timeoutCpl(h *Handle) *tlp.Cpl {
	if h.Request == nil {
		return nil
	}
	cpl, err := tlp.CplBuilder{}.
		WithRequester(h.Requester).
		WithTag(h.Tag).
		WithStatus(tlp.CplAbort).
		WithByteCount(4).
		Build()
	if err != nil {
		return nil
	}
	return cpl
}

// Outstanding returns a snapshot of the handles still awaiting
// completion.
func (t *Table) Outstanding() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Handle, 0, len(t.handles))
	for _, h := range t.handles {
		out = append(out, h)
	}
	return out
}

// remove must run with t.mu held.
func (t *Table) remove(key handleKey) {
	delete(t.handles, key)
	if s, ok := t.tags[key.requester]; ok {
		s.clear(key.tag)
	}
}
