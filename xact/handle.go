package xact

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/openvmsim/pciebridge/tlp"
)

// A Handle tracks one in-flight transaction. Handles are created by a
// Table and move through their states only under the table's control, so
// concurrent completion, cancellation, and timeout sweeps agree on a
// single winner.
type Handle struct {
	// ID identifies the handle across logs and traces.
	ID string

	// Kind is the transaction class the handle tracks.
	Kind Kind

	// Requester and Tag together match completions to this handle.
	Requester tlp.DeviceID
	Tag       uint8

	// Request is the packet that opened the transaction. Nil for
	// interrupt handles, which track an assertion rather than a packet.
	Request tlp.Packet

	// Deadline is the instant the timeout sweep retires the handle.
	Deadline time.Time

	mu    sync.Mutex
	state State
	cpl   *tlp.Cpl
	err   error
	done  chan struct{}
}

func newHandle(kind Kind, requester tlp.DeviceID, tag uint8) *Handle {
	return &Handle{
		ID:        xid.New().String(),
		Kind:      kind,
		Requester: requester,
		Tag:       tag,
		state:     StateIssued,
		done:      make(chan struct{}),
	}
}

// State returns the handle's current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done returns a channel closed when the handle reaches a terminal
// state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the completion and error of a terminal handle. Before
// the handle terminates both are nil.
func (h *Handle) Result() (*tlp.Cpl, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cpl, h.err
}

// Wait blocks until the handle terminates or the context ends. Only the
// caller that issued the transaction blocks; the adapter keeps servicing
// other transactions.
func (h *Handle) Wait(ctx context.Context) (*tlp.Cpl, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// await moves an issued handle into AwaitingCompletion.
func (h *Handle) await() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateIssued {
		h.state = StateAwaitingCompletion
	}
}

// terminate tries to move the handle to a terminal state, reporting
// whether this call won the transition.
func (h *Handle) terminate(s State, cpl *tlp.Cpl, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.terminal() {
		return false
	}
	h.state = s
	h.cpl = cpl
	h.err = err
	close(h.done)
	return true
}
