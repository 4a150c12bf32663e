// Package arbiter admits transactions into the bridge under PCIe
// ordering and flow-control rules.
//
// Each transaction class (posted, non-posted, completion) has a credit
// pool and a FIFO queue of deferred packets. A packet that cannot be
// admitted right away is queued in arrival order and retried when
// credits come back, so no class can starve another and deferred
// packets never overtake each other.
package arbiter

import (
	"fmt"
	"log"
	"sync"

	"github.com/openvmsim/pciebridge/hooks"
	"github.com/openvmsim/pciebridge/tlp"
)

// Decision is the outcome of an admission check.
type Decision int

// The admission outcomes. A Deferred packet is queued and dispatched
// later through the arbiter's dispatch function; a Rejected packet is
// never queued.
const (
	Admitted Decision = iota
	Deferred
	Rejected
)

// String returns the name of the decision.
func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Infinite marks a credit pool that never limits admission. Simulated
// devices advertise infinite credits because they have no real buffers
// to fill.
const Infinite = -1

// Credits sizes one class's pool, in flow-control units. A data unit
// covers 16 bytes of payload.
type Credits struct {
	Header int
	Data   int
}

// cost returns the credit cost of one packet. The length field of a
// read announces the completion size, not a payload, so only
// data-bearing types consume data credits.
func cost(p tlp.Packet) Credits {
	c := Credits{Header: 1}
	if p.Common().Type.HasData() {
		c.Data = (p.Common().PayloadBytes() + 15) / 16
	}
	return c
}

// classState is one transaction class's share of the arbiter. Each
// class carries its own lock so posted traffic never contends with
// completions.
type classState struct {
	mu      sync.Mutex
	limit   Credits
	header  int
	data    int
	pending []tlp.Packet

	// dispatchMu serializes concurrent credit returns so drained
	// packets reach dispatch in the order they left the queue. Always
	// acquired before mu.
	dispatchMu sync.Mutex
}

func (c *classState) affordable(n Credits) bool {
	if c.limit.Header != Infinite && c.header < n.Header {
		return false
	}
	if c.limit.Data != Infinite && c.data < n.Data {
		return false
	}
	return true
}

// consume must only run after affordable reported true for n.
func (c *classState) consume(n Credits) {
	if c.limit.Header != Infinite {
		c.header -= n.Header
	}
	if c.limit.Data != Infinite {
		c.data -= n.Data
	}
	if c.header < 0 || c.data < 0 {
		log.Panicf("credit pool went negative: hdr %d, data %d",
			c.header, c.data)
	}
}

func (c *classState) replenish(n Credits) {
	if c.limit.Header != Infinite {
		c.header += n.Header
		if c.header > c.limit.Header {
			log.Panicf("credit return overflows pool: hdr %d of %d",
				c.header, c.limit.Header)
		}
	}
	if c.limit.Data != Infinite {
		c.data += n.Data
		if c.data > c.limit.Data {
			log.Panicf("credit return overflows pool: data %d of %d",
				c.data, c.limit.Data)
		}
	}
}

// An Arbiter gates packets on flow-control credits and transaction
// ordering. Deferred packets re-enter the bridge through the dispatch
// function handed to the Builder, on the goroutine that returned the
// unblocking credits.
type Arbiter struct {
	hooks.HookableBase

	classes  map[tlp.Class]*classState
	dispatch func(tlp.Packet)
}

// Admit checks a packet against its class's credits and the ordering
// rules. Admitted packets have consumed their credits when Admit
// returns; the caller releases them with Release once the backing
// resource drains the packet. Deferred packets are owned by the arbiter
// until dispatch.
func (a *Arbiter) Admit(p tlp.Packet) (Decision, error) {
	c, ok := a.classes[p.Class()]
	if !ok {
		return Rejected, fmt.Errorf("packet class %v has no credit pool",
			p.Class())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A posted request must not pass an earlier posted request, so any
	// queued posted traffic defers later arrivals too. Non-posted and
	// completion packets each only order against their own queue.
	if len(c.pending) > 0 || !c.affordable(cost(p)) {
		c.pending = append(c.pending, p)
		a.InvokeHook(hooks.Ctx{Domain: a, Pos: hooks.PosDefer, Item: p})
		return Deferred, nil
	}

	c.consume(cost(p))
	a.InvokeHook(hooks.Ctx{Domain: a, Pos: hooks.PosAdmit, Item: p})
	return Admitted, nil
}

// Release returns the credits a packet consumed and drains the class's
// deferred queue as far as the replenished pool allows. Drained packets
// are handed to the dispatch function in arrival order.
func (a *Arbiter) Release(p tlp.Packet) {
	a.ReturnCredits(p.Class(), cost(p))
}

// ReturnCredits adds credits back to a class's pool, for transports
// that report buffer availability in bulk rather than per packet.
func (a *Arbiter) ReturnCredits(class tlp.Class, n Credits) {
	c, ok := a.classes[class]
	if !ok {
		log.Panicf("credit return for class %v with no pool", class)
	}

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	c.replenish(n)

	var drained []tlp.Packet
	for len(c.pending) > 0 && c.affordable(cost(c.pending[0])) {
		head := c.pending[0]
		c.pending = c.pending[1:]
		c.consume(cost(head))
		drained = append(drained, head)
	}
	c.mu.Unlock()

	for _, head := range drained {
		a.InvokeHook(hooks.Ctx{Domain: a, Pos: hooks.PosAdmit, Item: head})
		a.dispatch(head)
	}
}

// Pending returns the number of deferred packets of a class.
func (a *Arbiter) Pending(class tlp.Class) int {
	c, ok := a.classes[class]
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Available returns the free credits of a class. For an infinite pool
// the returned counters stay at their initial values.
func (a *Arbiter) Available(class tlp.Class) Credits {
	c, ok := a.classes[class]
	if !ok {
		return Credits{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Credits{Header: c.header, Data: c.data}
}
