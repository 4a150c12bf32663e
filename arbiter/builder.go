package arbiter

import (
	"log"

	"github.com/openvmsim/pciebridge/tlp"
)

// A Builder can build arbiters.
type Builder struct {
	posted     Credits
	nonPosted  Credits
	completion Credits
	dispatch   func(tlp.Packet)
}

// MakeBuilder creates a Builder with the default credit advertisement
// of a simulated link partner: generous posted and non-posted pools and
// an infinite completion pool, as an endpoint must advertise for
// completions it requested.
func MakeBuilder() Builder {
	return Builder{
		posted:     Credits{Header: 64, Data: 1024},
		nonPosted:  Credits{Header: 32, Data: 64},
		completion: Credits{Header: Infinite, Data: Infinite},
	}
}

// WithPostedCredits sets the posted pool size.
func (b Builder) WithPostedCredits(c Credits) Builder {
	b.posted = c
	return b
}

// WithNonPostedCredits sets the non-posted pool size.
func (b Builder) WithNonPostedCredits(c Credits) Builder {
	b.nonPosted = c
	return b
}

// WithCompletionCredits sets the completion pool size.
func (b Builder) WithCompletionCredits(c Credits) Builder {
	b.completion = c
	return b
}

// WithDispatchFunc sets the function that receives deferred packets
// when returned credits unblock them.
func (b Builder) WithDispatchFunc(fn func(tlp.Packet)) Builder {
	b.dispatch = fn
	return b
}

// Build creates the arbiter.
func (b Builder) Build() *Arbiter {
	if b.dispatch == nil {
		log.Panic("arbiter built without a dispatch function")
	}

	a := &Arbiter{
		dispatch: b.dispatch,
		classes:  make(map[tlp.Class]*classState),
	}
	a.classes[tlp.Posted] = newClassState(b.posted)
	a.classes[tlp.NonPosted] = newClassState(b.nonPosted)
	a.classes[tlp.Completion] = newClassState(b.completion)
	return a
}

func newClassState(limit Credits) *classState {
	return &classState{
		limit:  limit,
		header: limit.Header,
		data:   limit.Data,
	}
}
