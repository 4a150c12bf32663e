package adapter

import (
	"log"
	"time"

	"github.com/openvmsim/pciebridge/arbiter"
	"github.com/openvmsim/pciebridge/bar"
	"github.com/openvmsim/pciebridge/tlp"
	"github.com/openvmsim/pciebridge/xact"
)

// A Builder can build adapters.
type Builder struct {
	bridgeID    tlp.DeviceID
	deviceID    tlp.DeviceID
	device      Device
	laneDepth   int
	opTimeout   time.Duration
	msiDeadline time.Duration
	sweepEvery  time.Duration
	posted      arbiter.Credits
	nonPosted   arbiter.Credits
	msiBase     uint64
	msiSize     uint64
	msiSink     func(vector uint8)
	msgSink     func(msg *tlp.Msg)
}

// MakeBuilder creates a Builder with default policy: a 50ms completion
// timeout, a 10ms interrupt-delivery deadline, and the default credit
// advertisement.
func MakeBuilder() Builder {
	return Builder{
		bridgeID:    tlp.NewDeviceID(0x0000),
		deviceID:    tlp.NewDeviceID(0x0100),
		laneDepth:   64,
		opTimeout:   50 * time.Millisecond,
		msiDeadline: 10 * time.Millisecond,
		sweepEvery:  5 * time.Millisecond,
		posted:      arbiter.Credits{Header: 64, Data: 1024},
		nonPosted:   arbiter.Credits{Header: 32, Data: 64},
	}
}

// WithBridgeID sets the requester ID the bridge uses for transactions
// it originates.
func (b Builder) WithBridgeID(id tlp.DeviceID) Builder {
	b.bridgeID = id
	return b
}

// WithDeviceID sets the bus address of the attached device function.
func (b Builder) WithDeviceID(id tlp.DeviceID) Builder {
	b.deviceID = id
	return b
}

// WithDevice sets the device backend the adapter drives.
func (b Builder) WithDevice(d Device) Builder {
	b.device = d
	return b
}

// WithLaneDepth sets the per-direction lane buffer, which models the
// link partner's receive buffering.
func (b Builder) WithLaneDepth(depth int) Builder {
	b.laneDepth = depth
	return b
}

// WithOpTimeout sets the completion timeout of non-posted transactions.
func (b Builder) WithOpTimeout(d time.Duration) Builder {
	b.opTimeout = d
	return b
}

// WithMSIDeadline sets how long an asserted interrupt may wait for
// guest acknowledgement.
func (b Builder) WithMSIDeadline(d time.Duration) Builder {
	b.msiDeadline = d
	return b
}

// WithSweepInterval sets the period of the timeout sweep.
func (b Builder) WithSweepInterval(d time.Duration) Builder {
	b.sweepEvery = d
	return b
}

// WithPostedCredits sets the posted credit pool.
func (b Builder) WithPostedCredits(c arbiter.Credits) Builder {
	b.posted = c
	return b
}

// WithNonPostedCredits sets the non-posted credit pool.
func (b Builder) WithNonPostedCredits(c arbiter.Credits) Builder {
	b.nonPosted = c
	return b
}

// WithMSIWindow sets the doorbell range. A device memory write landing
// in the window asserts the interrupt vector carried in its payload.
func (b Builder) WithMSIWindow(base, size uint64) Builder {
	b.msiBase = base
	b.msiSize = size
	return b
}

// WithMSISink sets the function called when an interrupt vector is
// delivered to the guest.
func (b Builder) WithMSISink(fn func(vector uint8)) Builder {
	b.msiSink = fn
	return b
}

// WithMessageSink sets the function receiving message requests.
func (b Builder) WithMessageSink(fn func(msg *tlp.Msg)) Builder {
	b.msgSink = fn
	return b
}

// Build creates the adapter. Start must be called before traffic flows.
func (b Builder) Build() *Adapter {
	if b.device == nil {
		log.Panic("adapter built without a device backend")
	}

	ad := &Adapter{
		bridgeID:   b.bridgeID,
		deviceID:   b.deviceID,
		device:     b.device,
		lane:       NewLane(b.laneDepth),
		msiBase:    b.msiBase,
		msiSize:    b.msiSize,
		msiSink:    b.msiSink,
		msgSink:    b.msgSink,
		posted:     make(map[tlp.Packet]*xact.Handle),
		outbound:   make(map[tlp.Packet]struct{}),
		pendMSI:    make(map[uint8][]*xact.Handle),
		opTimeout:  b.opTimeout,
		sweepEvery: b.sweepEvery,
		dispatchCh: make(chan tlp.Packet, 256),
		stop:       make(chan struct{}),
	}

	ad.table = xact.NewTable(map[xact.Kind]time.Duration{
		xact.KindMemory:    b.opTimeout,
		xact.KindInterrupt: b.msiDeadline,
	})

	ad.arb = arbiter.MakeBuilder().
		WithPostedCredits(b.posted).
		WithNonPostedCredits(b.nonPosted).
		WithDispatchFunc(ad.enqueue).
		Build()

	ad.registry = bar.NewRegistry(ad.referencesInFlight)
	ad.router = bar.NewRouter(ad.registry)
	return ad
}

// enqueue hands a deferred packet to the dispatch loop.
func (ad *Adapter) enqueue(p tlp.Packet) {
	select {
	case ad.dispatchCh <- p:
	case <-ad.stop:
	}
}

// referencesInFlight reports whether an outstanding non-posted read
// still targets a region, which blocks reprogramming it.
func (ad *Adapter) referencesInFlight(d bar.Descriptor) bool {
	for _, h := range ad.table.Outstanding() {
		if rd, ok := h.Request.(*tlp.MemRd); ok && d.Contains(rd.Address) {
			return true
		}
	}
	return false
}
