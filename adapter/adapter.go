package adapter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/openvmsim/pciebridge/arbiter"
	"github.com/openvmsim/pciebridge/bar"
	"github.com/openvmsim/pciebridge/tlp"
	"github.com/openvmsim/pciebridge/xact"
)

// An Adapter mediates between guest-originated transactions and one
// device backend. Submit is the single guest-facing ingress; packets
// that pass the codec and the arbiter are either routed to a backing
// resource or forwarded to the device over the lane.
type Adapter struct {
	bridgeID tlp.DeviceID
	deviceID tlp.DeviceID

	table    *xact.Table
	arb      *arbiter.Arbiter
	registry *bar.Registry
	router   *bar.Router
	lane     *Lane
	device   Device

	msiBase uint64
	msiSize uint64
	msiSink func(vector uint8)
	msgSink func(msg *tlp.Msg)

	mu       sync.Mutex
	posted   map[tlp.Packet]*xact.Handle
	outbound map[tlp.Packet]struct{}
	pendMSI  map[uint8][]*xact.Handle

	opTimeout  time.Duration
	sweepEvery time.Duration
	dispatchCh chan tlp.Packet
	stop       chan struct{}
	wg         sync.WaitGroup
}

// Registry returns the adapter's BAR registry, for attach-time
// population and guest reprogramming.
func (ad *Adapter) Registry() *bar.Registry {
	return ad.registry
}

// Table returns the adapter's transaction table, for instrumentation.
func (ad *Adapter) Table() *xact.Table {
	return ad.table
}

// Arbiter returns the adapter's flow-control arbiter, for
// instrumentation.
func (ad *Adapter) Arbiter() *arbiter.Arbiter {
	return ad.arb
}

// Start launches the device backend, the receive loop, the deferred
// dispatcher, and the timeout sweep.
func (ad *Adapter) Start() {
	ad.wg.Add(1)
	go func() {
		defer ad.wg.Done()
		ad.device.Run(ad.lane.DeviceSide())
	}()

	ad.wg.Add(1)
	go func() {
		defer ad.wg.Done()
		ad.rxLoop()
	}()

	ad.wg.Add(1)
	go func() {
		defer ad.wg.Done()
		ad.dispatchLoop()
	}()

	ad.wg.Add(1)
	go func() {
		defer ad.wg.Done()
		ad.sweepLoop()
	}()
}

// Stop shuts the lane down and waits for the adapter's goroutines.
// Outstanding handles are swept one last time so no waiter hangs.
func (ad *Adapter) Stop() {
	close(ad.stop)
	ad.lane.Close()
	ad.wg.Wait()

	for _, h := range ad.table.Outstanding() {
		ad.table.Expire(h)
	}
}

// Submit is the guest-facing ingress for raw transaction-layer packets.
// It returns the handle tracking the transaction; nil for forwarded
// completions, which track nothing. Malformed or protocol-illegal input
// is rejected with an error and never tears the adapter down.
func (ad *Adapter) Submit(raw []byte) (*xact.Handle, error) {
	p, err := tlp.Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := tlp.Validate(p); err != nil {
		return nil, err
	}

	h, err := ad.open(p)
	if err != nil {
		return nil, err
	}

	if err := ad.admit(p); err != nil {
		if h != nil {
			ad.dropHandle(p, h)
		}
		return nil, err
	}
	return h, nil
}

// open creates the handle tracking a guest packet before admission, so
// a completion racing the admission decision still finds its handle.
func (ad *Adapter) open(p tlp.Packet) (*xact.Handle, error) {
	switch req := p.(type) {
	case *tlp.MemRd:
		return ad.table.Issue(
			xact.KindMemory, req.Requester, req.Tag, p, false)
	case *tlp.CfgRd:
		return ad.table.Issue(
			xact.KindMemory, req.Requester, req.Tag, p, false)
	case *tlp.CfgWr:
		return ad.table.Issue(
			xact.KindMemory, req.Requester, req.Tag, p, false)
	case *tlp.MemWr:
		h := ad.table.IssuePosted(xact.KindMemory, req.Requester, p)
		ad.trackPosted(p, h)
		return h, nil
	case *tlp.Msg:
		h := ad.table.IssuePosted(xact.KindMessage, req.Requester, p)
		ad.trackPosted(p, h)
		return h, nil
	case *tlp.Cpl:
		return nil, nil
	}
	return nil, fmt.Errorf("unhandled packet %T", p)
}

// admit runs a packet through the arbiter and services it right away
// when admitted. Deferred packets are serviced by the dispatch loop
// when credits return.
func (ad *Adapter) admit(p tlp.Packet) error {
	decision, err := ad.arb.Admit(p)
	if err != nil {
		return err
	}
	if decision == arbiter.Admitted {
		ad.process(p)
	}
	return nil
}

// process services one admitted packet. Guest memory traffic routes to
// backing resources; everything else crosses the lane.
func (ad *Adapter) process(p tlp.Packet) {
	if ad.takeOutbound(p) {
		ad.forward(p)
		return
	}

	switch req := p.(type) {
	case *tlp.MemRd:
		ad.serviceRead(req)
	case *tlp.MemWr:
		ad.serviceWrite(req)
	case *tlp.Msg:
		ad.serviceMsg(req)
	default:
		ad.forward(p)
	}
}

func (ad *Adapter) serviceRead(req *tlp.MemRd) {
	data, err := ad.router.Read(req)

	var cpl *tlp.Cpl
	if err != nil {
		// No decoding BAR, or the resource failed: hardware answers
		// with an unsupported-request completion, never a crash.
		cpl = ad.failedCpl(req.Requester, req.Tag, err)
	} else {
		cpl, err = tlp.CplForRead(ad.bridgeID, req, data)
		if err != nil {
			log.Panicf("building completion: %v", err)
		}
	}

	ad.completeLocal(cpl)
	ad.arb.Release(req)
}

func (ad *Adapter) serviceWrite(req *tlp.MemWr) {
	err := ad.router.Write(req)
	if err != nil {
		// Posted writes have no completion to fail; the error is
		// recorded on the handle and the write is dropped.
		log.Printf("posted write to %#x: %v", req.Address, err)
	}

	if h := ad.takePosted(req); h != nil {
		ad.table.Retire(h, err)
	}
	ad.arb.Release(req)
}

func (ad *Adapter) serviceMsg(req *tlp.Msg) {
	if ad.msgSink != nil {
		ad.msgSink(req)
	} else if err := ad.lane.Send(req.ToBytes()); err != nil {
		log.Printf("forwarding message: %v", err)
	}

	if h := ad.takePosted(req); h != nil {
		ad.table.Retire(h, nil)
	}
	ad.arb.Release(req)
}

// forward pushes a packet across the lane. The lane buffer stands in
// for the link partner's receive buffer, so credits come back as soon
// as the packet is accepted.
func (ad *Adapter) forward(p tlp.Packet) {
	if err := ad.lane.Send(p.ToBytes()); err != nil {
		log.Printf("forwarding %T: %v", p, err)
	}
	ad.arb.Release(p)
}

// completeLocal runs a locally generated completion through the
// completion credit pool and matches it to its handle.
func (ad *Adapter) completeLocal(cpl *tlp.Cpl) {
	d, err := ad.arb.Admit(cpl)
	if err != nil {
		log.Panicf("admitting completion: %v", err)
	}
	if d != arbiter.Admitted {
		// Completion credits are infinite; a blocked completion can
		// deadlock the bridge.
		log.Panicf("completion deferred: %v tag %d", cpl.Requester, cpl.Tag)
	}
	if _, err := ad.table.Complete(cpl); err != nil {
		log.Printf("completion %v tag %d: %v", cpl.Requester, cpl.Tag, err)
	}
	ad.arb.Release(cpl)
}

func (ad *Adapter) failedCpl(
	requester tlp.DeviceID, tag uint8, cause error,
) *tlp.Cpl {
	status := tlp.CplUnsupportedRequest
	if !errors.Is(cause, bar.ErrNotFound) {
		status = tlp.CplAbort
	}

	cpl, err := tlp.CplBuilder{}.
		WithCompleter(ad.bridgeID).
		WithRequester(requester).
		WithTag(tag).
		WithStatus(status).
		Build()
	if err != nil {
		log.Panicf("building failed completion: %v", err)
	}
	return cpl
}

// dropHandle unwinds a handle whose packet the arbiter rejected.
func (ad *Adapter) dropHandle(p tlp.Packet, h *xact.Handle) {
	if h.Kind == xact.KindMemory && p.Class() == tlp.NonPosted {
		ad.table.Expire(h)
		return
	}
	if taken := ad.takePosted(p); taken != nil {
		ad.table.Retire(taken, errors.New("rejected at admission"))
	}
}

func (ad *Adapter) trackPosted(p tlp.Packet, h *xact.Handle) {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	ad.posted[p] = h
}

func (ad *Adapter) takePosted(p tlp.Packet) *xact.Handle {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	h := ad.posted[p]
	delete(ad.posted, p)
	return h
}

func (ad *Adapter) markOutbound(p tlp.Packet) {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	ad.outbound[p] = struct{}{}
}

func (ad *Adapter) takeOutbound(p tlp.Packet) bool {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	_, ok := ad.outbound[p]
	delete(ad.outbound, p)
	return ok
}

// sendToDevice admits a bridge-originated packet and forwards it across
// the lane, now or when credits allow.
func (ad *Adapter) sendToDevice(p tlp.Packet) error {
	ad.markOutbound(p)
	return ad.admit(p)
}

func (ad *Adapter) dispatchLoop() {
	for {
		select {
		case p := <-ad.dispatchCh:
			ad.process(p)
		case <-ad.stop:
			return
		}
	}
}

func (ad *Adapter) sweepLoop() {
	ticker := time.NewTicker(ad.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, h := range ad.table.PollTimeouts() {
				log.Printf("transaction %s (%v %v tag %d) timed out",
					h.ID, h.Kind, h.Requester, h.Tag)
			}
		case <-ad.stop:
			return
		}
	}
}

// rxLoop drains device-originated packets: completions match their
// outstanding handles, memory writes either ring the MSI doorbell or
// DMA into host-visible regions, messages reach the message sink.
func (ad *Adapter) rxLoop() {
	for raw := range ad.lane.Recv() {
		p, err := tlp.Decode(raw)
		if err == nil {
			err = tlp.Validate(p)
		}
		if err != nil {
			log.Printf("bad packet from device: %v", err)
			continue
		}

		switch v := p.(type) {
		case *tlp.Cpl:
			if _, err := ad.table.Complete(v); err != nil {
				log.Printf("device completion: %v", err)
			}
		case *tlp.MemWr:
			ad.deviceWrite(v)
		case *tlp.Msg:
			if ad.msgSink != nil {
				ad.msgSink(v)
			}
		default:
			log.Printf("unexpected %T from device", p)
		}
	}
}

func (ad *Adapter) deviceWrite(wr *tlp.MemWr) {
	if ad.msiSize > 0 &&
		wr.Address >= ad.msiBase && wr.Address < ad.msiBase+ad.msiSize {
		if _, err := ad.AssertMSI(wr.Data[0]); err != nil {
			log.Printf("MSI doorbell: %v", err)
		}
		return
	}

	if err := ad.router.Write(wr); err != nil {
		log.Printf("device DMA to %#x: %v", wr.Address, err)
	}
}

// ConfigRead reads one config space doubleword from the device.
func (ad *Adapter) ConfigRead(ctx context.Context, reg int) (uint32, error) {
	tag, err := ad.table.AllocTag(ad.bridgeID)
	if err != nil {
		return 0, err
	}

	req := tlp.CfgRdBuilder{}.
		WithRequester(ad.bridgeID).
		WithTarget(ad.deviceID).
		WithTag(tag).
		WithRegister(reg).
		Build()

	h, err := ad.table.Issue(xact.KindMemory, ad.bridgeID, tag, req, true)
	if err != nil {
		return 0, err
	}
	if err := ad.sendToDevice(req); err != nil {
		return 0, err
	}

	cpl, err := h.Wait(ctx)
	if err != nil {
		return 0, err
	}
	if len(cpl.Data) < tlp.DWLen {
		return 0, fmt.Errorf(
			"config read of register %d: completion carries no data", reg)
	}
	return binary.LittleEndian.Uint32(cpl.Data), nil
}

// ConfigWrite writes the enabled bytes of one config space doubleword.
func (ad *Adapter) ConfigWrite(
	ctx context.Context, reg int, value uint32, be uint8,
) error {
	tag, err := ad.table.AllocTag(ad.bridgeID)
	if err != nil {
		return err
	}

	var data [tlp.DWLen]byte
	binary.LittleEndian.PutUint32(data[:], value)

	req := tlp.CfgWrBuilder{}.
		WithRequester(ad.bridgeID).
		WithTarget(ad.deviceID).
		WithTag(tag).
		WithRegister(reg).
		WithData(data).
		WithFirstBE(be).
		Build()

	h, err := ad.table.Issue(xact.KindMemory, ad.bridgeID, tag, req, true)
	if err != nil {
		return err
	}
	if err := ad.sendToDevice(req); err != nil {
		return err
	}

	_, err = h.Wait(ctx)
	return err
}

// AssertMSI opens an interrupt handle for a vector. Assertions of a
// vector queue in order; only the head is delivered to the sink, the
// rest wait for acknowledgement of their predecessors.
func (ad *Adapter) AssertMSI(vector uint8) (*xact.Handle, error) {
	tag, err := ad.table.AllocTag(ad.deviceID)
	if err != nil {
		return nil, err
	}
	h, err := ad.table.Issue(xact.KindInterrupt, ad.deviceID, tag, nil, true)
	if err != nil {
		return nil, err
	}

	ad.mu.Lock()
	ad.pendMSI[vector] = append(ad.pendMSI[vector], h)
	deliver := len(ad.pendMSI[vector]) == 1
	ad.mu.Unlock()

	if deliver && ad.msiSink != nil {
		ad.msiSink(vector)
	}
	return h, nil
}

// AckMSI acknowledges delivery of a vector's head interrupt and
// delivers the next queued assertion, if any.
func (ad *Adapter) AckMSI(vector uint8) error {
	ad.mu.Lock()
	queue := ad.pendMSI[vector]
	if len(queue) == 0 {
		ad.mu.Unlock()
		return fmt.Errorf("no pending interrupt for vector %d", vector)
	}
	head := queue[0]
	ad.pendMSI[vector] = queue[1:]
	next := ad.liveHeadLocked(vector)
	ad.mu.Unlock()

	err := ad.table.Ack(head)
	if errors.Is(err, xact.ErrAlreadyTerminal) {
		// A head swept at its deadline still vacates the queue; the
		// assertions behind it must not be stranded.
		err = nil
	}
	if next && ad.msiSink != nil {
		ad.msiSink(vector)
	}
	return err
}

// liveHeadLocked drops swept handles from the front of a vector queue
// and reports whether a live head remains. Must run with ad.mu held.
func (ad *Adapter) liveHeadLocked(vector uint8) bool {
	queue := ad.pendMSI[vector]
	for len(queue) > 0 && queue[0].State() != xact.StateAwaitingCompletion {
		queue = queue[1:]
	}
	ad.pendMSI[vector] = queue
	return len(queue) > 0
}

// DeassertMSI cancels the newest undelivered assertion of a vector, for
// a device that withdraws an interrupt before the guest sees it. The
// head of the queue counts as delivered and cannot be withdrawn.
func (ad *Adapter) DeassertMSI(vector uint8) error {
	ad.mu.Lock()
	queue := ad.pendMSI[vector]
	if len(queue) < 2 {
		ad.mu.Unlock()
		return fmt.Errorf("no undelivered interrupt for vector %d", vector)
	}
	last := queue[len(queue)-1]
	ad.pendMSI[vector] = queue[:len(queue)-1]
	ad.mu.Unlock()

	return ad.table.Cancel(last)
}
