// Package adapter is the bridge between a guest's transaction stream
// and a device backend.
//
// Guest-originated packets enter through Submit, pass the codec, the
// flow-control arbiter, and the transaction table, and are either routed
// to a backing resource or forwarded to the device over a Lane.
// Device-originated packets (completions, DMA writes, interrupts) flow
// back over the same lane on their own goroutine.
package adapter

import (
	"errors"
)

// ErrLaneClosed reports a send on a lane whose peer has shut down.
var ErrLaneClosed = errors.New("lane closed")

// A Lane is the full-duplex raw-packet channel pair connecting the
// bridge to one device backend. The bridge owns the downstream
// direction, the device owns the upstream one.
type Lane struct {
	down chan []byte
	up   chan []byte
}

// NewLane creates a lane with the given per-direction buffer depth.
func NewLane(depth int) *Lane {
	return &Lane{
		down: make(chan []byte, depth),
		up:   make(chan []byte, depth),
	}
}

// Send queues a packet toward the device. Send blocks while the lane's
// buffer is full, which models link back-pressure.
func (l *Lane) Send(raw []byte) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrLaneClosed
		}
	}()
	l.down <- raw
	return nil
}

// Recv returns the channel of packets arriving from the device.
func (l *Lane) Recv() <-chan []byte {
	return l.up
}

// Close shuts the downstream direction. The device side observes the
// close, drains, and closes the upstream direction in turn.
func (l *Lane) Close() {
	defer func() { _ = recover() }()
	close(l.down)
}

// DeviceSide returns the device backend's view of the lane.
func (l *Lane) DeviceSide() DeviceSide {
	return DeviceSide{lane: l}
}

// DeviceSide is the end of a lane held by a device backend.
type DeviceSide struct {
	lane *Lane
}

// Recv returns the channel of packets arriving from the bridge. The
// channel closes when the bridge shuts the lane down.
func (s DeviceSide) Recv() <-chan []byte {
	return s.lane.down
}

// Send queues a packet toward the bridge.
func (s DeviceSide) Send(raw []byte) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrLaneClosed
		}
	}()
	s.lane.up <- raw
	return nil
}

// CloseUpstream shuts the device-to-bridge direction. Called by the
// backend after it drains the downstream close.
func (s DeviceSide) CloseUpstream() {
	defer func() { _ = recover() }()
	close(s.lane.up)
}
