package recording

import (
	"sync"
	"time"

	"github.com/openvmsim/pciebridge/hooks"
	"github.com/openvmsim/pciebridge/tlp"
	"github.com/openvmsim/pciebridge/xact"
)

const (
	lifecycleTable = "lifecycle"
	flowTable      = "flow_control"
)

// LifecycleEntry is one recorded transaction-handle event.
type LifecycleEntry struct {
	TimeNS    int64
	Event     string
	HandleID  string
	Kind      string
	Requester string
	Tag       int
	State     string
}

// FlowEntry is one recorded arbiter event.
type FlowEntry struct {
	TimeNS  int64
	Event   string
	Class   string
	Type    int
	Payload int
}

// A Tracer records handle and arbiter events through the hook points of
// the transaction engine. Attach it to a handle table and an arbiter
// before traffic starts.
type Tracer struct {
	mu  sync.Mutex
	rec Recorder
	now func() time.Time
}

// NewTracer creates a tracer writing to a recorder.
func NewTracer(rec Recorder) *Tracer {
	rec.CreateTable(lifecycleTable, LifecycleEntry{})
	rec.CreateTable(flowTable, FlowEntry{})
	return &Tracer{rec: rec, now: time.Now}
}

// Func records one hook invocation.
func (t *Tracer) Func(ctx hooks.Ctx) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ns := t.now().UnixNano()

	switch item := ctx.Item.(type) {
	case *xact.Handle:
		t.rec.InsertData(lifecycleTable, LifecycleEntry{
			TimeNS:    ns,
			Event:     ctx.Pos.Name,
			HandleID:  item.ID,
			Kind:      item.Kind.String(),
			Requester: item.Requester.String(),
			Tag:       int(item.Tag),
			State:     item.State().String(),
		})
	case tlp.Packet:
		payload := 0
		if item.Common().Type.HasData() {
			payload = item.Common().PayloadBytes()
		}
		t.rec.InsertData(flowTable, FlowEntry{
			TimeNS:  ns,
			Event:   ctx.Pos.Name,
			Class:   item.Class().String(),
			Type:    int(item.Common().Type),
			Payload: payload,
		})
	}
}
