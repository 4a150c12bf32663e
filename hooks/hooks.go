// Package hooks provides lightweight instrumentation points that adapter
// components invoke at transaction lifecycle boundaries. Recorders and
// tracers attach to the components they observe without the components
// knowing about them.
package hooks

// A Pos names the position in a transaction's life at which a hook fires.
type Pos struct {
	Name string
}

// Hook positions invoked by the transaction engine.
var (
	// PosIssue fires when a transaction handle is created.
	PosIssue = &Pos{Name: "Issue"}

	// PosAdmit fires when the arbiter admits a packet.
	PosAdmit = &Pos{Name: "Admit"}

	// PosDefer fires when the arbiter queues a packet for lack of
	// credits or because of an ordering constraint.
	PosDefer = &Pos{Name: "Defer"}

	// PosComplete fires when a handle reaches the Completed state.
	PosComplete = &Pos{Name: "Complete"}

	// PosTimeout fires when a handle times out.
	PosTimeout = &Pos{Name: "Timeout"}

	// PosCancel fires when a handle is cancelled.
	PosCancel = &Pos{Name: "Cancel"}
)

// Ctx carries the information about the site that triggered a hook.
type Ctx struct {
	Domain Hookable
	Pos    *Pos
	Item   any
	Detail any
}

// A Hook is a short piece of program invoked by a hookable component.
type Hook interface {
	Func(ctx Ctx)
}

// Hookable is a component that accepts hooks.
type Hookable interface {
	AcceptHook(hook Hook)
}

// HookableBase provides the hook bookkeeping for components that embed it.
type HookableBase struct {
	hooks []Hook
}

// AcceptHook registers a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.hooks = append(h.hooks, hook)
}

// NumHooks returns the number of registered hooks.
func (h *HookableBase) NumHooks() int {
	return len(h.hooks)
}

// InvokeHook triggers all registered hooks.
func (h *HookableBase) InvokeHook(ctx Ctx) {
	for _, hook := range h.hooks {
		hook.Func(ctx)
	}
}
