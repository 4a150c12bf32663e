// Package xact tracks in-flight transactions from issue to completion.
//
// Each non-posted request, message, and interrupt assertion gets a Handle
// that walks a small state machine. Non-posted handles park in
// AwaitingCompletion without blocking the adapter; a completion arriving
// from the device side, a cooperative timeout sweep, or a cancellation
// moves them to a terminal state and wakes any waiter.
package xact

import (
	"errors"
	"fmt"
)

// Kind discriminates the three transaction classes a handle can track.
type Kind int

// The transaction classes.
const (
	KindMemory Kind = iota
	KindMessage
	KindInterrupt
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindMessage:
		return "message"
	case KindInterrupt:
		return "interrupt"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// State is a stage of a handle's life cycle.
type State int

// The handle states. Completed, TimedOut, and Cancelled are terminal.
const (
	StateIssued State = iota
	StateAwaitingCompletion
	StateCompleted
	StateTimedOut
	StateCancelled
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateIssued:
		return "issued"
	case StateAwaitingCompletion:
		return "awaiting-completion"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed-out"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// terminal tells whether a handle in this state can transition further.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateCancelled
}

// ErrMismatch reports a completion that matches no outstanding handle.
// An unmatched completion is a protocol error and is never dropped on
// the floor.
var ErrMismatch = errors.New("completion matches no outstanding transaction")

// ErrAlreadyTerminal reports an operation on a handle that has already
// completed, timed out, or been cancelled.
var ErrAlreadyTerminal = errors.New("transaction already terminal")

// ErrNotCancellable reports a cancel request against a handle class that
// runs to completion or timeout once issued.
var ErrNotCancellable = errors.New("transaction class is not cancellable")

// ErrTimeout reports a transaction that saw no completion within its
// deadline.
var ErrTimeout = errors.New("completion timeout")

// ErrTagExhausted reports that all tags of a requester are bound to
// outstanding transactions.
var ErrTagExhausted = errors.New("no free tag for requester")
