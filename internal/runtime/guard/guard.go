// Package guard holds the two execution guards shared by scheduled tasks and
// loop checks: an in-flight gate and panic-to-error conversion.
package guard

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
)

// ErrOverlapSkip is returned when a run is skipped because the previous run
// of the same unit is still in flight.
var ErrOverlapSkip = errors.New("skipped: previous run still in flight")

// Gate admits one run at a time. The zero value is open.
type Gate struct {
	busy    atomic.Bool
	skipped atomic.Int64
}

// TryAcquire closes the gate, or counts a skip and returns false when it is
// already closed.
func (g *Gate) TryAcquire() bool {
	if g.busy.CompareAndSwap(false, true) {
		return true
	}
	g.skipped.Add(1)
	return false
}

func (g *Gate) Release() { g.busy.Store(false) }

// Busy reports whether a run is in flight.
func (g *Gate) Busy() bool { return g.busy.Load() }

// Skipped returns how many runs were refused.
func (g *Gate) Skipped() int64 { return g.skipped.Load() }

// PanicError is a recovered panic.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Call runs fn and converts a panic into a *PanicError.
func Call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

// StackOf returns the stack of a recovered panic wrapped in err, if any.
func StackOf(err error) (string, bool) {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Stack, true
	}
	return "", false
}
