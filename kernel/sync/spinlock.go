// Package sync provides the synchronization primitives the kernel's
// single-CPU, interrupt-driven concurrency model needs: a busy-wait spinlock
// for critical sections also touched from interrupt context, and a
// fixed-capacity ring buffer for producer/consumer handoff (IRQ handler to
// future drainer) without allocation.
package sync

import (
	"sync/atomic"

	"github.com/dracoos/draco/kernel/cpu"
)

// pauseFn issues the busy-wait hint between failed acquire attempts; tests
// override it to keep contended-lock tests deterministic.
var pauseFn = cpu.Pause

// Spinlock guards a critical section shared between normal execution and
// interrupt handlers. There is no task scheduler to yield to, so a blocked
// Acquire simply spins, issuing a PAUSE hint between attempts.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired. Re-acquiring a lock already
// held by the caller deadlocks, since there is nothing else to make progress
// on a single CPU.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		pauseFn()
	}
}

// TryToAcquire attempts to acquire the lock without blocking, returning
// whether it succeeded.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock. Calling Release on a free lock has no
// effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
