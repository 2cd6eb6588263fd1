// Package async implements the Async Lifecycle (§4.5): splits one logical
// servlet execution into setup/exec/cleanup phases running on different
// thread classes, with wait-mode suspension and external completion
// notification. Phase 2 (exec) runs on a bounded pool of goroutines via
// sourcegraph/conc/pool so exec bodies never contend with scheduler
// threads for the same goroutines.
package async

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
	"github.com/tevino/abool"
)

// Status is a task's completion status code, set by phase 1 on cancel, by
// phase 2 on exec, or by an external NotifyWait call in wait-mode (§3
// Async Task Handle).
type Status int32

// SetupResult is what phase 1 (setup) hands back to the framework.
type SetupResult struct {
	// Buf is the only state carried forward to phase 2; cleanup in phase 3
	// never sees it directly, only through its own Buf parameter.
	Buf []byte
	// Cancel, if true, jumps straight to phase 3 with CancelStatus,
	// bypassing phase 2 entirely (§4.5 "Cancellation").
	Cancel       bool
	CancelStatus Status
	// Wait defers automatic completion until an external NotifyWait call
	// (§4.5 "Wait mode").
	Wait bool
}

// SetupFunc is phase 1: runs on a worker thread with access to the servlet
// instance and input pipes. It receives its own Handle up front — mirroring
// the original runtime's async_setup(task, buf, data), which hands the task
// handle to setup before any of the three phases produce a result — so a
// servlet that wants wait-mode without returning SetupResult.Wait can still
// reach the handle (e.g. to stash it for a callback registered elsewhere).
type SetupFunc func(h *Handle) (SetupResult, error)

// ExecFunc is phase 2: runs on an async pool thread with access only to
// the setup-produced buffer and its Handle; this is where blocking I/O, or
// the registration of a truly asynchronous I/O completion callback,
// belongs (§4.5 "Wait mode" — exec starts the operation, an external
// NotifyWait call on this same Handle finishes it).
type ExecFunc func(h *Handle, buf []byte) Status

// CleanupFunc is phase 3: runs on a worker thread with access to both buf
// and (implicitly, via closure) the servlet instance, converting buf back
// into pipe writes and scope-token emissions. h.RETCODE() reads back
// whatever status exec or NotifyWait set.
type CleanupFunc func(h *Handle, buf []byte, status Status)

// Handle is the opaque identifier valid across all three phases of one
// async execution (§3 Async Task Handle).
type Handle struct {
	id      uint64
	buf     []byte
	wait    *abool.AtomicBool
	status  atomic.Int32
	once    sync.Once
	cleanup CleanupFunc
	done    func(*Handle)
}

// ID identifies the handle for logging/metrics correlation.
func (h *Handle) ID() uint64 { return h.id }

// RETCODE reads the task's current status, mirroring the servlet ABI's
// async_cntl(handle, RETCODE) call available to cleanup (§6).
func (h *Handle) RETCODE() Status { return Status(h.status.Load()) }

// Lifecycle drives phase 2 execution for every async task on one shared
// bounded pool (§5: "K async-pool threads that run only phase-2 exec
// bodies").
type Lifecycle struct {
	pool   *pool.Pool
	nextID atomic.Uint64
}

// NewLifecycle creates a Lifecycle whose pool runs at most maxGoroutines
// concurrent phase-2 bodies. maxGoroutines <= 0 means unbounded.
func NewLifecycle(maxGoroutines int) *Lifecycle {
	p := pool.New()
	if maxGoroutines > 0 {
		p = p.WithMaxGoroutines(maxGoroutines)
	}
	return &Lifecycle{pool: p}
}

// Launch runs setup synchronously on the calling goroutine (the worker
// thread that owns this task), then either short-circuits straight to
// cleanup on CANCEL or posts exec to the pool. onComplete fires exactly
// once, from whichever goroutine determines completion — the pool worker
// for the non-wait path, or a later NotifyWait caller otherwise. Callers
// must post onComplete's invocation to their own scheduler thread's inbox
// rather than act on the task table inline, preserving the "task table
// touched only by its owning thread" invariant (§4.4).
func (lc *Lifecycle) Launch(setup SetupFunc, exec ExecFunc, cleanup CleanupFunc, onComplete func(*Handle)) (*Handle, error) {
	h := &Handle{
		id:      lc.nextID.Add(1),
		wait:    abool.New(),
		cleanup: cleanup,
		done:    onComplete,
	}

	result, err := setup(h)
	if err != nil {
		return nil, fmt.Errorf("async setup: %w", err)
	}
	h.buf = result.Buf
	if result.Wait {
		h.wait.Set()
	}

	if result.Cancel {
		h.status.Store(int32(result.CancelStatus))
		h.finish(result.CancelStatus)
		return h, nil
	}

	lc.pool.Go(func() {
		status := exec(h, h.buf)
		h.status.Store(int32(status))
		if h.wait.IsSet() {
			return // completion awaits an external NotifyWait call
		}
		h.finish(status)
	})
	return h, nil
}

// NotifyWait is the external reactor's completion hook for a wait-mode
// task (§4.5 "Wait mode"). Calling it more than once, or on a task that
// never entered wait mode, is harmless: finish only ever runs once.
func (h *Handle) NotifyWait(status Status) {
	h.finish(status)
}

func (h *Handle) finish(status Status) {
	h.once.Do(func() {
		h.status.Store(int32(status))
		if h.cleanup != nil {
			h.cleanup(h, h.buf, status)
		}
		if h.done != nil {
			h.done(h)
		}
	})
}

// Wait blocks until every in-flight phase-2 body in the pool has returned;
// used during graceful shutdown.
func (lc *Lifecycle) Wait() { lc.pool.Wait() }
