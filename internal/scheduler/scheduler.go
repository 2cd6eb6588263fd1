// Package scheduler implements the per-thread Scheduler Loop (§4.6): a
// single-threaded cooperative event loop over one task table, plus a
// request router that stickily assigns each new request to one loop and
// never migrates it afterward (§4.6, §5).
package scheduler

import (
	"context"
	"fmt"

	"github.com/serialx/hashring"
	"github.com/sirupsen/logrus"

	"github.com/firestige/plumber/internal/tasktable"
)

// Dispatcher executes a ready task. Implementations decide sync vs async:
// a sync servlet runs straight through before Dispatch returns; an async
// servlet calls Table.LaunchAsync and posts phase 1 to its own lifecycle,
// arranging for AsyncCompleted to reach the loop via Post.
type Dispatcher interface {
	Dispatch(t *tasktable.Task)
}

// Loop is one scheduler thread: a private task table, a bounded per-tick
// dispatch budget, and an inbox other goroutines use to hand it work
// without touching its table directly (§4.4 "touched only by its owning
// scheduler thread").
type Loop struct {
	ID         int
	Table      *tasktable.Table
	Dispatcher Dispatcher

	maxPerTick int
	inbox      chan func()
	quit       chan struct{}
	log        *logrus.Entry
}

// NewLoop creates a Loop with an inbox buffered to inboxSize. maxPerTick
// bounds how many ready tasks one iteration dispatches before draining the
// inbox and blocking again, keeping a burst of readiness from starving
// inbox delivery.
func NewLoop(id int, tbl *tasktable.Table, d Dispatcher, maxPerTick, inboxSize int) *Loop {
	return &Loop{
		ID:         id,
		Table:      tbl,
		Dispatcher: d,
		maxPerTick: maxPerTick,
		inbox:      make(chan func(), inboxSize),
		quit:       make(chan struct{}),
		log:        logrus.WithField("scheduler", id),
	}
}

// Post enqueues a cross-thread notification (new-request admission,
// async-completion, external cancel) to run on this loop's own goroutine.
// Safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	select {
	case l.inbox <- fn:
	case <-l.quit:
	}
}

// Run drives the loop until ctx is cancelled or Stop is called. Each
// iteration: drain the inbox, dispatch up to maxPerTick ready tasks, then
// block on the inbox for the next item (§4.6 steps 1-2 and 4; step 3 —
// draining finished tasks — happens inline inside Dispatch/AsyncCompleted
// callbacks posted back through the inbox).
func (l *Loop) Run(ctx context.Context) {
	for {
		l.drainInbox()
		l.dispatchTick()

		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case fn := <-l.inbox:
			fn()
		}
	}
}

func (l *Loop) drainInbox() {
	for {
		select {
		case fn := <-l.inbox:
			fn()
		default:
			return
		}
	}
}

func (l *Loop) dispatchTick() {
	for i := 0; i < l.maxPerTick; i++ {
		t := l.Table.NextReadyTask()
		if t == nil {
			return
		}
		l.Dispatcher.Dispatch(t)
	}
}

// Stop signals Run to return after its current iteration.
func (l *Loop) Stop() { close(l.quit) }

// Router assigns each new request to exactly one Loop via consistent
// hashing over a request-scoped key (source connection, flow id, whatever
// the transport module surfaces), so repeated admissions from the same
// source land on the same thread without needing a sticky routing table
// (§4.6 "a request is sticky to the thread that accepted it").
type Router struct {
	ring  *hashring.HashRing
	loops map[string]*Loop
}

// NewRouter builds a Router over loops, keyed by "scheduler-<id>".
func NewRouter(loops []*Loop) *Router {
	nodes := make([]string, len(loops))
	byName := make(map[string]*Loop, len(loops))
	for i, l := range loops {
		name := fmt.Sprintf("scheduler-%d", l.ID)
		nodes[i] = name
		byName[name] = l
	}
	return &Router{ring: hashring.New(nodes), loops: byName}
}

// LoopFor resolves key to the Loop that should own a new request admitted
// under that key.
func (r *Router) LoopFor(key string) (*Loop, bool) {
	name, ok := r.ring.GetNode(key)
	if !ok {
		return nil, false
	}
	l, ok := r.loops[name]
	return l, ok
}
