// Package tasktable implements the Task Table (§4.4): per live request, per
// node in the service graph, tracks the in-progress task and its readiness
// counters, and emits runnable tasks in an order consistent with data
// dependencies. A table belongs to exactly one scheduler thread (§5);
// cross-thread notifications must go through that thread's inbox, never
// call directly into another thread's table.
package tasktable

import (
	"fmt"

	"github.com/firestige/plumber/internal/perr"
	"github.com/firestige/plumber/internal/pipe"
	"github.com/firestige/plumber/internal/scope"
)

// RequestID is the 64-bit monotonic request identifier (§3).
type RequestID uint64

// NodeID names a node in the service graph.
type NodeID uint32

// Phase is a task's lifecycle state (§3 Scheduler Task invariants).
type Phase int

const (
	Pending Phase = iota
	Ready
	Running
	AsyncWaiting
	Completed
	Cancelled
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case AsyncWaiting:
		return "async-waiting"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// AsyncStage selects input_pipe's handling mode (§4.4).
type AsyncStage int

const (
	// StageSync performs both attach and ready-mark in one call.
	StageSync AsyncStage = iota
	// StageAsync1 only attaches the handle; the task is not yet ready.
	StageAsync1
	// StageAsync2 only marks ready, flipping a pre-populated pending task.
	StageAsync2
)

// Task is the scheduler-visible unit of work: one node execution for one
// request (§3 Scheduler Task).
type Task struct {
	Request RequestID
	Node    NodeID
	Scope   *scope.Scope

	inDegree  int
	outDegree int

	phase     Phase
	ready     int
	cancelled int

	inputs  []*pipe.Handle
	outputs []*pipe.Handle

	// seq records the tick-relative order in which this task's readiness
	// condition was most recently satisfied, enforcing the ready queue's
	// FIFO-by-last-arrival ordering (§4.4 invariant, §8 property 2).
	seq uint64
}

// CurrentPhase reports the task's current lifecycle state.
func (t *Task) CurrentPhase() Phase { return t.phase }

// InDegree/ready/cancelled are exposed read-only for tests validating §8
// property 1.
func (t *Task) InDegree() int  { return t.inDegree }
func (t *Task) Ready() int     { return t.ready }
func (t *Task) Cancelled() int { return t.cancelled }

// InputHandle returns the pipe handle attached at input slot idx, or nil if
// none has arrived at that slot yet — the scheduler-driven engine's only
// way to reach a task's attached inputs without poking at table internals.
func (t *Task) InputHandle(idx int) *pipe.Handle {
	if idx < 0 || idx >= len(t.inputs) {
		return nil
	}
	return t.inputs[idx]
}

// OutputHandle returns the pipe handle attached at output slot idx, or nil.
func (t *Task) OutputHandle(idx int) *pipe.Handle {
	if idx < 0 || idx >= len(t.outputs) {
		return nil
	}
	return t.outputs[idx]
}

// Table is one scheduler thread's task table: a map from (request, node) to
// task plus the FIFO ready queue feeding next_ready_task.
type Table struct {
	tasks map[RequestID]map[NodeID]*Task
	// requestScopes tracks each live request's scope and remaining task
	// count so the last task freed can finalise the scope (§3 Request
	// lifetime, §8 property 3).
	requestScopes map[RequestID]*requestState

	readyQueue []*Task
	seqCounter uint64
}

type requestState struct {
	sc           *scope.Scope
	liveTasks    int
	outputHandle *pipe.Handle
}

// New creates an empty Table for one scheduler thread.
func New() *Table {
	return &Table{
		tasks:         make(map[RequestID]map[NodeID]*Task),
		requestScopes: make(map[RequestID]*requestState),
	}
}

// NewRequest allocates request id's root task for the graph's input node.
// inDegree is the input node's declared in-degree (normally 1, the
// external source); a root with in-degree 0 is marked ready at once.
func (tbl *Table) NewRequest(req RequestID, inputNode NodeID, inDegree int, sc *scope.Scope) (*Task, error) {
	if _, exists := tbl.tasks[req]; exists {
		return nil, fmt.Errorf("%w: request %d already exists", perr.ErrInvalidArgument, req)
	}
	t := &Task{Request: req, Node: inputNode, Scope: sc, inDegree: inDegree}
	tbl.tasks[req] = map[NodeID]*Task{inputNode: t}
	tbl.requestScopes[req] = &requestState{sc: sc, liveTasks: 1}
	if inDegree == 0 {
		tbl.markReady(t)
	}
	return t, nil
}

// task returns (or, if absent, lazily creates as Pending) the task for
// (req, node), with the given in-degree — used when a downstream edge
// arrives before any other edge of the same node.
func (tbl *Table) task(req RequestID, node NodeID, inDegree int, sc *scope.Scope) *Task {
	byNode, ok := tbl.tasks[req]
	if !ok {
		byNode = make(map[NodeID]*Task)
		tbl.tasks[req] = byNode
	}
	t, ok := byNode[node]
	if !ok {
		t = &Task{Request: req, Node: node, Scope: sc, inDegree: inDegree}
		byNode[node] = t
		if rs, ok := tbl.requestScopes[req]; ok {
			rs.liveTasks++
		}
	}
	return t
}

// EnsureTask returns (creating as Pending if absent) the task for
// (req, node) with the given in-degree, for use by callers that need a
// task handle before any pipe has attached to it — e.g. admission code
// wiring up a downstream node ahead of its first input arriving.
func (tbl *Table) EnsureTask(req RequestID, node NodeID, inDegree int, sc *scope.Scope) *Task {
	return tbl.task(req, node, inDegree, sc)
}

// InputPipe records that handle has arrived at (req, node, slot). See
// AsyncStage for the three attach/ready-mark combinations (§4.4).
func (tbl *Table) InputPipe(req RequestID, node NodeID, slot int, handle *pipe.Handle, inDegree int, sc *scope.Scope, stage AsyncStage) error {
	t := tbl.task(req, node, inDegree, sc)

	switch stage {
	case StageSync:
		if err := attachInput(t, slot, handle); err != nil {
			return err
		}
		return tbl.PipeReady(t)

	case StageAsync1:
		if handle == nil {
			return fmt.Errorf("%w: StageAsync1 requires a non-nil handle", perr.ErrInvalidArgument)
		}
		return attachInput(t, slot, handle)

	case StageAsync2:
		if handle != nil {
			return fmt.Errorf("%w: StageAsync2 requires a nil handle", perr.ErrInvalidArgument)
		}
		return tbl.PipeReady(t)

	default:
		return fmt.Errorf("%w: unknown async stage %d", perr.ErrInvalidArgument, stage)
	}
}

func attachInput(t *Task, slot int, handle *pipe.Handle) error {
	if slot < 0 {
		return fmt.Errorf("%w: negative input slot", perr.ErrInvalidArgument)
	}
	for len(t.inputs) <= slot {
		t.inputs = append(t.inputs, nil)
	}
	t.inputs[slot] = handle
	return nil
}

// OutputPipe records a newly created output handle for task at slot;
// ownership transfers to the task (§4.4).
func (tbl *Table) OutputPipe(t *Task, slot int, handle *pipe.Handle) error {
	if slot < 0 {
		return fmt.Errorf("%w: negative output slot", perr.ErrInvalidArgument)
	}
	for len(t.outputs) <= slot {
		t.outputs = append(t.outputs, nil)
	}
	t.outputs[slot] = handle
	return nil
}

// OutputShadow records a shadow output: a second read end on an existing
// edge. The forked handle must carry SHADOW|INPUT; ownership is NOT
// transferred to the task (§4.4, §9 shadow-mask check).
func (tbl *Table) OutputShadow(t *Task, slot int, forked *pipe.Handle) error {
	const want = pipe.FlagShadow | pipe.FlagOutput
	if forked.Flags()&want != want {
		return fmt.Errorf("%w: shadow handle missing SHADOW|INPUT flags", perr.ErrInvalidArgument)
	}
	for len(t.outputs) <= slot {
		t.outputs = append(t.outputs, nil)
	}
	if t.outputs[slot] == nil {
		t.outputs[slot] = forked
	}
	return nil
}

// InputCancelled increments task's cancelled counter; if all inputs are now
// cancelled, propagates cancellation to every output edge.
func (tbl *Table) InputCancelled(t *Task) error {
	if err := tbl.bumpCounter(t, &t.cancelled); err != nil {
		return err
	}
	if t.cancelled == t.inDegree && t.inDegree > 0 {
		t.phase = Cancelled
		return tbl.free(t)
	}
	tbl.maybeEnqueue(t)
	return nil
}

// PipeReady increments task's ready counter; if ready+cancelled equals
// in-degree, enqueues it on the ready queue.
func (tbl *Table) PipeReady(t *Task) error {
	if err := tbl.bumpCounter(t, &t.ready); err != nil {
		return err
	}
	tbl.maybeEnqueue(t)
	return nil
}

func (tbl *Table) bumpCounter(t *Task, counter *int) error {
	if *counter+1 > t.inDegree && t.inDegree > 0 {
		if perr.Debug {
			panic(fmt.Sprintf("tasktable: counter overflow for node %d request %d", t.Node, t.Request))
		}
		return fmt.Errorf("%w: ready+cancelled would exceed in-degree for node %d", perr.ErrProgramming, t.Node)
	}
	*counter++
	return nil
}

func (tbl *Table) maybeEnqueue(t *Task) {
	if t.phase != Pending {
		return
	}
	if t.ready+t.cancelled == t.inDegree && t.cancelled < t.inDegree {
		tbl.markReady(t)
	}
}

func (tbl *Table) markReady(t *Task) {
	t.phase = Ready
	tbl.seqCounter++
	t.seq = tbl.seqCounter
	tbl.readyQueue = append(tbl.readyQueue, t)
}

// NextReadyTask pops the oldest-by-readiness task off the ready queue, or
// nil if empty. FIFO by the order each task most recently satisfied its
// readiness condition (§4.4 invariant, §8 property 2).
func (tbl *Table) NextReadyTask() *Task {
	if len(tbl.readyQueue) == 0 {
		return nil
	}
	t := tbl.readyQueue[0]
	tbl.readyQueue = tbl.readyQueue[1:]
	t.phase = Running
	return t
}

// LaunchAsync transitions t into AsyncWaiting, the caller being responsible
// for posting the setup phase to the async pool (internal/async).
func (tbl *Table) LaunchAsync(t *Task) {
	t.phase = AsyncWaiting
}

// AsyncCompleted is invoked once an async task's cleanup has run; it marks
// t Completed and frees it. It sends no readiness notifications itself: the
// caller propagates t's outputs to downstream tasks before calling it.
func (tbl *Table) AsyncCompleted(t *Task) error {
	t.phase = Completed
	return tbl.free(t)
}

// Free disposes a task that has finished execution (normal completion
// path, as opposed to the Cancelled/AsyncCompleted paths which call the
// unexported free directly).
func (tbl *Table) Free(t *Task) error {
	t.phase = Completed
	return tbl.free(t)
}

func (tbl *Table) free(t *Task) error {
	rs, ok := tbl.requestScopes[t.Request]
	if !ok {
		return fmt.Errorf("%w: request %d has no scope entry", perr.ErrProgramming, t.Request)
	}
	if byNode, ok := tbl.tasks[t.Request]; ok {
		delete(byNode, t.Node)
		if len(byNode) == 0 {
			delete(tbl.tasks, t.Request)
		}
	}
	rs.liveTasks--
	if rs.liveTasks < 0 {
		return fmt.Errorf("%w: request %d freed more tasks than it had", perr.ErrProgramming, t.Request)
	}
	if rs.liveTasks == 0 {
		delete(tbl.requestScopes, t.Request)
		if rs.sc.Len() != 0 || rs.sc.OpenStreamCount() != 0 {
			return fmt.Errorf("%w: request %d's scope still holds %d tokens and %d open streams at finalisation",
				perr.ErrProgramming, t.Request, rs.sc.Len(), rs.sc.OpenStreamCount())
		}
	}
	return nil
}

// LiveRequestCount reports how many requests still have outstanding tasks,
// used by tests and the scheduler loop's shutdown sequencing.
func (tbl *Table) LiveRequestCount() int { return len(tbl.requestScopes) }

// ReadyQueueLen reports the current ready queue depth (exported for
// internal/metrics gauges).
func (tbl *Table) ReadyQueueLen() int { return len(tbl.readyQueue) }
