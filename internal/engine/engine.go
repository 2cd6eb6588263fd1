// Package engine is the scheduler-driven composition root (§4.4-§4.6): it
// wires a service graph's nodes to real scheduler loops, each with its
// own task table, so a request is driven node by node through attached
// pipe handles exactly the way sched/task.h's scheduler task context
// does — input_pipe/output_pipe/pipe_ready/next_ready_task/launch_async/
// async_completed/free all run on a live request path here, not only in
// their packages' own unit tests.
package engine

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/firestige/plumber/internal/async"
	"github.com/firestige/plumber/internal/graph"
	"github.com/firestige/plumber/internal/pipe"
	"github.com/firestige/plumber/internal/scheduler"
	"github.com/firestige/plumber/internal/scope"
	"github.com/firestige/plumber/internal/tasktable"
	"github.com/firestige/plumber/servlet"
	"github.com/firestige/plumber/transport/memory"
)

type nodeRuntime struct {
	name     string
	desc     servlet.Descriptor
	instance servlet.Instance
	mode     servlet.Mode
}

// Options bounds an Engine's concurrency: Threads scheduler loops, each
// running at most MaxPerTick dispatches before yielding to its inbox;
// AsyncConcurrency bounds the shared async pool (<=0 means unbounded).
type Options struct {
	Threads          int
	MaxPerTick       int
	AsyncInboxSize   int
	AsyncConcurrency int
}

// DefaultOptions matches a single scheduler thread, a modest dispatch
// budget, and an unbounded async pool — enough for one task worker.
func DefaultOptions() Options {
	return Options{Threads: 1, MaxPerTick: 32, AsyncInboxSize: 256, AsyncConcurrency: 0}
}

// Engine drives one static service graph across Options.Threads scheduler
// loops, sharing one async lifecycle pool and one field-accessor registry
// across every loop and every request (§4.6 "N scheduler threads, K async
// pool threads").
type Engine struct {
	g      *graph.Graph
	nodes  map[tasktable.NodeID]*nodeRuntime
	rootID tasktable.NodeID

	fields *fieldRegistry
	lc     *async.Lifecycle

	loops  []*scheduler.Loop
	router *scheduler.Router

	nextReq atomic.Uint64
	wg      sync.WaitGroup
	log     *logrus.Entry
}

// initNode resolves name from registry and calls its Init with argv,
// validating the mode/hook pairing every composition root (linear chain or
// arbitrary graph) needs: a SYNC servlet must declare Exec, an ASYNC one
// must declare AsyncSetup, since dispatch switches on mode alone.
func initNode(registry *graph.Registry, name string, argv []string) (*nodeRuntime, error) {
	desc, err := registry.Get(name)
	if err != nil {
		return nil, err
	}
	mode, inst, err := desc.Init(argv)
	if err != nil {
		return nil, fmt.Errorf("init %q: %w", name, err)
	}
	if mode == servlet.SYNC && desc.Exec == nil {
		return nil, fmt.Errorf("servlet %q: SYNC mode declared with no Exec func", name)
	}
	if mode == servlet.ASYNC && desc.AsyncSetup == nil {
		return nil, fmt.Errorf("servlet %q: ASYNC mode declared with no AsyncSetup func", name)
	}
	return &nodeRuntime{name: name, desc: desc, instance: inst, mode: mode}, nil
}

// New resolves names, in order, from registry as a linear service graph
// (node i's "out" feeds node i+1's "in"), calling each servlet's Init with
// argv[name]. Unlike internal/runtime.New, SYNC and ASYNC servlets are
// both accepted: ASYNC nodes run through the async lifecycle pool instead
// of being rejected at assembly.
func New(registry *graph.Registry, names []string, argv map[string][]string, opts Options) (*Engine, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("engine: at least one servlet is required")
	}

	g := graph.New()
	nodes := make(map[tasktable.NodeID]*nodeRuntime, len(names))

	for i, name := range names {
		nr, err := initNode(registry, name, argv[name])
		if err != nil {
			return nil, err
		}

		id := tasktable.NodeID(i)
		if err := g.AddNode(id, name, name); err != nil {
			return nil, err
		}
		nodes[id] = nr
		if i > 0 {
			if err := g.AddEdge(tasktable.NodeID(i-1), 0, id, 0, "bytes"); err != nil {
				return nil, err
			}
		}
	}
	if err := g.Freeze(); err != nil {
		return nil, err
	}

	return assemble(g, nodes, tasktable.NodeID(0), opts), nil
}

// NewFromSpec resolves spec against registry into a live Graph (via
// graph.BuildFromSpec) and Inits every node's servlet, giving graphdesc's
// declarative YAML documents — or any other caller with an arbitrary
// fan-out/fan-in graph, not just a linear chain — the same scheduler-driven
// execution New gives a flat servlet-name list. root is the node that
// Submit posts new requests to.
func NewFromSpec(registry *graph.Registry, spec *graph.Spec, root graph.NodeID, opts Options) (*Engine, error) {
	g, err := graph.BuildFromSpec(spec, registry)
	if err != nil {
		return nil, err
	}

	nodes := make(map[tasktable.NodeID]*nodeRuntime, len(spec.Nodes))
	for _, n := range spec.Nodes {
		argv, err := configArgv(n.Config)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		nr, err := initNode(registry, n.Servlet, argv)
		if err != nil {
			return nil, err
		}
		nodes[n.ID] = nr
	}
	if _, ok := nodes[root]; !ok {
		return nil, fmt.Errorf("engine: root node %d not present in spec", root)
	}

	return assemble(g, nodes, root, opts), nil
}

// configArgv renders a node's declarative config map into the single
// JSON-encoded argv slice servlet Init funcs expect, matching
// internal/task.servletArgv's convention.
func configArgv(cfg map[string]any) ([]string, error) {
	if len(cfg) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return []string{string(encoded)}, nil
}

// assemble wires a resolved Graph and its Inited nodes into scheduler loops
// sharing one async pool and field registry, applying Options defaults.
func assemble(g *graph.Graph, nodes map[tasktable.NodeID]*nodeRuntime, root tasktable.NodeID, opts Options) *Engine {
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if opts.MaxPerTick < 1 {
		opts.MaxPerTick = 32
	}
	if opts.AsyncInboxSize < 1 {
		opts.AsyncInboxSize = 256
	}

	e := &Engine{
		g:      g,
		nodes:  nodes,
		rootID: root,
		fields: newFieldRegistry(),
		lc:     async.NewLifecycle(opts.AsyncConcurrency),
		log:    logrus.WithField("component", "engine"),
	}

	loops := make([]*scheduler.Loop, opts.Threads)
	for i := 0; i < opts.Threads; i++ {
		l := scheduler.NewLoop(i, tasktable.New(), nil, opts.MaxPerTick, opts.AsyncInboxSize)
		l.Dispatcher = &loopDispatcher{engine: e, loop: l}
		loops[i] = l
	}
	e.loops = loops
	e.router = scheduler.NewRouter(loops)
	return e
}

// Run starts every scheduler loop's goroutine; it returns immediately.
// Stopping ctx (or calling Close) drains them.
func (e *Engine) Run(ctx context.Context) {
	for _, l := range e.loops {
		e.wg.Add(1)
		go func(l *scheduler.Loop) {
			defer e.wg.Done()
			l.Run(ctx)
		}(l)
	}
}

// Close stops every scheduler loop, waits for in-flight async exec bodies
// to drain, and unloads every servlet in reverse declaration order.
func (e *Engine) Close() {
	for _, l := range e.loops {
		l.Stop()
	}
	e.wg.Wait()
	e.lc.Wait()

	order := e.g.TopologicalOrder()
	for i := len(order) - 1; i >= 0; i-- {
		nr := e.nodes[order[i]]
		if nr.desc.Unload != nil {
			nr.desc.Unload(nr.instance)
		}
	}
}

// Submit admits payload as a new request at the graph's root node,
// routed to one scheduler loop by affinityKey (sticky per-key routing,
// §4.6 "a request is sticky to the thread that accepted it"; an empty
// key still resolves deterministically via the hash ring). Admission
// itself runs on the owning loop's own goroutine, posted through its
// inbox, so every Table mutation happens on the thread that owns the
// table (§4.4).
func (e *Engine) Submit(affinityKey string, payload []byte) error {
	loop, ok := e.router.LoopFor(affinityKey)
	if !ok {
		return fmt.Errorf("engine: no scheduler loop available")
	}

	req := tasktable.RequestID(e.nextReq.Add(1))
	sc := scope.New(uint64(req))

	mod := memory.New(fmt.Sprintf("req-%d/root", req))
	mod.WriteBody(payload)
	mod.CloseBody()
	inHandle := pipe.New(mod, false, uint16(e.rootID))

	loop.Post(func() {
		indeg := e.g.InDegree(e.rootID)
		if indeg < 1 {
			indeg = 1
		}
		if _, err := loop.Table.NewRequest(req, e.rootID, indeg, sc); err != nil {
			e.log.WithError(err).WithField("request", req).Warn("engine: admission failed")
			return
		}
		if err := loop.Table.InputPipe(req, e.rootID, 0, inHandle, indeg, sc, tasktable.StageSync); err != nil {
			e.log.WithError(err).WithField("request", req).Warn("engine: root input_pipe failed")
		}
	})
	return nil
}

// loopDispatcher binds an Engine to the specific Loop it is dispatching
// for, so async completions can be posted back to that same loop's inbox
// rather than a different thread's (the invariant async.Lifecycle.Launch
// documents for onComplete).
type loopDispatcher struct {
	engine *Engine
	loop   *scheduler.Loop
}

func (d *loopDispatcher) Dispatch(t *tasktable.Task) {
	d.engine.dispatch(d.loop, t)
}

func (e *Engine) dispatch(loop *scheduler.Loop, t *tasktable.Task) {
	nr, ok := e.nodes[t.Node]
	if !ok {
		e.log.WithField("node", t.Node).Error("engine: dispatch for unknown node")
		return
	}
	addr := newEngineTable(t, e.fields, nr.name)

	switch nr.mode {
	case servlet.SYNC:
		if err := nr.desc.Exec(nr.instance, addr); err != nil {
			e.log.WithError(err).WithField("node", nr.name).Warn("engine: sync exec failed")
			addr.Trap(err.Error())
		}
		e.propagate(loop.Table, t, addr)
		if err := loop.Table.Free(t); err != nil {
			e.log.WithError(err).WithField("node", nr.name).Warn("engine: free failed")
		}

	case servlet.ASYNC:
		loop.Table.LaunchAsync(t)
		_, err := e.lc.Launch(
			func(h *async.Handle) (async.SetupResult, error) { return nr.desc.AsyncSetup(nr.instance, addr, h) },
			func(h *async.Handle, buf []byte) async.Status {
				if nr.desc.AsyncExec == nil {
					return 0
				}
				return nr.desc.AsyncExec(h, buf)
			},
			func(h *async.Handle, buf []byte, status async.Status) {
				if nr.desc.AsyncCleanup != nil {
					nr.desc.AsyncCleanup(nr.instance, addr, h, buf, status)
				}
			},
			func(*async.Handle) {
				loop.Post(func() {
					e.propagate(loop.Table, t, addr)
					if err := loop.Table.AsyncCompleted(t); err != nil {
						e.log.WithError(err).WithField("node", nr.name).Warn("engine: async_completed failed")
					}
				})
			},
		)
		if err != nil {
			e.log.WithError(err).WithField("node", nr.name).Warn("engine: async launch failed")
			if ferr := loop.Table.Free(t); ferr != nil {
				e.log.WithError(ferr).Warn("engine: free after failed launch failed")
			}
		}

	default:
		e.log.WithField("node", nr.name).Error("engine: unknown servlet mode")
	}
}

// propagate flushes addr's declared output slots into new pipe handles
// wired through the task table's output_pipe/input_pipe calls, matching
// each Define-ordered output slot to the graph's Define-ordered outgoing
// edges from t.Node.
func (e *Engine) propagate(tbl *tasktable.Table, t *tasktable.Task, addr *engineTable) {
	if reason := addr.trappedReason(); reason != "" {
		e.cancelDownstream(tbl, t)
		return
	}

	edges := e.g.OutEdges(t.Node)
	for i, edge := range edges {
		if i >= len(addr.outBufs) {
			e.cancelEdge(tbl, t, edge)
			continue
		}
		out := addr.outBufs[i]

		mod := memory.New(fmt.Sprintf("req-%d/node-%d-slot-%d", t.Request, t.Node, edge.FromSlot))
		if len(out.fields) > 0 {
			var hdr bytes.Buffer
			if err := gob.NewEncoder(&hdr).Encode(out.fields); err != nil {
				e.log.WithError(err).Warn("engine: encode output header failed")
			} else {
				mod.WriteHeader(hdr.Bytes())
			}
		}
		mod.WriteBody(out.raw)

		if out.scopeToken != nil {
			e.drainScopeToken(t, mod, *out.scopeToken)
		}
		mod.CloseBody()

		outHandle := pipe.New(mod, true, uint16(edge.To))
		if err := tbl.OutputPipe(t, edge.FromSlot, outHandle); err != nil {
			e.log.WithError(err).Warn("engine: output_pipe failed")
			continue
		}

		inHandle := pipe.New(mod, false, uint16(edge.From))
		indeg := e.g.InDegree(edge.To)
		if indeg < 1 {
			indeg = 1
		}
		if err := tbl.InputPipe(t.Request, edge.To, edge.ToSlot, inHandle, indeg, t.Scope, tasktable.StageSync); err != nil {
			e.log.WithError(err).Warn("engine: input_pipe failed")
		}
	}
}

// drainScopeToken performs the zero-copy handoff: it opens its own stream
// over tok, copies the object's bytes into the downstream module's body
// (the one copy a process boundary-free handoff still needs — no
// additional header serialisation happens for this field), then releases
// the task's reference. The object itself is never duplicated into the
// gob-encoded field map (§4.1, §8 scenario "wait-mode drain").
func (e *Engine) drainScopeToken(t *tasktable.Task, mod *memory.Module, tok scope.Token) {
	hdl, err := t.Scope.OpenStream(tok)
	if err != nil {
		e.log.WithError(err).Warn("engine: open scope stream for drain failed")
		return
	}
	buf := make([]byte, 4096)
	for {
		n, rerr := t.Scope.ReadStream(tok, hdl, buf)
		if n > 0 {
			mod.WriteBody(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			e.log.WithError(rerr).Warn("engine: scope stream drain failed")
			break
		}
		if eos, _ := t.Scope.StreamEOS(tok, hdl); eos {
			break
		}
	}
	if err := t.Scope.CloseStream(tok, hdl); err != nil {
		e.log.WithError(err).Warn("engine: close scope stream after drain failed")
	}
	if err := t.Scope.Decref(tok); err != nil {
		e.log.WithError(err).Warn("engine: decref scope token after drain failed")
	}
}

// cancelDownstream propagates a Trap'd task's cancellation to every
// outgoing edge (§4.4 input_cancelled semantics, mirrored here since the
// upstream task never produced real outputs to wire).
func (e *Engine) cancelDownstream(tbl *tasktable.Table, t *tasktable.Task) {
	for _, edge := range e.g.OutEdges(t.Node) {
		e.cancelEdge(tbl, t, edge)
	}
}

func (e *Engine) cancelEdge(tbl *tasktable.Table, t *tasktable.Task, edge *graph.Edge) {
	indeg := e.g.InDegree(edge.To)
	if indeg < 1 {
		indeg = 1
	}
	downstream := tbl.EnsureTask(t.Request, edge.To, indeg, t.Scope)
	if err := tbl.InputCancelled(downstream); err != nil {
		e.log.WithError(err).Warn("engine: input_cancelled propagation failed")
	}
}
