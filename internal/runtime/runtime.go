// Package runtime assembles registered servlets into a fixed, linearly
// ordered pipeline and drives one packet at a time through it, single
// threaded, on the caller's own goroutine. It is a composition root for
// SYNC servlet chains (source → parser → sink): each stage's declared
// "out" slot feeds the next stage's "in" slot, with field accessors
// shared across the whole chain so a downstream stage can read exactly
// the fields an upstream stage wrote.
//
// This is intentionally the simple case, not the primary one: production
// tasks run their service graph through internal/engine, which drives the
// same servlets across real scheduler loops and task tables, with ASYNC
// servlets launched through the async lifecycle pool (see DESIGN.md).
// Pipeline stays in the tree as a synchronous, allocation-light harness
// for servlet unit tests (see servlet/decode's tests) that want to exec a
// chain without a scheduler loop in the way.
package runtime

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/firestige/plumber/internal/async"
	"github.com/firestige/plumber/internal/graph"
	"github.com/firestige/plumber/internal/pipe"
	"github.com/firestige/plumber/internal/scope"
	"github.com/firestige/plumber/internal/typemodel"
	"github.com/firestige/plumber/servlet"
)

// Pipeline runs a statically ordered chain of SYNC servlets over one
// message at a time.
type Pipeline struct {
	stages []stage
	fields *fieldRegistry
}

type stage struct {
	name     string
	desc     servlet.Descriptor
	instance servlet.Instance
}

// New resolves names from registry, in order, and calls each servlet's
// Init with argv[name]. Every resolved servlet must declare SYNC mode.
func New(registry *graph.Registry, names []string, argv map[string][]string) (*Pipeline, error) {
	p := &Pipeline{fields: newFieldRegistry()}
	for _, name := range names {
		desc, err := registry.Get(name)
		if err != nil {
			return nil, err
		}
		if desc.Exec == nil {
			return nil, fmt.Errorf("servlet %q: no Exec func, not usable in a linear pipeline", name)
		}
		mode, inst, err := desc.Init(argv[name])
		if err != nil {
			return nil, fmt.Errorf("init %q: %w", name, err)
		}
		if mode != servlet.SYNC {
			return nil, fmt.Errorf("servlet %q: linear pipeline only runs SYNC servlets", name)
		}
		p.stages = append(p.stages, stage{name: name, desc: desc, instance: inst})
	}
	return p, nil
}

// Close unloads every stage, in reverse order.
func (p *Pipeline) Close() {
	for i := len(p.stages) - 1; i >= 0; i-- {
		s := p.stages[i]
		if s.desc.Unload != nil {
			s.desc.Unload(s.instance)
		}
	}
}

// Run feeds payload through every stage in turn. A stage that never
// Define()s an "out" slot passes its "in" message through unchanged.
func (p *Pipeline) Run(payload []byte) error {
	cur := &message{data: payload, fields: make(map[typemodel.AccessorID][]byte)}
	for _, s := range p.stages {
		addr := newLinearTable(s.name, p.fields, cur)
		if err := s.desc.Exec(s.instance, addr); err != nil {
			return fmt.Errorf("%s: exec: %w", s.name, err)
		}
		if out := addr.output(); out != nil {
			cur = out
		}
	}
	return nil
}

// message is the byte payload plus structured fields threaded between
// stages: raw bytes for untyped slots (e.g. "raw_payload"), named field
// slices for slots a servlet Wrote via an Accessor.
type message struct {
	data   []byte
	pos    int
	fields map[typemodel.AccessorID][]byte
}

// fieldRegistry assigns one stable AccessorID/ConstantID per field
// expression for the lifetime of a Pipeline, so a field written by one
// stage under its accessor ID is readable by a later stage that resolved
// the same field name independently.
type fieldRegistry struct {
	mu        sync.Mutex
	accessors map[string]typemodel.AccessorID
	nextAcc   typemodel.AccessorID
	constants map[string]typemodel.ConstantID
	nextConst typemodel.ConstantID
}

func newFieldRegistry() *fieldRegistry {
	return &fieldRegistry{
		accessors: make(map[string]typemodel.AccessorID),
		constants: make(map[string]typemodel.ConstantID),
	}
}

func (r *fieldRegistry) accessor(fieldExpr string) typemodel.AccessorID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.accessors[fieldExpr]; ok {
		return id
	}
	id := r.nextAcc
	r.nextAcc++
	r.accessors[fieldExpr] = id
	return id
}

func (r *fieldRegistry) constant(fieldExpr string) typemodel.ConstantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.constants[fieldExpr]; ok {
		return id
	}
	id := r.nextConst
	r.nextConst++
	r.constants[fieldExpr] = id
	return id
}

// linearTable implements servlet.AddressTable for one stage's Exec call.
// Its "in" slot is bound to the message the previous stage produced; a
// stage may Define() an "out" slot (and any number of module-private
// slots, tracked but otherwise inert) to produce one for the next stage.
type linearTable struct {
	stageName string
	fields    *fieldRegistry
	slots     map[string]servlet.Slot
	byID      map[servlet.Slot]*message
	next      uint16
	log       *logrus.Entry
}

func newLinearTable(stageName string, fields *fieldRegistry, in *message) *linearTable {
	t := &linearTable{
		stageName: stageName,
		fields:    fields,
		slots:     make(map[string]servlet.Slot),
		byID:      make(map[servlet.Slot]*message),
		log:       logrus.WithField("stage", stageName),
	}
	inSlot := servlet.NewPipeSlot(0)
	t.slots["in"] = inSlot
	t.byID[inSlot] = in
	return t
}

func (t *linearTable) output() *message {
	id, ok := t.slots["out"]
	if !ok {
		return nil
	}
	return t.byID[id]
}

func (t *linearTable) Define(name string, flags pipe.Flag, typeExpr string) (servlet.Slot, error) {
	if id, ok := t.slots[name]; ok {
		return id, nil
	}
	t.next++
	id := servlet.NewPipeSlot(t.next)
	t.slots[name] = id
	t.byID[id] = &message{fields: make(map[typemodel.AccessorID][]byte)}
	return id, nil
}

func (t *linearTable) SetTypeHook(slot servlet.Slot, cb func(data any, concrete typemodel.ConcreteType), data any) {
	// The linear runtime never resolves a slot's concrete type; hooks never fire.
}

func (t *linearTable) Accessor(slot servlet.Slot, fieldExpr string) (typemodel.AccessorID, error) {
	return t.fields.accessor(fieldExpr), nil
}

func (t *linearTable) Constant(slot servlet.Slot, fieldExpr string, signed, real bool) (typemodel.ConstantID, error) {
	return t.fields.constant(fieldExpr), nil
}

func (t *linearTable) msg(slot servlet.Slot) (*message, error) {
	m, ok := t.byID[slot]
	if !ok {
		return nil, fmt.Errorf("linear runtime: unknown slot in stage %q", t.stageName)
	}
	return m, nil
}

// Read serves a raw sequential read when the slot has no structured
// fields yet (the common case for an "in" slot bound to raw bytes from a
// transport source), otherwise returns the bytes previously Written under
// accessor.
func (t *linearTable) Read(slot servlet.Slot, accessor typemodel.AccessorID, dest []byte, size int) (int, error) {
	m, err := t.msg(slot)
	if err != nil {
		return 0, err
	}
	if len(m.fields) == 0 {
		remaining := m.data[m.pos:]
		n := min3(size, len(dest), len(remaining))
		copy(dest, remaining[:n])
		m.pos += n
		return n, nil
	}
	field, ok := m.fields[accessor]
	if !ok {
		return 0, nil
	}
	n := min3(size, len(dest), len(field))
	copy(dest, field[:n])
	return n, nil
}

func (t *linearTable) Write(slot servlet.Slot, accessor typemodel.AccessorID, src []byte, size int) (int, error) {
	m, err := t.msg(slot)
	if err != nil {
		return 0, err
	}
	n := size
	if n > len(src) {
		n = len(src)
	}
	field := make([]byte, n)
	copy(field, src[:n])
	m.fields[accessor] = field
	m.data = append(m.data, field...)
	return n, nil
}

func (t *linearTable) WriteScopeToken(slot servlet.Slot, tok scope.Token, req *servlet.DataRequest) error {
	return fmt.Errorf("linear runtime: scope tokens not supported outside the scheduler loop")
}

func (t *linearTable) LogWrite(level logrus.Level, msg string, fields logrus.Fields) {
	t.log.WithFields(fields).Log(level, msg)
}

func (t *linearTable) Trap(reason string) {
	t.log.WithField("reason", reason).Error("servlet trap")
}

func (t *linearTable) EOF(slot servlet.Slot) bool {
	m, err := t.msg(slot)
	if err != nil {
		return true
	}
	return m.pos >= len(m.data)
}

func (t *linearTable) Cntl(slot servlet.Slot, op pipe.Opcode, arg any) (any, error) {
	return nil, fmt.Errorf("linear runtime: cntl not supported")
}

func (t *linearTable) GetModuleFunc(mod, fn string) (servlet.Slot, error) {
	return 0, fmt.Errorf("linear runtime: module functions not supported")
}

func (t *linearTable) ModOpen(path string) (pipe.Module, error) {
	return nil, fmt.Errorf("linear runtime: module open not supported")
}

func (t *linearTable) ModCntlPrefix(path string) (uint32, error) {
	return 0, fmt.Errorf("linear runtime: module cntl prefix not supported")
}

func (t *linearTable) Version() uint32 { return 1 }

func (t *linearTable) AsyncCntl(handle *async.Handle, op servlet.AsyncOpcode, arg any) (any, error) {
	return nil, fmt.Errorf("linear runtime: async servlets are not supported in the linear pipeline")
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
