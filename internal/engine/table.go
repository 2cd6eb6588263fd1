package engine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/firestige/plumber/internal/async"
	"github.com/firestige/plumber/internal/pipe"
	"github.com/firestige/plumber/internal/scope"
	"github.com/firestige/plumber/internal/tasktable"
	"github.com/firestige/plumber/internal/typemodel"
	"github.com/firestige/plumber/servlet"
)

// fieldRegistry assigns one stable AccessorID/ConstantID per field
// expression for the engine's whole lifetime, adapted from
// internal/runtime's fieldRegistry: there a field written under one
// stage's accessor ID was read back through a shared in-process message,
// here the same stable ID is gob-encoded into a real pipe handle's header
// so a downstream node on a different goroutine decodes the same field
// under the same ID (§4.3's simplification, now fed by live pipes).
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

// outMessage buffers one output slot's pending writes until the owning
// task finishes its dispatch, at which point engine.propagate flushes it
// into a freshly wired pipe handle (§4.2, §4.4).
type outMessage struct {
	fields map[typemodel.AccessorID][]byte
	raw    []byte

	// scopeToken is set by WriteScopeToken: an object handed off by
	// reference rather than serialised into the header, drained by
	// engine.propagate through the scope's own stream capabilities
	// instead of being copied into the field map (§4.1 zero-copy path).
	scopeToken *scope.Token
}

// decodedInput is the lazily-materialised view of an input slot's real
// pipe handle: its gob-encoded header (if any) plus its raw body, read
// once per slot per dispatch and cached.
type decodedInput struct {
	fields map[typemodel.AccessorID][]byte
	raw    []byte
	pos    int
}

// engineTable implements servlet.AddressTable for one task's dispatch. An
// input slot (Define with no FlagOutput) binds, in declaration order, to
// the task's real attached input handles (§4.4's pipe_ready/input_pipe
// machinery); an output slot (FlagOutput set) binds, in declaration
// order, to the graph's outgoing edges and is flushed to a new pipe
// handle once the servlet returns (engine.propagate).
type engineTable struct {
	mu sync.Mutex

	task   *tasktable.Task
	fields *fieldRegistry
	log    *logrus.Entry

	slots map[string]servlet.Slot

	inIndex map[servlet.Slot]int
	inCache map[servlet.Slot]*decodedInput
	nextIn  int

	outIndex map[servlet.Slot]int
	outBufs  []*outMessage
	nextOut  int

	nextSlot uint16
	trapped  string
}

func newEngineTable(t *tasktable.Task, fields *fieldRegistry, nodeName string) *engineTable {
	return &engineTable{
		task:     t,
		fields:   fields,
		log:      logrus.WithField("node", nodeName),
		slots:    make(map[string]servlet.Slot),
		inIndex:  make(map[servlet.Slot]int),
		inCache:  make(map[servlet.Slot]*decodedInput),
		outIndex: make(map[servlet.Slot]int),
	}
}

// Define assigns a stable slot id to name, binding it to the next input
// handle or output edge in declaration order the first time it is seen.
func (t *engineTable) Define(name string, flags pipe.Flag, typeExpr string) (servlet.Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.slots[name]; ok {
		return id, nil
	}
	t.nextSlot++
	id := servlet.NewPipeSlot(t.nextSlot)
	t.slots[name] = id

	if flags&pipe.FlagOutput != 0 {
		idx := t.nextOut
		t.nextOut++
		t.outBufs = append(t.outBufs, &outMessage{fields: make(map[typemodel.AccessorID][]byte)})
		t.outIndex[id] = idx
	} else {
		idx := t.nextIn
		t.nextIn++
		t.inIndex[id] = idx
	}
	return id, nil
}

func (t *engineTable) SetTypeHook(slot servlet.Slot, cb func(data any, concrete typemodel.ConcreteType), data any) {
	// The engine resolves edge types at graph.Link time, not per dispatch;
	// no servlet in this tree relies on a fired type hook.
}

func (t *engineTable) Accessor(slot servlet.Slot, fieldExpr string) (typemodel.AccessorID, error) {
	return t.fields.accessor(fieldExpr), nil
}

func (t *engineTable) Constant(slot servlet.Slot, fieldExpr string, signed, real bool) (typemodel.ConstantID, error) {
	return t.fields.constant(fieldExpr), nil
}

// Read serves a raw sequential read when the input slot's handle carried
// no structured header fields (the common case for a source node's raw
// bytes), otherwise returns the bytes a prior node Wrote under accessor —
// mirroring the linear runtime's dual-mode Read, now sourced from a real
// pipe handle instead of a shared message struct.
func (t *engineTable) Read(slot servlet.Slot, accessor typemodel.AccessorID, dest []byte, size int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.inIndex[slot]
	if !ok {
		return 0, fmt.Errorf("engine: slot is not a declared input slot")
	}
	in, err := t.decodeInput(slot, idx)
	if err != nil {
		return 0, err
	}
	if len(in.fields) == 0 {
		remaining := in.raw[in.pos:]
		n := min3(size, len(dest), len(remaining))
		copy(dest, remaining[:n])
		in.pos += n
		return n, nil
	}
	field, ok := in.fields[accessor]
	if !ok {
		return 0, nil
	}
	n := min3(size, len(dest), len(field))
	copy(dest, field[:n])
	return n, nil
}

func (t *engineTable) decodeInput(slot servlet.Slot, idx int) (*decodedInput, error) {
	if d, ok := t.inCache[slot]; ok {
		return d, nil
	}
	h := t.task.InputHandle(idx)
	if h == nil {
		return nil, fmt.Errorf("engine: no input handle attached at slot index %d", idx)
	}

	hdrBuf := make([]byte, 65536)
	n, err := h.Cntl(pipe.OpReadHdr, hdrBuf)
	if err != nil {
		return nil, fmt.Errorf("engine: read header: %w", err)
	}
	nBytes, _ := n.(int)

	fields := make(map[typemodel.AccessorID][]byte)
	if nBytes > 0 {
		if err := gob.NewDecoder(bytes.NewReader(hdrBuf[:nBytes])).Decode(&fields); err != nil {
			// Not every upstream writes a gob-encoded field map (e.g. an
			// external capture source feeding the graph's root node); treat
			// a non-decodable header as "no structured fields".
			fields = make(map[typemodel.AccessorID][]byte)
		}
	}

	raw, err := readAllBody(h)
	if err != nil {
		return nil, fmt.Errorf("engine: read body: %w", err)
	}

	d := &decodedInput{fields: fields, raw: raw}
	t.inCache[slot] = d
	return d, nil
}

func readAllBody(h *pipe.Handle) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := h.ReadBytes(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err == io.EOF || n == 0 {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
	}
}

// Write buffers src under accessor on slot's pending output message; both
// the structured field and the raw sequential stream are kept, so a
// downstream node that never calls Accessor still sees a coherent raw
// byte stream (matching the linear runtime's Write semantics).
func (t *engineTable) Write(slot servlet.Slot, accessor typemodel.AccessorID, src []byte, size int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.outIndex[slot]
	if !ok {
		return 0, fmt.Errorf("engine: slot is not a declared output slot")
	}
	n := size
	if n > len(src) {
		n = len(src)
	}
	field := make([]byte, n)
	copy(field, src[:n])

	out := t.outBufs[idx]
	out.fields[accessor] = field
	out.raw = append(out.raw, field...)
	return n, nil
}

// WriteScopeToken records tok, an object already inserted into this
// task's request-scoped Scope, as the declared output slot's payload. If
// req is set, the caller's handler gets the stream's first req.Size bytes
// through a transient stream opened and closed right here; the framework
// then performs its own zero-copy drain of the remainder in
// engine.propagate, once downstream ownership of the pipe is settled
// (§4.1, §6 "Data-request interface").
func (t *engineTable) WriteScopeToken(slot servlet.Slot, tok scope.Token, req *servlet.DataRequest) error {
	t.mu.Lock()
	idx, ok := t.outIndex[slot]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: slot is not a declared output slot")
	}

	if req != nil && req.Handler != nil && req.Size > 0 {
		hdl, err := t.task.Scope.OpenStream(tok)
		if err == nil {
			buf := make([]byte, req.Size)
			n, rerr := t.task.Scope.ReadStream(tok, hdl, buf)
			if n > 0 {
				if _, herr := req.Handler(req.Context, buf[:n], n); herr != nil {
					t.task.Scope.CloseStream(tok, hdl)
					return herr
				}
			}
			if cerr := t.task.Scope.CloseStream(tok, hdl); cerr != nil {
				return cerr
			}
			if rerr != nil && rerr != io.EOF {
				return rerr
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	tk := tok
	t.outBufs[idx].scopeToken = &tk
	return nil
}

func (t *engineTable) LogWrite(level logrus.Level, msg string, fields logrus.Fields) {
	t.log.WithFields(fields).Log(level, msg)
}

func (t *engineTable) Trap(reason string) {
	t.mu.Lock()
	t.trapped = reason
	t.mu.Unlock()
	t.log.WithField("reason", reason).Error("servlet trap")
}

func (t *engineTable) trappedReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trapped
}

func (t *engineTable) EOF(slot servlet.Slot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inIndex[slot]
	if !ok {
		return true
	}
	d, ok := t.inCache[slot]
	if !ok {
		return false
	}
	return d.pos >= len(d.raw)
}

func (t *engineTable) Cntl(slot servlet.Slot, op pipe.Opcode, arg any) (any, error) {
	return nil, fmt.Errorf("engine: direct cntl on a declared slot is not supported")
}

func (t *engineTable) GetModuleFunc(mod, fn string) (servlet.Slot, error) {
	return 0, fmt.Errorf("engine: module functions not supported")
}

func (t *engineTable) ModOpen(path string) (pipe.Module, error) {
	return nil, fmt.Errorf("engine: module open not supported")
}

func (t *engineTable) ModCntlPrefix(path string) (uint32, error) {
	return 0, fmt.Errorf("engine: module cntl prefix not supported")
}

func (t *engineTable) Version() uint32 { return 1 }

// AsyncCntl implements the RETCODE/SET_WAIT/CANCEL opcodes over the async
// handle the scheduler launched for this task (§4.5, §6).
func (t *engineTable) AsyncCntl(handle *async.Handle, op servlet.AsyncOpcode, arg any) (any, error) {
	if handle == nil {
		return nil, fmt.Errorf("engine: async_cntl with a nil handle")
	}
	switch op {
	case servlet.RETCODE:
		return handle.RETCODE(), nil
	case servlet.SET_WAIT:
		status, _ := arg.(async.Status)
		handle.NotifyWait(status)
		return nil, nil
	case servlet.CANCEL:
		handle.NotifyWait(async.Status(-1))
		return nil, nil
	default:
		return nil, fmt.Errorf("engine: unknown async opcode %d", op)
	}
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
