// Package typemodel implements the Type Model (§4.3): lets a servlet declare
// field-level reads and writes against a pipe's typed header without
// knowing the concrete header type at load time, and resolves those
// declarations lazily once the service graph's type inferrer determines
// each slot's concrete type.
package typemodel

import (
	"fmt"
	"sync"

	"github.com/firestige/plumber/internal/perr"
	"github.com/firestige/plumber/internal/pipe"
)

// Slot names one of a servlet's declared pipe slots.
type Slot uint32

// FieldFlag describes a resolved field's nature, mirroring §4.3's
// "numeric/signed/float/token/compound/primitive-scope flags".
type FieldFlag uint8

const (
	FieldNumeric FieldFlag = 1 << iota
	FieldSigned
	FieldFloat
	FieldToken
	FieldCompound
	FieldPrimitiveScope
)

// FieldInfo is what a concrete type reports for one field path.
type FieldInfo struct {
	Flags  FieldFlag
	Offset int
	Size   int
}

// ConcreteType is supplied by the graph's type inferrer once a slot's
// wire type is known. It is the only thing typemodel needs from the
// type-checking machinery that lives outside this package.
type ConcreteType interface {
	Name() string
	ResolveField(fieldExpr string) (FieldInfo, error)
	ResolveConstant(fieldExpr string) (value int64, isReal bool, raw []byte, err error)
	// IsSubtypeOf reports whether this type descends from other via a
	// common-ancestor relationship (§4.3 copy_pipe_data check).
	IsSubtypeOf(other ConcreteType) bool
}

// AccessorID identifies a registered field accessor, valid across the
// model's lifetime.
type AccessorID int

type accessor struct {
	slot      Slot
	fieldExpr string
	resolved  bool
	info      FieldInfo
}

// ConstantID identifies a registered constant capture.
type ConstantID int

type constantDecl struct {
	slot      Slot
	fieldExpr string
	isSigned  bool
	isReal    bool
	resolved  bool
	value     int64
	raw       []byte
}

type copyDecl struct {
	from, to Slot
}

// Model holds one servlet instance's field declarations, pending resolution
// until the graph's inferrer reports each slot's concrete type.
type Model struct {
	mu           sync.Mutex
	accessors    []*accessor
	constants    []*constantDecl
	copies       []copyDecl
	slotUsedSize map[Slot]int
	slotOffset   map[Slot]int
	nextOffset   int
}

// New creates an empty Model for one servlet instance.
func New() *Model {
	return &Model{
		slotUsedSize: make(map[Slot]int),
		slotOffset:   make(map[Slot]int),
	}
}

// Accessor records a pending field lookup. fieldExpr is a dotted/subscript
// path ("foo.bar[3].baz"); a leading "*" prefix dereferences one or more
// levels of encapsulation recorded in the concrete type string — resolution
// is left entirely to the ConcreteType implementation.
func (m *Model) Accessor(slot Slot, fieldExpr string) AccessorID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessors = append(m.accessors, &accessor{slot: slot, fieldExpr: fieldExpr})
	return AccessorID(len(m.accessors) - 1)
}

// FieldInfo returns the resolved field description for id. Must be called
// only after Resolve has run for id's slot.
func (m *Model) FieldInfo(id AccessorID) (FieldInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) < 0 || int(id) >= len(m.accessors) {
		return FieldInfo{}, false
	}
	a := m.accessors[id]
	return a.info, a.resolved
}

// Constant records a pending compile-time-constant capture. At resolution
// the constant's real/integer kind must match isReal; isSigned is recorded
// but not checked, and the value is kept as the concrete type reports it,
// with no sign-bit extension and no float width conversion.
func (m *Model) Constant(slot Slot, fieldExpr string, isSigned, isReal bool) ConstantID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constants = append(m.constants, &constantDecl{slot: slot, fieldExpr: fieldExpr, isSigned: isSigned, isReal: isReal})
	return ConstantID(len(m.constants) - 1)
}

// ConstantValue returns the captured constant for id once resolved.
func (m *Model) ConstantValue(id ConstantID) (value int64, raw []byte, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) < 0 || int(id) >= len(m.constants) {
		return 0, nil, false
	}
	c := m.constants[id]
	return c.value, c.raw, c.resolved
}

// CopyPipeData declares that, at runtime, header bytes of `from` are copied
// into `to` unless the servlet writes them explicitly. Checked at
// resolution time: `from`'s concrete type must be a subtype of `to`'s.
func (m *Model) CopyPipeData(from, to Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies = append(m.copies, copyDecl{from: from, to: to})
}

// UsedSize reports a slot's used header size — max(offset+size) across all
// its resolved accessors — or 0 if the slot has none.
func (m *Model) UsedSize(slot Slot) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slotUsedSize[slot]
}

// Resolve is called once per slot when the graph's inferrer reports slot's
// concrete type. It resolves every pending accessor and constant on that
// slot, tracks the slot's used header size, and places the slot's
// inline-header region at a known offset inside the per-execution Type
// Instance buffer layout.
func (m *Model) Resolve(slot Slot, concrete ConcreteType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.slotUsedSize[slot]
	for _, a := range m.accessors {
		if a.slot != slot || a.resolved {
			continue
		}
		info, err := concrete.ResolveField(a.fieldExpr)
		if err != nil {
			return fmt.Errorf("%w: slot %d field %q: %v", perr.ErrTypeViolation, slot, a.fieldExpr, err)
		}
		a.info = info
		a.resolved = true
		if end := info.Offset + info.Size; end > used {
			used = end
		}
	}

	for _, c := range m.constants {
		if c.slot != slot || c.resolved {
			continue
		}
		value, isReal, raw, err := concrete.ResolveConstant(c.fieldExpr)
		if err != nil {
			return fmt.Errorf("%w: slot %d constant %q: %v", perr.ErrTypeViolation, slot, c.fieldExpr, err)
		}
		if isReal != c.isReal {
			return fmt.Errorf("%w: slot %d constant %q real/integer mismatch", perr.ErrTypeViolation, slot, c.fieldExpr)
		}
		c.value = value
		c.raw = raw
		c.resolved = true
	}

	m.slotUsedSize[slot] = used
	if _, placed := m.slotOffset[slot]; !placed {
		m.slotOffset[slot] = m.nextOffset
		m.nextOffset += used
	}
	return nil
}

// CheckCopySubtypes validates every declared copy_pipe_data once both
// slots involved have concrete types, by the common-ancestor check on
// ConcreteType. Called after all per-slot Resolve calls for a servlet have
// run, at graph startup (§4.3 failure semantics: fatal at startup).
func (m *Model) CheckCopySubtypes(typeOf func(Slot) (ConcreteType, bool)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.copies {
		fromType, ok := typeOf(cp.from)
		if !ok {
			continue
		}
		toType, ok := typeOf(cp.to)
		if !ok {
			continue
		}
		if !fromType.IsSubtypeOf(toType) {
			return fmt.Errorf("%w: copy_pipe_data(%d -> %d): %s is not a subtype of %s",
				perr.ErrTypeViolation, cp.from, cp.to, fromType.Name(), toType.Name())
		}
	}
	return nil
}

// slotHeader is one slot's scratch region inside a Type Instance: a small
// header (valid_size, inline_data[used_size]) plus an optional direct-buffer
// pointer captured from the pipe handle.
type slotHeader struct {
	validSize int
	inline    []byte
	direct    *pipe.DirectBuffer
	// consumed tracks whether any READHDR byte was pulled for this slot,
	// mirroring the GET_HDR_BUF precondition tracked in package pipe.
	consumed bool
}

// Instance is a scratch buffer allocated once per servlet execution,
// holding one slotHeader per input/output slot touched by the model.
type Instance struct {
	model   *Model
	headers map[Slot]*slotHeader
	handles map[Slot]*pipe.Handle
}

// NewInstance allocates a Type Instance for one servlet execution. handles
// maps each slot this model references to its live pipe handle for the
// request.
func (m *Model) NewInstance(handles map[Slot]*pipe.Handle) *Instance {
	inst := &Instance{model: m, headers: make(map[Slot]*slotHeader), handles: handles}
	m.mu.Lock()
	for slot, used := range m.slotUsedSize {
		inst.headers[slot] = &slotHeader{inline: make([]byte, used)}
	}
	m.mu.Unlock()
	return inst
}

func (inst *Instance) ensureBuffered(slot Slot, upto int) error {
	h := inst.headers[slot]
	if h == nil {
		return fmt.Errorf("%w: slot %d has no type-instance header", perr.ErrInvalidArgument, slot)
	}
	if h.validSize >= upto {
		return nil
	}
	handle := inst.handles[slot]
	if handle == nil {
		return fmt.Errorf("%w: slot %d has no pipe handle bound", perr.ErrInvalidArgument, slot)
	}

	if !h.consumed && h.direct == nil {
		res, err := handle.Cntl(pipe.OpGetHdrBuf, upto)
		if err == nil {
			if buf, ok := res.(pipe.DirectBuffer); ok && !buf.IsNull() {
				h.direct = &buf
				h.consumed = true
				h.validSize = len(buf.Bytes)
				return nil
			}
		}
	}

	for h.validSize < upto {
		n, err := handle.Cntl(pipe.OpReadHdr, h.inline[h.validSize:upto])
		read, _ := n.(int)
		h.validSize += read
		h.consumed = true
		if err != nil {
			if read == 0 {
				return fmt.Errorf("premature end of header for slot %d: %w", slot, err)
			}
			break
		}
		if read == 0 {
			return fmt.Errorf("%w: slot %d header ended before %d bytes were available", perr.ErrInvalidArgument, slot, upto)
		}
	}
	return nil
}

func (h *slotHeader) bytes(offset, size int) []byte {
	if h.direct != nil {
		return h.direct.Bytes[offset : offset+size]
	}
	return h.inline[offset : offset+size]
}

// Read services a servlet's read(instance, accessor, dest, size) call. If
// the accessor was never resolved (the slot was optional and not wired in
// the graph) it returns 0 and no error. size is clamped to the accessor's
// field size.
func (inst *Instance) Read(id AccessorID, dest []byte, size int) (int, error) {
	info, ok := inst.model.FieldInfo(id)
	if !ok {
		return 0, nil
	}
	if size > info.Size {
		size = info.Size
	}
	a := inst.model.accessors[id]
	if err := inst.ensureBuffered(a.slot, info.Offset+size); err != nil {
		return 0, err
	}
	h := inst.headers[a.slot]
	n := copy(dest, h.bytes(info.Offset, size))
	return n, nil
}

// Write services a servlet's write(instance, accessor, src, size) call,
// zero-filling any gap between the current valid_size and the written
// field's offset, pulling copy_pipe_data source bytes first if declared.
func (inst *Instance) Write(id AccessorID, src []byte, size int) (int, error) {
	info, ok := inst.model.FieldInfo(id)
	if !ok {
		return 0, nil
	}
	if size > info.Size {
		size = info.Size
	}
	a := inst.model.accessors[id]
	h := inst.headers[a.slot]
	if h == nil {
		return 0, fmt.Errorf("%w: slot %d has no type-instance header", perr.ErrInvalidArgument, a.slot)
	}

	end := info.Offset + size
	if h.validSize < info.Offset {
		if err := inst.pullCopySource(a.slot, info.Offset); err != nil {
			return 0, err
		}
		for i := h.validSize; i < info.Offset; i++ {
			h.inline[i] = 0
		}
		h.validSize = info.Offset
	}
	n := copy(h.inline[info.Offset:end], src[:size])
	if end > h.validSize {
		h.validSize = end
	}
	return n, nil
}

// pullCopySource satisfies a declared copy_pipe_data(from, slot) by copying
// from's buffered bytes into slot's inline buffer up to upto, used when a
// write leaves a gap that a copy declaration should have filled first.
func (inst *Instance) pullCopySource(slot Slot, upto int) error {
	inst.model.mu.Lock()
	var from Slot
	found := false
	for _, cp := range inst.model.copies {
		if cp.to == slot {
			from = cp.from
			found = true
			break
		}
	}
	inst.model.mu.Unlock()
	if !found {
		return nil
	}
	fromUsed := inst.model.UsedSize(from)
	n := upto
	if fromUsed < n {
		n = fromUsed
	}
	if n == 0 {
		return nil
	}
	if err := inst.ensureBuffered(from, n); err != nil {
		return err
	}
	srcHeader := inst.headers[from]
	dstHeader := inst.headers[slot]
	copy(dstHeader.inline[:n], srcHeader.bytes(0, n))
	return nil
}

// Flush writes each output slot's valid_size bytes back to its pipe via
// WRITEHDR, called when the instance is destroyed (§4.3).
func (inst *Instance) Flush() error {
	for slot, h := range inst.headers {
		handle := inst.handles[slot]
		if handle == nil || !handle.IsOutput() {
			continue
		}
		if h.validSize == 0 {
			// No explicit write reached this slot; if a copy_pipe_data
			// declaration targets it, pull the source's bytes wholesale
			// before emitting (§8 property 5).
			used := inst.model.UsedSize(slot)
			if used > 0 {
				if err := inst.pullCopySource(slot, used); err != nil {
					return err
				}
				h.validSize = used
			}
		}
		if h.validSize == 0 {
			continue
		}
		written := 0
		for written < h.validSize {
			n, err := handle.Cntl(pipe.OpWriteHdr, h.inline[written:h.validSize])
			wrote, _ := n.(int)
			written += wrote
			if err != nil {
				return fmt.Errorf("flushing type instance for slot %d: %w", slot, err)
			}
			if wrote == 0 {
				break
			}
		}
	}
	return nil
}
