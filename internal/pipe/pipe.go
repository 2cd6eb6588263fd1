// Package pipe implements the Pipe Handle (§4.2): a uniform read/write/
// header/cntl wrapper over an underlying transport Module. A Handle carries
// direction, persist, async-write, shadow and disabled flag bits, a 16-bit
// target-pipe id, and dispatches module-private cntl opcodes whose upper
// byte selects the module (0xFF reserved for the generic opcodes below).
package pipe

import (
	"errors"
	"fmt"

	"github.com/tevino/abool"

	"github.com/firestige/plumber/internal/perr"
)

// Opcode is a cntl opcode. The upper 8 bits select a module (0xFF = generic,
// runtime-owned opcodes); the lower 24 bits are module- or runtime-defined.
type Opcode uint32

const genericModuleByte = 0xFF << 24

func generic(n uint32) Opcode { return Opcode(genericModuleByte | n) }

// Generic, testable cntl opcodes (§4.2).
var (
	OpGetFlags   = generic(1)
	OpSetFlag    = generic(2) // arg: mask to set
	OpClrFlag    = generic(3) // arg: mask to clear
	OpEOM        = generic(4) // arg: offset end-of-message was reached at
	OpPushState  = generic(5) // arg: {state, cleanup}
	OpPopState   = generic(6)
	OpReadHdr    = generic(7)  // arg: {buf, size}, out: n read
	OpWriteHdr   = generic(8)  // arg: {buf, size}, out: n written
	OpGetHdrBuf  = generic(9)  // arg: nbytes, out: borrowed []byte or nil
	OpGetDataBuf = generic(10) // arg: requested, out: {buf, upper, lower}
	OpPutDataBuf = generic(11) // arg: {buf, actualSize}
	OpModPath    = generic(12) // out: module path string
	OpNop        = generic(0xFFFFFF) // lookup-miss sentinel, never an error
)

// ModuleByte extracts the opcode's module selector (upper byte).
func (o Opcode) ModuleByte() byte { return byte(o >> 24) }

// Flag bits on a Handle.
type Flag uint16

const (
	FlagOutput     Flag = 1 << iota // direction: set = output, clear = input
	FlagPersist                     // hint: keep underlying resource alive across requests
	FlagAsyncWrite                  // write completes asynchronously
	FlagShadow                      // a read-view duplicate of another output edge
	FlagDisabled                    // handle currently produces/consumes nothing
)

// Module is the transport collaborator a Handle wraps. It is the interface
// boundary named in spec.md §1 — TCP/TLS/memory transports, and the
// concrete packages under transport/, implement it. The core never depends
// on a concrete transport, only on this interface.
type Module interface {
	// Path returns the module-private path used by OpModPath/MODPATH.
	Path() string

	// ReadBytes/WriteBytes move body bytes. io.EOF signals end of message.
	ReadBytes(buf []byte) (n int, err error)
	WriteBytes(buf []byte) (n int, err error)

	// Cntl dispatches a module-private opcode (ModuleByte != 0xFF) or one
	// of the generic opcodes this package pre-handles before ever reaching
	// the module (see Handle.Cntl). Implementations only need to handle
	// their own private opcodes plus READHDR/WRITEHDR/GET_HDR_BUF/
	// GET_DATA_BUF/PUT_DATA_BUF/MODPATH; NOP is never sent to a module.
	Cntl(op Opcode, arg any) (any, error)
}

// DirectBuffer is a borrow of a module's internal memory, returned by
// GET_HDR_BUF/GET_DATA_BUF. Its lifetime is tied to the Handle: the module
// must not reclaim Bytes until the Handle is disposed (§4.2 invariants).
type DirectBuffer struct {
	Bytes []byte
	// Upper/Lower bound a body buffer whose exact end the module doesn't
	// know yet (GET_DATA_BUF only); Lower == 0 means the caller must scan
	// and call PUT_DATA_BUF(buf, actualSize) to establish the end.
	Upper, Lower int
}

// NullBuffer is the sentinel returned by GET_HDR_BUF/GET_DATA_BUF on
// failure (fragmented, unsupported, too large): the caller must fall back
// to READHDR. It is a value, not an error — non-fatal sentinel per §7.
var NullBuffer = DirectBuffer{}

func (b DirectBuffer) IsNull() bool { return b.Bytes == nil }

// Handle is a polymorphic pipe endpoint created when an edge is
// instantiated for a request and destroyed when both endpoints release it.
type Handle struct {
	module       Module
	flags        uint32 // direction and shadow bits, fixed at construction; persist/async-write/disabled live in the abool fields
	target       uint16 // 16-bit target-pipe identifier
	disabled     *abool.AtomicBool
	persist      *abool.AtomicBool
	async        *abool.AtomicBool
	headerBorrow *DirectBuffer // non-nil once a direct header buffer has been exposed
	hdrConsumed  bool          // true once any READHDR byte has been consumed (precondition tracking)
	stateStack   []stateFrame
}

type stateFrame struct {
	state   any
	cleanup func(any)
}

// New wraps module as a Handle. output selects the direction bit.
func New(module Module, output bool, target uint16) *Handle {
	h := &Handle{
		module:   module,
		target:   target,
		disabled: abool.New(),
		persist:  abool.New(),
		async:    abool.New(),
	}
	if output {
		h.flags |= uint32(FlagOutput)
	}
	return h
}

// IsOutput reports whether this handle is an output endpoint.
func (h *Handle) IsOutput() bool { return h.flags&uint32(FlagOutput) != 0 }

// Target returns the 16-bit target-pipe identifier.
func (h *Handle) Target() uint16 { return h.target }

// Flags returns the current flag bitset, combining the packed bits with the
// tri-state abool fields.
func (h *Handle) Flags() Flag {
	f := Flag(h.flags &^ (uint32(FlagPersist) | uint32(FlagAsyncWrite) | uint32(FlagDisabled)))
	if h.persist.IsSet() {
		f |= FlagPersist
	}
	if h.async.IsSet() {
		f |= FlagAsyncWrite
	}
	if h.disabled.IsSet() {
		f |= FlagDisabled
	}
	return f
}

// SetFlag/ClrFlag mutate the mutable bits (persist, async-write, disabled).
// Shadow and direction are fixed at construction.
func (h *Handle) SetFlag(mask Flag) { h.setClr(mask, true) }
func (h *Handle) ClrFlag(mask Flag) { h.setClr(mask, false) }

func (h *Handle) setClr(mask Flag, set bool) {
	apply := func(b *abool.AtomicBool) {
		if set {
			b.Set()
		} else {
			b.UnSet()
		}
	}
	if mask&FlagPersist != 0 {
		apply(h.persist)
	}
	if mask&FlagAsyncWrite != 0 {
		apply(h.async)
	}
	if mask&FlagDisabled != 0 {
		apply(h.disabled)
	}
}

// NewShadow builds a shadow output handle over module: a second read end on
// an existing edge. The returned handle has both FlagShadow and FlagOutput set.
func NewShadow(module Module, target uint16) *Handle {
	h := New(module, false, target)
	h.flags |= uint32(FlagShadow) | uint32(FlagOutput)
	return h
}

// IsShadow reports the shadow bit.
func (h *Handle) IsShadow() bool { return h.flags&uint32(FlagShadow) != 0 }

// CopyForCompanion duplicates the handle for a companion edge, copying only
// the PERSIST bit (§4.2 invariants) — all other flags start fresh.
func (h *Handle) CopyForCompanion() *Handle {
	c := New(h.module, h.IsOutput(), h.target)
	if h.persist.IsSet() {
		c.persist.Set()
	}
	return c
}

// ReadBytes/WriteBytes proxy to the underlying module.
func (h *Handle) ReadBytes(buf []byte) (int, error)  { return h.module.ReadBytes(buf) }
func (h *Handle) WriteBytes(buf []byte) (int, error) { return h.module.WriteBytes(buf) }

// Cntl dispatches a cntl opcode. Generic opcodes (ModuleByte == 0xFF) are
// handled here; module-private opcodes are forwarded to the module. A
// prefix lookup miss must be translated to OpNop by the caller before
// reaching Cntl — Cntl itself never manufactures NOP.
func (h *Handle) Cntl(op Opcode, arg any) (any, error) {
	if op.ModuleByte() != 0xFF {
		return h.module.Cntl(op, arg)
	}

	switch op {
	case OpGetFlags:
		return h.Flags(), nil

	case OpSetFlag:
		mask, ok := arg.(Flag)
		if !ok {
			return nil, fmt.Errorf("%w: SET_FLAG wants a Flag mask", perr.ErrInvalidArgument)
		}
		h.SetFlag(mask)
		return nil, nil

	case OpClrFlag:
		mask, ok := arg.(Flag)
		if !ok {
			return nil, fmt.Errorf("%w: CLR_FLAG wants a Flag mask", perr.ErrInvalidArgument)
		}
		h.ClrFlag(mask)
		return nil, nil

	case OpEOM:
		return h.module.Cntl(op, arg)

	case OpPushState:
		frame, ok := arg.(stateFrame)
		if !ok {
			return nil, fmt.Errorf("%w: PUSH_STATE wants a state frame", perr.ErrInvalidArgument)
		}
		h.stateStack = append(h.stateStack, frame)
		return nil, nil

	case OpPopState:
		if len(h.stateStack) == 0 {
			return nil, fmt.Errorf("%w: pop without push", perr.ErrProgramming)
		}
		top := h.stateStack[len(h.stateStack)-1]
		h.stateStack = h.stateStack[:len(h.stateStack)-1]
		return top.state, nil

	case OpReadHdr:
		n, err := h.module.Cntl(op, arg)
		if err == nil {
			h.hdrConsumed = true
		}
		return n, err

	case OpWriteHdr:
		return h.module.Cntl(op, arg)

	case OpGetHdrBuf:
		// Precondition (§9 "ambiguous source behaviour"): only defined when
		// no READHDR byte has yet been consumed for this handle.
		if h.hdrConsumed {
			return NullBuffer, fmt.Errorf("%w: GET_HDR_BUF after partial READHDR is undefined, fall back to READHDR", perr.ErrInvalidArgument)
		}
		res, err := h.module.Cntl(op, arg)
		if errors.Is(err, ErrFragmented) {
			return NullBuffer, nil
		}
		if err != nil {
			return NullBuffer, err
		}
		buf, _ := res.(DirectBuffer)
		if !buf.IsNull() {
			h.headerBorrow = &buf
			h.hdrConsumed = true
		}
		return buf, nil

	case OpGetDataBuf, OpPutDataBuf, OpModPath:
		return h.module.Cntl(op, arg)

	case OpNop:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unknown generic opcode %x", perr.ErrInvalidArgument, uint32(op))
	}
}

// PushState attaches a state object to the handle; cleanup runs when the
// handle is disposed (Dispose).
func (h *Handle) PushState(state any, cleanup func(any)) {
	h.stateStack = append(h.stateStack, stateFrame{state: state, cleanup: cleanup})
}

// Dispose releases the handle's own resources: runs any PUSH_STATE cleanups
// in LIFO order. The direct-buffer borrow, if any, becomes invalid after
// this call — callers must not retain it past Dispose (§9 "direct-buffer
// borrow lifetimes").
func (h *Handle) Dispose() {
	for i := len(h.stateStack) - 1; i >= 0; i-- {
		frame := h.stateStack[i]
		if frame.cleanup != nil {
			frame.cleanup(frame.state)
		}
	}
	h.stateStack = nil
	h.headerBorrow = nil
}

// LookupModuleOrNop resolves a module-prefix lookup to (opcode-ready module,
// true) or (nil, false) on a miss; callers translate a miss into OpNop
// rather than an error (§4.2).
func LookupModuleOrNop(lookup func() (Module, bool)) (Module, Opcode, bool) {
	m, ok := lookup()
	if !ok {
		return nil, OpNop, false
	}
	return m, 0, true
}

// ErrFragmented is returned by a Module's GET_HDR_BUF/GET_DATA_BUF
// implementation when the header/body is not contiguous in its internal
// buffer; callers see it wrapped as NullBuffer, not as an error surfaced to
// the type model (§4.2: failure returns the null-buffer sentinel).
var ErrFragmented = errors.New("pipe: header not contiguous")
