// Package servlet defines the public ABI a servlet implements and the
// runtime address table a servlet is given at execution time (§6).
package servlet

import (
	"github.com/sirupsen/logrus"

	"github.com/firestige/plumber/internal/async"
	"github.com/firestige/plumber/internal/pipe"
	"github.com/firestige/plumber/internal/scope"
	"github.com/firestige/plumber/internal/typemodel"
)

// Mode is what Init returns to select between the synchronous and
// three-phase async execution paths (§6).
type Mode int

const (
	SYNC Mode = iota
	ASYNC
)

// Instance is a servlet's own per-load state, opaque to the framework,
// returned by Init and threaded through every later call.
type Instance any

// Metadata describes a servlet for the registry's dependency-ordered load
// (§4.4's sibling concern at graph-build time, not request time): name,
// declared type, and the names of servlets it must load after.
type Metadata struct {
	Name         string   `mapstructure:"servlet_name"`
	Type         string   `mapstructure:"servlet_type"`
	Version      string   `mapstructure:"servlet_version"`
	Description  string   `mapstructure:"servlet_description"`
	Dependencies []string `mapstructure:"servlet_dependencies"`
	AsyncBufSize int      `mapstructure:"servlet_async_buf_size"`
}

// InitFunc is called once per load with the servlet's argv and must return
// the execution mode and the servlet's own instance state.
type InitFunc func(argv []string) (Mode, Instance, error)

// ExecFunc runs once per request for a SYNC servlet.
type ExecFunc func(instance Instance, addr AddressTable) error

// AsyncSetupFunc, AsyncExecFunc, AsyncCleanupFunc implement the three async
// phases (§4.5); AsyncExec and AsyncCleanup may be nil only in wait-mode,
// where an empty exec body is legitimate. Each receives its own async.Handle
// (the same one async_cntl would extract a context from in the original
// runtime's async_setup/async_exec/async_cleanup signatures), so a servlet
// can call handle.NotifyWait from any goroutine it starts during exec —
// that is how a real wait-mode task external to the async pool completes.
type AsyncSetupFunc func(instance Instance, addr AddressTable, handle *async.Handle) (async.SetupResult, error)
type AsyncExecFunc func(handle *async.Handle, buf []byte) async.Status
type AsyncCleanupFunc func(instance Instance, addr AddressTable, handle *async.Handle, buf []byte, status async.Status)

// UnloadFunc always runs at teardown, regardless of mode.
type UnloadFunc func(instance Instance)

// Descriptor is the record a servlet registers: `{size, desc, version,
// init, exec?, unload, async_buf_size, async_setup?, async_exec?,
// async_cleanup?}` (§6). Size is omitted — Go has no meaningful analogue
// to a caller-declared instance_buf size.
type Descriptor struct {
	Metadata     Metadata
	Init         InitFunc
	Exec         ExecFunc // required iff Init returns SYNC
	Unload       UnloadFunc
	AsyncSetup   AsyncSetupFunc // required iff Init returns ASYNC
	AsyncExec    AsyncExecFunc
	AsyncCleanup AsyncCleanupFunc
}

// Slot is the 32-bit value handed back by Define/GetModuleFunc. If the top
// byte is 0xFF, the low 16 bits are a real pipe id; otherwise the top byte
// selects a module and the low 24 bits are an opcode into it — a virtual
// slot used for module-function calls (§6).
type Slot uint32

const realPipeTag = 0xFF << 24

// NewPipeSlot packs a real pipe id into a Slot.
func NewPipeSlot(pipeID uint16) Slot { return Slot(realPipeTag | uint32(pipeID)) }

// NewModuleSlot packs a module byte and a 24-bit opcode into a virtual
// Slot used for get_module_func results.
func NewModuleSlot(moduleByte byte, opcode uint32) Slot {
	return Slot(uint32(moduleByte)<<24 | (opcode & 0x00FFFFFF))
}

// IsPipe reports whether slot names a real pipe, and if so its 16-bit id.
func (s Slot) IsPipe() (pipeID uint16, ok bool) {
	if uint32(s)&0xFF000000 == realPipeTag {
		return uint16(s), true
	}
	return 0, false
}

// Module/Opcode decode a virtual slot's module byte and 24-bit opcode;
// only meaningful when IsPipe reports false.
func (s Slot) Module() byte    { return byte(s >> 24) }
func (s Slot) Opcode() uint32  { return uint32(s) & 0x00FFFFFF }

// DataRequest lets write_scope_token's caller pull the first N bytes of a
// scope token's stream into a user buffer before the framework begins its
// own zero-copy drain (§6 "Data-request interface").
type DataRequest struct {
	Size    int
	Context any
	Handler func(ctx any, data []byte, count int) (handled int, err error)
}

// AsyncOpcode selects an async_cntl operation (§6); RETCODE is the one
// named explicitly in the spec text, reading back a task's status from
// cleanup.
type AsyncOpcode int

const (
	RETCODE AsyncOpcode = iota
	SET_WAIT
	CANCEL
)

// AddressTable is the runtime API passed to every servlet call (§6): the
// full address table a servlet uses to declare pipes, read/write typed
// headers, emit scope tokens, log, and reach module-private
// functionality.
type AddressTable interface {
	// Define declares a pipe slot by name, flag bits, and a type
	// expression (resolved later by the graph's type inferrer).
	Define(name string, flags pipe.Flag, typeExpr string) (Slot, error)

	// SetTypeHook registers a callback invoked once the slot's concrete
	// type is resolved, with opaque data threaded back to the callback.
	SetTypeHook(slot Slot, cb func(data any, concrete typemodel.ConcreteType), data any)

	// Accessor records a pending field-path lookup on slot, resolved once
	// the graph's type checker determines slot's concrete type.
	Accessor(slot Slot, fieldExpr string) (typemodel.AccessorID, error)

	// Constant records a pending named-constant lookup on slot, resolved
	// at the same time as Accessor (§4.3 "per-constant table").
	Constant(slot Slot, fieldExpr string, signed, real bool) (typemodel.ConstantID, error)

	Read(slot Slot, accessor typemodel.AccessorID, dest []byte, size int) (int, error)
	Write(slot Slot, accessor typemodel.AccessorID, src []byte, size int) (int, error)

	// WriteScopeToken emits a scope object by reference; req, if non-nil,
	// lets the caller intercept the stream's first bytes before the
	// framework's own zero-copy drain begins.
	WriteScopeToken(slot Slot, tok scope.Token, req *DataRequest) error

	LogWrite(level logrus.Level, msg string, fields logrus.Fields)

	// Trap reports an unrecoverable servlet-detected condition; the
	// framework treats it as cancelling every output of the calling task.
	Trap(reason string)

	EOF(slot Slot) bool

	Cntl(slot Slot, op pipe.Opcode, arg any) (any, error)

	// GetModuleFunc resolves a module-private function to a virtual slot
	// usable with Cntl.
	GetModuleFunc(mod, fn string) (Slot, error)

	ModOpen(path string) (pipe.Module, error)

	// ModCntlPrefix returns the unique module-binary id for all module
	// instances under path; a path resolving to instances from two
	// different binaries is an error (§8 property 8).
	ModCntlPrefix(path string) (uint32, error)

	Version() uint32

	AsyncCntl(handle *async.Handle, op AsyncOpcode, arg any) (any, error)
}
