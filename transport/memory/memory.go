// Package memory implements an in-process pipe.Module over plain byte
// slices, used by tests and by servlets wired directly to each other
// without a real transport (the "memory" transport named in §1's list of
// external transport modules).
package memory

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/firestige/plumber/internal/pipe"
)

// Module is a pipe.Module backed by an in-memory header and body buffer.
// Safe for one reader and one writer operating on their own Module value.
type Module struct {
	mu   sync.Mutex
	path string

	hdr     bytes.Buffer
	hdrPos  int
	body    bytes.Buffer
	bodyPos int
	eof     bool
}

// New creates a Module identified by path (used only for OpModPath/MODPATH
// and logging).
func New(path string) *Module {
	return &Module{path: path}
}

func (m *Module) Path() string { return m.path }

// WriteHeader/WriteBody seed the module's buffers directly, for tests that
// construct a producer's output without going through pipe.Handle.
func (m *Module) WriteHeader(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hdr.Write(b)
}

func (m *Module) WriteBody(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body.Write(b)
}

// CloseBody marks the body as fully written, so ReadBytes eventually
// returns io.EOF.
func (m *Module) CloseBody() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eof = true
}

func (m *Module) ReadBytes(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.body.Bytes()
	n := copy(buf, all[m.bodyPos:])
	m.bodyPos += n
	if m.bodyPos >= len(all) && m.eof {
		return n, io.EOF
	}
	return n, nil
}

func (m *Module) WriteBytes(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.body.Write(buf)
}

func (m *Module) Cntl(op pipe.Opcode, arg any) (any, error) {
	switch op {
	case pipe.OpReadHdr:
		m.mu.Lock()
		defer m.mu.Unlock()
		dst := arg.([]byte)
		all := m.hdr.Bytes()
		n := copy(dst, all[m.hdrPos:])
		m.hdrPos += n
		return n, nil

	case pipe.OpWriteHdr:
		m.mu.Lock()
		defer m.mu.Unlock()
		src := arg.([]byte)
		return m.hdr.Write(src)

	case pipe.OpGetHdrBuf:
		// The in-memory header is always contiguous: hand back a direct
		// borrow of everything not yet consumed by READHDR.
		m.mu.Lock()
		defer m.mu.Unlock()
		n, _ := arg.(int)
		all := m.hdr.Bytes()
		remaining := all[m.hdrPos:]
		if len(remaining) < n {
			return pipe.NullBuffer, nil
		}
		m.hdrPos = len(all)
		return pipe.DirectBuffer{Bytes: remaining}, nil

	case pipe.OpModPath:
		return m.path, nil

	case pipe.OpEOM:
		return nil, nil

	default:
		return nil, fmt.Errorf("memory transport: unsupported module opcode %x", uint32(op))
	}
}
