// Package scope implements the request-local object store (§4.1): a set of
// refcounted objects alive for exactly one request, referenced by short
// tokens so pipes can hand over ownership of large objects — notably
// file-backed streams — without copying.
package scope

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/firestige/plumber/internal/perr"
)

// Token names an object inside one Scope. Tokens are unique within a scope
// (invariant a, §3) and never reused for the scope's lifetime.
type Token uint32

// StreamHandle identifies an open stream over a scope object's Open
// capability. It is only meaningful to the scope that issued it.
type StreamHandle uint32

// Event describes a readiness registration requested by a stream, mirroring
// §6's Scope stream event: fd plus read/write/timeout interest. Both Read
// and Write false means "unregister".
type Event struct {
	FD      uintptr
	Read    bool
	Write   bool
	Timeout int64 // nanoseconds, 0 = no timeout
}

// Vtable is an object's capability set. Free is required; every other
// capability is optional and its absence is reported explicitly via
// perr.ErrCapabilityMissing rather than a nil-pointer call (§9, "dynamic
// dispatch via capability tables").
type Vtable struct {
	Free  func(obj any)
	Copy  func(obj any) (any, error)
	Open  func(obj any) (streamState any, err error)
	Read  func(streamState any, buf []byte) (n int, err error)
	EOS   func(streamState any) bool
	Event func(streamState any) (Event, bool)
	Close func(streamState any) error
}

type entry struct {
	object  any
	vtable  Vtable
	refs    atomic.Int64
	streams map[StreamHandle]any // open stream states, keyed by handle
}

// Scope owns heterogeneous objects for the lifetime of one request.
// Scope is safe for concurrent acquire/incref/decref; only the owning
// scheduler thread mutates refcounts in practice (§5), but stream readers
// on the async pool may call Read/EOS concurrently with that thread.
type Scope struct {
	mu        sync.Mutex
	objects   map[Token]*entry
	nextToken uint32
	nextHdl   uint32
	log       *logrus.Entry
}

// New creates an empty Scope for a single request.
func New(requestID uint64) *Scope {
	return &Scope{
		objects: make(map[Token]*entry),
		log:     logrus.WithFields(logrus.Fields{"component": "scope", "request": requestID}),
	}
}

// Insert allocates a token unique within the scope for object, with an
// initial refcount of 1 (§4.1).
func (s *Scope) Insert(object any, vtable Vtable) (Token, error) {
	if vtable.Free == nil {
		return 0, fmt.Errorf("%w: free capability is required", perr.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextToken++
	tok := Token(s.nextToken)
	e := &entry{object: object, vtable: vtable, streams: make(map[StreamHandle]any)}
	e.refs.Store(1)
	s.objects[tok] = e
	return tok, nil
}

// Acquire borrows the object named by token without transferring ownership.
func (s *Scope) Acquire(tok Token) (any, error) {
	s.mu.Lock()
	e, ok := s.objects[tok]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: token %d", perr.ErrNotFound, tok)
	}
	return e.object, nil
}

// Incref increments token's refcount.
func (s *Scope) Incref(tok Token) error {
	s.mu.Lock()
	e, ok := s.objects[tok]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: token %d", perr.ErrNotFound, tok)
	}
	e.refs.Add(1)
	return nil
}

// Decref decrements token's refcount. When it reaches zero, Free is invoked
// and the token is removed. Any open stream handles must already be closed
// — attempting to free an entry with open streams is a programming error.
func (s *Scope) Decref(tok Token) error {
	s.mu.Lock()
	e, ok := s.objects[tok]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: double-free or unknown token %d", perr.ErrProgramming, tok)
	}
	remaining := e.refs.Add(-1)
	if remaining < 0 {
		s.mu.Unlock()
		if perr.Debug {
			panic(fmt.Sprintf("scope: token %d decref below zero", tok))
		}
		s.log.WithField("token", tok).Error("decref below zero, degrading")
		return fmt.Errorf("%w: token %d decref below zero", perr.ErrProgramming, tok)
	}
	if remaining > 0 {
		s.mu.Unlock()
		return nil
	}
	if len(e.streams) > 0 {
		s.mu.Unlock()
		if perr.Debug {
			panic(fmt.Sprintf("scope: token %d freed with %d open streams", tok, len(e.streams)))
		}
		s.log.WithField("token", tok).Error("freed with open streams, degrading")
		return fmt.Errorf("%w: token %d has %d open streams", perr.ErrProgramming, tok, len(e.streams))
	}
	delete(s.objects, tok)
	s.mu.Unlock()

	e.vtable.Free(e.object)
	return nil
}

// OpenStream opens a readable stream over token's object. Fails with
// perr.ErrCapabilityMissing if the object has no Open capability.
func (s *Scope) OpenStream(tok Token) (StreamHandle, error) {
	s.mu.Lock()
	e, ok := s.objects[tok]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: token %d", perr.ErrNotFound, tok)
	}
	if e.vtable.Open == nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: open", perr.ErrCapabilityMissing)
	}
	s.mu.Unlock()

	state, err := e.vtable.Open(e.object)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.nextHdl++
	hdl := StreamHandle(s.nextHdl)
	e.streams[hdl] = state
	s.mu.Unlock()
	return hdl, nil
}

// ReadStream drains into buf from the stream opened over tok as handle hdl.
func (s *Scope) ReadStream(tok Token, hdl StreamHandle, buf []byte) (int, error) {
	e, state, err := s.streamState(tok, hdl)
	if err != nil {
		return 0, err
	}
	if e.vtable.Read == nil {
		return 0, fmt.Errorf("%w: read", perr.ErrCapabilityMissing)
	}
	return e.vtable.Read(state, buf)
}

// StreamEOS reports whether the stream has reached end-of-stream.
func (s *Scope) StreamEOS(tok Token, hdl StreamHandle) (bool, error) {
	e, state, err := s.streamState(tok, hdl)
	if err != nil {
		return false, err
	}
	if e.vtable.EOS == nil {
		return false, fmt.Errorf("%w: eos", perr.ErrCapabilityMissing)
	}
	return e.vtable.EOS(state), nil
}

// StreamEvent lets a transport module register a readiness notification for
// zero-copy forwarding (§4.1, §6 "Scope stream event").
func (s *Scope) StreamEvent(tok Token, hdl StreamHandle) (Event, bool, error) {
	e, state, err := s.streamState(tok, hdl)
	if err != nil {
		return Event{}, false, err
	}
	if e.vtable.Event == nil {
		return Event{}, false, fmt.Errorf("%w: event", perr.ErrCapabilityMissing)
	}
	ev, want := e.vtable.Event(state)
	return ev, want, nil
}

// CloseStream closes a previously opened stream, releasing the slot so the
// owning token may later be freed.
func (s *Scope) CloseStream(tok Token, hdl StreamHandle) error {
	s.mu.Lock()
	e, ok := s.objects[tok]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: token %d", perr.ErrNotFound, tok)
	}
	state, ok := e.streams[hdl]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: stream handle %d", perr.ErrNotFound, hdl)
	}
	delete(e.streams, hdl)
	s.mu.Unlock()

	if e.vtable.Close == nil {
		return nil
	}
	return e.vtable.Close(state)
}

func (s *Scope) streamState(tok Token, hdl StreamHandle) (*entry, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[tok]
	if !ok {
		return nil, nil, fmt.Errorf("%w: token %d", perr.ErrNotFound, tok)
	}
	state, ok := e.streams[hdl]
	if !ok {
		return nil, nil, fmt.Errorf("%w: stream handle %d", perr.ErrNotFound, hdl)
	}
	return e, state, nil
}

// Len reports the number of live tokens, used by tests to assert that a
// scope drains to zero when its owning request finishes (§8 property 3).
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// OpenStreamCount reports the number of still-open stream handles across
// every token, used by the same invariant check.
func (s *Scope) OpenStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.objects {
		n += len(e.streams)
	}
	return n
}
