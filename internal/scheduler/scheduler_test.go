package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/plumber/internal/scope"
	"github.com/firestige/plumber/internal/tasktable"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	seen []tasktable.NodeID
	done chan struct{}
	want int
}

func (d *recordingDispatcher) Dispatch(t *tasktable.Task) {
	d.mu.Lock()
	d.seen = append(d.seen, t.Node)
	n := len(d.seen)
	d.mu.Unlock()
	if n == d.want {
		close(d.done)
	}
}

func TestLoopDispatchesReadyTasksInFIFOOrder(t *testing.T) {
	tbl := tasktable.New()
	sc := scope.New(1)
	_, err := tbl.NewRequest(1, 0, 1, sc)
	require.NoError(t, err)

	d := &recordingDispatcher{done: make(chan struct{}), want: 3}
	loop := NewLoop(1, tbl, d, 10, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.Post(func() {
		a := tbl.EnsureTask(1, 10, 1, sc)
		b := tbl.EnsureTask(1, 11, 1, sc)
		c := tbl.EnsureTask(1, 12, 1, sc)
		_ = tbl.PipeReady(b)
		_ = tbl.PipeReady(c)
		_ = tbl.PipeReady(a)
	})

	select {
	case <-d.done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not see all three tasks in time")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []tasktable.NodeID{11, 12, 10}, d.seen)
}

func TestRouterIsSticky(t *testing.T) {
	tbl1, tbl2 := tasktable.New(), tasktable.New()
	d1, d2 := &recordingDispatcher{done: make(chan struct{}), want: 1}, &recordingDispatcher{done: make(chan struct{}), want: 1}
	l1 := NewLoop(1, tbl1, d1, 10, 4)
	l2 := NewLoop(2, tbl2, d2, 10, 4)
	router := NewRouter([]*Loop{l1, l2})

	first, ok := router.LoopFor("flow-A")
	require.True(t, ok)
	second, ok := router.LoopFor("flow-A")
	require.True(t, ok)
	assert.Same(t, first, second, "same key must always route to the same loop")
}
