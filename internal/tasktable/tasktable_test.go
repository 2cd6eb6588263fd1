package tasktable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/plumber/internal/perr"
	"github.com/firestige/plumber/internal/pipe"
	"github.com/firestige/plumber/internal/scope"
)

type noopModule struct{}

func (noopModule) Path() string                      { return "noop" }
func (noopModule) ReadBytes(buf []byte) (int, error)  { return 0, nil }
func (noopModule) WriteBytes(buf []byte) (int, error) { return len(buf), nil }
func (noopModule) Cntl(op pipe.Opcode, arg any) (any, error) { return nil, nil }

func TestReadyWhenCountersReachInDegree(t *testing.T) {
	tbl := New()
	sc := scope.New(1)
	root, err := tbl.NewRequest(1, 0, 1, sc)
	require.NoError(t, err)

	downstream := tbl.task(1, 1, 2, sc)
	require.NoError(t, tbl.PipeReady(downstream))
	assert.Equal(t, Pending, downstream.CurrentPhase(), "one of two inputs ready is not enough")

	require.NoError(t, tbl.PipeReady(downstream))
	assert.Equal(t, Ready, downstream.CurrentPhase())

	popped := tbl.NextReadyTask()
	require.NotNil(t, popped)
	assert.Equal(t, downstream, popped)
	assert.Equal(t, Running, popped.CurrentPhase())

	_ = root
}

func TestReadyQueueIsFIFOByLastArrival(t *testing.T) {
	// §8 property 2: K tasks becoming ready in one tick dequeue in the
	// order their readiness condition was most recently satisfied.
	tbl := New()
	sc := scope.New(1)
	_, err := tbl.NewRequest(1, 0, 1, sc)
	require.NoError(t, err)

	a := tbl.task(1, 1, 1, sc)
	b := tbl.task(1, 2, 1, sc)
	c := tbl.task(1, 3, 1, sc)

	require.NoError(t, tbl.PipeReady(b))
	require.NoError(t, tbl.PipeReady(c))
	require.NoError(t, tbl.PipeReady(a))

	assert.Equal(t, b, tbl.NextReadyTask())
	assert.Equal(t, c, tbl.NextReadyTask())
	assert.Equal(t, a, tbl.NextReadyTask())
	assert.Nil(t, tbl.NextReadyTask())
}

func TestCounterOverflowIsProgrammingError(t *testing.T) {
	tbl := New()
	sc := scope.New(1)
	_, err := tbl.NewRequest(1, 0, 0, sc)
	require.NoError(t, err)

	task := tbl.task(1, 1, 1, sc)
	require.NoError(t, tbl.PipeReady(task))

	err = tbl.PipeReady(task)
	assert.ErrorIs(t, err, perr.ErrProgramming)
}

func TestAllInputsCancelledCancelsTask(t *testing.T) {
	tbl := New()
	sc := scope.New(1)
	_, err := tbl.NewRequest(1, 0, 0, sc)
	require.NoError(t, err)

	task := tbl.task(1, 1, 2, sc)
	require.NoError(t, tbl.InputCancelled(task))
	assert.Equal(t, Pending, task.CurrentPhase())
	require.NoError(t, tbl.InputCancelled(task))
	assert.Equal(t, Cancelled, task.CurrentPhase())
}

func TestRequestDrainsToZeroLiveRequests(t *testing.T) {
	tbl := New()
	sc := scope.New(1)
	root, err := tbl.NewRequest(1, 0, 0, sc)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.LiveRequestCount())

	require.NoError(t, tbl.Free(root))
	assert.Equal(t, 0, tbl.LiveRequestCount())
}

func TestShadowOutputRequiresShadowInputFlags(t *testing.T) {
	tbl := New()
	sc := scope.New(1)
	root, err := tbl.NewRequest(1, 0, 0, sc)
	require.NoError(t, err)

	plainOutput := pipe.New(noopModule{}, true, 0) // output bit set, shadow bit not
	err = tbl.OutputShadow(root, 0, plainOutput)
	assert.ErrorIs(t, err, perr.ErrInvalidArgument)

	shadow := pipe.NewShadow(noopModule{}, 0)
	require.NoError(t, tbl.OutputShadow(root, 1, shadow))
}
