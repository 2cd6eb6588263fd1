// Package task implements task lifecycle management: a task binds one
// transport capture source to a linear chain of servlets (parsers,
// processors, reporters) and drives packets through it until stopped.
package task

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/firestige/plumber/internal/config"
	"github.com/firestige/plumber/internal/engine"
	"github.com/firestige/plumber/internal/metrics"
	"github.com/firestige/plumber/transport/afpacket"
)

// TaskState represents the state of a task in its lifecycle.
type TaskState string

const (
	// StateCreated indicates task instance created but not started.
	StateCreated TaskState = "created"
	// StateStarting indicates task is in the process of starting.
	StateStarting TaskState = "starting"
	// StateRunning indicates task is running normally.
	StateRunning TaskState = "running"
	// StateStopping indicates task is in the process of stopping.
	StateStopping TaskState = "stopping"
	// StateStopped indicates task has stopped cleanly.
	StateStopped TaskState = "stopped"
	// StateFailed indicates task failed during startup or runtime.
	StateFailed TaskState = "failed"
)

// Task represents a running packet capture task: one capture source
// fanned out, by flow hash, across Workers scheduler-driven engines, each
// running its own service graph of servlets over its own task table.
type Task struct {
	// Static configuration
	Config config.TaskConfig

	source  *afpacket.Source
	engines []*engine.Engine

	rawStreams []chan []byte // one per pipeline

	pipelineWg sync.WaitGroup

	mu            sync.RWMutex
	state         TaskState
	createdAt     time.Time
	startedAt     time.Time
	stoppedAt     time.Time
	failureReason string

	metricsInterval atomic.Int64 // nanoseconds; 0 = use default (5s)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTask creates a new task instance in Created state. It does NOT open
// the capture source or start processing — call Start() for that.
func NewTask(cfg config.TaskConfig) *Task {
	ctx, cancel := context.WithCancel(context.Background())

	numPipelines := cfg.Workers
	if numPipelines < 1 {
		numPipelines = 1
	}

	rawCap := cfg.ChannelCapacity.RawStream
	if rawCap <= 0 {
		rawCap = 1000
	}

	rawStreams := make([]chan []byte, numPipelines)
	for i := range rawStreams {
		rawStreams[i] = make(chan []byte, rawCap)
	}

	return &Task{
		Config:     cfg,
		rawStreams: rawStreams,
		state:      StateCreated,
		createdAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// State returns the current task state.
func (t *Task) State() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Task) setState(s TaskState) {
	oldState := t.state
	t.state = s
	slog.Info("task state changed", "task_id", t.Config.ID, "state", s)

	taskID := t.Config.ID
	if oldState != "" {
		metrics.TaskStatus.WithLabelValues(taskID, string(oldState)).Set(0)
	}

	var statusValue float64
	switch s {
	case StateStopped:
		statusValue = metrics.TaskStatusStopped
	case StateRunning:
		statusValue = metrics.TaskStatusRunning
	case StateFailed:
		statusValue = metrics.TaskStatusError
	default:
		statusValue = metrics.TaskStatusStopped
	}
	metrics.TaskStatus.WithLabelValues(taskID, string(s)).Set(statusValue)
}

// Start opens the capture source and starts the dispatch and pipeline
// goroutines, transitioning the task to Running.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateCreated {
		return fmt.Errorf("cannot start task in state %s", t.state)
	}
	t.setState(StateStarting)
	t.startedAt = time.Now()

	src, err := afpacket.New(afpacket.Config{
		Interface:   t.Config.Capture.Interface,
		BPFFilter:   t.Config.Capture.BPFFilter,
		SnapLen:     t.Config.Capture.SnapLen,
		Promiscuous: true,
	})
	if err != nil {
		t.setState(StateFailed)
		t.failureReason = fmt.Sprintf("capture source open failed: %v", err)
		return fmt.Errorf("capture source open failed: %w", err)
	}
	t.source = src

	runCtx := t.ctx
	for i, e := range t.engines {
		e.Run(runCtx)
		t.pipelineWg.Add(1)
		go func(idx int, eng *engine.Engine) {
			defer t.pipelineWg.Done()
			affinityKey := fmt.Sprintf("%s-worker-%d", t.Config.ID, idx)
			for data := range t.rawStreams[idx] {
				if err := eng.Submit(affinityKey, data); err != nil {
					slog.Warn("engine submit failed", "task_id", t.Config.ID, "pipeline_id", idx, "error", err)
				}
			}
		}(i, e)
	}

	go t.captureLoop()
	go t.statsCollectorLoop()

	t.setState(StateRunning)
	slog.Info("task started", "task_id", t.Config.ID, "pipelines", len(t.engines), "interface", t.Config.Capture.Interface)
	return nil
}

// Stop closes the capture source, drains in-flight packets, and
// transitions the task to Stopped.
func (t *Task) Stop() error {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return fmt.Errorf("cannot stop task in state %s", t.state)
	}
	t.setState(StateStopping)
	t.mu.Unlock()

	slog.Info("stopping task", "task_id", t.Config.ID)

	t.cancel()
	if t.source != nil {
		t.source.Close()
	}
	for _, ch := range t.rawStreams {
		close(ch)
	}
	t.pipelineWg.Wait()

	for _, e := range t.engines {
		e.Close()
	}

	t.mu.Lock()
	t.setState(StateStopped)
	t.stoppedAt = time.Now()
	t.mu.Unlock()

	slog.Info("task stopped", "task_id", t.Config.ID)
	return nil
}

// captureLoop reads packets off the source and distributes them to
// rawStreams by flow hash, guaranteeing flow affinity.
func (t *Task) captureLoop() {
	packets, errs := t.source.Packets(t.ctx)
	numPipelines := len(t.rawStreams)

	for {
		select {
		case <-t.ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			slog.Warn("capture error", "task_id", t.Config.ID, "error", err)
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			data := append([]byte(nil), pkt.Bytes()...)

			idx := flowHash(data) % uint32(numPipelines)
			select {
			case t.rawStreams[idx] <- data:
			case <-t.ctx.Done():
				return
			default:
				slog.Debug("pipeline channel full, dropping packet", "task_id", t.Config.ID, "pipeline_id", idx)
			}
		}
	}
}

// flowHash computes a hash from an Ethernet frame's IP 5-tuple for
// flow-affine distribution, falling back to hashing raw bytes.
func flowHash(data []byte) uint32 {
	h := fnv.New32a()

	if len(data) < 14 {
		h.Write(data)
		return h.Sum32()
	}

	etherType := binary.BigEndian.Uint16(data[12:14])
	ipStart := 14
	if etherType == 0x8100 {
		if len(data) < 18 {
			h.Write(data)
			return h.Sum32()
		}
		etherType = binary.BigEndian.Uint16(data[16:18])
		ipStart = 18
	}

	switch etherType {
	case 0x0800:
		ipHdr := data[ipStart:]
		if len(ipHdr) < 20 {
			h.Write(data)
			return h.Sum32()
		}
		ihl := int(ipHdr[0]&0x0F) * 4
		if ihl < 20 || len(ipHdr) < ihl {
			h.Write(data)
			return h.Sum32()
		}
		proto := ipHdr[9]
		h.Write(ipHdr[12:16])
		h.Write(ipHdr[16:20])
		h.Write([]byte{proto})
		transHdr := ipHdr[ihl:]
		if (proto == 6 || proto == 17 || proto == 132) && len(transHdr) >= 4 {
			h.Write(transHdr[0:2])
			h.Write(transHdr[2:4])
		}

	case 0x86DD:
		ipHdr := data[ipStart:]
		if len(ipHdr) < 40 {
			h.Write(data)
			return h.Sum32()
		}
		proto := ipHdr[6]
		h.Write(ipHdr[8:24])
		h.Write(ipHdr[24:40])
		h.Write([]byte{proto})
		transHdr := ipHdr[40:]
		if (proto == 6 || proto == 17 || proto == 132) && len(transHdr) >= 4 {
			h.Write(transHdr[0:2])
			h.Write(transHdr[2:4])
		}

	default:
		n := len(data)
		if n > 64 {
			n = 64
		}
		h.Write(data[:n])
	}

	return h.Sum32()
}

// Status returns a snapshot of task status.
type Status struct {
	ID            string    `json:"id"`
	State         TaskState `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	StoppedAt     time.Time `json:"stopped_at,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Uptime        string    `json:"uptime,omitempty"`
	PipelineCount int       `json:"pipeline_count"`
}

// GetStatus returns current task status.
func (t *Task) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := Status{
		ID:            t.Config.ID,
		State:         t.state,
		CreatedAt:     t.createdAt,
		StartedAt:     t.startedAt,
		StoppedAt:     t.stoppedAt,
		FailureReason: t.failureReason,
		PipelineCount: len(t.engines),
	}
	if t.state == StateRunning && !t.startedAt.IsZero() {
		status.Uptime = time.Since(t.startedAt).String()
	}
	return status
}

// ID returns the task ID.
func (t *Task) ID() string { return t.Config.ID }

func (t *Task) getMetricsInterval() time.Duration {
	ns := t.metricsInterval.Load()
	if ns <= 0 {
		return 5 * time.Second
	}
	return time.Duration(ns)
}

// UpdateMetricsInterval sets a new metrics collection interval, taking
// effect on the next tick of the stats collector.
func (t *Task) UpdateMetricsInterval(d time.Duration) {
	if d > 0 {
		t.metricsInterval.Store(int64(d))
	}
}

// statsCollectorLoop periodically reports capture stats to Prometheus.
func (t *Task) statsCollectorLoop() {
	interval := t.getMetricsInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastReceived, lastDropped uint64

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if newInterval := t.getMetricsInterval(); newInterval != interval {
				interval = newInterval
				ticker.Reset(interval)
			}
			if t.source == nil {
				continue
			}
			received, dropped, _ := t.source.Stats()

			deltaReceived := received - lastReceived
			if received < lastReceived {
				deltaReceived = received
			}
			deltaDropped := dropped - lastDropped
			if dropped < lastDropped {
				deltaDropped = dropped
			}

			if deltaReceived > 0 {
				metrics.CapturePacketsTotal.WithLabelValues(t.Config.ID, t.Config.Capture.Interface).Add(float64(deltaReceived))
			}
			if deltaDropped > 0 {
				metrics.CaptureDropsTotal.WithLabelValues(t.Config.ID, "capture").Add(float64(deltaDropped))
			}
			lastReceived, lastDropped = received, dropped
		}
	}
}
