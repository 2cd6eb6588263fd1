package task

import (
	"testing"

	"github.com/firestige/plumber/internal/config"
)

func TestTaskStateTransitions(t *testing.T) {
	cfg := config.TaskConfig{
		ID:      "test-task-1",
		Workers: 1,
		Capture: config.CaptureConfig{
			Name:         "mock",
			Interface:    "lo",
			DispatchMode: "binding",
		},
		Decoder: config.DecoderConfig{
			Tunnels:      []string{},
			IPReassembly: false,
		},
		Parsers:    []config.ParserConfig{},
		Processors: []config.ProcessorConfig{},
		Reporters: []config.ReporterConfig{
			{
				Name:   "console",
				Config: map[string]any{},
			},
		},
	}

	task := NewTask(cfg)

	if task.State() != StateCreated {
		t.Errorf("Expected initial state Created, got %s", task.State())
	}
	if task.ID() != "test-task-1" {
		t.Errorf("Expected ID 'test-task-1', got %s", task.ID())
	}

	status := task.GetStatus()
	if status.ID != "test-task-1" {
		t.Errorf("Expected status ID 'test-task-1', got %s", status.ID)
	}
	if status.State != StateCreated {
		t.Errorf("Expected status state Created, got %s", status.State)
	}
	if status.PipelineCount != 0 {
		t.Errorf("Expected pipeline count 0, got %d", status.PipelineCount)
	}
}

func TestTaskRawStreamsPerWorker(t *testing.T) {
	cfg := config.TaskConfig{
		ID:      "test-task-2",
		Workers: 4,
		Capture: config.CaptureConfig{
			Name:         "mock",
			Interface:    "eth0",
			DispatchMode: "binding",
		},
	}

	task := NewTask(cfg)

	if len(task.rawStreams) != 4 {
		t.Errorf("Expected 4 raw streams, got %d", len(task.rawStreams))
	}
	if task.ctx == nil {
		t.Error("Expected ctx to be initialized")
	}
	if task.cancel == nil {
		t.Error("Expected cancel func to be initialized")
	}
}

func TestTaskDefaultWorkers(t *testing.T) {
	cfg := config.TaskConfig{
		ID:      "test-task-3",
		Workers: 0, // invalid, should default to 1
		Capture: config.CaptureConfig{
			Name:         "mock",
			Interface:    "eth0",
			DispatchMode: "binding",
		},
	}

	task := NewTask(cfg)

	if len(task.rawStreams) != 1 {
		t.Errorf("Expected 1 raw stream for invalid workers, got %d", len(task.rawStreams))
	}
}

func TestTaskStateCreatedToFailed(t *testing.T) {
	cfg := config.TaskConfig{
		ID:      "test-task-4",
		Workers: 1,
		Capture: config.CaptureConfig{
			Name:         "nonexistent",
			Interface:    "lo",
			DispatchMode: "binding",
		},
	}

	task := NewTask(cfg)

	task.mu.Lock()
	task.setState(StateFailed)
	task.failureReason = "test failure"
	task.mu.Unlock()

	if task.State() != StateFailed {
		t.Errorf("Expected state Failed, got %s", task.State())
	}

	status := task.GetStatus()
	if status.FailureReason != "test failure" {
		t.Errorf("Expected failure reason 'test failure', got %s", status.FailureReason)
	}
}

func TestFlowHash(t *testing.T) {
	buildIPv4UDP := func(srcIP, dstIP [4]byte, srcPort, dstPort uint16) []byte {
		frame := make([]byte, 42) // 14 (eth) + 20 (ipv4) + 8 (udp)
		frame[12] = 0x08
		frame[13] = 0x00
		frame[14] = 0x45
		frame[23] = 17
		copy(frame[26:30], srcIP[:])
		copy(frame[30:34], dstIP[:])
		frame[34] = byte(srcPort >> 8)
		frame[35] = byte(srcPort)
		frame[36] = byte(dstPort >> 8)
		frame[37] = byte(dstPort)
		return frame
	}

	t.Run("same 5-tuple yields same hash", func(t *testing.T) {
		pkt1 := buildIPv4UDP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5060, 5060)
		pkt2 := buildIPv4UDP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5060, 5060)
		if flowHash(pkt1) != flowHash(pkt2) {
			t.Error("identical 5-tuples should produce identical hash")
		}
	})

	t.Run("different src port yields different hash", func(t *testing.T) {
		pkt1 := buildIPv4UDP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5060, 5060)
		pkt2 := buildIPv4UDP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5061, 5060)
		if flowHash(pkt1) == flowHash(pkt2) {
			t.Error("different src ports should (very likely) produce different hash")
		}
	})

	t.Run("different dst IP yields different hash", func(t *testing.T) {
		pkt1 := buildIPv4UDP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5060, 5060)
		pkt2 := buildIPv4UDP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 3}, 5060, 5060)
		if flowHash(pkt1) == flowHash(pkt2) {
			t.Error("different dst IPs should (very likely) produce different hash")
		}
	})

	t.Run("short packet falls back gracefully", func(t *testing.T) {
		h := flowHash([]byte{0x01, 0x02, 0x03})
		if h == 0 {
			t.Error("short packet should still produce a non-zero hash")
		}
	})

	t.Run("VLAN tagged frame", func(t *testing.T) {
		frame := make([]byte, 46) // 18 (eth+vlan) + 20 (ipv4) + 8 (udp)
		frame[12] = 0x81
		frame[13] = 0x00
		frame[16] = 0x08
		frame[17] = 0x00
		frame[18] = 0x45
		frame[27] = 17
		frame[30] = 10
		frame[33] = 1
		frame[34] = 10
		frame[37] = 2
		frame[38] = 0x13
		frame[39] = 0xC4
		frame[40] = 0x13
		frame[41] = 0xC4

		h := flowHash(frame)
		if h == 0 {
			t.Error("VLAN tagged packet should produce a non-zero hash")
		}
	})
}
