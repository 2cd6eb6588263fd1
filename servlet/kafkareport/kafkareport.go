// Package kafkareport implements an async Kafka-backed report sink: setup
// serialises the request's fields on the scheduler thread, the blocking
// kafka.Writer.WriteMessages call runs on the async pool in exec, and
// cleanup accounts for the result (§4.5 three-phase lifecycle).
package kafkareport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/sirupsen/logrus"

	"github.com/firestige/plumber/internal/async"
	"github.com/firestige/plumber/internal/graph"
	"github.com/firestige/plumber/servlet"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
)

// Config is the servlet's load-time configuration, parsed from argv[0] as
// JSON by Init (mirroring the loosely-typed config maps the rest of this
// repo's servlets accept).
type Config struct {
	Brokers      []string      `json:"brokers"`
	Topic        string        `json:"topic"`
	BatchSize    int           `json:"batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout"`
	Compression  string        `json:"compression"`
	MaxAttempts  int           `json:"max_attempts"`
}

type instance struct {
	config Config
	writer *kafka.Writer

	reported atomic.Uint64
	failed   atomic.Uint64

	recordSlot  servlet.Slot
	payloadSlot servlet.Slot
}

// record is what Setup serialises into the async buffer; Exec only ever
// sees these bytes, never the instance or address table (the thread
// class running Exec has no request-scoped state).
type record struct {
	Key     string            `json:"key"`
	Value   json.RawMessage   `json:"value"`
	Headers map[string]string `json:"headers,omitempty"`
}

var (
	activeMu sync.RWMutex
	active   *instance // the single live instance (§9 simplification, see DESIGN.md)
)

// Register installs this servlet's descriptor into r.
func Register(r *graph.Registry) error {
	return r.Register(servlet.Descriptor{
		Metadata: servlet.Metadata{
			Name:        "kafkareport",
			Type:        "sink",
			Version:     "1.0.0",
			Description: "reports parsed request records to a Kafka topic",
		},
		Init:         initKafkaReport,
		AsyncSetup:   asyncSetup,
		AsyncExec:    asyncExec,
		AsyncCleanup: asyncCleanup,
		Unload:       unloadKafkaReport,
	})
}

func initKafkaReport(argv []string) (servlet.Mode, servlet.Instance, error) {
	cfg := Config{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Compression:  defaultCompression,
		MaxAttempts:  defaultMaxAttempts,
	}
	if len(argv) > 0 && argv[0] != "" {
		if err := json.Unmarshal([]byte(argv[0]), &cfg); err != nil {
			return servlet.SYNC, nil, fmt.Errorf("kafkareport: invalid config: %w", err)
		}
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return servlet.SYNC, nil, fmt.Errorf("kafkareport: brokers and topic are required")
	}

	writerConfig := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		Async:        false,
	}
	switch cfg.Compression {
	case "none", "":
	case "gzip":
		writerConfig.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		writerConfig.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		writerConfig.CompressionCodec = compress.Lz4.Codec()
	default:
		return servlet.SYNC, nil, fmt.Errorf("kafkareport: invalid compression %q", cfg.Compression)
	}

	inst := &instance{config: cfg, writer: kafka.NewWriter(writerConfig)}

	activeMu.Lock()
	active = inst
	activeMu.Unlock()

	return servlet.ASYNC, inst, nil
}

func unloadKafkaReport(i servlet.Instance) {
	inst := i.(*instance)
	inst.writer.Close()

	activeMu.Lock()
	if active == inst {
		active = nil
	}
	activeMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"reported": inst.reported.Load(),
		"failed":   inst.failed.Load(),
	}).Info("kafkareport servlet unloaded")
}

func asyncSetup(i servlet.Instance, addr servlet.AddressTable, handle *async.Handle) (async.SetupResult, error) {
	inst := i.(*instance)

	// Define runs on every setup call, not once per instance lifetime: addr
	// is a fresh AddressTable per dispatch (internal/engine constructs one
	// per task), so a slot id cached from a prior request's table would not
	// exist in this request's.
	slot, err := addr.Define("record", 0, "sip_message")
	if err != nil {
		return async.SetupResult{}, fmt.Errorf("kafkareport: define record slot: %w", err)
	}
	inst.recordSlot = slot

	buf := make([]byte, 4096)
	n, err := addr.Read(inst.recordSlot, 0, buf, len(buf))
	if err != nil {
		return async.SetupResult{Cancel: true}, nil
	}

	rec := record{
		Key:   fmt.Sprintf("%d", time.Now().UnixNano()),
		Value: json.RawMessage(mustMarshalValue(buf[:n])),
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return async.SetupResult{Cancel: true}, nil
	}
	return async.SetupResult{Buf: encoded}, nil
}

func mustMarshalValue(raw []byte) []byte {
	v, err := json.Marshal(map[string]any{"raw_len": len(raw)})
	if err != nil {
		return []byte("{}")
	}
	return v
}

func asyncExec(handle *async.Handle, buf []byte) async.Status {
	activeMu.RLock()
	inst := active
	activeMu.RUnlock()
	if inst == nil {
		return async.Status(1)
	}

	var rec record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return async.Status(1)
	}

	msg := kafka.Message{Key: []byte(rec.Key), Value: rec.Value, Time: time.Now()}
	for k, v := range rec.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.writer.WriteMessages(ctx, msg); err != nil {
		return async.Status(1)
	}
	return async.Status(0)
}

func asyncCleanup(i servlet.Instance, addr servlet.AddressTable, handle *async.Handle, buf []byte, status async.Status) {
	inst := i.(*instance)
	if status == 0 {
		inst.reported.Add(1)
	} else {
		inst.failed.Add(1)
		addr.Trap("kafkareport: failed to publish record")
	}
}
