// Package console implements a debug sink servlet that prints each
// request's fields to stdout, in text or JSON, for local development.
package console

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/firestige/plumber/internal/graph"
	"github.com/firestige/plumber/internal/typemodel"
	"github.com/firestige/plumber/servlet"
)

type instance struct {
	format   string
	reported atomic.Uint64

	in        servlet.Slot
	methodAcc typemodel.AccessorID
	callIDAcc typemodel.AccessorID
	haveAccs  bool
}

// Register installs this servlet's descriptor into r.
func Register(r *graph.Registry) error {
	return r.Register(servlet.Descriptor{
		Metadata: servlet.Metadata{
			Name:        "console",
			Type:        "sink",
			Version:     "1.0.0",
			Description: "prints request fields to stdout for debugging",
		},
		Init:   initConsole,
		Exec:   execConsole,
		Unload: unloadConsole,
	})
}

func initConsole(argv []string) (servlet.Mode, servlet.Instance, error) {
	format := "text"
	if len(argv) > 0 {
		f := argv[0]
		var cfg struct {
			Format string `json:"format"`
		}
		if json.Unmarshal([]byte(f), &cfg) == nil {
			f = cfg.Format
		}
		switch f {
		case "json", "text":
			format = f
		case "":
		default:
			return servlet.SYNC, nil, fmt.Errorf("console: invalid format %q, must be json or text", f)
		}
	}
	return servlet.SYNC, &instance{format: format}, nil
}

func unloadConsole(i servlet.Instance) {
	inst := i.(*instance)
	logrus.WithField("total_reported", inst.reported.Load()).Info("console servlet unloaded")
}

func execConsole(i servlet.Instance, addr servlet.AddressTable) error {
	inst := i.(*instance)

	if err := inst.declareSlots(addr); err != nil {
		return err
	}

	method, callID := inst.readFields(addr)
	inst.reported.Add(1)

	if inst.format == "json" {
		return inst.printJSON(method, callID)
	}
	inst.printText(method, callID)
	return nil
}

func (inst *instance) declareSlots(addr servlet.AddressTable) error {
	if inst.haveAccs {
		return nil
	}
	slot, err := addr.Define("in", 0, "sip_message")
	if err != nil {
		return fmt.Errorf("console: define input: %w", err)
	}
	inst.in = slot
	inst.methodAcc, _ = addr.Accessor(slot, "method")
	inst.callIDAcc, _ = addr.Accessor(slot, "call_id")
	inst.haveAccs = true
	return nil
}

func (inst *instance) readFields(addr servlet.AddressTable) (method, callID string) {
	buf := make([]byte, 256)
	if n, err := addr.Read(inst.in, inst.methodAcc, buf, len(buf)); err == nil && n > 0 {
		method = string(buf[:n])
	}
	buf2 := make([]byte, 256)
	if n, err := addr.Read(inst.in, inst.callIDAcc, buf2, len(buf2)); err == nil && n > 0 {
		callID = string(buf2[:n])
	}
	return method, callID
}

func (inst *instance) printJSON(method, callID string) error {
	out := map[string]any{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"method":    method,
		"call_id":   callID,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("console: marshal failed: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func (inst *instance) printText(method, callID string) {
	fmt.Printf("[%s] method=%s call_id=%s\n", time.Now().Format("15:04:05.000"), method, callID)
}
