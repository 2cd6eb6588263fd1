// Package decode wraps the L2-L4 protocol decoder as a servlet: it reads a
// request's raw Ethernet frame and publishes the parsed IP/transport
// 5-tuple as typed output fields for downstream servlets (§1 pipeline
// stage, §4.3 type model).
package decode

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/firestige/plumber/internal/core"
	"github.com/firestige/plumber/internal/core/decoder"
	"github.com/firestige/plumber/internal/graph"
	"github.com/firestige/plumber/internal/pipe"
	"github.com/firestige/plumber/internal/typemodel"
	"github.com/firestige/plumber/servlet"
)

const maxFrame = 64 * 1024

type instance struct {
	in  servlet.Slot
	out servlet.Slot

	dec *decoder.StandardDecoder

	srcIPAcc, dstIPAcc     fieldAccessor
	srcPortAcc, dstPortAcc fieldAccessor
	protoAcc               fieldAccessor
	payloadAcc             fieldAccessor
}

type fieldAccessor struct {
	id    typemodel.AccessorID
	valid bool
}

// Register installs this servlet's descriptor into r.
func Register(r *graph.Registry) error {
	return r.Register(servlet.Descriptor{
		Metadata: servlet.Metadata{
			Name:        "decode",
			Type:        "processor",
			Version:     "1.0.0",
			Description: "decodes raw Ethernet frames into an IP/transport 5-tuple",
		},
		Init:   initDecode,
		Exec:   execDecode,
		Unload: unloadDecode,
	})
}

// Config is the JSON shape read from argv[0]; every field is optional.
type Config struct {
	EnableReassembly  bool `json:"enable_reassembly"`
	EnableTunnelDecap bool `json:"enable_tunnel_decap"`
	MaxFragsPerIP     int  `json:"max_frags_per_ip"`
}

func initDecode(argv []string) (servlet.Mode, servlet.Instance, error) {
	var cfg Config
	if len(argv) > 0 && argv[0] != "" {
		if err := json.Unmarshal([]byte(argv[0]), &cfg); err != nil {
			return servlet.SYNC, nil, fmt.Errorf("decode: parse config: %w", err)
		}
	}

	dec := decoder.NewStandardDecoder(decoder.Config{
		EnableReassembly:  cfg.EnableReassembly,
		EnableTunnelDecap: cfg.EnableTunnelDecap,
		RateLimit: decoder.FragmentRateLimiterConfig{
			MaxFragsPerIP:   cfg.MaxFragsPerIP,
			RateLimitWindow: 10 * time.Second,
		},
	})

	return servlet.SYNC, &instance{dec: dec}, nil
}

func unloadDecode(servlet.Instance) {}

func execDecode(inst servlet.Instance, addr servlet.AddressTable) error {
	i := inst.(*instance)

	if err := i.declareSlots(addr); err != nil {
		return err
	}

	frame := make([]byte, maxFrame)
	n, err := addr.Read(i.in, 0, frame, maxFrame)
	if err != nil {
		addr.Trap(fmt.Sprintf("decode: failed to read frame: %v", err))
		return nil
	}
	frame = frame[:n]

	decoded, err := i.dec.Decode(core.RawPacket{
		Data:       frame,
		Timestamp:  time.Now(),
		CaptureLen: uint32(n),
		OrigLen:    uint32(n),
	})
	if err != nil {
		addr.LogWrite(logrus.DebugLevel, "decode: frame dropped", logrus.Fields{"error": err.Error()})
		return nil
	}

	if err := i.writeFields(addr, decoded); err != nil {
		return err
	}

	if i.payloadAcc.valid {
		if _, err := addr.Write(i.out, i.payloadAcc.id, decoded.Payload, len(decoded.Payload)); err != nil {
			return err
		}
	}

	return nil
}

// declareSlots runs once per Exec call, not once per instance lifetime: the
// composition roots (internal/runtime, internal/engine) hand every call a
// fresh AddressTable, so a slot defined against a prior call's table is not
// present in this call's — Define and Accessor must be (re-)issued against
// addr every time, even though the instance persists across calls.
func (i *instance) declareSlots(addr servlet.AddressTable) error {
	in, err := addr.Define("in", 0, "raw_frame")
	if err != nil {
		return fmt.Errorf("decode: define input: %w", err)
	}
	out, err := addr.Define("out", pipe.FlagOutput, "decoded_packet")
	if err != nil {
		return fmt.Errorf("decode: define output: %w", err)
	}
	i.in, i.out = in, out

	if id, err := addr.Accessor(out, "src_ip"); err == nil {
		i.srcIPAcc = fieldAccessor{id: id, valid: true}
	}
	if id, err := addr.Accessor(out, "dst_ip"); err == nil {
		i.dstIPAcc = fieldAccessor{id: id, valid: true}
	}
	if id, err := addr.Accessor(out, "src_port"); err == nil {
		i.srcPortAcc = fieldAccessor{id: id, valid: true}
	}
	if id, err := addr.Accessor(out, "dst_port"); err == nil {
		i.dstPortAcc = fieldAccessor{id: id, valid: true}
	}
	if id, err := addr.Accessor(out, "protocol"); err == nil {
		i.protoAcc = fieldAccessor{id: id, valid: true}
	}
	if id, err := addr.Accessor(out, "payload"); err == nil {
		i.payloadAcc = fieldAccessor{id: id, valid: true}
	}
	return nil
}

func (i *instance) writeFields(addr servlet.AddressTable, p core.DecodedPacket) error {
	if i.srcIPAcc.valid && p.IP.SrcIP.IsValid() {
		b := p.IP.SrcIP.AsSlice()
		if _, err := addr.Write(i.out, i.srcIPAcc.id, b, len(b)); err != nil {
			return err
		}
	}
	if i.dstIPAcc.valid && p.IP.DstIP.IsValid() {
		b := p.IP.DstIP.AsSlice()
		if _, err := addr.Write(i.out, i.dstIPAcc.id, b, len(b)); err != nil {
			return err
		}
	}
	if i.srcPortAcc.valid && p.Transport.SrcPort != 0 {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, p.Transport.SrcPort)
		if _, err := addr.Write(i.out, i.srcPortAcc.id, b, 2); err != nil {
			return err
		}
	}
	if i.dstPortAcc.valid && p.Transport.DstPort != 0 {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, p.Transport.DstPort)
		if _, err := addr.Write(i.out, i.dstPortAcc.id, b, 2); err != nil {
			return err
		}
	}
	if i.protoAcc.valid && p.IP.Protocol != 0 {
		if _, err := addr.Write(i.out, i.protoAcc.id, []byte{p.IP.Protocol}, 1); err != nil {
			return err
		}
	}
	return nil
}
