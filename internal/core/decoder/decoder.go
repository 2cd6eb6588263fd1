// Package decoder implements L2-L4 protocol stack decoding.
package decoder

import "github.com/firestige/plumber/internal/core"

// Decoder decodes raw packets into structured format.
type Decoder interface {
	Decode(raw core.RawPacket) (core.DecodedPacket, error)
}

// Config controls optional decode stages beyond the base L2-L4 walk.
type Config struct {
	// EnableReassembly turns on IPv4 fragment reassembly. Off by default:
	// most deployments run upstream of any fragmenting hop.
	EnableReassembly bool
	Reassembly       ReassemblyConfig
	RateLimit        FragmentRateLimiterConfig

	// EnableTunnelDecap attempts GRE/IPIP/VXLAN/Geneve decapsulation and
	// fills IPHeader.Inner{Src,Dst}IP with the decapsulated addresses.
	EnableTunnelDecap bool
}

// StandardDecoder walks Ethernet -> IP -> transport, with optional fragment
// reassembly and tunnel decapsulation.
type StandardDecoder struct {
	cfg         Config
	reassembler *Reassembler
	rateLimiter *FragmentRateLimiter
}

// NewStandardDecoder builds a StandardDecoder from cfg.
func NewStandardDecoder(cfg Config) *StandardDecoder {
	d := &StandardDecoder{cfg: cfg}
	if cfg.EnableReassembly {
		d.reassembler = NewReassembler(cfg.Reassembly)
	}
	d.rateLimiter = NewFragmentRateLimiter(cfg.RateLimit)
	return d
}

// Decode implements Decoder.
func (d *StandardDecoder) Decode(raw core.RawPacket) (core.DecodedPacket, error) {
	eth, afterEth, err := decodeEthernet(raw.Data)
	if err != nil {
		return core.DecodedPacket{}, err
	}

	out := core.DecodedPacket{Ethernet: eth, Timestamp: raw.Timestamp}

	if eth.EtherType != etherTypeIPv4 && eth.EtherType != etherTypeIPv6 {
		out.Payload = afterEth
		return out, nil
	}

	fragmented := isIPFragment(afterEth, 4)

	ip, afterIP, err := decodeIP(afterEth)
	if err != nil {
		return core.DecodedPacket{}, err
	}
	payload := afterIP

	if ip.Version == 4 && fragmented {
		if d.rateLimiter != nil && !d.rateLimiter.Allow(srcIPBytes4(ip), raw.Timestamp) {
			return core.DecodedPacket{}, core.ErrReassemblyLimit
		}
		if d.reassembler != nil {
			reassembled, complete, rerr := d.reassembler.Process(afterEth, raw.Timestamp)
			if rerr != nil {
				return core.DecodedPacket{}, rerr
			}
			if !complete {
				out.IP = ip
				return out, nil
			}
			payload = reassembled
		}
	}

	if d.cfg.EnableTunnelDecap {
		if innerIP, innerPayload, terr := decodeTunnel(payload, ip.Protocol); terr == nil && innerIP.Version != 0 {
			ip.InnerSrcIP = innerIP.SrcIP
			ip.InnerDstIP = innerIP.DstIP
			payload = innerPayload
			ip.Protocol = innerIP.Protocol
		}
	}

	transport, payload, err := decodeTransport(payload, ip.Protocol)
	if err != nil {
		return core.DecodedPacket{}, err
	}

	out.IP = ip
	out.Transport = transport
	out.Payload = payload
	return out, nil
}

func srcIPBytes4(ip core.IPHeader) [4]byte {
	var b [4]byte
	if ip.SrcIP.Is4() {
		copy(b[:], ip.SrcIP.AsSlice())
	}
	return b
}
