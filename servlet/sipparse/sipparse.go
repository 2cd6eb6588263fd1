// Package sipparse implements a SIP signalling parser servlet: it reads a
// request's raw payload, extracts the key SIP headers as an output header
// type, and correlates INVITE/200 OK pairs to learn the RTP/RTCP media
// flows a call negotiates via SDP.
package sipparse

import (
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/firestige/plumber/internal/eventbus"
	"github.com/firestige/plumber/internal/graph"
	"github.com/firestige/plumber/internal/pipe"
	"github.com/firestige/plumber/internal/typemodel"
	"github.com/firestige/plumber/servlet"
)

// events fans call-correlation updates (media flow learned, call ended)
// out to subscribers — the daemon's command layer logs them; nothing else
// in the pipeline depends on delivery, so a full subscriber is optional.
var events = eventbus.NewCallEventBus(4, 64)

// Events returns the bus this servlet publishes call-correlation updates
// to, so callers outside the pipeline (the daemon, a future control-plane
// servlet) can subscribe without reaching into servlet internals.
func Events() *eventbus.CallEventBus { return events }

const (
	defaultSessionTTL = 24 * time.Hour
	defaultCleanup    = 1 * time.Hour
	maxPayload        = 64 * 1024
)

// instance is the per-load state Init returns: the raw-payload input slot,
// the accessors for the fields this servlet publishes, and the call
// session cache used to correlate SDP offer/answer.
type instance struct {
	in  servlet.Slot
	out servlet.Slot

	methodAcc statusAccessor
	statusAcc statusAccessor
	callIDAcc statusAccessor

	sessions *cache.Cache // Call-ID -> *callSession

	flowsMu sync.Mutex
	flows   map[flowKey]flowContext
}

type statusAccessor struct {
	id    typemodel.AccessorID
	valid bool
}

type callSession struct {
	callID    string
	offerSDP  *sdpInfo
	answerSDP *sdpInfo
}

type sdpInfo struct {
	connectionIP netip.Addr
	mediaStreams []mediaStream
}

type mediaStream struct {
	mediaType string
	rtpPort   uint16
	rtcpPort  uint16
	rtcpMux   bool
	codec     string
	direction string
}

type flowKey struct {
	srcIP, dstIP     netip.Addr
	srcPort, dstPort uint16
}

type flowContext struct {
	callID, codec string
}

// Register installs this servlet's descriptor into r — the symbol a
// dynamically loaded servlet binary exports (§1 servlet binary loader).
func Register(r *graph.Registry) error {
	return r.Register(servlet.Descriptor{
		Metadata: servlet.Metadata{
			Name:        "sipparse",
			Type:        "processor",
			Version:     "1.0.0",
			Description: "parses SIP signalling messages and correlates SDP media flows",
		},
		Init:   initSipParse,
		Exec:   execSipParse,
		Unload: unloadSipParse,
	})
}

func initSipParse(argv []string) (servlet.Mode, servlet.Instance, error) {
	return servlet.SYNC, &instance{
		sessions: cache.New(defaultSessionTTL, defaultCleanup),
		flows:    make(map[flowKey]flowContext),
	}, nil
}

func unloadSipParse(inst servlet.Instance) {
	i := inst.(*instance)
	i.sessions.Flush()
}

func execSipParse(inst servlet.Instance, addr servlet.AddressTable) error {
	i := inst.(*instance)

	if err := i.declareSlots(addr); err != nil {
		return err
	}

	payload, err := i.readPayload(addr)
	if err != nil {
		addr.Trap(fmt.Sprintf("sipparse: failed to read payload: %v", err))
		return nil
	}

	msg, err := parseSIPMessage(payload)
	if err != nil {
		// Not a parseable SIP message on this request; nothing to publish.
		return nil
	}

	if err := i.writeFields(addr, msg); err != nil {
		return err
	}

	i.handleSDP(msg)

	addr.LogWrite(logrus.DebugLevel, "sip message parsed", logrus.Fields{
		"method":      msg.method,
		"status_code": msg.statusCode,
		"call_id":     msg.callID,
	})

	return nil
}

// declareSlots runs once per Exec call, not once per instance lifetime: the
// composition roots (internal/runtime, internal/engine) hand every call a
// fresh AddressTable, so a slot defined against a prior call's table is not
// present in this call's — Define and Accessor must be (re-)issued against
// addr every time, even though the instance persists across calls.
func (i *instance) declareSlots(addr servlet.AddressTable) error {
	in, err := addr.Define("in", 0, "raw_payload")
	if err != nil {
		return fmt.Errorf("sipparse: define input: %w", err)
	}
	out, err := addr.Define("out", pipe.FlagOutput, "sip_message")
	if err != nil {
		return fmt.Errorf("sipparse: define output: %w", err)
	}
	i.in, i.out = in, out

	if id, err := addr.Accessor(out, "method"); err == nil {
		i.methodAcc = statusAccessor{id: id, valid: true}
	}
	if id, err := addr.Accessor(out, "status_code"); err == nil {
		i.statusAcc = statusAccessor{id: id, valid: true}
	}
	if id, err := addr.Accessor(out, "call_id"); err == nil {
		i.callIDAcc = statusAccessor{id: id, valid: true}
	}
	return nil
}

func (i *instance) readPayload(addr servlet.AddressTable) ([]byte, error) {
	buf := make([]byte, maxPayload)
	n, err := addr.Read(i.in, 0, buf, maxPayload)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (i *instance) writeFields(addr servlet.AddressTable, msg *sipMessage) error {
	if i.methodAcc.valid && msg.method != "" {
		if _, err := addr.Write(i.out, i.methodAcc.id, []byte(msg.method), len(msg.method)); err != nil {
			return err
		}
	}
	if i.statusAcc.valid && msg.statusCode != 0 {
		code := uint16(msg.statusCode)
		b := []byte{byte(code), byte(code >> 8)}
		if _, err := addr.Write(i.out, i.statusAcc.id, b, 2); err != nil {
			return err
		}
	}
	if i.callIDAcc.valid && msg.callID != "" {
		if _, err := addr.Write(i.out, i.callIDAcc.id, []byte(msg.callID), len(msg.callID)); err != nil {
			return err
		}
	}
	return nil
}

// sipMessage is the header set this servlet extracts from one payload.
type sipMessage struct {
	method     string
	statusCode int
	callID     string
	fromURI    string
	toURI      string
	viaList    []string
	cseq       string
	sdp        *sdpInfo
}

func parseSIPMessage(payload []byte) (*sipMessage, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("sipparse: payload too short")
	}

	msg := &sipMessage{viaList: make([]string, 0, 2)}

	headerEnd := bytes.Index(payload, []byte("\r\n\r\n"))
	if headerEnd == -1 {
		headerEnd = bytes.Index(payload, []byte("\n\n"))
		if headerEnd == -1 {
			headerEnd = len(payload)
		}
	}

	headerData := payload[:headerEnd]
	lines := bytes.Split(headerData, []byte("\n"))
	if len(lines) == 0 {
		return nil, fmt.Errorf("sipparse: empty message")
	}

	firstLine := string(bytes.TrimSpace(lines[0]))
	if strings.HasPrefix(firstLine, "SIP/2.0 ") {
		parts := strings.SplitN(firstLine, " ", 3)
		if len(parts) >= 2 {
			code, _ := strconv.Atoi(parts[1])
			msg.statusCode = code
		}
	} else {
		parts := strings.SplitN(firstLine, " ", 3)
		if len(parts) >= 1 {
			msg.method = parts[0]
		} else {
			return nil, fmt.Errorf("sipparse: malformed request line")
		}
	}

	for idx := 1; idx < len(lines); idx++ {
		line := bytes.TrimSpace(lines[idx])
		if len(line) == 0 {
			continue
		}
		for idx+1 < len(lines) && len(lines[idx+1]) > 0 && (lines[idx+1][0] == ' ' || lines[idx+1][0] == '\t') {
			idx++
			line = append(line, ' ')
			line = append(line, bytes.TrimSpace(lines[idx])...)
		}

		colon := bytes.IndexByte(line, ':')
		if colon == -1 {
			continue
		}
		name := string(bytes.TrimSpace(line[:colon]))
		value := string(bytes.TrimSpace(line[colon+1:]))

		switch strings.ToLower(name) {
		case "call-id", "i":
			msg.callID = value
		case "from", "f":
			msg.fromURI = extractURI(value)
		case "to", "t":
			msg.toURI = extractURI(value)
		case "via", "v":
			msg.viaList = append(msg.viaList, value)
		case "cseq":
			msg.cseq = value
		}
	}

	bodyStart := headerEnd + 4
	if bodyStart < len(payload) && bytes.Contains(headerData, []byte("application/sdp")) {
		if sdp, err := parseSDPBody(payload[bodyStart:]); err == nil {
			msg.sdp = sdp
		}
	}

	return msg, nil
}

func extractURI(value string) string {
	start := strings.IndexByte(value, '<')
	if start == -1 {
		parts := strings.Fields(value)
		if len(parts) == 0 {
			return ""
		}
		uri := parts[0]
		if semi := strings.IndexByte(uri, ';'); semi != -1 {
			uri = uri[:semi]
		}
		return uri
	}
	end := strings.IndexByte(value[start:], '>')
	if end == -1 {
		return ""
	}
	return value[start+1 : start+end]
}

func parseSDPBody(body []byte) (*sdpInfo, error) {
	sdp := &sdpInfo{mediaStreams: make([]mediaStream, 0, 2)}
	lines := bytes.Split(body, []byte("\n"))
	var sessionIP netip.Addr
	var current *mediaStream

	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		typ := line[0]
		value := string(bytes.TrimSpace(line[2:]))

		switch typ {
		case 'c':
			if ip := parseConnectionLine(value); ip.IsValid() {
				if current != nil {
					sdp.connectionIP = ip
				} else {
					sessionIP = ip
				}
			}
		case 'm':
			if current != nil {
				sdp.mediaStreams = append(sdp.mediaStreams, *current)
			}
			parts := strings.Fields(value)
			if len(parts) < 3 {
				current = nil
				continue
			}
			port, err := strconv.ParseUint(parts[1], 10, 16)
			if err != nil {
				current = nil
				continue
			}
			current = &mediaStream{
				mediaType: parts[0],
				rtpPort:   uint16(port),
				rtcpPort:  uint16(port) + 1,
				direction: "sendrecv",
			}
		case 'a':
			if current == nil {
				continue
			}
			switch {
			case value == "rtcp-mux":
				current.rtcpMux = true
				current.rtcpPort = current.rtpPort
			case strings.HasPrefix(value, "rtcp:"):
				if port, err := strconv.ParseUint(value[5:], 10, 16); err == nil {
					current.rtcpPort = uint16(port)
				}
			case strings.HasPrefix(value, "rtpmap:") && current.codec == "":
				if parts := strings.SplitN(value[7:], " ", 2); len(parts) == 2 {
					current.codec = parts[1]
				}
			case value == "sendrecv" || value == "sendonly" || value == "recvonly" || value == "inactive":
				current.direction = value
			}
		}
	}

	if current != nil {
		sdp.mediaStreams = append(sdp.mediaStreams, *current)
	}
	if !sdp.connectionIP.IsValid() && sessionIP.IsValid() {
		sdp.connectionIP = sessionIP
	}
	if len(sdp.mediaStreams) == 0 {
		return nil, fmt.Errorf("sipparse: no media streams in SDP")
	}
	return sdp, nil
}

func parseConnectionLine(value string) netip.Addr {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return netip.Addr{}
	}
	ip, err := netip.ParseAddr(parts[2])
	if err != nil {
		return netip.Addr{}
	}
	return ip
}

func (i *instance) handleSDP(msg *sipMessage) {
	if msg.callID == "" {
		return
	}

	switch {
	case msg.method == "BYE" || msg.method == "CANCEL":
		i.cleanupFlows(msg.callID)
		i.sessions.Delete(msg.callID)
		events.PublishCallEvent(&eventbus.CallEvent{CallID: msg.callID, Kind: "call_ended",
			Data: map[string]any{"reason": msg.method}})
		return
	case msg.method == "INVITE":
		if msg.sdp == nil {
			return
		}
		i.sessions.Set(msg.callID, &callSession{callID: msg.callID, offerSDP: msg.sdp}, defaultSessionTTL)
	case msg.statusCode == 200 && strings.Contains(msg.cseq, "INVITE"):
		if msg.sdp == nil {
			return
		}
		cached, found := i.sessions.Get(msg.callID)
		if !found {
			return
		}
		session := cached.(*callSession)
		session.answerSDP = msg.sdp
		i.registerMediaFlows(session)
	}
}

func (i *instance) registerMediaFlows(session *callSession) {
	if session.offerSDP == nil || session.answerSDP == nil {
		return
	}
	offerIP, answerIP := session.offerSDP.connectionIP, session.answerSDP.connectionIP
	if !offerIP.IsValid() || !answerIP.IsValid() {
		return
	}

	n := min(len(session.offerSDP.mediaStreams), len(session.answerSDP.mediaStreams))
	for idx := 0; idx < n; idx++ {
		offer, answer := session.offerSDP.mediaStreams[idx], session.answerSDP.mediaStreams[idx]

		i.registerFlow(offerIP, answerIP, offer.rtpPort, answer.rtpPort, session.callID, offer.codec)
		if !offer.rtcpMux && !answer.rtcpMux {
			i.registerFlow(offerIP, answerIP, offer.rtcpPort, answer.rtcpPort, session.callID, "RTCP")
		}
	}

	events.PublishCallEvent(&eventbus.CallEvent{CallID: session.callID, Kind: "media_flow_registered",
		Data: map[string]any{"streams": n}})
}

func (i *instance) registerFlow(ipA, ipB netip.Addr, portA, portB uint16, callID, codec string) {
	i.flowsMu.Lock()
	defer i.flowsMu.Unlock()
	ctx := flowContext{callID: callID, codec: codec}
	i.flows[flowKey{srcIP: ipA, dstIP: ipB, srcPort: portA, dstPort: portB}] = ctx
	i.flows[flowKey{srcIP: ipB, dstIP: ipA, srcPort: portB, dstPort: portA}] = ctx
}

func (i *instance) cleanupFlows(callID string) {
	i.flowsMu.Lock()
	defer i.flowsMu.Unlock()
	for k, v := range i.flows {
		if v.callID == callID {
			delete(i.flows, k)
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
