package eip

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"

	"github.com/behrlich/go-eip/internal/cip"
	"github.com/behrlich/go-eip/internal/constants"
	"github.com/behrlich/go-eip/internal/wire"
)

// FakePLCListener is a real net.Listener that speaks just enough
// EtherNet/IP and CIP to drive a Session through registration, a
// Connection through a Forward Open/Close handshake, and a Tag through
// Read-Tag-Fragmented/Write-Tag-Fragmented, without a real controller.
// It exists purely for integration-style tests; production code never
// constructs one.
//
// Every accepted connection gets its own session handle; tag memory and
// call counts are shared by all connections. All of it is tracked behind
// the single mutex mu rather than per-connection locks.
type FakePLCListener struct {
	ln net.Listener

	mu          sync.Mutex
	nextHandle  uint32
	nextConnID  uint32
	closed      bool
	tagMemory   map[string][]byte // tag name -> backing bytes, shared across connections
	forwardOpen bool              // if false, Forward Open requests fail with a CIP error

	readCalls  int
	writeCalls int
}

// NewFakePLCListener binds an ephemeral TCP port on loopback and starts
// accepting connections in the background. Call Addr to discover the
// port to dial and Close to shut it down.
func NewFakePLCListener() (*FakePLCListener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	f := &FakePLCListener{
		ln:          ln,
		nextHandle:  1,
		nextConnID:  0x1000_0001,
		tagMemory:   make(map[string][]byte),
		forwardOpen: true,
	}
	go f.acceptLoop()
	return f, nil
}

// Addr returns the listener's bound address.
func (f *FakePLCListener) Addr() net.Addr { return f.ln.Addr() }

// Close stops accepting new connections.
func (f *FakePLCListener) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.ln.Close()
}

// SetTagData seeds the backing bytes a Read-Tag-Fragmented request for
// name returns, and is also where a Write-Tag-Fragmented request
// deposits what it receives; call after a Write to observe the result.
func (f *FakePLCListener) SetTagData(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagMemory[name] = append([]byte(nil), data...)
}

// TagData returns the current backing bytes for name.
func (f *FakePLCListener) TagData(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.tagMemory[name]...)
}

// FailForwardOpen makes every subsequent Forward Open request fail
// with a CIP resource-unavailable status, for exercising Connection's
// error path.
func (f *FakePLCListener) FailForwardOpen() {
	f.mu.Lock()
	f.forwardOpen = false
	f.mu.Unlock()
}

// ReadCalls and WriteCalls report how many Read/Write-Tag-Fragmented
// requests have been serviced, for assertions on caching behavior.
func (f *FakePLCListener) ReadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCalls
}

func (f *FakePLCListener) WriteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeCalls
}

func (f *FakePLCListener) acceptLoop() {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(c)
	}
}

func (f *FakePLCListener) serve(c net.Conn) {
	defer c.Close()

	var sessionHandle uint32
	buf := make([]byte, 8192)

	for {
		n, err := readFullHeader(c, buf)
		if err != nil {
			return
		}

		var hdr wire.EncapHeader
		if err := hdr.UnmarshalBinary(buf[:n]); err != nil {
			return
		}
		body := buf[wire.EncapHeaderLen:n]

		switch hdr.Command {
		case constants.EIPRegisterSession:
			f.mu.Lock()
			sessionHandle = f.nextHandle
			f.nextHandle++
			f.mu.Unlock()

			respBody, _ := (&wire.RegisterSessionBody{ProtocolVersion: constants.EIPVersion}).MarshalBinary()
			f.reply(c, hdr.Command, sessionHandle, hdr.SenderContext, respBody)

		case constants.EIPUnregisterSession:
			return

		case constants.EIPReadRRData:
			f.handleUnconnected(c, hdr, body, sessionHandle)

		case constants.EIPConnectedSend:
			f.handleConnected(c, hdr, body, sessionHandle)

		default:
			f.reply(c, hdr.Command, sessionHandle, hdr.SenderContext, nil)
		}
	}
}

// readFullHeader reads one encapsulation message (header plus its full
// declared length, blocking until all of it has arrived) into buf,
// returning the total bytes read.
func readFullHeader(c net.Conn, buf []byte) (int, error) {
	if _, err := readN(c, buf[:wire.EncapHeaderLen]); err != nil {
		return 0, err
	}
	length := binary.LittleEndian.Uint16(buf[2:4])
	if int(length) > len(buf)-wire.EncapHeaderLen {
		return 0, errShortFakeBuf
	}
	if length > 0 {
		if _, err := readN(c, buf[wire.EncapHeaderLen:wire.EncapHeaderLen+int(length)]); err != nil {
			return 0, err
		}
	}
	return wire.EncapHeaderLen + int(length), nil
}

func readN(c net.Conn, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := c.Read(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

var errShortFakeBuf = errors.New("eip: fake PLC: encapsulation message too large for test buffer")

func (f *FakePLCListener) reply(c net.Conn, command uint16, sessionHandle uint32, ctx [8]byte, body []byte) {
	h := wire.EncapHeader{Command: command, Length: uint16(len(body)), SessionHandle: sessionHandle, SenderContext: ctx}
	hdr, _ := h.MarshalBinary()
	_, _ = c.Write(append(hdr, body...))
}

// handleUnconnected services a Send-RR-Data message. Forward Open and
// Forward Close both arrive this way, wrapped in an Unconnected Send;
// only Forward Open is answered, anything else gets no reply.
func (f *FakePLCListener) handleUnconnected(c net.Conn, hdr wire.EncapHeader, body []byte, sessionHandle uint32) {
	if len(body) < 6 {
		return
	}
	items, _, err := wire.UnmarshalCPF(body[6:])
	if err != nil {
		return
	}

	var cm []byte
	for _, it := range items {
		if it.Type == constants.CPFItemUnconnectedData {
			cm = it.Data
		}
	}
	if len(cm) < 1 || cm[0] != constants.CMUnconnectedSend {
		return
	}

	// Skip service + path size + path + ticks to reach the embedded
	// length-prefixed Forward Open request.
	off := 1
	pathWords := int(cm[off])
	off += 1 + pathWords*2 + 2
	if off+2 > len(cm) {
		return
	}
	embLen := int(binary.LittleEndian.Uint16(cm[off : off+2]))
	off += 2
	if off+embLen > len(cm) {
		return
	}
	embedded := cm[off : off+embLen]
	if len(embedded) < 1 || embedded[0] != constants.CIPServiceForwardOpen {
		return
	}

	respCPF := f.buildForwardOpenReply(embedded)
	f.reply(c, hdr.Command, sessionHandle, hdr.SenderContext, wire.WrapEIPCommandBody(respCPF))
}

func (f *FakePLCListener) buildForwardOpenReply(fo []byte) []byte {
	f.mu.Lock()
	ok := f.forwardOpen
	connID := f.nextConnID
	if ok {
		f.nextConnID++
	}
	f.mu.Unlock()

	// Forward Open request body: OrigToTargConnID(4) TargToOrigConnID(4)
	// ConnSerial(2) VendorID(2) OrigSerial(4) ...
	targToOrig := binary.LittleEndian.Uint32(fo[5:9])
	connSerial := binary.LittleEndian.Uint16(fo[9:11])
	vendorID := binary.LittleEndian.Uint16(fo[11:13])
	origSerial := binary.LittleEndian.Uint32(fo[13:17])

	var cipResp []byte
	if ok {
		r := wire.ForwardOpenResponse{
			OrigToTargConnID: connID,
			TargToOrigConnID: targToOrig,
			ConnSerialNumber: connSerial,
			OrigVendorID:     vendorID,
			OrigSerialNumber: origSerial,
		}
		payload := make([]byte, 0, 16)
		b32 := make([]byte, 4)
		binary.LittleEndian.PutUint32(b32, r.OrigToTargConnID)
		payload = append(payload, b32...)
		binary.LittleEndian.PutUint32(b32, r.TargToOrigConnID)
		payload = append(payload, b32...)
		b16 := make([]byte, 2)
		binary.LittleEndian.PutUint16(b16, r.ConnSerialNumber)
		payload = append(payload, b16...)
		binary.LittleEndian.PutUint16(b16, r.OrigVendorID)
		payload = append(payload, b16...)
		binary.LittleEndian.PutUint32(b32, r.OrigSerialNumber)
		payload = append(payload, b32...)
		payload = append(payload, 0, 0, 0, 0) // app reply size + reserved, unused

		cipResp = append([]byte{constants.CIPServiceForwardOpen | constants.CIPResponseMask, 0, byte(cip.StatusOK), 0}, payload...)
	} else {
		cipResp = []byte{constants.CIPServiceForwardOpen | constants.CIPResponseMask, 0, byte(cip.StatusResourceUnavail), 0}
	}

	return wire.MarshalCPF([]wire.CPFItem{
		{Type: constants.CPFItemNullAddr, Data: nil},
		{Type: constants.CPFItemUnconnectedData, Data: cipResp},
	})
}

// handleConnected services a Send-Unit-Data message: Read/Write-Tag-
// Fragmented requests and Forward Close.
func (f *FakePLCListener) handleConnected(c net.Conn, hdr wire.EncapHeader, body []byte, sessionHandle uint32) {
	targConnID, connSeqNum, cipReq, err := wire.ParseConnectedSendBody(body)
	if err != nil || len(cipReq) < 1 {
		return
	}

	var cipResp []byte
	switch cipReq[0] {
	case constants.CIPServiceReadTagFragmented:
		cipResp = f.serviceRead(cipReq)
	case constants.CIPServiceWriteTagFragmented:
		cipResp = f.serviceWrite(cipReq)
	case constants.CIPServiceForwardClose:
		cipResp = []byte{constants.CIPServiceForwardClose | constants.CIPResponseMask, 0, byte(cip.StatusOK), 0}
	default:
		cipResp = []byte{cipReq[0] | constants.CIPResponseMask, 0, byte(cip.StatusServiceNotSupported), 0}
	}

	respCPF := wire.BuildConnectedData(targConnID, connSeqNum, cipResp)
	f.reply(c, hdr.Command, sessionHandle, [8]byte{}, wire.WrapEIPCommandBody(respCPF))
}

func (f *FakePLCListener) serviceRead(req []byte) []byte {
	f.mu.Lock()
	f.readCalls++
	f.mu.Unlock()

	name, rest, ok := decodeTagNameIOI(req[1:])
	if !ok || len(rest) < 6 {
		return []byte{constants.CIPServiceReadTagFragmented | constants.CIPResponseMask, 0, byte(cip.StatusPathSegmentError), 0}
	}
	byteOffset := binary.LittleEndian.Uint32(rest[2:6])

	f.mu.Lock()
	data := f.tagMemory[name]
	f.mu.Unlock()

	if int(byteOffset) >= len(data) {
		return []byte{constants.CIPServiceReadTagFragmented | constants.CIPResponseMask, 0, byte(cip.StatusOK), 0,
			byte(constants.CIPTypeDINT), 0}
	}

	const maxChunk = 236
	chunk := data[byteOffset:]
	more := false
	if len(chunk) > maxChunk {
		chunk = chunk[:maxChunk]
		more = true
	}

	status := byte(cip.StatusOK)
	if more {
		status = byte(cip.StatusPartialTransfer)
	}
	resp := []byte{constants.CIPServiceReadTagFragmented | constants.CIPResponseMask, 0, status, 0,
		byte(constants.CIPTypeDINT), 0}
	return append(resp, chunk...)
}

func (f *FakePLCListener) serviceWrite(req []byte) []byte {
	f.mu.Lock()
	f.writeCalls++
	f.mu.Unlock()

	name, rest, ok := decodeTagNameIOI(req[1:])
	if !ok || len(rest) < 8 {
		return []byte{constants.CIPServiceWriteTagFragmented | constants.CIPResponseMask, 0, byte(cip.StatusPathSegmentError), 0}
	}
	byteOffset := binary.LittleEndian.Uint32(rest[4:8])
	value := rest[8:]

	f.mu.Lock()
	buf := f.tagMemory[name]
	end := int(byteOffset) + len(value)
	if end > len(buf) {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[byteOffset:], value)
	f.tagMemory[name] = buf
	f.mu.Unlock()

	return []byte{constants.CIPServiceWriteTagFragmented | constants.CIPResponseMask, 0, byte(cip.StatusOK), 0}
}

// decodeTagNameIOI strips a symbol-segment tag name IOI (as built by
// EncodeTagName, leading word-count byte included) off the front of a
// service request body, returning the name, the remaining bytes, and
// whether decoding succeeded. It only needs to handle the single-
// segment "wordCount 0x91 len ascii [pad]" shape
// BuildReadFragmented/BuildWriteFragmented produce for plain names.
func decodeTagNameIOI(buf []byte) (name string, rest []byte, ok bool) {
	if len(buf) < 3 || buf[1] != 0x91 {
		return "", nil, false
	}
	n := int(buf[2])
	if len(buf) < 3+n {
		return "", nil, false
	}
	name = string(buf[3 : 3+n])
	off := 3 + n
	if n%2 != 0 {
		off++ // padding byte
	}
	if off > len(buf) {
		return "", nil, false
	}
	return name, buf[off:], true
}
