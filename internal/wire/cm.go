package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/behrlich/go-eip/internal/cip"
	"github.com/behrlich/go-eip/internal/constants"
)

// BuildUnconnectedSend wraps an embedded CIP service request (service
// code + request path + request data, already encoded) inside a
// Connection Manager Unconnected Send request, routed over the given
// CIP path. The wrapping mirrors temp.c's static-field backfill: the
// embedded packet is length-prefixed and followed by the route path.
func BuildUnconnectedSend(embedded []byte, routePath []byte) []byte {
	cm := make([]byte, 0, 8+len(embedded)+len(routePath))
	cm = append(cm, constants.CMUnconnectedSend)
	cm = append(cm, byte(len(constants.ConnectionManagerPath)/2))
	cm = append(cm, constants.ConnectionManagerPath...)
	cm = append(cm, constants.SecsPerTick, constants.TimeoutTicks)

	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(len(embedded)))
	cm = append(cm, lenBuf...)
	cm = append(cm, embedded...)
	if len(embedded)%2 != 0 {
		cm = append(cm, 0x00)
	}
	cm = append(cm, routePath...)
	return cm
}

// UnwrapUnconnectedSend strips the Unconnected Send reply envelope
// (reply service byte, reserved byte, general status, extended status
// size/words) and returns the embedded CIP reply.
func UnwrapUnconnectedSend(resp []byte) (service byte, status cip.Status, ext cip.ExtStatus, data []byte, err error) {
	if len(resp) < 4 {
		return 0, 0, 0, nil, fmt.Errorf("wire: short unconnected-send reply")
	}
	service = resp[0]
	status = cip.Status(resp[2])
	extWords := int(resp[3])
	off := 4
	if extWords > 0 {
		if len(resp) < off+extWords*2 {
			return 0, 0, 0, nil, fmt.Errorf("wire: short extended status")
		}
		ext = cip.ExtStatus(binary.LittleEndian.Uint16(resp[off : off+2]))
		off += extWords * 2
	}
	return service, status, ext, resp[off:], nil
}

// ForwardOpenRequest carries the fields needed to build a Forward Open
// request body; field names and values match connection.c verbatim.
type ForwardOpenRequest struct {
	OrigToTargConnID   uint32
	TargToOrigConnID   uint32
	ConnSerialNumber   uint16
	OrigVendorID       uint16
	OrigSerialNumber   uint32
	TimeoutMultiplier  uint8
	OrigToTargRPI      uint32
	OrigToTargParams   uint16
	TargToOrigRPI      uint32
	TargToOrigParams   uint16
	TransportClass     uint8
	ConnectionPath     []byte // pre-encoded route path, including size byte
}

// Marshal builds the Forward Open (service 0x54) request body, with
// 16-bit connection parameter words.
func (f *ForwardOpenRequest) Marshal() []byte {
	buf := make([]byte, 0, 40+len(f.ConnectionPath))
	put32 := func(v uint32) { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); buf = append(buf, b...) }
	put16 := func(v uint16) { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); buf = append(buf, b...) }

	put32(f.OrigToTargConnID)
	put32(f.TargToOrigConnID)
	put16(f.ConnSerialNumber)
	put16(f.OrigVendorID)
	put32(f.OrigSerialNumber)
	buf = append(buf, f.TimeoutMultiplier, 0, 0, 0) // 3 reserved bytes
	put32(f.OrigToTargRPI)
	put16(f.OrigToTargParams)
	put32(f.TargToOrigRPI)
	put16(f.TargToOrigParams)
	buf = append(buf, f.TransportClass)
	buf = append(buf, f.ConnectionPath...)
	return buf
}

// ForwardOpenResponse is the parsed success-path reply to a Forward
// Open request.
type ForwardOpenResponse struct {
	OrigToTargConnID uint32
	TargToOrigConnID uint32
	ConnSerialNumber uint16
	OrigVendorID     uint16
	OrigSerialNumber uint32
}

// UnmarshalForwardOpenResponse parses the success-path fixed fields.
func UnmarshalForwardOpenResponse(buf []byte) (*ForwardOpenResponse, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("wire: short forward-open response")
	}
	return &ForwardOpenResponse{
		OrigToTargConnID: binary.LittleEndian.Uint32(buf[0:4]),
		TargToOrigConnID: binary.LittleEndian.Uint32(buf[4:8]),
		ConnSerialNumber: binary.LittleEndian.Uint16(buf[8:10]),
		OrigVendorID:     binary.LittleEndian.Uint16(buf[10:12]),
		OrigSerialNumber: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// BuildForwardCloseRequest builds a Forward Close request body.
func BuildForwardCloseRequest(connSerial, vendorID uint16, origSerial uint32, routePath []byte) []byte {
	buf := make([]byte, 0, 12+len(routePath))
	buf = append(buf, constants.SecsPerTick, constants.TimeoutTicks)
	b16 := make([]byte, 2)
	binary.LittleEndian.PutUint16(b16, connSerial)
	buf = append(buf, b16...)
	binary.LittleEndian.PutUint16(b16, vendorID)
	buf = append(buf, b16...)
	b32 := make([]byte, 4)
	binary.LittleEndian.PutUint32(b32, origSerial)
	buf = append(buf, b32...)
	buf = append(buf, routePath...)
	return buf
}

// BuildConnectedData frames a connected-send CPF payload: connected
// address item carrying the target connection ID, connected data item
// carrying the connection sequence number followed by the CIP request.
func BuildConnectedData(targConnID uint32, connSeqNum uint16, cipReq []byte) []byte {
	addr := make([]byte, 4)
	binary.LittleEndian.PutUint32(addr, targConnID)

	data := make([]byte, 2+len(cipReq))
	binary.LittleEndian.PutUint16(data[0:2], connSeqNum)
	copy(data[2:], cipReq)

	return MarshalCPF([]CPFItem{
		{Type: constants.CPFItemConnAddr, Data: addr},
		{Type: constants.CPFItemConnData, Data: data},
	})
}

// UnwrapConnectedData parses a connected-send CPF payload, returning
// the connection sequence number and embedded CIP reply.
func UnwrapConnectedData(buf []byte) (connSeqNum uint16, cipResp []byte, err error) {
	items, _, err := UnmarshalCPF(buf)
	if err != nil {
		return 0, nil, err
	}
	for _, it := range items {
		if it.Type == constants.CPFItemConnData {
			if len(it.Data) < 2 {
				return 0, nil, fmt.Errorf("wire: short connected data item")
			}
			connSeqNum = binary.LittleEndian.Uint16(it.Data[0:2])
			cipResp = it.Data[2:]
			return connSeqNum, cipResp, nil
		}
	}
	return 0, nil, fmt.Errorf("wire: no connected data item in reply")
}

// WrapEIPCommandBody prepends the reserved Interface Handle (4 zero
// bytes) and Router Timeout (2 bytes, unused by connected messages but
// still present on the wire) that precede the CPF item list on both
// Send-RR-Data and Send-Unit-Data encapsulation payloads.
func WrapEIPCommandBody(cpf []byte) []byte {
	body := make([]byte, 6, 6+len(cpf))
	binary.LittleEndian.PutUint16(body[4:6], 1) // router timeout, seconds
	return append(body, cpf...)
}

// ParseConnectedSendBody parses a Send-Unit-Data payload (Interface
// Handle + Timeout + CPF carrying a CAI and a CDI item), returning the
// target connection id, connection sequence number and embedded CIP
// reply used to demultiplex the response against the request that
// carries the same (TargetConnID, ConnSeqNum) pair.
func ParseConnectedSendBody(body []byte) (targConnID uint32, connSeqNum uint16, cipResp []byte, err error) {
	if len(body) < 6 {
		return 0, 0, nil, fmt.Errorf("wire: short connected-send body")
	}
	items, _, err := UnmarshalCPF(body[6:])
	if err != nil {
		return 0, 0, nil, err
	}

	var addr, data []byte
	for _, it := range items {
		switch it.Type {
		case constants.CPFItemConnAddr:
			addr = it.Data
		case constants.CPFItemConnData:
			data = it.Data
		}
	}
	if len(addr) < 4 {
		return 0, 0, nil, fmt.Errorf("wire: missing connected address item")
	}
	if len(data) < 2 {
		return 0, 0, nil, fmt.Errorf("wire: missing connected data item")
	}

	targConnID = binary.LittleEndian.Uint32(addr[0:4])
	connSeqNum = binary.LittleEndian.Uint16(data[0:2])
	cipResp = data[2:]
	return targConnID, connSeqNum, cipResp, nil
}
