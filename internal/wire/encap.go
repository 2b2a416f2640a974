// Package wire implements the byte-level EtherNet/IP encapsulation and
// CIP framing formats: the encapsulation header, Common Packet Format
// items, and Forward Open/Close request and response bodies. Marshaling
// is hand-written little-endian field packing, mirroring the way the
// teacher's internal/uapi/marshal.go builds fixed-layout kernel structs
// rather than leaning on struct-tag reflection.
package wire

import (
	"encoding/binary"
	"fmt"
)

// EncapHeaderLen is the fixed size of the EtherNet/IP encapsulation
// header in bytes.
const EncapHeaderLen = 24

// EncapHeader is the 24-byte header that precedes every EtherNet/IP
// encapsulation message.
type EncapHeader struct {
	Command       uint16
	Length        uint16
	SessionHandle uint32
	Status        uint32
	SenderContext [8]byte
	Options       uint32
}

// MarshalBinary writes the header in wire order.
func (h *EncapHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, EncapHeaderLen)
	binary.LittleEndian.PutUint16(buf[0:2], h.Command)
	binary.LittleEndian.PutUint16(buf[2:4], h.Length)
	binary.LittleEndian.PutUint32(buf[4:8], h.SessionHandle)
	binary.LittleEndian.PutUint32(buf[8:12], h.Status)
	copy(buf[12:20], h.SenderContext[:])
	binary.LittleEndian.PutUint32(buf[20:24], h.Options)
	return buf, nil
}

// UnmarshalBinary parses a header from the front of buf.
func (h *EncapHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) < EncapHeaderLen {
		return fmt.Errorf("wire: short encap header, need %d bytes got %d", EncapHeaderLen, len(buf))
	}
	h.Command = binary.LittleEndian.Uint16(buf[0:2])
	h.Length = binary.LittleEndian.Uint16(buf[2:4])
	h.SessionHandle = binary.LittleEndian.Uint32(buf[4:8])
	h.Status = binary.LittleEndian.Uint32(buf[8:12])
	copy(h.SenderContext[:], buf[12:20])
	h.Options = binary.LittleEndian.Uint32(buf[20:24])
	return nil
}

// RegisterSessionBody is the 4-byte payload that follows the header in a
// RegisterSession request/response.
type RegisterSessionBody struct {
	ProtocolVersion uint16
	OptionFlags     uint16
}

func (b *RegisterSessionBody) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], b.ProtocolVersion)
	binary.LittleEndian.PutUint16(buf[2:4], b.OptionFlags)
	return buf, nil
}

func (b *RegisterSessionBody) UnmarshalBinary(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("wire: short register-session body")
	}
	b.ProtocolVersion = binary.LittleEndian.Uint16(buf[0:2])
	b.OptionFlags = binary.LittleEndian.Uint16(buf[2:4])
	return nil
}

// CPFItem is one item (address or data) inside a Common Packet Format
// message.
type CPFItem struct {
	Type uint16
	Data []byte
}

// MarshalCPF serializes a list of items as "item count" followed by
// each item's type/length/data triple.
func MarshalCPF(items []CPFItem) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(len(items)))
	for _, it := range items {
		hdr := make([]byte, 4)
		binary.LittleEndian.PutUint16(hdr[0:2], it.Type)
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(it.Data)))
		buf = append(buf, hdr...)
		buf = append(buf, it.Data...)
	}
	return buf
}

// UnmarshalCPF parses a Common Packet Format item list from buf,
// returning the items and the number of bytes consumed.
func UnmarshalCPF(buf []byte) ([]CPFItem, int, error) {
	if len(buf) < 2 {
		return nil, 0, fmt.Errorf("wire: short CPF item count")
	}
	count := binary.LittleEndian.Uint16(buf[0:2])
	off := 2
	items := make([]CPFItem, 0, count)
	for i := 0; i < int(count); i++ {
		if len(buf) < off+4 {
			return nil, 0, fmt.Errorf("wire: short CPF item header")
		}
		typ := binary.LittleEndian.Uint16(buf[off : off+2])
		length := binary.LittleEndian.Uint16(buf[off+2 : off+4])
		off += 4
		if len(buf) < off+int(length) {
			return nil, 0, fmt.Errorf("wire: short CPF item data")
		}
		items = append(items, CPFItem{Type: typ, Data: buf[off : off+int(length)]})
		off += int(length)
	}
	return items, off, nil
}
