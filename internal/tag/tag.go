// Package tag holds the tag sub-type dispatch and the CIP request/
// response builders used by the explicit-messaging tag handler. It is
// grounded on original_source/lib/ab/ab.c (determine_tag_type) and
// original_source/lib/ab/temp.c (the Read-Tag-Fragmented request
// layout the reference implementation only sketches).
package tag

import (
	"encoding/binary"
	"fmt"

	"github.com/behrlich/go-eip/internal/cip"
	"github.com/behrlich/go-eip/internal/constants"
	"github.com/behrlich/go-eip/internal/wire"
)

// Endian selects byte order for the typed accessors.
type Endian int

const (
	LittleEndian Endian = iota
	BigEndian
)

// Protocol selects the low-level messaging mode a tag uses.
type Protocol int

const (
	ProtocolABEIP Protocol = iota // explicit messaging over EtherNet/IP
	ProtocolABIO                  // implicit (I/O) messaging
)

// Options describes a tag to be created; the typed replacement for the
// reference implementation's "key=value&key=value" attribute string,
// which remains out of scope for this module.
type Options struct {
	Gateway     string
	Path        string
	CPU         cip.CPUType
	Name        string
	ElemCount   int
	ElemSize    int
	ReadCacheMS int64
	Endian      Endian
	Protocol    Protocol
	ReadGroup   string // non-empty selects the (unimplemented) group-read path
}

// DetermineType classifies a tag request into one of the back-end
// sub-types, porting determine_tag_type's switch over CPU family and
// the implicit/group/DH+ flags.
func DetermineType(opts Options) (cip.TagType, error) {
	isImplicit := opts.Protocol == ProtocolABIO
	isGroup := opts.ReadGroup != ""
	usesDHP := pathEndsInDHP(opts.Path)

	switch opts.CPU {
	case cip.CPUPLC5:
		if isImplicit || isGroup {
			return cip.TagTypeUnknown, fmt.Errorf("tag: PLC5/SLC tags cannot be implicit or grouped")
		}
		if usesDHP {
			return cip.TagTypePCCCDHP, nil
		}
		return cip.TagTypePCCC, nil

	case cip.CPUMLGX:
		if isImplicit || isGroup || usesDHP {
			return cip.TagTypeUnknown, fmt.Errorf("tag: MicroLogix tags cannot be implicit, grouped, or use DH+")
		}
		return cip.TagTypePCCC, nil

	case cip.CPULGX, cip.CPUM800:
		if isImplicit && isGroup {
			return cip.TagTypeUnknown, fmt.Errorf("tag: a tag cannot be both implicit and grouped")
		}
		if isGroup {
			return cip.TagTypeGroup, nil
		}
		if isImplicit {
			return cip.TagTypeImplicit, nil
		}
		return cip.TagTypeExplicit, nil

	default:
		return cip.TagTypeUnknown, fmt.Errorf("tag: unknown or unset CPU type")
	}
}

func pathEndsInDHP(path string) bool {
	if path == "" {
		return false
	}
	last := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == ',' {
			last = path[i+1:]
			break
		}
	}
	var ch string
	var a, b int
	n, err := fmt.Sscanf(last, "%1s:%d:%d", &ch, &a, &b)
	return err == nil && n == 3
}

// BuildReadFragmented builds a Read-Tag-Fragmented (service 0x52) CIP
// request for elemCount elements starting at byteOffset, the layout
// temp.c builds field by field.
func BuildReadFragmented(name string, elemCount int, byteOffset uint32) ([]byte, error) {
	ioi, err := wire.EncodeTagName(name)
	if err != nil {
		return nil, err
	}

	req := make([]byte, 0, 1+1+len(ioi)+2+4)
	req = append(req, constants.CIPServiceReadTagFragmented)
	req = append(req, ioi...)

	countBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(countBuf, uint16(elemCount))
	req = append(req, countBuf...)

	offBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(offBuf, byteOffset)
	req = append(req, offBuf...)

	return req, nil
}

// ReadFragmentedResult is the parsed reply to a Read-Tag-Fragmented
// request.
type ReadFragmentedResult struct {
	DataType uint16
	Data     []byte
	More     bool // CIP status was PartialTransfer: caller must continue at a later offset
}

// ParseReadFragmentedResponse parses the embedded CIP reply (already
// unwrapped from its Unconnected Send or connected-data envelope).
func ParseReadFragmentedResponse(resp []byte) (*ReadFragmentedResult, error) {
	if len(resp) < 4 {
		return nil, fmt.Errorf("tag: short read response")
	}
	service := resp[0]
	if service&constants.CIPResponseMask == 0 {
		return nil, fmt.Errorf("tag: unexpected reply service 0x%02x", service)
	}
	status := cip.Status(resp[2])
	extWords := int(resp[3])
	off := 4
	var ext cip.ExtStatus
	if extWords > 0 {
		if len(resp) < off+extWords*2 {
			return nil, fmt.Errorf("tag: short extended status")
		}
		ext = cip.ExtStatus(binary.LittleEndian.Uint16(resp[off : off+2]))
		off += extWords * 2
	}

	switch status {
	case cip.StatusOK:
		if len(resp) < off+2 {
			return nil, fmt.Errorf("tag: short read payload")
		}
		dataType := binary.LittleEndian.Uint16(resp[off : off+2])
		return &ReadFragmentedResult{DataType: dataType, Data: resp[off+2:]}, nil
	case cip.StatusPartialTransfer:
		if len(resp) < off+2 {
			return nil, fmt.Errorf("tag: short partial read payload")
		}
		dataType := binary.LittleEndian.Uint16(resp[off : off+2])
		return &ReadFragmentedResult{DataType: dataType, Data: resp[off+2:], More: true}, nil
	default:
		return nil, &statusError{status: status, ext: ext}
	}
}

// BuildWriteFragmented builds a Write-Tag-Fragmented (service 0x53)
// request carrying value starting at byteOffset, with the tag's
// overall element count and CIP data type.
func BuildWriteFragmented(name string, dataType uint16, elemCount int, byteOffset uint32, value []byte) ([]byte, error) {
	ioi, err := wire.EncodeTagName(name)
	if err != nil {
		return nil, err
	}

	req := make([]byte, 0, 1+len(ioi)+2+2+4+len(value))
	req = append(req, constants.CIPServiceWriteTagFragmented)
	req = append(req, ioi...)

	dtBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(dtBuf, dataType)
	req = append(req, dtBuf...)

	countBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(countBuf, uint16(elemCount))
	req = append(req, countBuf...)

	offBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(offBuf, byteOffset)
	req = append(req, offBuf...)

	req = append(req, value...)
	return req, nil
}

// ParseWriteResponse parses a Write-Tag(-Fragmented) reply, returning
// an error if the CIP status was not success or partial.
func ParseWriteResponse(resp []byte) error {
	if len(resp) < 4 {
		return fmt.Errorf("tag: short write response")
	}
	status := cip.Status(resp[2])
	extWords := int(resp[3])
	var ext cip.ExtStatus
	if extWords > 0 {
		if len(resp) < 4+extWords*2 {
			return fmt.Errorf("tag: short extended status")
		}
		ext = cip.ExtStatus(binary.LittleEndian.Uint16(resp[4 : 4+2]))
	}
	if status != cip.StatusOK && status != cip.StatusPartialTransfer {
		return &statusError{status: status, ext: ext}
	}
	return nil
}

// statusError carries a CIP general/extended status pair; the eip
// package wraps this into its own *Error type at the API boundary.
type statusError struct {
	status cip.Status
	ext    cip.ExtStatus
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s (%s)", e.status.Name(), e.ext.Name())
}

// Status and ExtStatus expose the raw codes to callers that need to
// build a richer error (eip.NewCIPError).
func (e *statusError) Status() cip.Status       { return e.status }
func (e *statusError) ExtStatus() cip.ExtStatus { return e.ext }

// StatusError type-asserts err as a CIP status error, if it is one.
func StatusError(err error) (status cip.Status, ext cip.ExtStatus, ok bool) {
	se, ok := err.(*statusError)
	if !ok {
		return 0, 0, false
	}
	return se.status, se.ext, true
}
