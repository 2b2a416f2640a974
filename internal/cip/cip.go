// Package cip holds CIP-level types and status tables shared by the wire
// encoder and the session/connection/tag state machines.
package cip

import "fmt"

// CPUType selects the controller family a path/tag targets, the same
// role "cpu_type" plays in the reference implementation.
type CPUType int

const (
	CPUUnknown CPUType = iota
	CPUPLC5
	CPUMLGX
	CPULGX
	CPUM800
)

// ParseCPUType matches the case-insensitive "cpu" attribute values the
// reference implementation accepts.
func ParseCPUType(s string) (CPUType, error) {
	switch lower(s) {
	case "plc", "plc5", "slc", "slc500":
		return CPUPLC5, nil
	case "micrologix", "mlgx":
		return CPUMLGX, nil
	case "micro800", "m800":
		return CPUM800, nil
	case "compactlogix", "clgx", "lgx", "controllogix", "contrologix", "flexlogix", "flgx":
		return CPULGX, nil
	default:
		return CPUUnknown, fmt.Errorf("cip: unknown cpu type %q", s)
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// TagType mirrors determine_tag_type's classification of a tag request
// into one of the back-end sub-types.
type TagType int

const (
	TagTypeUnknown TagType = iota
	TagTypeGroup
	TagTypeExplicit
	TagTypeImplicit
	TagTypePCCC
	TagTypePCCCDHP
)

func (t TagType) String() string {
	switch t {
	case TagTypeGroup:
		return "group"
	case TagTypeExplicit:
		return "explicit"
	case TagTypeImplicit:
		return "implicit"
	case TagTypePCCC:
		return "pccc"
	case TagTypePCCCDHP:
		return "pccc_dhp"
	default:
		return "unknown"
	}
}

// Status is a CIP general status code.
type Status uint8

// General status codes relevant to tag read/write, named per the CIP
// specification and cross-checked against the reference implementation's
// status table.
const (
	StatusOK                Status = 0x00
	StatusConnectionFailure Status = 0x01
	StatusResourceUnavail   Status = 0x02
	StatusInvalidParam      Status = 0x03
	StatusPathSegmentError  Status = 0x04
	StatusPathDestUnknown   Status = 0x05
	StatusPartialTransfer   Status = 0x06
	StatusConnLost          Status = 0x07
	StatusServiceNotSupported Status = 0x08
	StatusInvalidAttribValue Status = 0x09
	StatusAttribListError   Status = 0x0A
	StatusAlreadyInState    Status = 0x0B
	StatusObjectModeConflict Status = 0x0C
	StatusObjectAlreadyExists Status = 0x0D
	StatusAttribNotSettable Status = 0x0E
	StatusPermissionDenied  Status = 0x0F
	StatusDeviceStateConflict Status = 0x10
	StatusReplyTooLarge     Status = 0x11
	StatusFragmentPrimitive Status = 0x12
	StatusNotEnoughData     Status = 0x13
	StatusAttribNotSupported Status = 0x14
	StatusTooMuchData       Status = 0x15
	StatusObjectDoesNotExist Status = 0x16
	StatusNoFragmentation   Status = 0x1A
	StatusInvalidMemberID   Status = 0x1E
	StatusVendorSpecific    Status = 0x1F
)

// Name returns a human-readable status name, falling back to a hex
// literal for anything not in the table.
func (s Status) Name() string {
	switch s {
	case StatusOK:
		return "success"
	case StatusConnectionFailure:
		return "connection failure"
	case StatusResourceUnavail:
		return "resource unavailable"
	case StatusInvalidParam:
		return "invalid parameter"
	case StatusPathSegmentError:
		return "path segment error"
	case StatusPathDestUnknown:
		return "path destination unknown"
	case StatusPartialTransfer:
		return "partial transfer"
	case StatusConnLost:
		return "connection lost"
	case StatusServiceNotSupported:
		return "service not supported"
	case StatusInvalidAttribValue:
		return "invalid attribute value"
	case StatusAttribListError:
		return "attribute list error"
	case StatusAlreadyInState:
		return "already in requested mode/state"
	case StatusObjectModeConflict:
		return "object state conflict"
	case StatusObjectAlreadyExists:
		return "object already exists"
	case StatusAttribNotSettable:
		return "attribute not settable"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusDeviceStateConflict:
		return "device state conflict"
	case StatusReplyTooLarge:
		return "reply data too large"
	case StatusFragmentPrimitive:
		return "fragmentation of a primitive value"
	case StatusNotEnoughData:
		return "not enough data"
	case StatusAttribNotSupported:
		return "attribute not supported"
	case StatusTooMuchData:
		return "too much data"
	case StatusObjectDoesNotExist:
		return "object does not exist"
	case StatusNoFragmentation:
		return "no stored attribute data"
	case StatusInvalidMemberID:
		return "invalid member id"
	case StatusVendorSpecific:
		return "vendor specific error"
	default:
		return fmt.Sprintf("status 0x%02x", uint8(s))
	}
}

// ExtStatus is the CIP extended status word that accompanies some
// general statuses (most notably 0x05 "path destination unknown" for
// symbolic tag resolution and 0x20 connection manager failures).
type ExtStatus uint16

const (
	ExtStatusTagNotFound  ExtStatus = 0x0000
	ExtStatusIllegalType  ExtStatus = 0x2105
	ExtStatusTagReadOnly  ExtStatus = 0x2104
	ExtStatusSizeTooSmall ExtStatus = 0x2106
	ExtStatusSizeTooLarge ExtStatus = 0x2107
	ExtStatusOffsetError  ExtStatus = 0x2109
)

// Name returns a human-readable extended status name.
func (e ExtStatus) Name() string {
	switch e {
	case ExtStatusTagNotFound:
		return "tag not found"
	case ExtStatusIllegalType:
		return "illegal data type"
	case ExtStatusTagReadOnly:
		return "tag is read only"
	case ExtStatusSizeTooSmall:
		return "requested size too small"
	case ExtStatusSizeTooLarge:
		return "requested size too large"
	case ExtStatusOffsetError:
		return "byte offset is beyond the end of the data"
	default:
		return fmt.Sprintf("extended status 0x%04x", uint16(e))
	}
}
