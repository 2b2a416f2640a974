package eip

import (
	"github.com/behrlich/go-eip/internal/cip"
	"github.com/behrlich/go-eip/internal/tag"
)

// Endian selects the byte order a tag's typed accessors use.
type Endian = tag.Endian

const (
	LittleEndian = tag.LittleEndian
	BigEndian    = tag.BigEndian
)

// Protocol selects the low-level messaging mode a tag uses. Only
// ProtocolABEIP (explicit messaging) has an active back-end; a
// ProtocolABIO (implicit/IO messaging) tag never gets one. With an
// LGX/Micro800 CPU and no ReadGroup its Status() reports
// ErrCodeNotImplemented; any other combination is rejected at Create and
// Status() reports that error instead.
type Protocol = tag.Protocol

const (
	ProtocolABEIP = tag.ProtocolABEIP
	ProtocolABIO  = tag.ProtocolABIO
)

// CPUType selects the Allen-Bradley controller family a tag's path and
// name are resolved against.
type CPUType = cip.CPUType

const (
	CPUUnknown CPUType = cip.CPUUnknown
	CPUPLC5    CPUType = cip.CPUPLC5
	CPUMLGX    CPUType = cip.CPUMLGX
	CPULGX     CPUType = cip.CPULGX
	CPUM800    CPUType = cip.CPUM800
)

// ParseCPUType matches the case-insensitive "cpu" attribute values the
// reference implementation accepts (plc/plc5/slc, micrologix/mlgx,
// micro800/m800, compactlogix/controllogix/flexlogix/lgx and aliases).
func ParseCPUType(s string) (CPUType, error) {
	return cip.ParseCPUType(s)
}

// TagOptions describes a tag to be created. It is the typed replacement
// for the reference implementation's "key=value&key=value" attribute
// string: a caller (or a thin attribute-string wrapper the caller
// supplies) builds one of these and passes it to Create.
type TagOptions struct {
	// Gateway is the PLC's hostname or IP address.
	Gateway string
	// Port is the EtherNet/IP TCP port; zero selects the configured
	// default (44818 unless overridden via config.Defaults).
	Port int
	// Path is the comma-separated CIP routing path to the target
	// module, e.g. "1,0". The last hop may be a "channel:src:dest" DH+
	// triple.
	Path string
	// CPU selects the controller family, driving both sub-type
	// dispatch and Forward Open's connection-parameter selection.
	CPU CPUType
	// Name is the symbolic tag name on the PLC, e.g. "Program:Main.Counter"
	// or "MyArray[3,5]".
	Name string
	// ElemCount is the number of array elements this tag covers.
	// Zero defaults to 1.
	ElemCount int
	// ElemSize is the byte width of one element. Zero defaults to 4
	// (DINT/REAL-sized); used to size the data buffer and, until the
	// element's CIP type is learned from a read reply, to pick a
	// default type for Write-Tag-Fragmented requests.
	ElemSize int
	// ReadCacheMS is the read-cache TTL in milliseconds; a Read call
	// within this window of the previous successful read returns OK
	// without triggering wire traffic. Zero selects the configured
	// default (0, no caching, unless overridden via config.Defaults).
	ReadCacheMS int64
	// Endian selects byte order for the typed accessors.
	Endian Endian
	// Protocol selects explicit (ab_eip) or implicit (ab_io) messaging.
	Protocol Protocol
	// ReadGroup, if non-empty, marks this as a GROUP tag (LGX/Micro800 only);
	// GROUP tags are dispatched but not implemented.
	ReadGroup string
}

func (o TagOptions) toInternal() tag.Options {
	return tag.Options{
		Gateway:     o.Gateway,
		Path:        o.Path,
		CPU:         o.CPU,
		Name:        o.Name,
		ElemCount:   o.ElemCount,
		ElemSize:    o.ElemSize,
		ReadCacheMS: o.ReadCacheMS,
		Endian:      o.Endian,
		Protocol:    o.Protocol,
		ReadGroup:   o.ReadGroup,
	}
}
