// +build !integration

package unit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-eip/internal/cip"
	"github.com/behrlich/go-eip/internal/tag"
	"github.com/behrlich/go-eip/internal/wire"
)

// These tests exercise the wire encoder without a network connection.

func TestEncodeTagNamePlain(t *testing.T) {
	got, err := wire.EncodeTagName("Counter")
	require.NoError(t, err)
	// leading word-count byte, then 0x91, len=7, "Counter", one pad byte
	// (odd segment length).
	require.Equal(t, []byte{0x05, 0x91, 0x07, 'C', 'o', 'u', 'n', 't', 'e', 'r', 0x00}, got)
}

func TestEncodeTagNameEvenLength(t *testing.T) {
	got, err := wire.EncodeTagName("Temp")
	require.NoError(t, err)
	require.Equal(t, []byte{0x03, 0x91, 0x04, 'T', 'e', 'm', 'p'}, got)
}

func TestEncodeTagNameDotted(t *testing.T) {
	got, err := wire.EncodeTagName("Program:Main.Counter")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Equal(t, byte(0x91), got[1])
}

func TestEncodeTagNameArraySmallIndex(t *testing.T) {
	got, err := wire.EncodeTagName("MyArray[3]")
	require.NoError(t, err)
	// symbol segment for "MyArray" followed by an 8-bit element segment.
	require.Contains(t, string(got), "MyArray")
	require.Equal(t, byte(0x28), got[len(got)-2])
	require.Equal(t, byte(3), got[len(got)-1])
}

func TestEncodeTagNameArrayMultiSubscript(t *testing.T) {
	got, err := wire.EncodeTagName("MyArray[3,5]")
	require.NoError(t, err)
	require.Equal(t, byte(0x28), got[len(got)-4])
	require.Equal(t, byte(3), got[len(got)-3])
	require.Equal(t, byte(0x28), got[len(got)-2])
	require.Equal(t, byte(5), got[len(got)-1])
}

func TestEncodeTagNameLargeIndexUsesWordSegment(t *testing.T) {
	got, err := wire.EncodeTagName("MyArray[1000]")
	require.NoError(t, err)
	// Values above 255 require the 0x29 16-bit element segment.
	require.Contains(t, toHexString(got), "29")
}

func TestEncodePathSimple(t *testing.T) {
	got, err := wire.EncodePath("1,0", cip.CPULGX)
	require.NoError(t, err)
	require.True(t, len(got)%2 == 0, "encoded path must be even length")
	// first two bytes are [wordCount, reserved]
	require.Equal(t, byte(len(got)/2-1), got[0])
}

func TestEncodePathDHPRequiresPCCCDHPCPU(t *testing.T) {
	_, err := wire.EncodePath("1,0,a:0:1", cip.CPULGX)
	require.Error(t, err, "DH+ hop with a non-DH+ CPU type must fail")
}

func TestEncodePathDHPChannelNormalization(t *testing.T) {
	got, err := wire.EncodePath("a:0:1", cip.CPUPLC5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	// channel 'a' is normalized to 1: [wordCount, reserved, channel, ...]
	require.Equal(t, byte(1), got[2])
}

func TestDetermineTypePLC5RejectsImplicit(t *testing.T) {
	_, err := tag.DetermineType(tag.Options{CPU: cip.CPUPLC5, Protocol: tag.ProtocolABIO})
	require.Error(t, err)
}

func TestDetermineTypeLGXExplicit(t *testing.T) {
	kind, err := tag.DetermineType(tag.Options{CPU: cip.CPULGX, Protocol: tag.ProtocolABEIP, Name: "Tag1"})
	require.NoError(t, err)
	require.Equal(t, cip.TagTypeExplicit, kind)
}

func TestDetermineTypeLGXRejectsImplicitAndGroupTogether(t *testing.T) {
	_, err := tag.DetermineType(tag.Options{CPU: cip.CPULGX, Protocol: tag.ProtocolABIO, ReadGroup: "G1"})
	require.Error(t, err)
}

func TestBuildReadFragmentedRoundTrip(t *testing.T) {
	req, err := tag.BuildReadFragmented("Counter", 2, 4)
	require.NoError(t, err)
	require.Equal(t, byte(0x52), req[0]) // CIP Read-Tag-Fragmented service

	// Build a synthetic success reply: service|0x80, reserved, status=0,
	// ext words=0, data type=DINT, then payload bytes.
	resp := []byte{0x52 | 0x80, 0, 0, 0, 0xC4, 0, 1, 2, 3, 4}
	result, err := tag.ParseReadFragmentedResponse(resp)
	require.NoError(t, err)
	require.False(t, result.More)
	require.Equal(t, uint16(0xC4), result.DataType)
	require.Equal(t, []byte{1, 2, 3, 4}, result.Data)
}

func TestParseReadFragmentedPartialTransferSetsMore(t *testing.T) {
	resp := []byte{0x52 | 0x80, 0, 0x06, 0, 0xC4, 0, 9, 9}
	result, err := tag.ParseReadFragmentedResponse(resp)
	require.NoError(t, err)
	require.True(t, result.More)
}

func TestParseReadFragmentedErrorStatus(t *testing.T) {
	resp := []byte{0x52 | 0x80, 0, 0x05, 0} // path destination unknown
	_, err := tag.ParseReadFragmentedResponse(resp)
	require.Error(t, err)
	status, _, ok := tag.StatusError(err)
	require.True(t, ok)
	require.Equal(t, cip.StatusPathDestUnknown, status)
}

func TestBuildWriteFragmentedAndParseResponse(t *testing.T) {
	req, err := tag.BuildWriteFragmented("Counter", 0xC4, 1, 0, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, byte(0x53), req[0])

	okResp := []byte{0x53 | 0x80, 0, 0, 0}
	require.NoError(t, tag.ParseWriteResponse(okResp))

	roResp := []byte{0x53 | 0x80, 0, 0x0E, 0}
	err = tag.ParseWriteResponse(roResp)
	require.Error(t, err)
}

func TestEncapHeaderRoundTrip(t *testing.T) {
	h := wire.EncapHeader{Command: 0x0065, Length: 4, SessionHandle: 0xCAFEBABE, Status: 0}
	buf, err := h.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, wire.EncapHeaderLen)

	var got wire.EncapHeader
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Equal(t, h.Command, got.Command)
	require.Equal(t, h.SessionHandle, got.SessionHandle)
}

func TestMarshalUnmarshalCPF(t *testing.T) {
	items := []wire.CPFItem{
		{Type: 0x00A1, Data: []byte{1, 2, 3, 4}},
		{Type: 0x00B1, Data: []byte{5, 6}},
	}
	buf := wire.MarshalCPF(items)
	got, n, err := wire.UnmarshalCPF(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, items, got)
}

func toHexString(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, hexDigits[c>>4], hexDigits[c&0xF])
	}
	return string(out)
}
