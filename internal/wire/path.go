package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/behrlich/go-eip/internal/cip"
)

// tagNameState mirrors the START/ARRAY/DOT/NAME states of the reference
// tag-name encoder.
type tagNameState int

const (
	stateStart tagNameState = iota
	stateArray
	stateDot
	stateName
)

func isNameChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == ':'
}

func isNameStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == ':'
}

// EncodeTagName builds the IOI (symbolic segment + array subscripts)
// byte stream the CIP request path carries for a given tag name, e.g.
// "Program:MainProgram.array[1,2]". The leading word-count byte
// (word_count = (len-1)/2) is prefixed per the reference encoder.
func EncodeTagName(name string) ([]byte, error) {
	var out []byte
	state := stateStart
	i := 0
	n := len(name)

	for i < n {
		c := name[i]
		switch state {
		case stateStart:
			switch {
			case isNameStart(c):
				state = stateName
			case c == '.':
				state = stateDot
				i++
			case c == '[':
				state = stateArray
				i++
			default:
				return nil, fmt.Errorf("wire: invalid character %q at %d in tag name %q", c, i, name)
			}

		case stateDot:
			// A bare dot just advances into another name segment.
			state = stateStart

		case stateName:
			start := i
			for i < n && isNameChar(name[i]) {
				i++
			}
			seg := name[start:i]
			out = append(out, 0x91, byte(len(seg)))
			out = append(out, seg...)
			if len(seg)%2 != 0 {
				out = append(out, 0x00)
			}
			state = stateStart

		case stateArray:
			start := i
			for i < n && name[i] != ']' {
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("wire: unterminated array subscript in tag name %q", name)
			}
			subs := strings.Split(name[start:i], ",")
			for _, s := range subs {
				v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
				if err != nil {
					return nil, fmt.Errorf("wire: bad array subscript %q: %w", s, err)
				}
				out = append(out, encodeIndex(uint32(v))...)
			}
			i++ // consume ']'
			state = stateStart
		}
	}

	if state == stateArray {
		return nil, fmt.Errorf("wire: unterminated array subscript in tag name %q", name)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("wire: empty tag name")
	}

	wordCount := byte((len(out) + 1) / 2)
	return append([]byte{wordCount}, out...), nil
}

func encodeIndex(v uint32) []byte {
	switch {
	case v <= 0xFF:
		return []byte{0x28, byte(v)}
	case v <= 0xFFFF:
		return []byte{0x29, 0x00, byte(v), byte(v >> 8)}
	default:
		return []byte{0x2A, 0x00, byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	}
}

// EncodePath builds the CIP routing path byte stream: a leading
// path-size-in-words byte and a reserved zero byte, followed by zero or
// more port/link-address or DH+ triple hops and a trailing Message
// Router (or PCCC-over-DH+) reference, padded to an even length. The
// size byte counts the words after the reserved byte.
func EncodePath(path string, cpuType cip.CPUType) ([]byte, error) {
	var body []byte
	lastWasDHP := false
	hasDHP := false

	if strings.TrimSpace(path) != "" {
		for _, link := range strings.Split(path, ",") {
			link = strings.TrimSpace(link)
			if link == "" {
				continue
			}

			if ch, src, dst, ok := parseDHPTriple(link); ok {
				channel, err := normalizeDHPChannel(ch)
				if err != nil {
					return nil, err
				}
				_ = src
				_ = dst
				body = append(body, byte(channel))
				lastWasDHP = true
				hasDHP = true
				continue
			}

			hop, err := strconv.ParseInt(link, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("wire: invalid path hop %q: %w", link, err)
			}
			body = append(body, byte(hop))
			lastWasDHP = false
		}
	}

	if hasDHP && cpuType != cip.CPUPLC5 {
		return nil, fmt.Errorf("wire: DH+ routing hop requires a PCCC/DH+ capable CPU type")
	}

	if lastWasDHP && hasDHP {
		// Last hop is a DH+ triple and the target is a PCCC-over-DH+ bridge:
		// append the PCCC object reference instead of the Message Router.
		channel := body[len(body)-1]
		body = append(body, 0x20, 0xA6, 0x24, channel, 0x2C, 0x01)
	} else {
		body = append(body, 0x20, 0x02, 0x24, 0x01)
	}

	if len(body)%2 != 0 {
		body = append(body, 0x00)
	}

	wordCount := byte(len(body) / 2)
	return append([]byte{wordCount, 0x00}, body...), nil
}

func parseDHPTriple(link string) (channel byte, src, dst int, ok bool) {
	var ch string
	n, err := fmt.Sscanf(link, "%1s:%d:%d", &ch, &src, &dst)
	if err != nil || n != 3 || len(ch) != 1 {
		return 0, 0, 0, false
	}
	return ch[0], src, dst, true
}

func normalizeDHPChannel(ch byte) (int, error) {
	switch ch {
	case 'a', 'A', '2':
		return 1, nil
	case 'b', 'B', '3':
		return 2, nil
	default:
		return 0, fmt.Errorf("wire: invalid DH+ channel %q", ch)
	}
}
