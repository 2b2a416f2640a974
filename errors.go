package eip

import (
	"errors"
	"fmt"
	"strings"

	"github.com/behrlich/go-eip/internal/cip"
)

// Error represents a structured driver error with enough context to
// diagnose which session/connection/tag and which CIP status produced
// it: Op/Code/Msg/Inner plus domain-specific identifying fields.
type Error struct {
	Op      string  // operation that failed, e.g. "Read", "ForwardOpen"
	Tag     string  // tag name, empty if not applicable
	Session string  // "host:port", empty if not applicable
	Code    ErrorCode
	CIPStatus    cip.Status    // 0 if not applicable
	CIPExtStatus cip.ExtStatus // 0 if not applicable
	Msg     string
	Inner   error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Session != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.Session))
	}
	if e.Tag != "" {
		parts = append(parts, fmt.Sprintf("tag=%s", e.Tag))
	}
	if e.CIPStatus != 0 {
		parts = append(parts, fmt.Sprintf("cip_status=0x%02x", uint8(e.CIPStatus)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("eip: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("eip: %s", msg)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports comparison against both a *Error by Code and a bare
// ErrorCode value.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if ec, ok := target.(ErrorCode); ok {
		return e.Code == ec
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is a high-level error category.
type ErrorCode string

const (
	ErrCodeBadParam       ErrorCode = "bad parameter"
	ErrCodeTimeout        ErrorCode = "timeout"
	ErrCodeNotFound       ErrorCode = "not found"
	ErrCodeOutOfBounds    ErrorCode = "out of bounds"
	ErrCodeNoData         ErrorCode = "no data"
	ErrCodeClosed         ErrorCode = "closed"
	ErrCodeProtocol       ErrorCode = "protocol error"
	ErrCodeRemote         ErrorCode = "remote error"
	ErrCodeReadOnly       ErrorCode = "read only"
	ErrCodeDuplicate      ErrorCode = "duplicate"
	ErrCodeNotImplemented ErrorCode = "not implemented"
	ErrCodeUnreachable    ErrorCode = "unreachable"
	ErrCodePending        ErrorCode = "pending"
)

func (c ErrorCode) Error() string { return string(c) }

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewTagError creates a tag-scoped error.
func NewTagError(op, tag string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Tag: tag, Code: code, Msg: msg}
}

// NewCIPError creates an error carrying a CIP general/extended status.
func NewCIPError(op string, status cip.Status, ext cip.ExtStatus) *Error {
	return &Error{
		Op:           op,
		Code:         codeForCIPStatus(status),
		CIPStatus:    status,
		CIPExtStatus: ext,
		Msg:          fmt.Sprintf("%s (%s)", status.Name(), ext.Name()),
	}
}

// WrapError wraps an existing error with driver context, preserving a
// previously structured error's fields where possible.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{
			Op: op, Tag: e.Tag, Session: e.Session, Code: e.Code,
			CIPStatus: e.CIPStatus, CIPExtStatus: e.CIPExtStatus,
			Msg: e.Msg, Inner: e.Inner,
		}
	}
	return &Error{Op: op, Code: ErrCodeRemote, Msg: inner.Error(), Inner: inner}
}

func codeForCIPStatus(status cip.Status) ErrorCode {
	switch status {
	case cip.StatusOK:
		return ""
	case cip.StatusPathDestUnknown, cip.StatusObjectDoesNotExist:
		return ErrCodeNotFound
	case cip.StatusAttribNotSettable:
		return ErrCodeReadOnly
	case cip.StatusNotEnoughData, cip.StatusTooMuchData:
		return ErrCodeOutOfBounds
	case cip.StatusInvalidParam, cip.StatusPathSegmentError:
		return ErrCodeBadParam
	default:
		return ErrCodeRemote
	}
}

// IsCode reports whether err (or something it wraps) is a *Error with
// the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
