// Package protoerr defines the error taxonomy shared by every role:
// sentinel errors for each wire-level Error packet code plus the codes
// themselves.
package protoerr

import "errors"

// Code is one of the wire-level Error packet codes.
type Code uint16

const (
	CodeNotReady Code = iota + 1
	CodeOIDNotFound
	CodeSerialNotFound
	CodeTIDNotFound
	CodeProtocolError
	CodeTimeout
	CodeBrokenNodeDisallowed
	CodeInternalError
)

func (c Code) String() string {
	switch c {
	case CodeNotReady:
		return "NOT_READY"
	case CodeOIDNotFound:
		return "OID_NOT_FOUND"
	case CodeSerialNotFound:
		return "SERIAL_NOT_FOUND"
	case CodeTIDNotFound:
		return "TID_NOT_FOUND"
	case CodeProtocolError:
		return "PROTOCOL_ERROR"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeBrokenNodeDisallowed:
		return "BROKEN_NODE_DISALLOWED"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors, one per code, so callers can use errors.Is against a
// well-known condition while still attaching a specific message with %w.
var (
	ErrNotReady             = errors.New("not ready")
	ErrOIDNotFound          = errors.New("oid not found")
	ErrSerialNotFound       = errors.New("serial not found")
	ErrTIDNotFound          = errors.New("tid not found")
	ErrProtocol             = errors.New("protocol error")
	ErrTimeout              = errors.New("timeout")
	ErrBrokenNodeDisallowed = errors.New("broken node disallowed")
	ErrInternal             = errors.New("internal error")
)

var codeToErr = map[Code]error{
	CodeNotReady:             ErrNotReady,
	CodeOIDNotFound:          ErrOIDNotFound,
	CodeSerialNotFound:       ErrSerialNotFound,
	CodeTIDNotFound:          ErrTIDNotFound,
	CodeProtocolError:        ErrProtocol,
	CodeTimeout:              ErrTimeout,
	CodeBrokenNodeDisallowed: ErrBrokenNodeDisallowed,
	CodeInternalError:        ErrInternal,
}

var errToCode = map[error]Code{
	ErrNotReady:             CodeNotReady,
	ErrOIDNotFound:          CodeOIDNotFound,
	ErrSerialNotFound:       CodeSerialNotFound,
	ErrTIDNotFound:          CodeTIDNotFound,
	ErrProtocol:             CodeProtocolError,
	ErrTimeout:              CodeTimeout,
	ErrBrokenNodeDisallowed: CodeBrokenNodeDisallowed,
	ErrInternal:             CodeInternalError,
}

// ForCode returns the sentinel error matching a wire code, or ErrInternal if
// the code is unrecognized (e.g. received from a newer peer).
func ForCode(c Code) error {
	if err, ok := codeToErr[c]; ok {
		return err
	}
	return ErrInternal
}

// CodeFor returns the wire code that best matches err, checked with
// errors.Is against each sentinel, defaulting to INTERNAL_ERROR.
func CodeFor(err error) Code {
	for sentinel, code := range errToCode {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternalError
}
