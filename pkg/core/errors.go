package core

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable identifier for bridge failures, used for logging and
// for deciding whether a failure is fatal to the session.
type ErrorCode uint16

const (
	ErrCodeUnknown ErrorCode = 0

	// connection
	ErrCodeConnectionClosed ErrorCode = 1001
	ErrCodeReceiveTimeout   ErrorCode = 1002

	// handshake
	ErrCodeHandshakeParse   ErrorCode = 2001
	ErrCodeInvalidHandshake ErrorCode = 2002

	// topology
	ErrCodeUnknownTopology ErrorCode = 3001

	// step/reset responses
	ErrCodeResponseParse ErrorCode = 4001
)

// BridgeError is the error type returned by the protocol packages.
type BridgeError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *BridgeError) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return fmt.Sprintf("bridge error (%d)", e.Code)
	case e.Err == nil:
		return fmt.Sprintf("bridge error (%d): %s", e.Code, e.Msg)
	default:
		return fmt.Sprintf("bridge error (%d): %s: %v", e.Code, e.Msg, e.Err)
	}
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// Is matches any BridgeError carrying the same code.
func (e *BridgeError) Is(target error) bool {
	t, ok := target.(*BridgeError)
	return ok && t.Code == e.Code
}

// Fatal reports whether the error must abort the whole session.
func (e *BridgeError) Fatal() bool {
	switch e.Code {
	case ErrCodeConnectionClosed, ErrCodeUnknownTopology, ErrCodeInvalidHandshake:
		return true
	default:
		return false
	}
}

func NewError(code ErrorCode, msg string) *BridgeError {
	return &BridgeError{Code: code, Msg: msg}
}

func WrapError(code ErrorCode, msg string, err error) *BridgeError {
	return &BridgeError{Code: code, Msg: msg, Err: err}
}

// IsBridgeError extracts a BridgeError from err's chain
func IsBridgeError(err error) (*BridgeError, bool) {
	if err == nil {
		return nil, false
	}
	var be *BridgeError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

var (
	ErrConnectionClosed = NewError(ErrCodeConnectionClosed, "connection closed")
	ErrReceiveTimeout   = NewError(ErrCodeReceiveTimeout, "receive timed out")
	ErrHandshakeParse   = NewError(ErrCodeHandshakeParse, "malformed handshake")
	ErrInvalidHandshake = NewError(ErrCodeInvalidHandshake, "invalid handshake")
	ErrUnknownTopology  = NewError(ErrCodeUnknownTopology, "unknown topology")
	ErrResponseParse    = NewError(ErrCodeResponseParse, "malformed response")
)
