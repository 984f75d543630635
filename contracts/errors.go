package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeServerError is used for errors raised by application handlers
	CodeServerError = -32000
)

// RemoteError is the error content carried by a response. It is returned
// to the caller of an invoke whose remote handler failed.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Class   string `json:"class,omitempty"`
}

// NewRemoteError creates a remote error with the given code and message
func NewRemoteError(code int, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

func (e *RemoteError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("remote error %d (%s): %s", e.Code, e.Class, e.Message)
	}
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Is matches remote errors by code so callers can test against the
// package-level values below
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

var (
	// ErrMethodNotFound reports a request for a method with no handler
	ErrMethodNotFound = &RemoteError{Code: CodeMethodNotFound}
	// ErrInvalidParams reports params a handler could not decode
	ErrInvalidParams = &RemoteError{Code: CodeInvalidParams}
)

// ErrorFrom converts a handler error into the error content of a response.
// A *RemoteError anywhere in the chain is kept as is.
func ErrorFrom(err error) *RemoteError {
	if err == nil {
		return nil
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		if remote.Message == "" {
			return &RemoteError{Code: remote.Code, Message: err.Error(), Class: remote.Class}
		}
		return remote
	}

	if errors.Is(err, ErrArgumentIndex) {
		return &RemoteError{Code: CodeInvalidParams, Message: err.Error(), Class: className(err)}
	}

	return &RemoteError{
		Code:    CodeServerError,
		Message: err.Error(),
		Class:   className(err),
	}
}

// className names the concrete error type, without package path or pointer
func className(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
