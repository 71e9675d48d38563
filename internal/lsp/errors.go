package lsp

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrServerNotInstalled is returned by Start when the server binary is
	// not on PATH.
	ErrServerNotInstalled = errors.New("lsp: server not installed")

	// ErrInitializeFailed wraps a failed initialize handshake.
	ErrInitializeFailed = errors.New("lsp: initialize failed")

	// ErrRequestTimeout is returned when a request outlives its context.
	ErrRequestTimeout = errors.New("lsp: request timeout")

	// ErrClosed is returned for requests on a closed connection or after
	// the server exited.
	ErrClosed = errors.New("lsp: connection closed")

	// ErrInvalidResponse is returned when a result cannot be decoded.
	ErrInvalidResponse = errors.New("lsp: invalid response")
)

// ResponseError is a JSON-RPC error returned by the server.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("lsp: server error %d: %s", e.Code, e.Message)
}

// JSON-RPC and LSP error codes that mean "no answer" rather than failure.
const (
	codeMethodNotFound   = -32601
	codeRequestCancelled = -32800
	codeContentModified  = -32801
)

// noAnswer reports whether err is a server error the client treats as a
// missing definition.
func noAnswer(err error) bool {
	var re *ResponseError
	if !errors.As(err, &re) {
		return false
	}
	switch re.Code {
	case codeMethodNotFound, codeRequestCancelled, codeContentModified:
		return true
	}
	return false
}
