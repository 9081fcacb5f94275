package worker

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes carried by TransportError.
const (
	CodeWorkerNotReady        = "worker_not_ready"
	CodeWorkerUnavailable     = "worker_unavailable"
	CodeWorkerBusy            = "worker_busy"
	CodeWorkerExited          = "worker_exited"
	CodeWorkerError           = "worker_error"
	CodeWorkerRequestTimeout  = "worker_request_timeout"
	CodeWorkerInvalidResponse = "worker_invalid_response"
	CodeHandshakeTimeout      = "handshake_timeout"
	CodeHandshakeFailed       = "handshake_failed"
	CodeRequestAborted        = "request_aborted"
	CodeTransportDestroyed    = "transport_destroyed"
	CodeInternalToolsDisabled = "internal_tools_disabled"
	CodeRPCError              = "rpc_error"
)

// TransportError is returned for every worker-side failure. RPCCode is set
// when the worker answered with a JSON-RPC error object; Detail holds that
// object (or an error notification payload) verbatim.
type TransportError struct {
	Code      string
	Message   string
	Retryable bool
	RPCCode   int
	Detail    json.RawMessage
}

func (e *TransportError) Error() string {
	if e.RPCCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.RPCCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code, message string, retryable bool) *TransportError {
	return &TransportError{Code: code, Message: message, Retryable: retryable}
}

func errNotReady() *TransportError {
	return newError(CodeWorkerNotReady, "worker not available", true)
}

func errUnavailable() *TransportError {
	return newError(CodeWorkerUnavailable, "worker unavailable", true)
}

func errBusy() *TransportError {
	return newError(CodeWorkerBusy, "worker at capacity", true)
}

func errExited() *TransportError {
	return newError(CodeWorkerExited, "worker exited", true)
}

func errDestroyed() *TransportError {
	return newError(CodeTransportDestroyed, "transport destroyed", true)
}

func errAborted() *TransportError {
	return newError(CodeRequestAborted, "request aborted", false)
}

func errTimeout(what string) *TransportError {
	return newError(CodeWorkerRequestTimeout, what+" timeout", true)
}

// AsTransportError extracts a *TransportError from err.
func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// HasCode reports whether err is a TransportError with the given code.
func HasCode(err error, code string) bool {
	te, ok := AsTransportError(err)
	return ok && te.Code == code
}
