package dispatch

import (
	"encoding/json"
	"net/http"
)

// FailureKind classifies a failed invocation for transports. It is never
// part of the serialized envelope.
type FailureKind string

const (
	KindNone        FailureKind = ""
	KindUnknownTool FailureKind = "unknown_tool"
	KindValidation  FailureKind = "validation"
	KindDisabled    FailureKind = "disabled"
	KindRateLimited FailureKind = "rate_limited"
	KindHandler     FailureKind = "handler"
	KindInternal    FailureKind = "internal"
)

const fallbackError = "unknown error"

// Envelope is the only shape returned to callers:
// {"success":true,"result":...} or {"success":false,"error":"..."}.
type Envelope struct {
	Success bool
	Result  any
	Error   string
	Kind    FailureKind
}

func Success(result any) Envelope {
	return Envelope{Success: true, Result: result}
}

func Failure(kind FailureKind, message string) Envelope {
	if message == "" {
		message = fallbackError
	}
	if kind == KindNone {
		kind = KindInternal
	}
	return Envelope{Error: message, Kind: kind}
}

type successWire struct {
	Success bool `json:"success"`
	Result  any  `json:"result"`
}

type failureWire struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Success {
		data, err := json.Marshal(successWire{Success: true, Result: e.Result})
		if err == nil {
			return data, nil
		}
		return json.Marshal(failureWire{Error: "result cannot be encoded: " + err.Error()})
	}
	msg := e.Error
	if msg == "" {
		msg = fallbackError
	}
	return json.Marshal(failureWire{Error: msg})
}

// HTTPStatus maps the envelope onto an HTTP status code.
func (e Envelope) HTTPStatus() int {
	if e.Success {
		return http.StatusOK
	}
	switch e.Kind {
	case KindUnknownTool:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindDisabled:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
