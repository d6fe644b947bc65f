package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/goxel/goxeld/internal/engine"
	"github.com/goxel/goxeld/internal/protocol"
)

// Kind is the internal error taxonomy. Kinds are mapped to JSON-RPC codes
// only at the protocol boundary.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindMethodNotFound Kind = "method_not_found"
	KindInvalidParams  Kind = "invalid_params"
	KindEngineFailure  Kind = "engine_failure"
	KindInternal       Kind = "internal"
	KindServerBusy     Kind = "server_busy"
	KindTimeout        Kind = "timeout"
)

// Error is the typed failure handlers return. Handlers never panic and
// never return raw errors across the dispatch boundary.
type Error struct {
	Kind    Kind
	Message string
	Data    json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a typed dispatch error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// InvalidParams builds the schema-violation error.
func InvalidParams(format string, args ...any) *Error {
	return Errorf(KindInvalidParams, format, args...)
}

// FromEngine wraps a typed engine error; the sub-kind travels in the
// error data member.
func FromEngine(err error) *Error {
	if ee, ok := err.(*engine.Error); ok {
		data, _ := json.Marshal(map[string]string{"kind": string(ee.Kind)})
		return &Error{Kind: KindEngineFailure, Message: ee.Message, Data: data}
	}
	return &Error{Kind: KindEngineFailure, Message: err.Error()}
}

// Code maps the kind to its reserved JSON-RPC code.
func (e *Error) Code() int32 {
	switch e.Kind {
	case KindInvalidRequest:
		return protocol.CodeInvalidRequest
	case KindMethodNotFound:
		return protocol.CodeMethodNotFound
	case KindInvalidParams:
		return protocol.CodeInvalidParams
	case KindServerBusy:
		return protocol.CodeServerBusy
	case KindTimeout:
		return protocol.CodeRequestTimeout
	default:
		return protocol.CodeInternalError
	}
}

// Response builds the canonical error response echoing the request id.
func (e *Error) Response(id protocol.ID) *protocol.Response {
	return protocol.NewError(id, e.Code(), e.Message, e.Data)
}
