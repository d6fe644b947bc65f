// Package protocol implements the goxeld wire surface: the 16-byte frame
// codec, the JSON-RPC 2.0 value model, and dialect detection.
//
// The daemon speaks three payload dialects over the same framing:
//
//   - canonical JSON-RPC 2.0 with goxel.* namespaced methods
//   - the tool-call dialect used by model-driven agents ({tool, arguments})
//   - a legacy flat form ({method, params} without the envelope), accepted
//     on input only
//
// Responses are always canonical JSON-RPC except for tool-call requests,
// which are answered in the tool-call response shape.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSON-RPC 2.0 reserved error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Server-defined range -32000..-32099.
	CodeServerBusy     = -32000
	CodeRequestTimeout = -32001
)

// IDKind discriminates the request id variant.
type IDKind int

const (
	IDAbsent IDKind = iota // notification: no response is produced
	IDNull
	IDInt
	IDString
)

// ID is a JSON-RPC request id. The zero value is the absent id
// (a notification). Echo preserves both type and value.
type ID struct {
	Kind IDKind
	Num  int64
	Str  string
}

// IntID returns an integer id.
func IntID(n int64) ID { return ID{Kind: IDInt, Num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{Kind: IDString, Str: s} }

// NullID returns the explicit null id used for unparseable requests.
func NullID() ID { return ID{Kind: IDNull} }

func (id ID) String() string {
	switch id.Kind {
	case IDInt:
		return strconv.FormatInt(id.Num, 10)
	case IDString:
		return strconv.Quote(id.Str)
	case IDNull:
		return "null"
	default:
		return "<absent>"
	}
}

// Equal reports whether two ids have the same kind and value.
func (id ID) Equal(other ID) bool {
	if id.Kind != other.Kind {
		return false
	}
	switch id.Kind {
	case IDInt:
		return id.Num == other.Num
	case IDString:
		return id.Str == other.Str
	default:
		return true
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch id.Kind {
	case IDInt:
		return json.Marshal(id.Num)
	case IDString:
		return json.Marshal(id.Str)
	default:
		return []byte("null"), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ID{Kind: IDNull}
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID{Kind: IDInt, Num: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("id must be an integer, a string, or null")
	}
	*id = ID{Kind: IDString, Str: s}
	return nil
}

// Request is a parsed canonical request. Params is kept raw; the
// dispatcher applies the per-method schema.
type Request struct {
	Method string
	Params json.RawMessage
	ID     ID
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool { return r.ID.Kind == IDAbsent }

// wireRequest is the serialized envelope shape.
type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *ID             `json:"id,omitempty"`
}

// MarshalJSON serializes the canonical envelope, omitting params when
// none and id when absent.
func (r *Request) MarshalJSON() ([]byte, error) {
	wr := wireRequest{JSONRPC: "2.0", Method: r.Method, Params: r.Params}
	if r.ID.Kind != IDAbsent {
		id := r.ID
		wr.ID = &id
	}
	return json.Marshal(&wr)
}

// ParseRequest decodes a canonical request payload. The envelope must
// carry jsonrpc=="2.0" and a non-empty method; anything else is an
// invalid_request.
func ParseRequest(data []byte) (*Request, *ErrorObject) {
	var raw struct {
		JSONRPC *string         `json:"jsonrpc"`
		Method  *string         `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ErrorObject{Code: CodeParseError, Message: "parse error: " + err.Error()}
	}
	if raw.JSONRPC == nil || *raw.JSONRPC != "2.0" {
		return nil, &ErrorObject{Code: CodeInvalidRequest, Message: "missing or invalid jsonrpc version"}
	}
	if raw.Method == nil || *raw.Method == "" {
		return nil, &ErrorObject{Code: CodeInvalidRequest, Message: "missing method"}
	}

	req := &Request{Method: *raw.Method, Params: raw.Params}
	if raw.ID != nil {
		if err := req.ID.UnmarshalJSON(raw.ID); err != nil {
			return nil, &ErrorObject{Code: CodeInvalidRequest, Message: err.Error()}
		}
	}
	return req, nil
}

// ErrorObject is the JSON-RPC error member.
type ErrorObject struct {
	Code    int32           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response holds exactly one of result or error. Construct only through
// NewResult and NewError; the zero value is not a valid response.
type Response struct {
	id     ID
	result json.RawMessage
	err    *ErrorObject
}

// NewResult builds a success response. The result is marshaled eagerly so
// handler values are not retained past dispatch.
func NewResult(id ID, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{id: id, result: data}, nil
}

// NewRawResult builds a success response from pre-encoded JSON.
func NewRawResult(id ID, result json.RawMessage) *Response {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Response{id: id, result: result}
}

// NewError builds an error response.
func NewError(id ID, code int32, message string, data json.RawMessage) *Response {
	return &Response{id: id, err: &ErrorObject{Code: code, Message: message, Data: data}}
}

// ID returns the echoed request id.
func (r *Response) ID() ID { return r.id }

// Result returns the raw result, nil for error responses.
func (r *Response) Result() json.RawMessage { return r.result }

// Err returns the error member, nil for success responses.
func (r *Response) Err() *ErrorObject { return r.err }

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool { return r.err != nil }

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
	ID      ID              `json:"id"`
}

// MarshalJSON serializes the canonical response. The id member is always
// present; an absent request id is emitted as null (responses to
// notifications are never serialized in the first place).
func (r *Response) MarshalJSON() ([]byte, error) {
	wr := wireResponse{JSONRPC: "2.0", ID: r.id}
	if r.err != nil {
		wr.Error = r.err
	} else {
		wr.Result = r.result
		if wr.Result == nil {
			wr.Result = json.RawMessage("null")
		}
	}
	return json.Marshal(&wr)
}

// ParseResponse decodes a canonical response payload.
func ParseResponse(data []byte) (*Response, error) {
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *ErrorObject    `json:"error"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.JSONRPC != "2.0" {
		return nil, fmt.Errorf("missing or invalid jsonrpc version")
	}
	if (raw.Error == nil) == (raw.Result == nil) {
		return nil, fmt.Errorf("response must carry exactly one of result or error")
	}

	resp := &Response{err: raw.Error, result: raw.Result}
	if raw.ID != nil {
		if err := resp.id.UnmarshalJSON(raw.ID); err != nil {
			return nil, err
		}
	} else {
		resp.id = ID{Kind: IDNull}
	}
	return resp, nil
}
