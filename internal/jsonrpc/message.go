// Package jsonrpc holds the JSON-RPC 2.0 wire types shared by the forwarder.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "2.0"

// Standard and server error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeServerError    = -32000
)

const (
	MsgParseError     = "Parse error"
	MsgInvalidRequest = "Invalid Request"
	MsgMethodNotFound = "Method not found"
	MsgRequestFailed  = "Failed to process request"
)

var null = json.RawMessage("null")

// Request is an inbound call. Params and ID are kept as raw bytes so they are
// forwarded and echoed exactly as received.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Error is the error member of a response synthesized by the forwarder.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is either an upstream answer or a synthesized one. Error is kept
// raw so an upstream error member is echoed as received, whatever its shape.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// ErrNotResponse is returned when a body decodes as JSON but is not a
// JSON-RPC response object.
var ErrNotResponse = errors.New("not a JSON-RPC response")

// HasResult reports whether the response carries a non-null result.
func (r *Response) HasResult() bool {
	return r != nil && !isNull(r.Result)
}

// HasError reports whether the response carries a non-null error member.
func (r *Response) HasError() bool {
	return r != nil && !isNull(r.Error)
}

// ErrorObject decodes the error member when it has the standard shape.
func (r *Response) ErrorObject() (*Error, bool) {
	if !r.HasError() {
		return nil, false
	}
	var e Error
	if err := json.Unmarshal(r.Error, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// UnmarshalJSON requires the jsonrpc and id members and keeps a literal
// "error": null as absent.
func (r *Response) UnmarshalJSON(data []byte) error {
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire == nil {
		return fmt.Errorf("%w: null body", ErrNotResponse)
	}

	rawVersion, ok := wire["jsonrpc"]
	if !ok {
		return fmt.Errorf("%w: missing jsonrpc member", ErrNotResponse)
	}
	id, ok := wire["id"]
	if !ok {
		return fmt.Errorf("%w: missing id member", ErrNotResponse)
	}
	var version string
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return fmt.Errorf("%w: jsonrpc member is not a string", ErrNotResponse)
	}

	r.JSONRPC = version
	r.Result = wire["result"]
	r.ID = id
	r.Error = nil
	if e := wire["error"]; !isNull(e) {
		r.Error = e
	}
	return nil
}

// MarshalJSON writes exactly one of result or error. Without an error the
// result key is always present, as null when nothing was returned.
func (r Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = null
	}
	version := r.JSONRPC
	if version == "" {
		version = Version
	}

	if r.HasError() {
		return marshalNoEscape(struct {
			JSONRPC string          `json:"jsonrpc"`
			Error   json.RawMessage `json:"error"`
			ID      json.RawMessage `json:"id"`
		}{version, r.Error, id})
	}

	result := r.Result
	if len(result) == 0 {
		result = null
	}
	return marshalNoEscape(struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		ID      json.RawMessage `json:"id"`
	}{version, result, id})
}

// NewErrorResponse builds a synthesized error response for the given id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	raw, err := marshalNoEscape(&Error{Code: code, Message: message})
	if err != nil {
		raw = json.RawMessage(fmt.Sprintf(`{"code":%d,"message":"internal error"}`, code))
	}
	return &Response{
		JSONRPC: Version,
		Error:   raw,
		ID:      id,
	}
}

// WithID returns a shallow copy carrying the given id.
func (r *Response) WithID(id json.RawMessage) *Response {
	out := *r
	out.ID = id
	if out.JSONRPC == "" {
		out.JSONRPC = Version
	}
	return &out
}

// ParseRequest decodes an inbound body. The second return value is a
// ready-to-send error response when the body is not a usable call.
func ParseRequest(body []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewErrorResponse(nil, CodeParseError, MsgParseError)
	}
	if req.Method == "" {
		return nil, NewErrorResponse(req.ID, CodeInvalidRequest, MsgInvalidRequest)
	}
	return &req, nil
}

// EncodeRequest serializes a request for an upstream call.
func EncodeRequest(req *Request) ([]byte, error) {
	out := *req
	if out.JSONRPC == "" {
		out.JSONRPC = Version
	}
	if len(out.ID) == 0 {
		out.ID = null
	}
	return marshalNoEscape(&out)
}

// Encode serializes a response without HTML escaping.
func Encode(resp *Response) ([]byte, error) {
	return marshalNoEscape(resp)
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, null)
}
