// Package dispatcher implements the Work Dispatcher: block template
// generation, the newline-delimited JSON mining protocol, share validation,
// and reward attribution for connected miner sessions.
package dispatcher

import (
	"encoding/json"
	"fmt"
)

// Wire protocol error codes (spec §6). Named Code* rather than Err* to
// keep these numeric wire codes distinct from the dispatcher package's
// Err* sentinel errors they get mapped from/to at the server boundary.
const (
	CodeUnsupportedMethod = 20
	CodeStaleShare        = 21
	CodeDuplicateShare    = 22
	CodeLowDifficulty     = 23
	CodeUnauthorized      = 24
	CodeNotSubscribed     = 25
)

// Recognized bare method names. Unlike Stratum V1's "mining.*"-prefixed
// methods, this wire format uses bare names throughout.
const (
	MethodSubscribe     = "subscribe"
	MethodAuthorize     = "authorize"
	MethodSubmit        = "submit"
	MethodNotify        = "notify"
	MethodSetDifficulty = "set_difficulty"
)

// Request is a miner-initiated JSON-RPC request.
type Request struct {
	ID     interface{}       `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Response answers a Request.
type Response struct {
	ID     interface{}    `json:"id"`
	Result interface{}    `json:"result"`
	Error  *ProtocolError `json:"error"`
}

// Notification is a server-initiated message; id is always null.
type Notification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// ProtocolError is the [code, message, null] error shape on the wire.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// MarshalJSON encodes a ProtocolError as the wire triple [code, message, null].
func (e *ProtocolError) MarshalJSON() ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	return json.Marshal([]interface{}{e.Code, e.Message, nil})
}

// NewProtocolError constructs a ProtocolError.
func NewProtocolError(code int, msg string) *ProtocolError {
	return &ProtocolError{Code: code, Message: msg}
}

// ParseRequest decodes one NDJSON line into a Request.
func ParseRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("missing method")
	}
	return &req, nil
}

// EncodeResponse marshals a Response with a trailing newline.
func EncodeResponse(id interface{}, result interface{}, protoErr *ProtocolError) []byte {
	resp := Response{ID: id, Result: result, Error: protoErr}
	data, _ := json.Marshal(resp)
	return append(data, '\n')
}

// EncodeNotification marshals a Notification with a trailing newline.
func EncodeNotification(method string, params interface{}) []byte {
	notif := Notification{ID: nil, Method: method, Params: params}
	data, _ := json.Marshal(notif)
	return append(data, '\n')
}

// ParamString extracts a string parameter.
func ParamString(params []json.RawMessage, index int) (string, error) {
	if index >= len(params) {
		return "", fmt.Errorf("param %d out of range (have %d)", index, len(params))
	}
	var s string
	if err := json.Unmarshal(params[index], &s); err != nil {
		return "", fmt.Errorf("param %d not a string: %w", index, err)
	}
	return s, nil
}

// ParamFloat extracts a float64 parameter.
func ParamFloat(params []json.RawMessage, index int) (float64, error) {
	if index >= len(params) {
		return 0, fmt.Errorf("param %d out of range", index)
	}
	var f float64
	if err := json.Unmarshal(params[index], &f); err != nil {
		return 0, fmt.Errorf("param %d not a number: %w", index, err)
	}
	return f, nil
}
