package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes. Stratum-specific codes (20-25) are
// defined by the callers that speak the mining dialect.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a wire-level RPC error carrying a numeric code. On the wire it is
// rendered in the stratum style: [code, message, null].
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError creates a wire error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// message is the single envelope used for every inbound line. Requests carry
// a method; responses carry result/error; notifications carry a null id.
type message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  any    `json:"error,omitempty"`
}

// request is the outbound form of a call or notification. All three fields
// are always emitted; a null id marks a notification.
type request struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// response is the outbound form of a reply to a peer request.
type response struct {
	ID     any `json:"id"`
	Result any `json:"result"`
	Error  any `json:"error"`
}

func marshalResponse(id, result any, rpcErr *Error) ([]byte, error) {
	resp := response{ID: id, Result: result}
	if rpcErr != nil {
		resp.Result = nil
		resp.Error = []any{rpcErr.Code, rpcErr.Message, nil}
	}
	return json.Marshal(resp)
}

// parseMessage decodes one line into the shared envelope. A message without a
// method is treated as a response to an earlier call.
func parseMessage(data []byte) (*message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// parseError normalizes the two error shapes seen from pools: the stratum
// triple [code, message, traceback] and the object {code, message}.
func parseError(raw any) (int, string) {
	switch e := raw.(type) {
	case []any:
		code := 0
		msg := ""
		if len(e) > 0 {
			if f, ok := e[0].(float64); ok {
				code = int(f)
			}
		}
		if len(e) > 1 {
			if s, ok := e[1].(string); ok {
				msg = s
			}
		}
		return code, msg
	case map[string]any:
		code := 0
		msg := ""
		if f, ok := e["code"].(float64); ok {
			code = int(f)
		}
		if s, ok := e["message"].(string); ok {
			msg = s
		}
		return code, msg
	}
	return 0, fmt.Sprintf("%v", raw)
}
