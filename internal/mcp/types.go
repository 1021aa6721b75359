// Package mcp holds the JSON-RPC message types spoken between clients,
// PayGate, and backend tool servers (the Model Context Protocol dialect).
package mcp

import (
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC 2.0 request. ID is untyped because clients may send
// numbers or strings; PayGate echoes it back verbatim.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsNotification reports whether the request carries no ID and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// CallParams are the params of a tools/call request.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Tool describes one entry of a tools/list result.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListResult is the result of a tools/list request.
type ListResult struct {
	Tools []Tool `json:"tools"`
}

// NewResponse builds a success response echoing the request ID.
func NewResponse(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response echoing the request ID.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// ParseCallParams decodes tools/call params, rejecting a missing tool name.
func ParseCallParams(params json.RawMessage) (*CallParams, error) {
	var cp CallParams
	if err := json.Unmarshal(params, &cp); err != nil {
		return nil, fmt.Errorf("decode tools/call params: %w", err)
	}
	if cp.Name == "" {
		return nil, fmt.Errorf("tools/call params missing name")
	}
	return &cp, nil
}
