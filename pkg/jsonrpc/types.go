// Package jsonrpc provides the JSON-RPC 2.0 types shared by the MCP transport
// clients and the exec worker IPC framing.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewRequest builds a request with a numeric id and marshaled params.
// A nil params value produces a request without a params field.
func NewRequest(id int64, method string, params any) (Request, error) {
	idBytes, _ := json.Marshal(id)
	rawID := json.RawMessage(idBytes)

	var paramsBytes json.RawMessage
	if params != nil {
		var err error
		paramsBytes, err = json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("marshaling params: %w", err)
		}
	}

	return Request{
		JSONRPC: "2.0",
		ID:      &rawID,
		Method:  method,
		Params:  paramsBytes,
	}, nil
}

// NewNotification builds a request without an id (no response expected).
func NewNotification(method string, params any) (Request, error) {
	var paramsBytes json.RawMessage
	if params != nil {
		var err error
		paramsBytes, err = json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("marshaling params: %w", err)
		}
	}

	return Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsBytes,
	}, nil
}

// NewErrorResponse creates a JSON-RPC error response.
func NewErrorResponse(id *json.RawMessage, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewSuccessResponse creates a JSON-RPC success response.
func NewSuccessResponse(id *json.RawMessage, result any) Response {
	var resultBytes json.RawMessage
	if result != nil {
		resultBytes, _ = json.Marshal(result)
	}
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  resultBytes,
	}
}
