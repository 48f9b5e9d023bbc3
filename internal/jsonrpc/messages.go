package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only value accepted in the "jsonrpc" member.
const ProtocolVersion = "2.0"

var (
	errMixedEnvelope = errors.New("message mixes request and response members")
	errNoOutcome     = errors.New("response carries neither result nor error")
)

// Request is a call (ID set) or a notification (ID nil).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response answers a Request. Exactly one of Result and Error is set.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// AnyMessage decodes any inbound frame before the transport knows which kind
// it is.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type plain AnyMessage
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if p.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("jsonrpc member is %q, want %q", p.JSONRPCVersion, ProtocolVersion)
	}
	hasResult, hasError := len(p.Result) > 0, p.Error != nil
	if p.Method != "" {
		if hasResult || hasError {
			return errMixedEnvelope
		}
	} else if hasResult == hasError {
		if hasResult {
			return errMixedEnvelope
		}
		return errNoOutcome
	}
	*m = AnyMessage(p)
	return nil
}

// Type classifies the message as "request", "notification" or "response".
func (m *AnyMessage) Type() string {
	if m.Method == "" {
		return "response"
	}
	if m.ID.IsNil() {
		return "notification"
	}
	return "request"
}

// AsRequest is nil for responses.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{JSONRPCVersion: m.JSONRPCVersion, Method: m.Method, Params: m.Params, ID: m.ID}
}

// AsResponse is nil for requests and notifications.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}
	return &Response{JSONRPCVersion: m.JSONRPCVersion, Result: m.Result, Error: m.Error, ID: m.ID}
}

func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		ID:             id,
		Error:          &Error{Code: code, Message: message, Data: data},
	}
}

// NewNotification marshals params into a Request without an ID.
func NewNotification(method string, params any) (*Request, error) {
	req := &Request{JSONRPCVersion: ProtocolVersion, Method: method}
	if params == nil {
		return req, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req.Params = b
	return req, nil
}
