// Package rpc holds the minimal JSON-RPC 2.0 envelope used on the
// backend side of the bridge. The gateway speaks raw JSON-RPC to its
// backends so that request correlation and payload relay stay under
// its own control.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only JSON-RPC version the bridge speaks.
const ProtocolVersion = "2.0"

// Request is an outbound JSON-RPC request or notification. A nil ID
// marks a notification.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response is an inbound JSON-RPC response. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// NewRequest builds a request with a numeric ID, marshalling params.
func NewRequest(id int64, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal %s params: %w", method, err)
	}
	rid := Int64ID(id)
	return &Request{JSONRPCVersion: ProtocolVersion, Method: method, Params: raw, ID: &rid}, nil
}

// NewNotification builds a request without an ID.
func NewNotification(method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal %s params: %w", method, err)
	}
	return &Request{JSONRPCVersion: ProtocolVersion, Method: method, Params: raw}, nil
}

// NewErrorResponse builds an error reply echoing the given ID.
func NewErrorResponse(id *RequestID, rpcErr *Error) *Response {
	return &Response{JSONRPCVersion: ProtocolVersion, Error: rpcErr, ID: id}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// AnyMessage is a received frame before classification: request,
// notification, or response. UnmarshalJSON validates the envelope.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsResponse reports whether the message carries a result or error for
// a request we issued.
func (m *AnyMessage) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether the message is a peer notification.
func (m *AnyMessage) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsRequest reports whether the peer expects a reply.
func (m *AnyMessage) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type plain AnyMessage
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("jsonrpc: unsupported version %q", p.JSONRPCVersion)
	}
	if p.Result != nil && p.Error != nil {
		return errors.New("jsonrpc: message has both result and error")
	}
	if p.Method == "" {
		if p.Result == nil && p.Error == nil {
			return errors.New("jsonrpc: message has neither method nor result")
		}
		if p.ID == nil || p.ID.IsZero() {
			return errors.New("jsonrpc: response without id")
		}
	}
	*m = AnyMessage(p)
	return nil
}
