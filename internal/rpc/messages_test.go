package rpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAnyMessageClassification(t *testing.T) {
	cases := []struct {
		name         string
		payload      string
		wantResponse bool
		wantNotif    bool
		wantRequest  bool
	}{
		{
			name:         "result response",
			payload:      `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`,
			wantResponse: true,
		},
		{
			name:         "error response",
			payload:      `{"jsonrpc":"2.0","id":"abc","error":{"code":-32601,"message":"nope"}}`,
			wantResponse: true,
		},
		{
			name:      "notification",
			payload:   `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`,
			wantNotif: true,
		},
		{
			name:        "server request",
			payload:     `{"jsonrpc":"2.0","id":7,"method":"ping"}`,
			wantRequest: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(tc.payload), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.IsResponse(); got != tc.wantResponse {
				t.Errorf("IsResponse() = %v, want %v", got, tc.wantResponse)
			}
			if got := msg.IsNotification(); got != tc.wantNotif {
				t.Errorf("IsNotification() = %v, want %v", got, tc.wantNotif)
			}
			if got := msg.IsRequest(); got != tc.wantRequest {
				t.Errorf("IsRequest() = %v, want %v", got, tc.wantRequest)
			}
		})
	}
}

func TestAnyMessageRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantSub string
	}{
		{"wrong version", `{"jsonrpc":"1.0","id":1,"result":{}}`, "unsupported version"},
		{"missing version", `{"id":1,"result":{}}`, "unsupported version"},
		{"result and error", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, "both result and error"},
		{"empty envelope", `{"jsonrpc":"2.0"}`, "neither method nor result"},
		{"response without id", `{"jsonrpc":"2.0","result":{}}`, "without id"},
		{"bad id type", `{"jsonrpc":"2.0","id":{"x":1},"result":{}}`, "string or number"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg AnyMessage
			err := json.Unmarshal([]byte(tc.payload), &msg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not contain %q", err, tc.wantSub)
			}
		})
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	num := Int64ID(42)
	data, err := json.Marshal(num)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "42" {
		t.Fatalf("marshal = %s, want 42", data)
	}
	var back RequestID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got, ok := back.Int64(); !ok || got != 42 {
		t.Fatalf("Int64() = %d, %v; want 42, true", got, ok)
	}

	str := StringID("req-9")
	data, err = json.Marshal(str)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"req-9"` {
		t.Fatalf("marshal = %s, want \"req-9\"", data)
	}
	if _, ok := str.Int64(); ok {
		t.Fatal("string ID reported as numeric")
	}
}

func TestNewRequestMarshalsParams(t *testing.T) {
	req, err := NewRequest(3, "tools/call", map[string]any{"name": "echo"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded AnyMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if !decoded.IsRequest() || decoded.Method != "tools/call" {
		t.Fatalf("round trip produced %+v", decoded)
	}
	if id, ok := decoded.ID.Int64(); !ok || id != 3 {
		t.Fatalf("id = %v", decoded.ID)
	}
}

func TestNewNotificationHasNoID(t *testing.T) {
	n, err := NewNotification("notifications/initialized", struct{}{})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if n.ID != nil {
		t.Fatal("notification carries an ID")
	}
}
