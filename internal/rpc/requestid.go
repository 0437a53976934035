package rpc

import (
	"encoding/json"
	"fmt"
)

// RequestID is an opaque JSON-RPC request identifier. The spec allows
// strings and numbers; we preserve whichever form the peer used so the
// reply echoes it back byte-compatibly.
type RequestID struct {
	value any
}

// Int64ID returns a numeric request ID.
func Int64ID(n int64) RequestID {
	return RequestID{value: n}
}

// StringID returns a string request ID.
func StringID(s string) RequestID {
	return RequestID{value: s}
}

// IsZero reports whether the ID is unset.
func (id RequestID) IsZero() bool {
	return id.value == nil
}

// Int64 returns the numeric value of the ID, if it is numeric and
// integral.
func (id RequestID) Int64() (int64, bool) {
	switch v := id.value.(type) {
	case int64:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}

func (id RequestID) String() string {
	if id.value == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v", id.value)
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		id.value = s
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		id.value = n
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		id.value = f
		return nil
	}
	return fmt.Errorf("jsonrpc: request id must be a string or number, got %s", data)
}
