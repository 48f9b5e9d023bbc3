package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id. The wire form is either a string or a number;
// the zero value (and a nil pointer) represents an absent id.
type RequestID struct {
	str   string
	num   int64
	isNum bool
	set   bool
}

// NewRequestID builds an id from a string or an integer. Any other type
// yields an unset id.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		return &RequestID{str: v, set: true}
	case int:
		return &RequestID{num: int64(v), isNum: true, set: true}
	case int32:
		return &RequestID{num: int64(v), isNum: true, set: true}
	case int64:
		return &RequestID{num: v, isNum: true, set: true}
	case uint32:
		return &RequestID{num: int64(v), isNum: true, set: true}
	default:
		return &RequestID{}
	}
}

// String returns the id in a stable textual form suitable for map keys.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool {
	return id == nil || !id.set
}

// MarshalJSON implements json.Marshaler.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	if id.isNum {
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
	return json.Marshal(id.str)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = RequestID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RequestID{str: s, set: true}
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
	}
	n, err := num.Int64()
	if err != nil {
		return fmt.Errorf("JSON-RPC numeric ID must be an integer, got: %s", string(data))
	}
	*id = RequestID{num: n, isNum: true, set: true}
	return nil
}
