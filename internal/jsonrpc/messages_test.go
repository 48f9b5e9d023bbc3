package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestAnyMessageClassification(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"jsonrpc":"2.0","method":"tools/call","id":7,"params":{}}`, "request"},
		{`{"jsonrpc":"2.0","method":"notifications/initialized"}`, "notification"},
		{`{"jsonrpc":"2.0","id":"a","result":{}}`, "response"},
		{`{"jsonrpc":"2.0","id":"a","error":{"code":-32601,"message":"nope"}}`, "response"},
	}
	for _, tc := range cases {
		var m AnyMessage
		if err := json.Unmarshal([]byte(tc.raw), &m); err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got := m.Type(); got != tc.want {
			t.Fatalf("%s: type %q want %q", tc.raw, got, tc.want)
		}
	}
}

func TestAnyMessageRejectsBadEnvelopes(t *testing.T) {
	for _, raw := range []string{
		`{"jsonrpc":"1.0","method":"ping","id":1}`,
		`{"jsonrpc":"2.0","method":"ping","id":1,"result":{}}`,
		`{"jsonrpc":"2.0","id":1}`,
		`{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		`not json`,
	} {
		var m AnyMessage
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	for _, raw := range []string{`"req-1"`, `42`} {
		var id RequestID
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		b, err := json.Marshal(&id)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(b) != raw {
			t.Fatalf("round trip %s -> %s", raw, b)
		}
	}
	if NewRequestID(3.5).String() != "" {
		t.Fatalf("unsupported id type should be unset")
	}
}

func TestErrorResponseEncoding(t *testing.T) {
	res := NewErrorResponse(NewRequestID(1), ErrorCodeRequestCancelled, "cancelled", nil)
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","error":{"code":-32800,"message":"cancelled"},"id":1}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}
