package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want Kind
	}{
		{`{"id":1,"method":"item/tool/call","params":{}}`, KindRequest},
		{`{"id":"abc","method":"item/tool/call"}`, KindRequest},
		{`{"id":3,"result":{}}`, KindResponse},
		{`{"id":3,"error":{"code":-32601,"message":"nope"}}`, KindResponse},
		{`{"method":"codex/event/agent_message_delta","params":{}}`, KindNotification},
		{`{"id":null,"method":"turn/completed"}`, KindNotification},
		{`{}`, KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			m, err := Decode([]byte(tt.line))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got := m.Classify(); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeParseError {
		t.Fatalf("Decode error = %v, want parse error", err)
	}
}

func TestIntID(t *testing.T) {
	tests := []struct {
		line   string
		want   int64
		wantOK bool
	}{
		{`{"id":42,"result":{}}`, 42, true},
		{`{"id":"7","result":{}}`, 7, true},
		{`{"id":"call-x","result":{}}`, 0, false},
		{`{"result":{}}`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			m, _ := Decode([]byte(tt.line))
			got, ok := m.IntID()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("IntID() = %d, %v, want %d, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	req, err := NewRequest(5, "thread/start", map[string]any{"model": "gpt-5"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, req); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":5,"method":"thread/start","params":{"model":"gpt-5"}}` + "\n"
	if got := buf.String(); got != want {
		t.Errorf("Encode = %q, want %q", got, want)
	}

	buf.Reset()
	note, _ := NewNotification("initialized", map[string]any{})
	_ = Encode(&buf, note)
	if got := buf.String(); got != `{"jsonrpc":"2.0","method":"initialized","params":{}}`+"\n" {
		t.Errorf("notification = %q", got)
	}
}

func TestResponses(t *testing.T) {
	id := json.RawMessage(`"srv-1"`)

	res, err := NewResult(id, map[string]any{"output": "ok", "success": true})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	if res.Classify() != KindResponse {
		t.Errorf("result kind = %v, want response", res.Classify())
	}

	errRes := NewErrorResponse(id, CodeMethodNotFound, "method not found")
	var buf bytes.Buffer
	_ = Encode(&buf, errRes)
	want := `{"jsonrpc":"2.0","id":"srv-1","error":{"code":-32601,"message":"method not found"}}` + "\n"
	if got := buf.String(); got != want {
		t.Errorf("error response = %q, want %q", got, want)
	}
}
