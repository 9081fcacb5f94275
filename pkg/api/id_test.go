package api

import (
	"strings"
	"testing"
)

func TestNewIDs(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"response", NewResponseID, "resp_"},
		{"message", NewMessageID, "msg_"},
		{"call", NewCallID, "call_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.gen()
			if !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("id %q missing prefix %q", id, tt.prefix)
			}
			if got := len(id) - len(tt.prefix); got != idLength {
				t.Errorf("random part length = %d, want %d", got, idLength)
			}
			if id == tt.gen() {
				t.Errorf("two generated ids are equal: %q", id)
			}
		})
	}
}

func TestValidateResponseID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"resp_abc123", true},
		{"resp_a-b_c", true},
		{"resp_", false},
		{"msg_abc", false},
		{"resp_abc/../x", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := ValidateResponseID(tt.id); got != tt.want {
				t.Errorf("ValidateResponseID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestNormalizeResponseID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"resp_abc", "resp_abc"},
		{"chatcmpl-xyz", "resp_xyz"},
		{"thread 42!", "resp_thread42"},
		{"  abc  ", "resp_abc"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeResponseID(tt.in); got != tt.want {
				t.Errorf("NormalizeResponseID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	if got := NormalizeResponseID("!!!"); !ValidateResponseID(got) {
		t.Errorf("NormalizeResponseID(%q) = %q, want a fresh valid id", "!!!", got)
	}
}

func TestNormalizeMessageID(t *testing.T) {
	if got := NormalizeMessageID("msg_item-1"); got != "msg_item-1" {
		t.Errorf("NormalizeMessageID = %q, want %q", got, "msg_item-1")
	}
	if got := NormalizeMessageID("item.1"); got != "msg_item1" {
		t.Errorf("NormalizeMessageID = %q, want %q", got, "msg_item1")
	}
}
