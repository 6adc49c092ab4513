package api

import (
	"strings"
	"testing"
)

func TestNewExecutionID(t *testing.T) {
	id := NewExecutionID()
	if !ValidateExecutionID(id) {
		t.Errorf("NewExecutionID() = %q, want valid execution ID", id)
	}
	if other := NewExecutionID(); other == id {
		t.Errorf("two calls returned the same ID %q", id)
	}
}

func TestValidateExecutionID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "exec_abcdefghijklmnopqrstuvwx", true},
		{"valid mixed case", "exec_AbCdEfGhIjKlMnOpQrStUvWx", true},
		{"valid digits", "exec_123456789012345678901234", true},
		{"wrong prefix", "resp_abcdefghijklmnopqrstuvwx", false},
		{"no prefix", "abcdefghijklmnopqrstuvwxyz1234", false},
		{"too short", "exec_abc", false},
		{"too long", "exec_abcdefghijklmnopqrstuvwxy", false},
		{"special chars", "exec_abcdefghijklmnopqrstuv!@", false},
		{"empty", "", false},
		{"prefix only", "exec_", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateExecutionID(tt.id); got != tt.want {
				t.Errorf("ValidateExecutionID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestNewMarker(t *testing.T) {
	m := NewMarker()
	if !ValidateMarker(m) {
		t.Fatalf("NewMarker() = %q, want valid marker", m)
	}
	if !strings.HasPrefix(m, "__SANDOUT_END_") || !strings.HasSuffix(m, "__") {
		t.Errorf("NewMarker() = %q, want __SANDOUT_END_...__ framing", m)
	}
	if len(m) != len("__SANDOUT_END_")+24+len("__") {
		t.Errorf("len(NewMarker()) = %d", len(m))
	}
}

func TestValidateMarker(t *testing.T) {
	tests := []struct {
		name string
		m    string
		want bool
	}{
		{"valid", "__SANDOUT_END_abcdefghijklmnopqrstuvwx__", true},
		{"missing suffix", "__SANDOUT_END_abcdefghijklmnopqrstuvwx", false},
		{"short random part", "__SANDOUT_END_abc__", false},
		{"plain text", "done", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateMarker(tt.m); got != tt.want {
				t.Errorf("ValidateMarker(%q) = %v, want %v", tt.m, got, tt.want)
			}
		})
	}
}
