package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	plain := NewID("")
	if len(plain) != 36 {
		t.Fatalf("expected bare uuid, got %q", plain)
	}

	prefixed := NewID("sec")
	if !strings.HasPrefix(prefixed, "sec_") {
		t.Fatalf("expected sec_ prefix, got %q", prefixed)
	}
	if NewID("sec") == prefixed {
		t.Fatal("expected distinct ids")
	}
}
