package utils

import (
	"strings"
	"testing"
	"time"
)

func TestNewRequestIDUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewRequestID(now)
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate request id %s", id)
		}
		seen[id] = struct{}{}
		if !strings.Contains(id, "-") {
			t.Fatalf("request id %s missing time/random separator", id)
		}
	}
}

func TestNewSessionToken(t *testing.T) {
	token := NewSessionToken()
	if len(token) != 32 || strings.Contains(token, "-") {
		t.Fatalf("unexpected session token %q", token)
	}
}
