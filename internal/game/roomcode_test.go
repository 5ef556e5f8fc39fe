package game

import (
	"strings"
	"testing"
)

func TestNewRoomCode(t *testing.T) {
	seen := map[string]bool{}
	for range 50 {
		code := NewRoomCode(5)
		if len(code) != 5 {
			t.Fatalf("expected 5 letters, got %q", code)
		}
		for _, r := range code {
			if !strings.ContainsRune(roomCodeLetters, r) {
				t.Fatalf("unexpected rune %q in %q", r, code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected distinct codes, got %v", seen)
	}
}
