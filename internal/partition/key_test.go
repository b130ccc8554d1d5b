package partition

import (
	"strings"
	"testing"
)

func TestNewKey(t *testing.T) {
	tests := []struct {
		name      string
		workspace string
		thread    string
		expected  Key
	}{
		{
			name:      "simple lowercase",
			workspace: "ws1",
			thread:    "thread1",
			expected:  "ws1__thread1",
		},
		{
			name:      "uppercase folded",
			workspace: "WS1",
			thread:    "Thread1",
			expected:  "ws1__thread1",
		},
		{
			name:      "punctuation replaced",
			workspace: "team/alpha",
			thread:    "chat.42",
			expected:  "team_alpha__chat_42",
		},
		{
			name:      "whitespace trimmed",
			workspace: "  ws1  ",
			thread:    "t 1",
			expected:  "ws1__t_1",
		},
		{
			name:      "repeated separators collapsed",
			workspace: "a---b",
			thread:    "c",
			expected:  "a_b__c",
		},
		{
			name:      "empty workspace defaults",
			workspace: "",
			thread:    "t1",
			expected:  "default__t1",
		},
		{
			name:      "both empty default",
			workspace: "",
			thread:    "",
			expected:  "default__default",
		},
		{
			name:      "only punctuation defaults",
			workspace: "!!!",
			thread:    "???",
			expected:  "default__default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewKey(tt.workspace, tt.thread)
			if got != tt.expected {
				t.Errorf("NewKey(%q, %q) = %q, want %q", tt.workspace, tt.thread, got, tt.expected)
			}
		})
	}
}

// Collision policy: inputs differing only in case or punctuation within one
// component share a partition on purpose.
func TestNewKeyDeliberateCollisions(t *testing.T) {
	pairs := [][2][2]string{
		{{"WS-1", "t"}, {"ws_1", "t"}},
		{{"ws", "Chat 7"}, {"ws", "chat.7"}},
	}
	for _, p := range pairs {
		a := NewKey(p[0][0], p[0][1])
		b := NewKey(p[1][0], p[1][1])
		if a != b {
			t.Errorf("expected deliberate collision: %q vs %q", a, b)
		}
	}
}

// Collisions across the workspace/thread boundary must never happen:
// components cannot contain the "__" separator.
func TestNewKeyNoCrossComponentCollision(t *testing.T) {
	a := NewKey("a_b", "c")
	b := NewKey("a", "b_c")
	if a == b {
		t.Fatalf("cross-component collision: %q", a)
	}
}

func TestNewKeyCharacterSet(t *testing.T) {
	inputs := []string{"ws", "WS!@#", "日本語", strings.Repeat("x", 500), ""}
	for _, w := range inputs {
		for _, th := range inputs {
			key := string(NewKey(w, th))
			for _, r := range key {
				valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
				if !valid {
					t.Fatalf("key %q contains invalid rune %q", key, r)
				}
			}
			if len(key) > 2*MaxComponentLength+len("__") {
				t.Fatalf("key %q exceeds length bound", key)
			}
		}
	}
}

func TestNewKeyLongInputTruncatedUniquely(t *testing.T) {
	long1 := strings.Repeat("a", 200) + "1"
	long2 := strings.Repeat("a", 200) + "2"

	k1 := NewKey(long1, "t")
	k2 := NewKey(long2, "t")
	if k1 == k2 {
		t.Fatalf("truncation lost uniqueness: %q", k1)
	}
	if len(k1) > MaxComponentLength+len("__")+MaxComponentLength {
		t.Fatalf("truncated key too long: %d", len(k1))
	}
}

func TestNewKeyDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		if NewKey("Team Alpha", "chat#42") != NewKey("Team Alpha", "chat#42") {
			t.Fatal("key derivation is not deterministic")
		}
	}
}
