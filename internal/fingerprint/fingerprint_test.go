package fingerprint

import (
	"strings"
	"testing"

	"github.com/nulpointcorp/crm-chat-gateway/internal/chat"
)

func hello() chat.Conversation {
	return chat.Conversation{{Role: chat.RoleUser, Content: "hello"}}
}

func TestGenerate_Deterministic(t *testing.T) {
	a := Generate(hello(), "m1", 0.5)
	b := Generate(hello(), "m1", 0.5)
	if a != b {
		t.Fatalf("fingerprints differ for identical input: %q vs %q", a, b)
	}

	// Structurally equal but separately built conversations.
	c1 := chat.Conversation{
		{Role: chat.RoleSystem, Content: "be brief"},
		{Role: chat.RoleUser, Content: "status of deal 42?"},
	}
	c2 := append(chat.Conversation{}, c1...)
	if Generate(c1, "m1", 0.2) != Generate(c2, "m1", 0.2) {
		t.Fatal("copied conversation must produce the same fingerprint")
	}
}

func TestGenerate_Format(t *testing.T) {
	fp := Generate(hello(), "m1", 0.5)
	if !strings.HasPrefix(fp, Prefix) {
		t.Fatalf("fingerprint %q missing prefix %q", fp, Prefix)
	}
	if got, want := len(fp), len(Prefix)+64; got != want {
		t.Fatalf("fingerprint length = %d, want %d", got, want)
	}
	for _, r := range fp {
		if r > 0x7f {
			t.Fatalf("fingerprint %q is not ASCII", fp)
		}
	}
}

func TestGenerate_SemanticDifferences(t *testing.T) {
	base := Generate(hello(), "m1", 0.5)

	cases := []struct {
		name string
		fp   string
	}{
		{"content", Generate(chat.Conversation{{Role: chat.RoleUser, Content: "hello!"}}, "m1", 0.5)},
		{"role", Generate(chat.Conversation{{Role: chat.RoleAssistant, Content: "hello"}}, "m1", 0.5)},
		{"model", Generate(hello(), "m2", 0.5)},
		{"temperature", Generate(hello(), "m1", 0.51)},
		{"tiny temperature delta", Generate(hello(), "m1", 0.5000001)},
		{"extra message", Generate(append(hello(), chat.Message{Role: chat.RoleUser, Content: "hello"}), "m1", 0.5)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.fp == base {
				t.Fatalf("expected a different fingerprint when %s changes", c.name)
			}
		})
	}
}

func TestGenerate_OrderMatters(t *testing.T) {
	a := chat.Conversation{
		{Role: chat.RoleUser, Content: "first"},
		{Role: chat.RoleUser, Content: "second"},
	}
	b := chat.Conversation{
		{Role: chat.RoleUser, Content: "second"},
		{Role: chat.RoleUser, Content: "first"},
	}
	if Generate(a, "m1", 0) == Generate(b, "m1", 0) {
		t.Fatal("message order must change the fingerprint")
	}
}

func TestGenerate_NoBoundaryCollision(t *testing.T) {
	// Concatenation-style keys would collide on these two inputs.
	a := chat.Conversation{{Role: chat.RoleUser, Content: "ab"}, {Role: chat.RoleUser, Content: "c"}}
	b := chat.Conversation{{Role: chat.RoleUser, Content: "a"}, {Role: chat.RoleUser, Content: "bc"}}
	if Generate(a, "m1", 0) == Generate(b, "m1", 0) {
		t.Fatal("message boundaries must be part of the fingerprint")
	}
}
