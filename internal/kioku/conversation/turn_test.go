package conversation

import "testing"

func TestParseRole(t *testing.T) {
	for _, r := range Roles {
		got, err := ParseRole(string(r))
		if err != nil {
			t.Errorf("ParseRole(%q): %v", r, err)
		}
		if got != r {
			t.Errorf("ParseRole(%q) = %q", r, got)
		}
	}

	for _, bad := range []string{"", "User", "function", "developer"} {
		if _, err := ParseRole(bad); err == nil {
			t.Errorf("ParseRole(%q): expected error, got nil", bad)
		}
	}
}

func TestRole_TextRoundTrip(t *testing.T) {
	b, err := RoleTool.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var r Role
	if err := r.UnmarshalText(b); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if r != RoleTool {
		t.Errorf("got %q, want %q", r, RoleTool)
	}
	if err := r.UnmarshalText([]byte("oracle")); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestTurn_Tokens(t *testing.T) {
	turn := User("hello world")
	if got := turn.Tokens(); got != 3 {
		t.Errorf("Tokens: got %d, want 3", got)
	}

	turn.WithTokenCount(42)
	if got := turn.Tokens(); got != 42 {
		t.Errorf("Tokens with cached count: got %d, want 42", got)
	}
}

func TestTurn_CacheTokens(t *testing.T) {
	turn := Assistant("abcdefgh")
	turn.CacheTokens()
	if turn.TokenCount == nil || *turn.TokenCount != 2 {
		t.Fatalf("TokenCount: got %v, want 2", turn.TokenCount)
	}

	preset := Assistant("abcdefgh").WithTokenCount(9)
	preset.CacheTokens()
	if *preset.TokenCount != 9 {
		t.Errorf("CacheTokens overwrote existing count: got %d, want 9", *preset.TokenCount)
	}
}

func TestTurn_Attributes(t *testing.T) {
	turn := Tool("result").WithAttribute("tool_call_id", "call_1").WithAttribute("n", 3)
	if got := turn.Attribute("tool_call_id"); got != "call_1" {
		t.Errorf("Attribute: got %q, want %q", got, "call_1")
	}
	if got := turn.Attribute("n"); got != "" {
		t.Errorf("non-string attribute: got %q, want empty", got)
	}
	if got := turn.Attribute("missing"); got != "" {
		t.Errorf("missing attribute: got %q, want empty", got)
	}

	var bare Turn
	bare.WithAttribute("k", "v")
	if bare.Attribute("k") != "v" {
		t.Error("WithAttribute on nil map")
	}
}
