package auth

import "testing"

func TestHashTokenDeterministic(t *testing.T) {
	a := HashToken("abc")
	b := HashToken("abc")
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if HashToken("abd") == a {
		t.Fatalf("expected distinct hashes for distinct tokens")
	}
}

func TestConstantTimeEquals(t *testing.T) {
	if !ConstantTimeEquals("abc", "abc") {
		t.Fatalf("expected equal strings")
	}
	if ConstantTimeEquals("abc", "abd") {
		t.Fatalf("expected non-equal strings")
	}
	if ConstantTimeEquals("abc", "abcd") {
		t.Fatalf("expected length mismatch to compare unequal")
	}
}

func TestGenerateTokenUnique(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatalf("expected distinct tokens")
	}
	if len(a) != 43 {
		t.Fatalf("expected 43-char base64url token, got %d", len(a))
	}
}
