package token

import (
	"errors"
	"testing"
)

func TestGenerate(t *testing.T) {
	plaintext, prefix, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(plaintext) < 32 {
		t.Errorf("token too short: %d chars", len(plaintext))
	}
	if prefix != plaintext[:PrefixLen] {
		t.Errorf("prefix %q does not match token start", prefix)
	}

	other, _, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if other == plaintext {
		t.Error("two generated tokens are identical")
	}
}

func TestHashAndVerify(t *testing.T) {
	plaintext, _, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	hash, err := Hash(plaintext)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	if err := Verify(plaintext, hash); err != nil {
		t.Errorf("Verify rejected correct token: %v", err)
	}
	if err := Verify(plaintext+"x", hash); !errors.Is(err, ErrMismatch) {
		t.Errorf("expected ErrMismatch for wrong token, got %v", err)
	}
}

func TestHashIsSalted(t *testing.T) {
	h1, err := Hash("same-token")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, err := Hash("same-token")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same token are identical; salt missing")
	}
}

func TestVerifyInvalidHash(t *testing.T) {
	for _, encoded := range []string{"", "plainhash", "$argon2i$v=19$m=1,t=1,p=1$x$y"} {
		if err := Verify("token", encoded); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("expected ErrInvalidHash for %q, got %v", encoded, err)
		}
	}
}
