package crypto

import (
	"strings"
	"testing"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	a := DeriveKey("secret")
	b := DeriveKey("secret")
	if len(a) != 32 {
		t.Fatalf("len = %d, want 32", len(a))
	}
	if string(a) != string(b) {
		t.Error("same input produced different keys")
	}
	if string(a) == string(DeriveKey("other")) {
		t.Error("different inputs produced the same key")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := DeriveKey("k")
	enc, err := Encrypt(key, "pve-password")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Contains(enc, "pve-password") {
		t.Fatal("ciphertext contains plaintext")
	}
	got, err := Decrypt(key, enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "pve-password" {
		t.Errorf("Decrypt = %q, want %q", got, "pve-password")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	enc, err := Encrypt(DeriveKey("a"), "x")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(DeriveKey("b"), enc); err == nil {
		t.Fatal("expected error decrypting with wrong key")
	}
}

func TestEmptyRoundTrip(t *testing.T) {
	enc, err := Encrypt(DeriveKey("a"), "")
	if err != nil || enc != "" {
		t.Fatalf("Encrypt(\"\") = %q, %v", enc, err)
	}
	dec, err := Decrypt(DeriveKey("a"), "")
	if err != nil || dec != "" {
		t.Fatalf("Decrypt(\"\") = %q, %v", dec, err)
	}
}
