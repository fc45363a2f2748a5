package security

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(fill byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{fill}, keySize))
}

func TestNoteCipherRoundTrip(t *testing.T) {
	c, err := NewNoteCipher(testKey(7))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := c.Seal("damaged in transit, 2 crates")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) || strings.Contains(sealed, "crates") {
		t.Fatalf("note should be sealed, got %q", sealed)
	}
	plain, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "damaged in transit, 2 crates" {
		t.Fatalf("unexpected plain text %q", plain)
	}
}

func TestNoteCipherWrongKey(t *testing.T) {
	a, _ := NewNoteCipher(testKey(1))
	b, _ := NewNoteCipher(testKey(2))
	sealed, err := a.Seal("secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(sealed); err != ErrMalformedNote {
		t.Fatalf("expected malformed note, got %v", err)
	}
}

func TestNilCipherPassthrough(t *testing.T) {
	c, err := NewNoteCipher("")
	if err != nil || c != nil {
		t.Fatalf("empty key should disable sealing")
	}
	sealed, err := c.Seal("plain")
	if err != nil || sealed != "plain" {
		t.Fatalf("nil cipher should pass through, got %q %v", sealed, err)
	}
	if opened, _ := c.Open("plain"); opened != "plain" {
		t.Fatalf("nil cipher should open clear text")
	}
}

func TestNewNoteCipherRejectsShortKey(t *testing.T) {
	if _, err := NewNoteCipher(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected key length error")
	}
}
