package secrets

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const testKey = "unit-test-master-key-0123456789abcdef"

func TestNewRejectsShortKey(t *testing.T) {
	t.Parallel()

	if _, err := New("too-short"); err != ErrKeyTooShort {
		t.Fatalf("New(short key) error = %v, want ErrKeyTooShort", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []string{
		"alice@example.com",
		"https://hooks.example.com/call?id=42",
		"[2025-01-02T15:04:05Z] Bot: Hello there\n",
		strings.Repeat("long transcript line ", 512),
		"üñïçødé ✓ 日本語",
	}
	for _, plain := range cases {
		stored, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		if stored == plain {
			t.Fatalf("Encrypt(%q) returned plaintext", plain)
		}
		if got := c.Decrypt(stored); got != plain {
			t.Fatalf("Decrypt(Encrypt(%q)) = %q", plain, got)
		}
	}
}

func TestEncryptEmptyPassesThrough(t *testing.T) {
	t.Parallel()

	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stored, err := c.Encrypt("")
	if err != nil || stored != "" {
		t.Fatalf("Encrypt(\"\") = (%q, %v), want (\"\", nil)", stored, err)
	}
	if got := c.Decrypt(""); got != "" {
		t.Fatalf("Decrypt(\"\") = %q", got)
	}
}

func TestDecryptPassesThroughPlaintext(t *testing.T) {
	t.Parallel()

	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// None of these are valid ciphertext; all must come back unchanged.
	cases := []string{
		"plain old text",
		"user@example.com",
		"aGVsbG8=", // valid base64 but far too short for nonce+tag
		"{\"already\":\"json\"}",
	}
	for _, in := range cases {
		if got := c.Decrypt(in); got != in {
			t.Fatalf("Decrypt(%q) = %q, want passthrough", in, got)
		}
	}
}

func TestDecryptWrongKeyPassesThrough(t *testing.T) {
	t.Parallel()

	c1, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c2, err := New("a-completely-different-master-key-value!")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stored, err := c1.Encrypt("confidential")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if got := c2.Decrypt(stored); got != stored {
		t.Fatalf("Decrypt with wrong key = %q, want stored value unchanged", got)
	}
}

func TestFieldRoundTripProperty(t *testing.T) {
	t.Parallel()

	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every field value round-trips exactly", prop.ForAll(
		func(plain string) bool {
			stored, err := c.Encrypt(plain)
			if err != nil {
				return false
			}
			return c.Decrypt(stored) == plain
		},
		gen.AnyString(),
	))

	properties.Property("ciphertext never equals a non-empty plaintext", prop.ForAll(
		func(plain string) bool {
			if plain == "" {
				return true
			}
			stored, err := c.Encrypt(plain)
			return err == nil && stored != plain
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
