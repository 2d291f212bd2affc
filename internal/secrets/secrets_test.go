package secrets

import (
	"errors"
	"strings"
	"testing"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574" // 32 bytes hex

func TestSealOpenRoundtrip(t *testing.T) {
	t.Parallel()
	k, err := NewKeyring(testKey)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	token := "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"
	sealed, err := k.Seal(token)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, token) {
		t.Fatal("sealed credential leaks plaintext")
	}
	got, err := k.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != token {
		t.Fatalf("Open = %q, want original token", got)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	t.Parallel()
	k, _ := NewKeyring(testKey)
	a, _ := k.Seal("tok")
	b, _ := k.Seal("tok")
	if a == b {
		t.Fatal("two seals of the same plaintext must differ (random nonce)")
	}
}

func TestOpenWrongKey(t *testing.T) {
	t.Parallel()
	k1, _ := NewKeyring(testKey)
	k2, _ := NewKeyring("00000000000000000000000000000000ffffffffffffffffffffffffffffffff")
	sealed, _ := k1.Seal("tok")
	if _, err := k2.Open(sealed); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Open with wrong key = %v, want ErrCorrupt", err)
	}
}

func TestOpenGarbage(t *testing.T) {
	t.Parallel()
	k, _ := NewKeyring(testKey)
	for _, s := range []string{"", "!!!", "AAAA"} {
		if _, err := k.Open(s); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("Open(%q) = %v, want ErrCorrupt", s, err)
		}
	}
}

func TestNewKeyringValidation(t *testing.T) {
	// No t.Parallel: t.Setenv forbids it.
	t.Setenv(EnvKey, "")
	if _, err := NewKeyring(""); !errors.Is(err, ErrNoKey) {
		t.Fatalf("empty key = %v, want ErrNoKey", err)
	}
	if _, err := NewKeyring("abcd"); !errors.Is(err, ErrBadKey) {
		t.Fatalf("short key = %v, want ErrBadKey", err)
	}
	if _, err := NewKeyring("zz" + testKey[2:]); !errors.Is(err, ErrBadKey) {
		t.Fatalf("non-hex key = %v, want ErrBadKey", err)
	}
}
