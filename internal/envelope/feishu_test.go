package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/memohai/imbridge/internal/fault"
)

func TestFeishuCodecRoundTrip(t *testing.T) {
	t.Parallel()

	codec := NewFeishuCodec("test key")
	for _, msg := range []string{`{}`, `{"text":"hello world"}`, `{"challenge":"ajls384kdjx98XX","token":"xxxxxx","type":"url_verification"}`} {
		sealed, err := codec.Encrypt([]byte(msg))
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := codec.Decrypt(sealed)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if string(got) != msg {
			t.Fatalf("round trip mismatch: %q != %q", got, msg)
		}
	}
}

func TestFeishuCodecWrongKey(t *testing.T) {
	t.Parallel()

	sealed, err := NewFeishuCodec("right").Encrypt([]byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := NewFeishuCodec("wrong").Decrypt(sealed)
	// A wrong key almost always breaks the padding; when it happens to
	// produce valid padding the bytes cannot equal the original.
	if err == nil && string(got) == `{"a":1}` {
		t.Fatalf("wrong key decrypted to original plaintext")
	}
	if err != nil && !errors.Is(err, fault.ErrEnvelopeIntegrity) {
		t.Fatalf("unexpected error kind: %v", err)
	}
}

func TestFeishuCodecRejectsMalformed(t *testing.T) {
	t.Parallel()

	codec := NewFeishuCodec("k")
	for _, input := range []string{"%%%", "c2hvcnQ="} {
		if _, err := codec.Decrypt(input); !errors.Is(err, fault.ErrEnvelopeIntegrity) {
			t.Fatalf("input %q: expected integrity error, got %v", input, err)
		}
	}
}

func TestFeishuCodecRejectsNonJSONPlaintext(t *testing.T) {
	t.Parallel()

	codec := NewFeishuCodec("k")
	sealed, err := codec.Encrypt([]byte("hello world"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := codec.Decrypt(sealed); !errors.Is(err, fault.ErrEnvelopeIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestFeishuSignature(t *testing.T) {
	t.Parallel()

	codec := NewFeishuCodec("encrypt-key")
	body := []byte(`{"encrypt":"abc"}`)
	sum := sha256.Sum256([]byte("1700000000" + "nonce" + "encrypt-key" + string(body)))
	want := hex.EncodeToString(sum[:])
	if got := codec.Sign("1700000000", "nonce", body); got != want {
		t.Fatalf("sign mismatch: %s != %s", got, want)
	}
	if err := codec.VerifySignature("1700000000", "nonce", body, want); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := codec.VerifySignature("1700000000", "nonce", []byte(`{"encrypt":"abd"}`), want); !errors.Is(err, fault.ErrSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}
