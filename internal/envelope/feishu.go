package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"

	"github.com/memohai/imbridge/internal/fault"
)

const feishuPlatform = "feishu"

// Feishu signature headers.
const (
	HeaderLarkTimestamp = "X-Lark-Request-Timestamp"
	HeaderLarkNonce     = "X-Lark-Request-Nonce"
	HeaderLarkSignature = "X-Lark-Signature"
)

// FeishuCodec handles the encrypt-key scheme of Feishu/Lark event callbacks.
// Verification and decryption go through the lark SDK; Encrypt is the inverse
// used to build callbacks in tests.
type FeishuCodec struct {
	encryptKey string
	key        [32]byte
	rand       io.Reader
}

// NewFeishuCodec builds a codec for encryptKey.
func NewFeishuCodec(encryptKey string) *FeishuCodec {
	return &FeishuCodec{
		encryptKey: encryptKey,
		key:        sha256.Sum256([]byte(encryptKey)),
		rand:       rand.Reader,
	}
}

// Sign returns hex(sha256(timestamp + nonce + encryptKey + body)).
func (c *FeishuCodec) Sign(timestamp, nonce string, body []byte) string {
	return larkevent.Signature(timestamp, nonce, c.encryptKey, string(body))
}

// VerifySignature checks the X-Lark-Signature header value in constant time.
func (c *FeishuCodec) VerifySignature(timestamp, nonce string, body []byte, signature string) error {
	expected := c.Sign(timestamp, nonce, body)
	got := strings.ToLower(strings.TrimSpace(signature))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return fault.Signature(feishuPlatform)
	}
	return nil
}

// Decrypt opens the "encrypt" field of a callback body. The SDK trims the
// plaintext to its outermost JSON object, so anything that is not a JSON
// document afterwards came from a wrong key or a tampered ciphertext.
func (c *FeishuCodec) Decrypt(encrypted string) ([]byte, error) {
	plain, err := larkevent.EventDecrypt(strings.TrimSpace(encrypted), c.encryptKey)
	if err != nil {
		return nil, fault.Integrity(feishuPlatform, err.Error())
	}
	if !json.Valid(plain) {
		return nil, fault.Integrity(feishuPlatform, "decrypted payload is not a JSON document")
	}
	return plain, nil
}

// Encrypt seals plaintext with a random IV.
func (c *FeishuCodec) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	padded := pkcs7Pad(append([]byte(nil), plaintext...), aes.BlockSize)
	sealed := make([]byte, aes.BlockSize+len(padded))
	if _, err := io.ReadFull(c.rand, sealed[:aes.BlockSize]); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, sealed[:aes.BlockSize]).CryptBlocks(sealed[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(sealed), nil
}
