// Package envelope verifies and decrypts webhook payloads signed with a
// shared token and encrypted with an EncodingAESKey, as used by WeCom and
// DingTalk callbacks, and the encrypt-key scheme used by Feishu.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/memohai/imbridge/internal/fault"
)

const (
	encodingAESKeyLength = 43
	// padBlockSize is the PKCS#7 block used by the WeCom/DingTalk scheme,
	// which pads to 32 bytes even though AES blocks are 16.
	padBlockSize = 32
	randomPrefix = 16
	lengthField  = 4
)

// ErrInvalidAESKey indicates an EncodingAESKey that is not 43 base64 chars
// decoding to 32 bytes.
var ErrInvalidAESKey = errors.New("encoding aes key must be 43 characters decoding to 32 bytes")

// Secret is the per-account shared secret for the signed envelope scheme.
type Secret struct {
	Token          string
	EncodingAESKey string
	// ReceiverID is the corp id, suite key or app key appended to the
	// plaintext by the platform. Empty disables the comparison.
	ReceiverID string
}

// Envelope is the signed, encrypted payload of one webhook call.
type Envelope struct {
	Signature  string `json:"msg_signature"`
	Timestamp  string `json:"timestamp"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"encrypt"`
}

// Option configures a Codec.
type Option func(*Codec)

// WithPlatform labels errors produced by the codec.
func WithPlatform(name string) Option {
	return func(c *Codec) { c.platform = name }
}

// WithRand overrides the randomness source used by Encrypt.
func WithRand(r io.Reader) Option {
	return func(c *Codec) {
		if r != nil {
			c.rand = r
		}
	}
}

// WithClock overrides the clock used for generated timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// Codec signs, verifies, encrypts and decrypts envelopes for one account.
type Codec struct {
	platform   string
	token      string
	key        []byte
	receiverID string
	rand       io.Reader
	now        func() time.Time
}

// NewCodec validates secret and builds a Codec.
func NewCodec(secret Secret, opts ...Option) (*Codec, error) {
	raw := strings.TrimSpace(secret.EncodingAESKey)
	if len(raw) != encodingAESKeyLength {
		return nil, ErrInvalidAESKey
	}
	key, err := base64.StdEncoding.DecodeString(raw + "=")
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidAESKey
	}
	c := &Codec{
		token:      secret.Token,
		key:        key,
		receiverID: secret.ReceiverID,
		rand:       rand.Reader,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// VerifyAndDecrypt checks env against secret and returns the plaintext.
func VerifyAndDecrypt(env Envelope, secret Secret) ([]byte, error) {
	c, err := NewCodec(secret)
	if err != nil {
		return nil, err
	}
	return c.VerifyAndDecrypt(env)
}

// Encrypt seals plaintext for secret with a fresh timestamp and nonce.
func Encrypt(plaintext []byte, secret Secret) (Envelope, error) {
	c, err := NewCodec(secret)
	if err != nil {
		return Envelope{}, err
	}
	return c.Encrypt(plaintext, "", "")
}

// Sign returns the hex SHA-1 of the sorted, concatenated fields.
func (c *Codec) Sign(timestamp, nonce, ciphertext string) string {
	parts := []string{c.token, timestamp, nonce, ciphertext}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// Verify checks the envelope signature in constant time.
func (c *Codec) Verify(env Envelope) error {
	expected := c.Sign(env.Timestamp, env.Nonce, env.Ciphertext)
	got := strings.ToLower(strings.TrimSpace(env.Signature))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return fault.Signature(c.platform)
	}
	return nil
}

// VerifyAndDecrypt verifies the signature before touching the ciphertext.
// It never falls back to treating the payload as plaintext.
func (c *Codec) VerifyAndDecrypt(env Envelope) ([]byte, error) {
	if err := c.Verify(env); err != nil {
		return nil, err
	}
	return c.Decrypt(env.Ciphertext)
}

// Decrypt opens a ciphertext without checking any signature. Callers that
// receive ciphertext from the network use VerifyAndDecrypt.
func (c *Codec) Decrypt(ciphertext string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fault.Integrity(c.platform, "ciphertext is not valid base64")
	}
	if len(sealed) == 0 || len(sealed)%aes.BlockSize != 0 {
		return nil, fault.Integrity(c.platform, "ciphertext is not block aligned")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plain := make([]byte, len(sealed))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, sealed)

	plain, err = pkcs7Unpad(plain, padBlockSize)
	if err != nil {
		return nil, fault.Integrity(c.platform, err.Error())
	}
	if len(plain) < randomPrefix+lengthField {
		return nil, fault.Integrity(c.platform, "plaintext too short")
	}
	msgLen := int(binary.BigEndian.Uint32(plain[randomPrefix : randomPrefix+lengthField]))
	body := plain[randomPrefix+lengthField:]
	if msgLen > len(body) {
		return nil, fault.Integrity(c.platform, "declared length exceeds plaintext")
	}
	msg, receiver := body[:msgLen], body[msgLen:]
	if c.receiverID != "" && subtle.ConstantTimeCompare(receiver, []byte(c.receiverID)) != 1 {
		return nil, fault.Integrity(c.platform, "receiver id mismatch")
	}
	return bytes.Clone(msg), nil
}

// Encrypt seals plaintext. Empty timestamp or nonce are generated.
func (c *Codec) Encrypt(plaintext []byte, timestamp, nonce string) (Envelope, error) {
	if timestamp == "" {
		timestamp = strconv.FormatInt(c.now().Unix(), 10)
	}
	if nonce == "" {
		n, err := c.randomHex(8)
		if err != nil {
			return Envelope{}, err
		}
		nonce = n
	}

	buf := make([]byte, 0, randomPrefix+lengthField+len(plaintext)+len(c.receiverID)+padBlockSize)
	prefix := make([]byte, randomPrefix)
	if _, err := io.ReadFull(c.rand, prefix); err != nil {
		return Envelope{}, fmt.Errorf("read random prefix: %w", err)
	}
	buf = append(buf, prefix...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(plaintext)))
	buf = append(buf, plaintext...)
	buf = append(buf, c.receiverID...)
	buf = pkcs7Pad(buf, padBlockSize)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return Envelope{}, fmt.Errorf("init cipher: %w", err)
	}
	sealed := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(sealed, buf)
	ciphertext := base64.StdEncoding.EncodeToString(sealed)
	return Envelope{
		Signature:  c.Sign(timestamp, nonce, ciphertext),
		Timestamp:  timestamp,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

func (c *Codec) randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(c.rand, b); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > blockSize || pad > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
