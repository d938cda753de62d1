// Package sealed implements the short-lived credential ciphertexts that are
// persisted on upload-request rows while a job is queued or in progress.
// Tokens are sealed with AES-256-GCM under a process-wide key and wiped by
// the job store as soon as the row reaches a terminal status.
package sealed

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/errdefs"
)

// EnvKey is the environment variable holding the base64-encoded 32-byte
// encryption key. The process refuses to start without it.
const EnvKey = "TOKEN_ENCRYPTION_KEY"

// ErrUnsecureData is returned when a ciphertext fails authentication. The
// cache integrity middleware treats this as a GET miss; everywhere else it
// is an error.
var ErrUnsecureData = errors.New("sealed: data failed integrity check")

// Token is an OAuth credential tuple. It serializes as a two-element JSON
// array, [key, secret].
type Token struct {
	Key    string
	Secret string
}

// MarshalJSON serializes the token as ["key","secret"].
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{t.Key, t.Secret})
}

// UnmarshalJSON parses the two-element array form.
func (t *Token) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	t.Key, t.Secret = pair[0], pair[1]
	return nil
}

// Codec seals and opens byte payloads with a fixed symmetric key.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a Codec from a 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, errdefs.InvalidParameter(errors.Errorf("sealed: key must be 32 bytes, got %d", len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// FromEnv builds a Codec from the TOKEN_ENCRYPTION_KEY environment
// variable. A missing or malformed key is a startup error.
func FromEnv() (*Codec, error) {
	raw := os.Getenv(EnvKey)
	if raw == "" {
		return nil, errdefs.InvalidParameter(errors.Errorf("sealed: %s is not set", EnvKey))
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errdefs.InvalidParameter(errors.Wrapf(err, "sealed: %s is not valid base64", EnvKey))
	}
	return NewCodec(key)
}

// Seal encrypts the payload and returns a base64 ciphertext with the random
// nonce prepended.
func (c *Codec) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a ciphertext produced by Seal. Tampered or truncated input
// returns ErrUnsecureData.
func (c *Codec) Open(ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrUnsecureData
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return nil, ErrUnsecureData
	}
	plaintext, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, ErrUnsecureData
	}
	return plaintext, nil
}

// SealToken seals the JSON serialization of the credential tuple.
func (c *Codec) SealToken(t Token) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return c.Seal(raw)
}

// OpenToken opens a ciphertext produced by SealToken.
func (c *Codec) OpenToken(ciphertext string) (Token, error) {
	raw, err := c.Open(ciphertext)
	if err != nil {
		return Token{}, err
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return Token{}, ErrUnsecureData
	}
	return t, nil
}
