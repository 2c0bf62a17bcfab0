// Package secrets implements the encrypted-settings envelope and admin
// password hashing. Secrets are stored as AES-256-GCM blobs whose key is
// derived from the SECRETS_KEY material with scrypt; legacy plaintext values
// still decode.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// ErrKeyMissing is returned on writes when no key material is configured.
var ErrKeyMissing = errors.New("SECRETS_KEY_MISSING")

const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	keyLen       = 32
	saltLen      = 16
	envelopeVers = 1
)

// envelope is the stored shape of an encrypted secret.
type envelope struct {
	Version int    `json:"v"`
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	Data    string `json:"data"`
}

// Cipher encrypts and decrypts secret values with a fixed key string.
type Cipher struct {
	key string
}

// NewCipher creates a cipher from raw key material. An empty key produces a
// cipher that rejects writes and returns "" for encrypted reads.
func NewCipher(key string) *Cipher {
	return &Cipher{key: key}
}

// Encrypt seals plaintext into the JSON envelope stored under secret:<name>.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c.key == "" {
		return "", ErrKeyMissing
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)

	out, err := json.Marshal(envelope{
		Version: envelopeVers,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Data:    base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decrypt opens a stored value. Plaintext legacy values (anything that is not
// a well-formed envelope) are returned verbatim for backward compatibility;
// an envelope that fails authentication or has an invalid shape yields "".
func (c *Cipher) Decrypt(stored string) string {
	var env envelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil || env.Version == 0 {
		// Not an envelope: legacy plaintext.
		return stored
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil || len(salt) != saltLen {
		return ""
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return ""
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return ""
	}

	if c.key == "" {
		return ""
	}
	aead, err := c.aead(salt)
	if err != nil || len(nonce) != aead.NonceSize() {
		return ""
	}

	plain, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return ""
	}
	return string(plain)
}

// HasKey reports whether key material is configured.
func (c *Cipher) HasKey() bool {
	return c.key != ""
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(c.key), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
