package secrets

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"

	"golang.org/x/crypto/scrypt"
)

// passwordRecord is the stored shape of a hashed password.
type passwordRecord struct {
	Scheme string `json:"scheme"`
	Salt   string `json:"salt"`
	Hash   string `json:"hash"`
}

// HashPassword hashes a password with scrypt (N=16384, r=8, p=1, 32 bytes)
// and a 16-byte random salt, returning the JSON record to store.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(passwordRecord{
		Scheme: "scrypt",
		Salt:   base64.StdEncoding.EncodeToString(salt),
		Hash:   base64.StdEncoding.EncodeToString(hash),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// VerifyPassword checks a password against a stored record. Comparison is
// constant-time over same-length buffers; any scheme other than "scrypt" is
// always false.
func VerifyPassword(password, stored string) bool {
	var rec passwordRecord
	if err := json.Unmarshal([]byte(stored), &rec); err != nil {
		return false
	}
	if rec.Scheme != "scrypt" {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(rec.Hash)
	if err != nil {
		return false
	}

	got, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}
