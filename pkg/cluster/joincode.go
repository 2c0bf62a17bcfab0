package cluster

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultJoinCodeTTL is how long an issued join code stays usable.
const DefaultJoinCodeTTL = 60 * time.Minute

var (
	ErrJoinCodeInvalid = errors.New("JOIN_CODE_INVALID")
	ErrJoinCodeExpired = errors.New("JOIN_CODE_EXPIRED")
)

// JoinCode carries everything a follower needs to pair with a leader. The
// wire form is base64url-encoded JSON.
type JoinCode struct {
	LeaderURL string    `json:"leaderUrl"`
	PSK       string    `json:"psk"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewPSK generates a fresh pre-shared key for a cluster pairing.
func NewPSK() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating psk: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// EncodeJoinCode issues a join code for the given leader URL and key.
func EncodeJoinCode(leaderURL, psk string, now time.Time) (string, error) {
	if err := validateLeaderURL(leaderURL); err != nil {
		return "", err
	}
	if psk == "" {
		return "", fmt.Errorf("%w: empty psk", ErrJoinCodeInvalid)
	}

	raw, err := json.Marshal(JoinCode{
		LeaderURL: strings.TrimRight(leaderURL, "/"),
		PSK:       psk,
		CreatedAt: now.UTC(),
	})
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// DecodeJoinCode validates and decodes a join code. Codes older than ttl fail
// with ErrJoinCodeExpired.
func DecodeJoinCode(code string, now time.Time, ttl time.Duration) (JoinCode, error) {
	raw, err := base64.URLEncoding.DecodeString(strings.TrimSpace(code))
	if err != nil {
		return JoinCode{}, fmt.Errorf("%w: not base64url", ErrJoinCodeInvalid)
	}

	var jc JoinCode
	if err := json.Unmarshal(raw, &jc); err != nil {
		return JoinCode{}, fmt.Errorf("%w: not valid JSON", ErrJoinCodeInvalid)
	}
	if err := validateLeaderURL(jc.LeaderURL); err != nil {
		return JoinCode{}, err
	}
	if jc.PSK == "" {
		return JoinCode{}, fmt.Errorf("%w: empty psk", ErrJoinCodeInvalid)
	}
	if jc.CreatedAt.IsZero() {
		return JoinCode{}, fmt.Errorf("%w: missing createdAt", ErrJoinCodeInvalid)
	}

	if ttl <= 0 {
		ttl = DefaultJoinCodeTTL
	}
	if now.Sub(jc.CreatedAt) > ttl {
		return JoinCode{}, ErrJoinCodeExpired
	}
	return jc, nil
}

func validateLeaderURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: bad leader url %q", ErrJoinCodeInvalid, raw)
	}
	return nil
}
