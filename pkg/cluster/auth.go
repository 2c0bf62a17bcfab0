package cluster

import (
	"container/list"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Peer request headers.
const (
	HeaderTimestamp = "X-Sentinel-Timestamp"
	HeaderNonce     = "X-Sentinel-Nonce"
	HeaderSignature = "X-Sentinel-Signature"
)

const (
	// DefaultAuthSkew bounds the accepted clock difference between peers.
	DefaultAuthSkew = 2 * time.Minute
	// DefaultNonceCap bounds the replay cache.
	DefaultNonceCap = 5000

	nonceTTL = 2 * time.Minute
)

var (
	ErrBadSignature   = errors.New("CLUSTER_AUTH_FAILED")
	ErrStaleTimestamp = errors.New("CLUSTER_AUTH_STALE")
	ErrReplayedNonce  = errors.New("CLUSTER_AUTH_REPLAY")
)

// SignRequest attaches timestamp, nonce, and HMAC headers to an outgoing peer
// request. body must be the exact bytes the request will carry.
func SignRequest(req *http.Request, psk string, body []byte, now time.Time) error {
	nonceRaw := make([]byte, 16)
	if _, err := rand.Read(nonceRaw); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceRaw)
	ts := strconv.FormatInt(now.UnixMilli(), 10)

	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature,
		signature(psk, req.Method, req.URL.Path, ts, nonce, body))
	return nil
}

// Verifier checks incoming peer requests: signature, clock skew, and nonce
// replay.
type Verifier struct {
	skew time.Duration

	mu     sync.Mutex
	seen   map[string]*list.Element
	order  *list.List // front = oldest
	maxCap int
}

type nonceEntry struct {
	nonce string
	at    time.Time
}

// NewVerifier creates a verifier. Zero values select the defaults.
func NewVerifier(skew time.Duration, nonceCap int) *Verifier {
	if skew <= 0 {
		skew = DefaultAuthSkew
	}
	if nonceCap <= 0 {
		nonceCap = DefaultNonceCap
	}
	return &Verifier{
		skew:   skew,
		seen:   make(map[string]*list.Element),
		order:  list.New(),
		maxCap: nonceCap,
	}
}

// Verify checks the auth headers of an incoming request against the shared
// key. body must be the full request body bytes.
func (v *Verifier) Verify(psk string, r *http.Request, body []byte, now time.Time) error {
	ts := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	sig := r.Header.Get(HeaderSignature)
	if psk == "" || ts == "" || nonce == "" || sig == "" {
		return ErrBadSignature
	}

	tsMs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	sent := time.UnixMilli(tsMs)
	if d := now.Sub(sent); d > v.skew || d < -v.skew {
		return ErrStaleTimestamp
	}

	want := signature(psk, r.Method, r.URL.Path, ts, nonce, body)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return ErrBadSignature
	}

	if v.replayed(nonce, now) {
		return ErrReplayedNonce
	}
	return nil
}

// replayed records the nonce, reporting true when it was already seen within
// the TTL. The cache evicts oldest-first at capacity.
func (v *Verifier) replayed(nonce string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	// Expire from the front.
	for v.order.Len() > 0 {
		front := v.order.Front()
		if now.Sub(front.Value.(nonceEntry).at) <= nonceTTL {
			break
		}
		delete(v.seen, front.Value.(nonceEntry).nonce)
		v.order.Remove(front)
	}

	if _, ok := v.seen[nonce]; ok {
		return true
	}

	if v.order.Len() >= v.maxCap {
		front := v.order.Front()
		delete(v.seen, front.Value.(nonceEntry).nonce)
		v.order.Remove(front)
	}
	v.seen[nonce] = v.order.PushBack(nonceEntry{nonce: nonce, at: now})
	return false
}

// signature computes HMAC-SHA256 over the canonical request string. The body
// enters as its SHA-256 digest so large snapshots hash once.
func signature(psk, method, path, ts, nonce string, body []byte) string {
	bodySum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(psk))
	fmt.Fprintf(mac, "%s|%s|%s|%s|%s",
		method, path, ts, nonce, hex.EncodeToString(bodySum[:]))
	return hex.EncodeToString(mac.Sum(nil))
}
