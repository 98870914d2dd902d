// Package identity implements the C2 identity verifier contract of
// spec.md §4.2: given an opaque proof, resolve it to a Principal or
// reject it. The core treats verification as a capability; this package
// supplies the default HMAC-signed-claims implementation, grounded in
// the teacher's verifyHS256 (apps/gateway/src/tunnel.go).
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
)

// Principal is the validated identity owning a Session, per spec.md §3.
type Principal struct {
	ID          string
	ValidatedAt time.Time
}

// Verifier resolves an opaque proof to a Principal. Implementations must
// run in bounded time, reject stale proofs, and be idempotent for
// identical proofs within a short window (spec.md §4.2).
type Verifier interface {
	Verify(ctx context.Context, proof string) (Principal, error)
}

// Sentinel verify errors, surfaced as AuthFail reasons per spec.md §7.
var (
	ErrMalformedProof    = errors.New("identity: malformed proof")
	ErrBadSignature      = errors.New("identity: bad signature")
	ErrProofExpired      = errors.New("identity: proof expired")
	ErrProofTooOld       = errors.New("identity: proof too old")
	ErrPrincipalNotAllowed = errors.New("identity: principal not permitted by policy")
)

// claims is the JSON payload of a mesh proof token, shaped like the
// teacher's TunnelClaims (apps/gateway/src/tunnel.go) but generalized
// from a tunnel-session JWT to a bare principal-signing claim set.
type claims struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

// cacheEntry memoizes a verification result for a short window so a
// reconnecting agent resubmitting the same proof doesn't pay repeated
// signature-check cost (spec.md §4.2 "may cache").
type cacheEntry struct {
	principal Principal
	err       error
	expiresAt time.Time
}

// HMACVerifier verifies compact "payload.sig" proofs signed with a
// shared secret, and authorizes the resulting principal against a
// glob-style allowlist (spec.md §6 PRINCIPAL_ALLOWLIST).
type HMACVerifier struct {
	secret    []byte
	allowlist []string
	maxAge    time.Duration // T_proof_age, spec.md §4.2

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewHMACVerifier builds a verifier. allowlist entries are path.Match
// glob patterns matched against the proof's principal ("sub"). maxAge
// is T_proof_age; pass 0 to use the spec.md default of 60s.
func NewHMACVerifier(secret []byte, allowlist []string, maxAge time.Duration) *HMACVerifier {
	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}
	return &HMACVerifier{
		secret:    secret,
		allowlist: allowlist,
		maxAge:    maxAge,
		cache:     make(map[string]cacheEntry),
	}
}

const cacheWindow = 5 * time.Second

// Verify implements Verifier.
func (v *HMACVerifier) Verify(ctx context.Context, proof string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	if cached, ok := v.lookupCache(proof); ok {
		return cached.principal, cached.err
	}

	principal, err := v.verifyUncached(proof)
	v.storeCache(proof, principal, err)
	return principal, err
}

func (v *HMACVerifier) lookupCache(proof string) (cacheEntry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.cache[proof]
	if !ok || time.Now().After(entry.expiresAt) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (v *HMACVerifier) storeCache(proof string, principal Principal, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[proof] = cacheEntry{principal: principal, err: err, expiresAt: time.Now().Add(cacheWindow)}
	if len(v.cache) > 4096 {
		// Cheap unbounded-growth guard: a compromised agent spamming
		// distinct proofs should not OOM the verifier.
		for k := range v.cache {
			delete(v.cache, k)
			break
		}
	}
}

func (v *HMACVerifier) verifyUncached(proof string) (Principal, error) {
	parts := strings.SplitN(proof, ".", 2)
	if len(parts) != 2 {
		return Principal{}, fmt.Errorf("%w: expected payload.signature", ErrMalformedProof)
	}
	payloadB64, sigB64 := parts[0], parts[1]

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(payloadB64))
	expectedSig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expectedSig), []byte(sigB64)) {
		return Principal{}, ErrBadSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if c.Sub == "" {
		return Principal{}, fmt.Errorf("%w: missing sub", ErrMalformedProof)
	}

	now := time.Now()
	if c.Exp > 0 && now.Unix() > c.Exp {
		return Principal{}, ErrProofExpired
	}
	if c.Iat > 0 && now.Sub(time.Unix(c.Iat, 0)) > v.maxAge {
		return Principal{}, ErrProofTooOld
	}

	if !v.principalAllowed(c.Sub) {
		return Principal{}, fmt.Errorf("%w: %q", ErrPrincipalNotAllowed, c.Sub)
	}

	return Principal{ID: c.Sub, ValidatedAt: now}, nil
}

func (v *HMACVerifier) principalAllowed(principal string) bool {
	if len(v.allowlist) == 0 {
		return false
	}
	for _, pattern := range v.allowlist {
		if ok, err := path.Match(pattern, principal); err == nil && ok {
			return true
		}
	}
	return false
}
