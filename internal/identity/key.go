package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// signingKeyFile is the persisted seed file name, mirroring the
// teacher's wg_private.key convention (apps/host-agent/internal/tunnel/tunnel.go).
const signingKeyFile = "mesh_signing.key"

// MintProof signs a principal claim with secret and returns a compact
// "payload.signature" proof an agent can submit as Auth.Proof. ttl
// controls the claim's exp; iat is always now.
func MintProof(secret []byte, principal string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{Sub: principal, Iat: now.Unix(), Exp: now.Add(ttl).Unix()}

	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshalling proof claims: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payloadB64 + "." + sigB64, nil
}

// LoadOrGenerateSigningKey loads a persisted 32-byte random seed from
// dataDir, or generates and persists a new one, then derives the actual
// HMAC signing key from it with HKDF-SHA256 so the raw seed on disk is
// never used directly as a MAC key. Mirrors the generate-then-persist
// shape of the teacher's LoadOrGenerateKeyPair
// (apps/host-agent/internal/tunnel/tunnel.go), generalized from a
// Curve25519 keypair to a symmetric signing seed.
func LoadOrGenerateSigningKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, signingKeyFile)

	if data, err := os.ReadFile(path); err == nil {
		seed, decodeErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr == nil && len(seed) == 32 {
			return deriveSigningKey(seed)
		}
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating signing seed: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(seed)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("writing signing seed: %w", err)
	}

	return deriveSigningKey(seed)
}

func deriveSigningKey(seed []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, seed, nil, []byte("anywhere-mesh/proof-signing"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}
	return key, nil
}
