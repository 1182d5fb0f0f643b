// Package keys provides Ed25519 key providers for ledger signing. Key custody
// and rotation policy live outside the ledger; these providers only hold
// material handed to them.
package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

const derivationInfo = "edu-compliance-ledger/ed25519/"

// Provider signs with one active key and verifies with any registered key.
type Provider struct {
	activeID string
	private  ed25519.PrivateKey

	mu     sync.RWMutex
	public map[string]ed25519.PublicKey
}

// NewStaticProvider builds a provider from a 32-byte Ed25519 seed.
func NewStaticProvider(keyID string, seed []byte) (*Provider, error) {
	if keyID == "" {
		return nil, errors.NewValidationError("MISSING_KEY_ID", "signing key id is required")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.NewValidationError("INVALID_SEED",
			"signing seed must be exactly 32 bytes")
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return &Provider{
		activeID: keyID,
		private:  priv,
		public:   map[string]ed25519.PublicKey{keyID: priv.Public().(ed25519.PublicKey)},
	}, nil
}

// NewDerivedProvider derives the signing seed from a master secret with
// HKDF-SHA256, bound to keyID so each key id yields an independent key.
func NewDerivedProvider(keyID string, masterSecret []byte) (*Provider, error) {
	if len(masterSecret) < 32 {
		return nil, errors.NewValidationError("WEAK_MASTER_SECRET",
			"master secret must be at least 32 bytes")
	}

	seed := make([]byte, ed25519.SeedSize)
	r := hkdf.New(sha256.New, masterSecret, nil, []byte(derivationInfo+keyID))
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, errors.NewInternalError("failed to derive signing seed").WithCause(err)
	}
	return NewStaticProvider(keyID, seed)
}

// NewEphemeralProvider generates a random key. Signatures made with it are
// unverifiable after the process exits; intended for development and tests.
func NewEphemeralProvider(keyID string) (*Provider, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, errors.NewInternalError("failed to generate signing seed").WithCause(err)
	}
	return NewStaticProvider(keyID, seed)
}

// ParseSeed accepts a seed as 64 hex characters or standard base64.
func ParseSeed(s string) ([]byte, error) {
	if len(s) == hex.EncodedLen(ed25519.SeedSize) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_SEED", "seed must be hex or base64").WithCause(err)
	}
	return b, nil
}

// ParsePublicKey accepts an Ed25519 public key as 64 hex characters or
// standard base64.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	if len(s) == hex.EncodedLen(ed25519.PublicKeySize) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_PUBLIC_KEY", "public key must be hex or base64").WithCause(err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, errors.NewValidationError("INVALID_PUBLIC_KEY", "public key must be 32 bytes")
	}
	return b, nil
}

// KeyID implements audit.KeyProvider.
func (p *Provider) KeyID() string {
	return p.activeID
}

// Sign implements audit.KeyProvider.
func (p *Provider) Sign(_ context.Context, message []byte) ([]byte, error) {
	return ed25519.Sign(p.private, message), nil
}

// PublicKey implements audit.KeyProvider.
func (p *Provider) PublicKey(keyID string) (ed25519.PublicKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pub, ok := p.public[keyID]
	if !ok {
		return nil, errors.NewNotFoundError("verification key " + keyID)
	}
	return pub, nil
}

// AddVerificationKey registers a retired key so records signed with it still
// verify.
func (p *Provider) AddVerificationKey(keyID string, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return errors.NewValidationError("INVALID_PUBLIC_KEY", "public key must be 32 bytes")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.public[keyID]; ok && !existing.Equal(pub) {
		return errors.NewConflictError("KEY_ID_IN_USE", "a different key is registered under "+keyID)
	}
	p.public[keyID] = pub
	return nil
}

// ActivePublicKey returns the verification key for the signing key.
func (p *Provider) ActivePublicKey() ed25519.PublicKey {
	return p.private.Public().(ed25519.PublicKey)
}
