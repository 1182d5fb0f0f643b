package values

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// AuditSignature represents an Ed25519 signature over a ledger digest
type AuditSignature struct {
	signature string // Base64-encoded, 64 raw bytes
}

// NewAuditSignature creates a new AuditSignature value object with validation
func NewAuditSignature(signature string) (AuditSignature, error) {
	if signature == "" {
		return AuditSignature{}, errors.NewValidationError("EMPTY_SIGNATURE",
			"audit signature cannot be empty")
	}

	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return AuditSignature{}, errors.NewValidationError("INVALID_SIGNATURE_ENCODING",
			"audit signature must be valid base64").WithCause(err)
	}

	if len(decoded) != ed25519.SignatureSize {
		return AuditSignature{}, errors.NewValidationError("INVALID_SIGNATURE_LENGTH",
			fmt.Sprintf("audit signature must be %d bytes (Ed25519)", ed25519.SignatureSize))
	}

	return AuditSignature{signature: signature}, nil
}

// NewAuditSignatureFromBytes creates AuditSignature from raw bytes
func NewAuditSignatureFromBytes(raw []byte) (AuditSignature, error) {
	if len(raw) != ed25519.SignatureSize {
		return AuditSignature{}, errors.NewValidationError("INVALID_SIGNATURE_LENGTH",
			fmt.Sprintf("signature must be %d bytes (Ed25519)", ed25519.SignatureSize))
	}
	return AuditSignature{signature: base64.StdEncoding.EncodeToString(raw)}, nil
}

// String returns the base64-encoded signature
func (a AuditSignature) String() string {
	return a.signature
}

// Bytes returns the raw signature bytes
func (a AuditSignature) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.signature)
}

// IsEmpty checks if the signature is empty
func (a AuditSignature) IsEmpty() bool {
	return a.signature == ""
}

// Verify checks the signature against a digest and public key
func (a AuditSignature) Verify(digest Digest, publicKey ed25519.PublicKey) (bool, error) {
	if a.IsEmpty() {
		return false, errors.NewValidationError("EMPTY_SIGNATURE",
			"cannot verify empty signature")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false, errors.NewValidationError("INVALID_PUBLIC_KEY",
			"public key must be an Ed25519 key")
	}

	sig, err := a.Bytes()
	if err != nil {
		return false, fmt.Errorf("failed to decode signature: %w", err)
	}
	msg, err := digest.Bytes()
	if err != nil {
		return false, fmt.Errorf("failed to decode digest: %w", err)
	}

	return ed25519.Verify(publicKey, msg, sig), nil
}
