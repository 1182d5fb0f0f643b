package audit

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/values"
)

// KeyProvider supplies signing key material. Rotation and custody live
// outside the ledger; the engine only signs and looks up public keys.
type KeyProvider interface {
	// KeyID identifies the key currently used for signing.
	KeyID() string
	// Sign signs message with the current key.
	Sign(ctx context.Context, message []byte) ([]byte, error)
	// PublicKey returns the verification key for keyID.
	PublicKey(keyID string) (ed25519.PublicKey, error)
}

// HashChainEngine computes and verifies the cryptographic binding between
// consecutive records.
type HashChainEngine struct {
	keys KeyProvider
}

// NewHashChainEngine creates an engine backed by keys.
func NewHashChainEngine(keys KeyProvider) *HashChainEngine {
	return &HashChainEngine{keys: keys}
}

// ComputeHash digests the canonical form of r chained to previousHash.
func (e *HashChainEngine) ComputeHash(r *Record, previousHash string) (string, error) {
	payload, err := CanonicalBytes(r, previousHash)
	if err != nil {
		return "", err
	}
	return values.ComputeDigest(payload).String(), nil
}

// Sign signs the record's stored hash and returns the signature and key id.
func (e *HashChainEngine) Sign(ctx context.Context, r *Record) (string, string, error) {
	digest, err := values.NewDigest(r.ChainLink.Hash)
	if err != nil {
		return "", "", errors.NewInternalError("record hash is not a valid digest").WithCause(err)
	}
	return e.SignDigest(ctx, digest)
}

// SignDigest signs the raw bytes of digest with the active key. Reports and
// exports are signed through it so every artifact verifies the same way.
func (e *HashChainEngine) SignDigest(ctx context.Context, digest values.Digest) (string, string, error) {
	msg, err := digest.Bytes()
	if err != nil {
		return "", "", errors.NewInternalError("failed to decode digest").WithCause(err)
	}

	raw, err := e.keys.Sign(ctx, msg)
	if err != nil {
		return "", "", errors.NewInternalError("failed to sign digest").WithCause(err)
	}
	sig, err := values.NewAuditSignatureFromBytes(raw)
	if err != nil {
		return "", "", err
	}
	return sig.String(), e.keys.KeyID(), nil
}

// VerifyDigest checks a base64 signature over digest made by keyID.
func (e *HashChainEngine) VerifyDigest(digest values.Digest, signature, keyID string) bool {
	sig, err := values.NewAuditSignature(signature)
	if err != nil {
		return false
	}
	pub, err := e.keys.PublicKey(keyID)
	if err != nil {
		return false
	}
	ok, err := sig.Verify(digest, pub)
	return err == nil && ok
}

// Seal links r to previousHash, then hashes, signs and self-verifies it.
// On return r carries a complete chain link.
func (e *HashChainEngine) Seal(ctx context.Context, r *Record, previousHash string) error {
	hash, err := e.ComputeHash(r, previousHash)
	if err != nil {
		return err
	}
	r.ChainLink = ChainLink{Hash: hash, PreviousHash: previousHash}

	sig, keyID, err := e.Sign(ctx, r)
	if err != nil {
		return err
	}
	r.ChainLink.Signature = sig
	r.ChainLink.KeyID = keyID

	if check := e.checkRecord(r); check != "" {
		return errors.NewInternalError(fmt.Sprintf("sealed record failed self-verification: %s", check))
	}
	r.ChainLink.Verified = true
	return nil
}

// VerifyRecord recomputes the hash from the stored fields and checks the
// signature against it.
func (e *HashChainEngine) VerifyRecord(r *Record) bool {
	return e.checkRecord(r) == ""
}

// checkRecord returns the break type found in r, or "" if it verifies.
func (e *HashChainEngine) checkRecord(r *Record) BreakType {
	if r == nil {
		return BreakTypeHashMismatch
	}
	computed, err := e.ComputeHash(r, r.ChainLink.PreviousHash)
	if err != nil {
		return BreakTypeHashMismatch
	}
	stored, err := values.NewDigest(r.ChainLink.Hash)
	if err != nil {
		return BreakTypeHashMismatch
	}
	recomputed, err := values.NewDigest(computed)
	if err != nil || !stored.Equal(recomputed) {
		return BreakTypeHashMismatch
	}

	if !e.VerifyDigest(stored, r.ChainLink.Signature, r.ChainLink.KeyID) {
		return BreakTypeSignatureInvalid
	}
	return ""
}

// BreakType categorizes a chain verification issue
type BreakType string

const (
	BreakTypeHashMismatch     BreakType = "hash_mismatch"
	BreakTypeSignatureInvalid BreakType = "signature_invalid"
	BreakTypeLinkBroken       BreakType = "link_broken"
	BreakTypeSequenceGap      BreakType = "sequence_gap"
	BreakTypeTimestampReverse BreakType = "timestamp_reverse"
)

// ChainBreak is one verification issue.
type ChainBreak struct {
	RecordID    string    `json:"recordId"`
	Sequence    int64     `json:"sequence"`
	BreakType   BreakType `json:"breakType"`
	Description string    `json:"description"`
}

// VerificationResult is always returned, broken or not. BrokenAt is the id of
// the first offending record and empty when the chain verified.
type VerificationResult struct {
	Verified        bool         `json:"verified"`
	BrokenAt        string       `json:"brokenAt,omitempty"`
	Issues          []string     `json:"issues"`
	Breaks          []ChainBreak `json:"breaks,omitempty"`
	RecordsVerified int          `json:"recordsVerified"`
	HeadHash        string       `json:"headHash,omitempty"`
}

func (v *VerificationResult) addBreak(r *Record, bt BreakType, description string) {
	if v.Verified {
		v.Verified = false
		v.BrokenAt = r.ID
	}
	v.Breaks = append(v.Breaks, ChainBreak{
		RecordID:    r.ID,
		Sequence:    r.Sequence,
		BreakType:   bt,
		Description: description,
	})
	v.Issues = append(v.Issues, fmt.Sprintf("record %s (seq %d): %s: %s", r.ID, r.Sequence, bt, description))
}

// IntegrityError converts a broken result into a chain-integrity error value
// for callers that want one; it returns nil for a verified chain.
func (v *VerificationResult) IntegrityError() error {
	if v.Verified {
		return nil
	}
	return errors.NewChainIntegrityError(v.BrokenAt,
		fmt.Sprintf("chain broken at %s with %d issue(s)", v.BrokenAt, len(v.Issues)))
}

// ChainVerifier walks records in ledger order. It is fed one record at a time
// so verification of large ranges never needs the whole range in memory.
type ChainVerifier struct {
	engine        *HashChainEngine
	expectGenesis bool
	prev          *Record
	result        VerificationResult
}

// NewChainVerifier starts a walk. When expectGenesis is set the first record
// must be sequence 1 linked to the genesis digest.
func (e *HashChainEngine) NewChainVerifier(expectGenesis bool) *ChainVerifier {
	return &ChainVerifier{
		engine:        e,
		expectGenesis: expectGenesis,
		result:        VerificationResult{Verified: true, Issues: []string{}},
	}
}

// Add verifies the next record. Scanning continues past breaks so every issue
// is enumerated.
func (cv *ChainVerifier) Add(r *Record) {
	res := &cv.result
	res.RecordsVerified++

	if cv.prev == nil {
		if cv.expectGenesis {
			if r.Sequence != 1 {
				res.addBreak(r, BreakTypeSequenceGap, fmt.Sprintf("first record has sequence %d, want 1", r.Sequence))
			}
			if r.ChainLink.PreviousHash != values.GenesisDigest.String() {
				res.addBreak(r, BreakTypeLinkBroken, "first record is not linked to the genesis hash")
			}
		}
	} else {
		if r.Sequence != cv.prev.Sequence+1 {
			res.addBreak(r, BreakTypeSequenceGap, fmt.Sprintf("expected sequence %d, got %d", cv.prev.Sequence+1, r.Sequence))
		}
		if r.ChainLink.PreviousHash != cv.prev.ChainLink.Hash {
			res.addBreak(r, BreakTypeLinkBroken, fmt.Sprintf("previousHash does not match hash of record %s", cv.prev.ID))
		}
		if r.PerformedAt.Before(cv.prev.PerformedAt) {
			res.addBreak(r, BreakTypeTimestampReverse, "performedAt is earlier than the preceding record")
		}
	}

	switch cv.engine.checkRecord(r) {
	case BreakTypeHashMismatch:
		res.addBreak(r, BreakTypeHashMismatch, "stored hash does not match recomputed hash")
	case BreakTypeSignatureInvalid:
		res.addBreak(r, BreakTypeSignatureInvalid, "signature does not verify against stored hash")
	}

	cv.prev = r
	res.HeadHash = r.ChainLink.Hash
}

// Result returns the verification outcome so far.
func (cv *ChainVerifier) Result() *VerificationResult {
	out := cv.result
	return &out
}

// VerifyChain walks an ordered slice of records once.
func (e *HashChainEngine) VerifyChain(records []*Record, expectGenesis bool) *VerificationResult {
	cv := e.NewChainVerifier(expectGenesis)
	for _, r := range records {
		cv.Add(r)
	}
	return cv.Result()
}
