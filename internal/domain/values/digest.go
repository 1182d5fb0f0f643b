package values

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// GenesisDigest is the previous-hash of the first record in a ledger.
var GenesisDigest = Digest{hex: strings.Repeat("0", sha256.Size*2)}

// Digest is a SHA-256 digest carried as lowercase hex.
type Digest struct {
	hex string
}

// NewDigest parses and validates a hex digest.
func NewDigest(s string) (Digest, error) {
	if len(s) != sha256.Size*2 {
		return Digest{}, errors.NewValidationError("INVALID_DIGEST_LENGTH",
			fmt.Sprintf("digest must be %d hex characters", sha256.Size*2))
	}
	if s != strings.ToLower(s) {
		return Digest{}, errors.NewValidationError("INVALID_DIGEST_CASE",
			"digest must be lowercase hex")
	}
	if _, err := hex.DecodeString(s); err != nil {
		return Digest{}, errors.NewValidationError("INVALID_DIGEST_ENCODING",
			"digest must be valid hex").WithCause(err)
	}
	return Digest{hex: s}, nil
}

// ComputeDigest hashes data with SHA-256.
func ComputeDigest(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{hex: hex.EncodeToString(sum[:])}
}

func (d Digest) String() string {
	return d.hex
}

func (d Digest) IsZero() bool {
	return d.hex == ""
}

// Bytes returns the raw 32 digest bytes.
func (d Digest) Bytes() ([]byte, error) {
	return hex.DecodeString(d.hex)
}

// Equal compares digests by byte value.
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare([]byte(d.hex), []byte(other.hex)) == 1
}
