package values

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

func testKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed([]byte(strings.Repeat("k", ed25519.SeedSize)))
}

func TestNewAuditSignature(t *testing.T) {
	valid := base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"valid", valid, ""},
		{"empty", "", "EMPTY_SIGNATURE"},
		{"not base64", "%%%", "INVALID_SIGNATURE_ENCODING"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short")), "INVALID_SIGNATURE_LENGTH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := NewAuditSignature(tt.input)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.input, sig.String())
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, errors.CodeOf(err))
		})
	}
}

func TestAuditSignatureVerify(t *testing.T) {
	key := testKey()
	digest := ComputeDigest([]byte("record payload"))
	msg, err := digest.Bytes()
	require.NoError(t, err)

	sig, err := NewAuditSignatureFromBytes(ed25519.Sign(key, msg))
	require.NoError(t, err)

	t.Run("matching key", func(t *testing.T) {
		ok, err := sig.Verify(digest, key.Public().(ed25519.PublicKey))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("different digest", func(t *testing.T) {
		ok, err := sig.Verify(ComputeDigest([]byte("tampered")), key.Public().(ed25519.PublicKey))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("different key", func(t *testing.T) {
		other := ed25519.NewKeyFromSeed([]byte(strings.Repeat("x", ed25519.SeedSize)))
		ok, err := sig.Verify(digest, other.Public().(ed25519.PublicKey))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty signature", func(t *testing.T) {
		_, err := AuditSignature{}.Verify(digest, key.Public().(ed25519.PublicKey))
		assert.Error(t, err)
	})
}

func TestDigest(t *testing.T) {
	d := ComputeDigest([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", d.String())

	parsed, err := NewDigest(d.String())
	require.NoError(t, err)
	assert.True(t, d.Equal(parsed))

	_, err = NewDigest(strings.ToUpper(d.String()))
	assert.Error(t, err)
	_, err = NewDigest("abc")
	assert.Error(t, err)

	assert.Len(t, GenesisDigest.String(), 64)
	assert.False(t, GenesisDigest.IsZero())
}
