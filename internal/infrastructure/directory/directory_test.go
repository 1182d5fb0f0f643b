package directory

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

type lookup interface {
	IsMinor(ctx context.Context, entityID string, entityType audit.EntityType) (bool, error)
	HasParentalConsent(ctx context.Context, subjectID string) (bool, error)
}

func setupRedisDirectory(t *testing.T) (*RedisDirectory, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	d, err := NewRedisDirectory(client, zaptest.NewLogger(t))
	require.NoError(t, err)
	return d, s
}

func TestDirectories(t *testing.T) {
	ctx := context.Background()
	redisDir, _ := setupRedisDirectory(t)
	require.NoError(t, redisDir.MarkMinor(ctx, "child_1", "child_2"))
	require.NoError(t, redisDir.GrantConsent(ctx, "child_1"))

	impls := map[string]lookup{
		"static": NewStatic([]string{"child_1", "child_2"}, []string{"child_1"}),
		"redis":  redisDir,
	}

	for name, d := range impls {
		t.Run(name, func(t *testing.T) {
			tests := []struct {
				id         string
				entityType audit.EntityType
				minor      bool
				consent    bool
			}{
				{"child_1", audit.EntityStudent, true, true},
				{"child_2", audit.EntityStudent, true, false},
				{"child_1", audit.EntityParent, false, true},
				{"adult_1", audit.EntityStudent, false, false},
			}
			for _, tt := range tests {
				minor, err := d.IsMinor(ctx, tt.id, tt.entityType)
				require.NoError(t, err)
				assert.Equal(t, tt.minor, minor, "%s/%s", tt.id, tt.entityType)

				consent, err := d.HasParentalConsent(ctx, tt.id)
				require.NoError(t, err)
				assert.Equal(t, tt.consent, consent, tt.id)
			}
		})
	}
}

func TestRedisDirectory_Revoke(t *testing.T) {
	ctx := context.Background()
	d, s := setupRedisDirectory(t)

	require.NoError(t, d.GrantConsent(ctx, "child_1", "child_2"))
	require.NoError(t, d.RevokeConsent(ctx, "child_1"))
	require.NoError(t, d.RevokeConsent(ctx))

	ok, err := d.HasParentalConsent(ctx, "child_1")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := s.Members(ConsentsKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"child_2"}, members)
}

func TestRedisDirectory_Unavailable(t *testing.T) {
	ctx := context.Background()
	d, s := setupRedisDirectory(t)
	s.Close()

	_, err := d.IsMinor(ctx, "child_1", audit.EntityStudent)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, "DIRECTORY_UNAVAILABLE", errors.CodeOf(err))

	_, err = d.HasParentalConsent(ctx, "child_1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))

	// Non-student subjects never need the lookup.
	minor, err := d.IsMinor(ctx, "teacher_1", audit.EntityTeacher)
	require.NoError(t, err)
	assert.False(t, minor)

	_, err = NewRedisDirectory(nil, nil)
	require.Error(t, err)
}

func TestStatic_Mutations(t *testing.T) {
	ctx := context.Background()
	d := NewStatic(nil, nil)
	d.MarkMinor("kid")
	d.GrantConsent("kid")

	minor, _ := d.IsMinor(ctx, "kid", audit.EntityStudent)
	assert.True(t, minor)

	d.RevokeConsent("kid")
	ok, _ := d.HasParentalConsent(ctx, "kid")
	assert.False(t, ok)
}
