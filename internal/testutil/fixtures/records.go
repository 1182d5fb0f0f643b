package fixtures

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/values"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/keys"
)

// Epoch is the performedAt of the first fixture record.
var Epoch = time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)

// ChainBuilder produces sealed, correctly linked records without going
// through the ledger service, for exercising storage adapters directly.
type ChainBuilder struct {
	t          *testing.T
	engine     *audit.HashChainEngine
	classifier *audit.Classifier
	tail       audit.ChainTail
}

// NewChainBuilder creates a builder signing with an ephemeral key.
func NewChainBuilder(t *testing.T) *ChainBuilder {
	t.Helper()
	provider, err := keys.NewEphemeralProvider("fixture-key")
	require.NoError(t, err)
	return &ChainBuilder{
		t:          t,
		engine:     audit.NewHashChainEngine(provider),
		classifier: audit.NewClassifier(nil),
	}
}

// Engine returns the engine records are sealed with.
func (b *ChainBuilder) Engine() *audit.HashChainEngine {
	return b.engine
}

// Tail is the tail after the last record built.
func (b *ChainBuilder) Tail() audit.ChainTail {
	return b.tail
}

// Next builds the record that follows the current tail. mutate runs before
// sealing so the chain link covers its changes.
func (b *ChainBuilder) Next(entityID, action string, mutate ...func(*audit.Record)) *audit.Record {
	b.t.Helper()
	id, err := uuid.NewV7()
	require.NoError(b.t, err)

	seq := b.tail.Sequence + 1
	r := &audit.Record{
		ID:          id.String(),
		Sequence:    seq,
		EntityID:    entityID,
		EntityType:  audit.EntityStudent,
		Action:      action,
		PerformedBy: "teacher_7",
		PerformedAt: Epoch.Add(time.Duration(seq) * time.Second),
		Details: audit.Details{
			"reasonForAccess": "progress_review",
			"score":           "93.50",
		},
		Context: audit.RequestContext{IPAddress: "10.1.2.3", RequestID: fmt.Sprintf("req-%d", seq)},
	}
	for _, m := range mutate {
		m(r)
	}
	r.ActionCategory = b.classifier.ClassifyAction(r.Action)
	r.CompliancePolicy = b.classifier.DerivePolicy(r.EntityType, r.ComplianceType, false)
	if r.ComplianceType == "" {
		r.ComplianceType = b.classifier.ResolveComplianceType(r.EntityType, "", r.CompliancePolicy.COPPARelevant)
	}

	previous := values.GenesisDigest.String()
	if !b.tail.IsGenesis() {
		previous = b.tail.Hash
	}
	require.NoError(b.t, b.engine.Seal(context.Background(), r, previous))
	b.tail = r.Tail()
	return r
}

// Chain builds n records about entityID.
func (b *ChainBuilder) Chain(n int, entityID, action string) []*audit.Record {
	b.t.Helper()
	out := make([]*audit.Record, n)
	for i := range out {
		out[i] = b.Next(entityID, action)
	}
	return out
}
