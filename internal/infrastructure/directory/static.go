// Package directory answers questions about data subjects that the ledger
// does not own: whether a subject is a minor, and whether a parent has given
// verifiable consent for a child's data.
package directory

import (
	"context"
	"sync"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
)

// Static is an in-memory directory, used in tests and for fixed rosters
// loaded from configuration.
type Static struct {
	mu       sync.RWMutex
	minors   map[string]struct{}
	consents map[string]struct{}
}

// NewStatic creates a directory seeded with the given minors and the children
// whose parents have consented.
func NewStatic(minors, consented []string) *Static {
	d := &Static{
		minors:   make(map[string]struct{}, len(minors)),
		consents: make(map[string]struct{}, len(consented)),
	}
	for _, id := range minors {
		d.minors[id] = struct{}{}
	}
	for _, id := range consented {
		d.consents[id] = struct{}{}
	}
	return d
}

// IsMinor reports whether entityID is a known minor. Only student subjects
// can be minors.
func (d *Static) IsMinor(_ context.Context, entityID string, entityType audit.EntityType) (bool, error) {
	if entityType != audit.EntityStudent {
		return false, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.minors[entityID]
	return ok, nil
}

// HasParentalConsent reports whether consent is on file for subjectID.
func (d *Static) HasParentalConsent(_ context.Context, subjectID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.consents[subjectID]
	return ok, nil
}

func (d *Static) MarkMinor(id string) {
	d.mu.Lock()
	d.minors[id] = struct{}{}
	d.mu.Unlock()
}

func (d *Static) GrantConsent(id string) {
	d.mu.Lock()
	d.consents[id] = struct{}{}
	d.mu.Unlock()
}

func (d *Static) RevokeConsent(id string) {
	d.mu.Lock()
	delete(d.consents, id)
	d.mu.Unlock()
}
