package audit

import (
	"encoding/json"
	"time"
)

// Record is one append-only ledger entry. Only the ledger store constructs
// records; everything else receives copies through its read API.
type Record struct {
	ID               string           `json:"id"`
	Sequence         int64            `json:"sequence"`
	ComplianceType   ComplianceType   `json:"complianceType"`
	EntityID         string           `json:"entityId"`
	EntityType       EntityType       `json:"entityType"`
	Action           string           `json:"action"`
	ActionCategory   ActionCategory   `json:"actionCategory"`
	PerformedBy      string           `json:"performedBy"`
	PerformedAt      time.Time        `json:"performedAt"`
	Details          Details          `json:"details"`
	Context          RequestContext   `json:"context"`
	CompliancePolicy CompliancePolicy `json:"compliancePolicy"`
	ChainLink        ChainLink        `json:"chainLink"`
}

// RequestContext is request metadata captured alongside an event.
type RequestContext struct {
	IPAddress     string `json:"ipAddress,omitempty" xml:"ipAddress,omitempty"`
	UserAgent     string `json:"userAgent,omitempty" xml:"userAgent,omitempty"`
	SessionID     string `json:"sessionId,omitempty" xml:"sessionId,omitempty"`
	RequestID     string `json:"requestId,omitempty" xml:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty" xml:"correlationId,omitempty"`
}

// CompliancePolicy is derived by the classifier at ingestion.
type CompliancePolicy struct {
	FERPARelevant      bool `json:"ferpaRelevant" xml:"ferpaRelevant"`
	COPPARelevant      bool `json:"coppaRelevant" xml:"coppaRelevant"`
	RetentionDays      int  `json:"retentionDays" xml:"retentionDays"`
	Immutable          bool `json:"immutable" xml:"immutable"`
	EncryptionRequired bool `json:"encryptionRequired" xml:"encryptionRequired"`
}

// ChainLink binds a record to its predecessor.
type ChainLink struct {
	Hash         string `json:"hash" xml:"hash"`
	PreviousHash string `json:"previousHash" xml:"previousHash"`
	Signature    string `json:"signature" xml:"signature"`
	KeyID        string `json:"keyId" xml:"keyId"`
	Verified     bool   `json:"verified" xml:"verified"`
}

// ChainTail is the append point: the most recently committed record.
// The zero value describes an empty ledger.
type ChainTail struct {
	Sequence    int64
	Hash        string
	PerformedAt time.Time
}

// IsGenesis reports whether no record has been appended yet.
func (t ChainTail) IsGenesis() bool {
	return t.Sequence == 0
}

// Tail returns the chain tail a record produces once committed.
func (r *Record) Tail() ChainTail {
	return ChainTail{
		Sequence:    r.Sequence,
		Hash:        r.ChainLink.Hash,
		PerformedAt: r.PerformedAt,
	}
}

// RetentionExpiresAt is the end of the record's retention window.
func (r *Record) RetentionExpiresAt() time.Time {
	return r.PerformedAt.AddDate(0, 0, r.CompliancePolicy.RetentionDays)
}

// IsRetentionExpired reports whether the retention window closed before asOf.
func (r *Record) IsRetentionExpired(asOf time.Time) bool {
	return asOf.After(r.RetentionExpiresAt())
}

// Clone returns a deep copy so callers can never reach stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Details = r.Details.Clone()
	return &clone
}

// MarshalIndent is a convenience for admin tooling output.
func (r *Record) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
