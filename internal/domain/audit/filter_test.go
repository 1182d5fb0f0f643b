package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	tr := TimeRange{Start: start, End: end}

	assert.True(t, tr.Contains(start))
	assert.True(t, tr.Contains(end.Add(-time.Nanosecond)))
	assert.False(t, tr.Contains(end))
	assert.False(t, tr.Contains(start.Add(-time.Second)))
	assert.True(t, TimeRange{}.Contains(start))
	assert.True(t, TimeRange{Start: start}.Contains(end.AddDate(10, 0, 0)))

	assert.NoError(t, tr.Validate())
	assert.Error(t, TimeRange{Start: end, End: start}.Validate())
	assert.Error(t, TimeRange{Start: start, End: start}.Validate())
}

func TestRecordFilter(t *testing.T) {
	r := newTestRecord(1, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	tests := []struct {
		name   string
		filter RecordFilter
		want   bool
	}{
		{"empty matches all", RecordFilter{}, true},
		{"entity set", RecordFilter{EntityIDs: []string{"s-9", "s-1"}}, true},
		{"entity miss", RecordFilter{EntityIDs: []string{"s-2"}}, false},
		{"entity type set", RecordFilter{EntityTypes: []EntityType{EntityTeacher, EntityStudent}}, true},
		{"compliance miss", RecordFilter{ComplianceTypes: []ComplianceType{ComplianceCOPPAChildData}}, false},
		{"action set", RecordFilter{Actions: []string{"view_grades"}}, true},
		{"category miss", RecordFilter{ActionCategories: []ActionCategory{CategoryDataDeletion}}, false},
		{"performer miss", RecordFilter{PerformedBy: []string{"someone"}}, false},
		{"range end exclusive", ForScope(Scope{EntityID: "s-1"}, TimeRange{End: r.PerformedAt}), false},
		{"subject", ForSubject("s-1", EntityStudent), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(r))
		})
	}

	assert.NoError(t, RecordFilter{EntityTypes: []EntityType{EntityParent}}.Validate())
	assert.Error(t, RecordFilter{EntityTypes: []EntityType{"robot"}}.Validate())
	assert.Error(t, RecordFilter{ComplianceTypes: []ComplianceType{"hipaa"}}.Validate())
	assert.Error(t, RecordFilter{Limit: -1}.Validate())
}

func TestChainRange(t *testing.T) {
	assert.NoError(t, ChainRange{}.Validate())
	assert.NoError(t, ChainRange{From: 3, To: 9}.Validate())
	assert.Error(t, ChainRange{From: 9, To: 3}.Validate())
	assert.Error(t, ChainRange{From: -1}.Validate())
	assert.True(t, ChainRange{}.StartsAtGenesis())
	assert.False(t, ChainRange{From: 2}.StartsAtGenesis())
	assert.True(t, ChainRange{From: 2}.Contains(1000))
	assert.False(t, ChainRange{From: 2, To: 5}.Contains(6))
}
