package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/edu-compliance-ledger/internal/app"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/compliance"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/config"
)

type memorySink struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memorySink) Put(_ context.Context, key string, body []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = body
	return nil
}

type harness struct {
	t   *testing.T
	cli *cli
	out *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	cfg := config.Defaults()
	cfg.Environment = "test"
	a, err := app.New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	out := &bytes.Buffer{}
	return &harness{t: t, cli: &cli{app: a, out: out, errOut: &bytes.Buffer{}}, out: out}
}

func (h *harness) run(args ...string) error {
	h.out.Reset()
	return h.cli.exec(context.Background(), args)
}

func (h *harness) decode(args []string, v any) {
	h.t.Helper()
	require.NoError(h.t, h.run(args...))
	require.NoError(h.t, json.Unmarshal(h.out.Bytes(), v), h.out.String())
}

func TestCommands(t *testing.T) {
	h := newHarness(t)

	var rec audit.Record
	h.decode([]string{"record", "-entity", "student_1", "-action", "view_grade", "-by", "teacher_7",
		"-details", `{"reasonForAccess":"review","score":93.5}`}, &rec)
	assert.Equal(t, int64(1), rec.Sequence)
	assert.Equal(t, audit.CategoryDataAccess, rec.ActionCategory)

	var got audit.Record
	h.decode([]string{"get", rec.ID}, &got)
	assert.Equal(t, rec.ChainLink.Hash, got.ChainLink.Hash)

	h.decode([]string{"record", "-entity", "student_2", "-action", "export_grades", "-by", "teacher_7"}, &rec)

	var records []audit.Record
	h.decode([]string{"query", "-by", "teacher_7", "-category", "data_export"}, &records)
	require.Len(t, records, 1)
	assert.Equal(t, "student_2", records[0].EntityID)

	var result audit.VerificationResult
	h.decode([]string{"verify"}, &result)
	assert.True(t, result.Verified)
	assert.Equal(t, 2, result.RecordsVerified)

	var report compliance.ComplianceReport
	h.decode([]string{"report", "-type", "ferpa", "-by", "auditor"}, &report)
	assert.Equal(t, compliance.ReportFERPA, report.ReportType)
	assert.Equal(t, 2, report.Summary.TotalRecords)

	var verification map[string]any
	h.decode([]string{"report", "-verify", report.ID}, &verification)
	assert.Equal(t, true, verification["hashValid"])

	var req compliance.DataSubjectRequest
	h.decode([]string{"dsr-submit", "-type", "access", "-subject", "student_1", "-by", "parent_1",
		"-legal-basis", "ferpa_parent_right"}, &req)
	assert.Equal(t, compliance.StatusPending, req.Status)

	h.decode([]string{"dsr-advance", "-id", req.ID, "-to", "processing", "-actor", "registrar"}, &req)
	assert.Equal(t, compliance.StatusProcessing, req.Status)

	err := h.run("dsr-advance", "-id", req.ID, "-to", "appealed", "-actor", "registrar")
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidTransition))

	var history []compliance.Transition
	h.decode([]string{"dsr-history", req.ID}, &history)
	require.Len(t, history, 2)
	assert.Equal(t, compliance.StatusProcessing, history[1].ToStatus)
}

func TestExportCommand(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run("record", "-entity", "student_1", "-action", "view_grade", "-by", "teacher_7"))

	require.NoError(t, h.run("export", "-format", "csv"))
	assert.Contains(t, h.out.String(), "student_1")

	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, h.run("export", "-entity", "student_1", "-out", path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "view_grade")
	_, err = os.Stat(path + ".sig.json")
	require.NoError(t, err)

	csvPath := filepath.Join(t.TempDir(), "export.csv")
	require.NoError(t, h.run("export", "-out", csvPath))
	data, err = os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.NotEqual(t, byte('['), data[0], "format follows the file extension")

	err = h.run("export", "-deliver")
	require.Error(t, err, "no bucket configured")

	sink := &memorySink{objects: map[string][]byte{}}
	h.cli.app.Sink = sink
	require.NoError(t, h.run("export", "-format", "xml", "-deliver", "-prefix", "ferpa"))
	assert.Len(t, sink.objects, 2)

	require.Error(t, h.run("export", "-format", "pdf"))
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t)

	require.Error(t, h.run())
	require.Error(t, h.run("nope"))
	require.Error(t, h.run("get"))
	require.Error(t, h.run("query", "-start", "yesterday"))
	require.Error(t, h.run("record", "-details", "[1,2]"))

	err := h.run("get", "missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestListFlag(t *testing.T) {
	var l listFlag
	require.NoError(t, l.Set("a, b"))
	require.NoError(t, l.Set("c,,"))
	assert.Equal(t, listFlag{"a", "b", "c"}, l)
	assert.Equal(t, "a,b,c", l.String())
}

func TestRun_MissingCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	var stderr bytes.Buffer
	err := run(context.Background(), nil, &bytes.Buffer{}, &stderr)
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "usage: ledgerctl")
}
