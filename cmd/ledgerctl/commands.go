package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/davidleathers/edu-compliance-ledger/internal/app"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/compliance"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/values"
	"github.com/davidleathers/edu-compliance-ledger/internal/service/dsr"
	"github.com/davidleathers/edu-compliance-ledger/internal/service/ledger"
)

type cli struct {
	app    *app.App
	out    io.Writer
	errOut io.Writer
}

func (c *cli) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command")
	}
	cmds := map[string]func(context.Context, []string) error{
		"record":      c.record,
		"get":         c.get,
		"query":       c.query,
		"verify":      c.verify,
		"report":      c.report,
		"export":      c.export,
		"dsr-submit":  c.dsrSubmit,
		"dsr-advance": c.dsrAdvance,
		"dsr-history": c.dsrHistory,
	}
	cmd, ok := cmds[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd(ctx, args[1:])
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	return fs
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// listFlag collects comma-separated or repeated values.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

// timeFlag parses RFC 3339 timestamps.
type timeFlag struct{ t time.Time }

func (f *timeFlag) String() string {
	if f.t.IsZero() {
		return ""
	}
	return f.t.Format(time.RFC3339)
}

func (f *timeFlag) Set(v string) error {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return fmt.Errorf("expected RFC 3339 time: %w", err)
	}
	f.t = t.UTC()
	return nil
}

type filterFlags struct {
	entities, entityTypes, complianceTypes, actions, categories, performers listFlag
	start, end                                                              timeFlag
	limit                                                                   int
}

func bindFilter(fs *flag.FlagSet) *filterFlags {
	f := &filterFlags{}
	fs.Var(&f.entities, "entity", "entity ids")
	fs.Var(&f.entityTypes, "entity-type", "entity types")
	fs.Var(&f.complianceTypes, "compliance-type", "compliance types")
	fs.Var(&f.actions, "action", "actions")
	fs.Var(&f.categories, "category", "action categories")
	fs.Var(&f.performers, "by", "performers")
	fs.Var(&f.start, "start", "range start (inclusive, RFC 3339)")
	fs.Var(&f.end, "end", "range end (exclusive, RFC 3339)")
	fs.IntVar(&f.limit, "limit", 0, "maximum records (0 = all)")
	return f
}

func (f *filterFlags) filter() audit.RecordFilter {
	return audit.RecordFilter{
		EntityIDs:        f.entities,
		EntityTypes:      convert[audit.EntityType](f.entityTypes),
		ComplianceTypes:  convert[audit.ComplianceType](f.complianceTypes),
		Actions:          f.actions,
		ActionCategories: convert[audit.ActionCategory](f.categories),
		PerformedBy:      f.performers,
		TimeRange:        audit.TimeRange{Start: f.start.t, End: f.end.t},
		Limit:            f.limit,
	}
}

func convert[T ~string](in []string) []T {
	if len(in) == 0 {
		return nil
	}
	out := make([]T, len(in))
	for i, s := range in {
		out[i] = T(s)
	}
	return out
}

func (c *cli) record(ctx context.Context, args []string) error {
	fs := c.flags("record")
	var (
		entity     = fs.String("entity", "", "entity id")
		entityType = fs.String("entity-type", string(audit.EntityStudent), "entity type")
		action     = fs.String("action", "", "action")
		by         = fs.String("by", "", "performer")
		hint       = fs.String("compliance-type", "", "compliance type hint")
		details    = fs.String("details", "{}", "details as a JSON object")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var d map[string]any
	dec := json.NewDecoder(strings.NewReader(*details))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		return fmt.Errorf("details: %w", err)
	}

	rec, err := c.app.Ledger.RecordEvent(ctx, ledger.Event{
		EntityID:           *entity,
		EntityType:         audit.EntityType(*entityType),
		Action:             *action,
		PerformedBy:        *by,
		Details:            d,
		ComplianceTypeHint: audit.ComplianceType(*hint),
	})
	if err != nil {
		return err
	}
	return c.print(rec)
}

func (c *cli) get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get <record-id>")
	}
	rec, err := c.app.Ledger.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return c.print(rec)
}

func (c *cli) query(ctx context.Context, args []string) error {
	fs := c.flags("query")
	ff := bindFilter(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	records := []audit.Record{}
	for rec, err := range c.app.Ledger.Query(ctx, ff.filter()) {
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	return c.print(records)
}

func (c *cli) verify(ctx context.Context, args []string) error {
	fs := c.flags("verify")
	from := fs.Int64("from", 0, "first sequence (0 = genesis)")
	to := fs.Int64("to", 0, "last sequence (0 = current tail)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	result, err := c.app.Ledger.VerifyChain(ctx, audit.ChainRange{From: *from, To: *to})
	if err != nil {
		return err
	}
	if err := c.print(result); err != nil {
		return err
	}
	return result.IntegrityError()
}

func (c *cli) report(ctx context.Context, args []string) error {
	fs := c.flags("report")
	var (
		reportType = fs.String("type", string(compliance.ReportComprehensive), "ferpa, coppa, gdpr, ccpa or comprehensive")
		entity     = fs.String("entity", "", "scope to one entity id")
		entityType = fs.String("entity-type", "", "scope to one entity type")
		by         = fs.String("by", "", "requesting user")
		getID      = fs.String("get", "", "print a stored report instead of generating one")
		verifyID   = fs.String("verify", "", "re-check a stored report instead of generating one")
		start, end timeFlag
	)
	fs.Var(&start, "start", "range start (RFC 3339)")
	fs.Var(&end, "end", "range end (RFC 3339)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch {
	case *getID != "":
		r, err := c.app.Reports.GetReport(ctx, *getID)
		if err != nil {
			return err
		}
		return c.print(r)
	case *verifyID != "":
		v, err := c.app.Reports.VerifyReport(ctx, *verifyID)
		if err != nil {
			return err
		}
		return c.print(v)
	}

	r, err := c.app.Reports.GenerateReport(ctx, compliance.ReportType(*reportType),
		audit.TimeRange{Start: start.t, End: end.t},
		audit.Scope{EntityID: *entity, EntityType: audit.EntityType(*entityType)},
		*by)
	if err != nil {
		return err
	}
	return c.print(r)
}

func (c *cli) export(ctx context.Context, args []string) error {
	fs := c.flags("export")
	ff := bindFilter(fs)
	var (
		format  = fs.String("format", "", "json, csv or xml (default from -out extension, else json)")
		outPath = fs.String("out", "", "write data to this file instead of stdout")
		deliver = fs.Bool("deliver", false, "upload data and manifest to the configured bucket")
		prefix  = fs.String("prefix", "", "object key prefix for -deliver")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	var (
		f   values.ExportFormat
		err error
	)
	switch {
	case *format != "":
		f, err = values.NewExportFormat(*format)
	case *outPath != "":
		f, err = values.NewExportFormatFromFilename(*outPath)
	default:
		f = values.JSONFormat()
	}
	if err != nil {
		return err
	}

	if *deliver {
		if c.app.Sink == nil {
			return fmt.Errorf("no export bucket configured")
		}
		exp, delivery, err := c.app.Exports.ExportAndDeliver(ctx, ff.filter(), f, c.app.Sink, *prefix)
		if err != nil {
			return err
		}
		return c.print(map[string]any{"export": exp, "delivery": delivery})
	}

	exp, err := c.app.Exports.Export(ctx, ff.filter(), f)
	if err != nil {
		return err
	}
	if *outPath == "" {
		_, err = c.out.Write(exp.Data)
		return err
	}
	if err := os.WriteFile(*outPath, exp.Data, 0o600); err != nil {
		return err
	}
	manifest, err := exp.Manifest()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outPath+".sig.json", manifest, 0o600); err != nil {
		return err
	}
	return c.print(exp)
}

func (c *cli) dsrSubmit(ctx context.Context, args []string) error {
	fs := c.flags("dsr-submit")
	var (
		reqType     = fs.String("type", "", "access, rectification, erasure, portability, restriction or objection")
		subject     = fs.String("subject", "", "data subject id")
		subjectType = fs.String("subject-type", string(audit.EntityStudent), "data subject entity type")
		by          = fs.String("by", "", "requester")
		basis       = fs.String("legal-basis", "", "legal basis")
		ct          = fs.String("compliance-type", "", "compliance type")
		notes       = fs.String("notes", "", "notes")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := c.app.Requests.Submit(ctx, dsr.SubmitRequest{
		Type:           compliance.RequestType(*reqType),
		SubjectID:      *subject,
		SubjectType:    audit.EntityType(*subjectType),
		RequestedBy:    *by,
		LegalBasis:     *basis,
		ComplianceType: audit.ComplianceType(*ct),
		Notes:          *notes,
	})
	if err != nil {
		return err
	}
	return c.print(req)
}

func (c *cli) dsrAdvance(ctx context.Context, args []string) error {
	fs := c.flags("dsr-advance")
	var (
		id    = fs.String("id", "", "request id")
		to    = fs.String("to", "", "target status")
		actor = fs.String("actor", "", "acting user")
		notes = fs.String("notes", "", "notes")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := c.app.Requests.Advance(ctx, *id, compliance.RequestStatus(*to), *actor, *notes)
	if err != nil {
		return err
	}
	return c.print(req)
}

func (c *cli) dsrHistory(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: dsr-history <request-id>")
	}
	history, err := c.app.Requests.History(ctx, args[0])
	if err != nil {
		return err
	}
	return c.print(history)
}
