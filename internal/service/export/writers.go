package export

import (
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"io"
	"strconv"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/values"
)

// recordWriter serializes records in one export format.
type recordWriter interface {
	WriteHeader() error
	WriteRecord(r *audit.Record) error
	Close() error
}

func newRecordWriter(format values.ExportFormat, w io.Writer) (recordWriter, error) {
	switch format.String() {
	case values.FormatJSON:
		return newJSONWriter(w), nil
	case values.FormatCSV:
		return newCSVWriter(w), nil
	case values.FormatXML:
		return newXMLWriter(w), nil
	default:
		return nil, errors.NewValidationError("UNSUPPORTED_FORMAT", "format "+format.String()+" not supported")
	}
}

// jsonWriter emits a JSON array of records, one per line.
type jsonWriter struct {
	w     io.Writer
	enc   *json.Encoder
	first bool
}

func newJSONWriter(w io.Writer) *jsonWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &jsonWriter{w: w, enc: enc, first: true}
}

func (j *jsonWriter) WriteHeader() error {
	_, err := io.WriteString(j.w, "[\n")
	return err
}

func (j *jsonWriter) WriteRecord(r *audit.Record) error {
	if !j.first {
		if _, err := io.WriteString(j.w, ","); err != nil {
			return err
		}
	}
	j.first = false
	return j.enc.Encode(r)
}

func (j *jsonWriter) Close() error {
	_, err := io.WriteString(j.w, "]\n")
	return err
}

var csvHeader = []string{
	"id", "sequence", "complianceType", "entityId", "entityType", "action", "actionCategory",
	"performedBy", "performedAt", "details", "ipAddress", "userAgent", "sessionId", "requestId",
	"correlationId", "ferpaRelevant", "coppaRelevant", "retentionDays", "immutable",
	"encryptionRequired", "hash", "previousHash", "signature", "keyId",
}

// csvWriter flattens each record into one row; details are canonical JSON.
type csvWriter struct {
	w *csv.Writer
}

func newCSVWriter(w io.Writer) *csvWriter {
	return &csvWriter{w: csv.NewWriter(w)}
}

func (c *csvWriter) WriteHeader() error {
	return c.w.Write(csvHeader)
}

func (c *csvWriter) WriteRecord(r *audit.Record) error {
	details, err := detailsJSON(r)
	if err != nil {
		return err
	}
	return c.w.Write([]string{
		r.ID,
		strconv.FormatInt(r.Sequence, 10),
		string(r.ComplianceType),
		r.EntityID,
		string(r.EntityType),
		r.Action,
		string(r.ActionCategory),
		r.PerformedBy,
		audit.FormatTimestamp(r.PerformedAt),
		details,
		r.Context.IPAddress,
		r.Context.UserAgent,
		r.Context.SessionID,
		r.Context.RequestID,
		r.Context.CorrelationID,
		strconv.FormatBool(r.CompliancePolicy.FERPARelevant),
		strconv.FormatBool(r.CompliancePolicy.COPPARelevant),
		strconv.Itoa(r.CompliancePolicy.RetentionDays),
		strconv.FormatBool(r.CompliancePolicy.Immutable),
		strconv.FormatBool(r.CompliancePolicy.EncryptionRequired),
		r.ChainLink.Hash,
		r.ChainLink.PreviousHash,
		r.ChainLink.Signature,
		r.ChainLink.KeyID,
	})
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	return c.w.Error()
}

// xmlRecord mirrors audit.Record; details travel as canonical JSON text
// because XML has no native map type.
type xmlRecord struct {
	XMLName          xml.Name               `xml:"record"`
	ID               string                 `xml:"id,attr"`
	Sequence         int64                  `xml:"sequence,attr"`
	ComplianceType   audit.ComplianceType   `xml:"complianceType"`
	EntityID         string                 `xml:"entityId"`
	EntityType       audit.EntityType       `xml:"entityType"`
	Action           string                 `xml:"action"`
	ActionCategory   audit.ActionCategory   `xml:"actionCategory"`
	PerformedBy      string                 `xml:"performedBy"`
	PerformedAt      string                 `xml:"performedAt"`
	Details          string                 `xml:"details"`
	Context          audit.RequestContext   `xml:"context"`
	CompliancePolicy audit.CompliancePolicy `xml:"compliancePolicy"`
	ChainLink        audit.ChainLink        `xml:"chainLink"`
}

// xmlWriter emits <auditExport><record>...</record></auditExport>.
type xmlWriter struct {
	w   io.Writer
	enc *xml.Encoder
}

func newXMLWriter(w io.Writer) *xmlWriter {
	return &xmlWriter{w: w, enc: xml.NewEncoder(w)}
}

func (x *xmlWriter) WriteHeader() error {
	if _, err := io.WriteString(x.w, xml.Header); err != nil {
		return err
	}
	return x.enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: "auditExport"}})
}

func (x *xmlWriter) WriteRecord(r *audit.Record) error {
	details, err := detailsJSON(r)
	if err != nil {
		return err
	}
	return x.enc.Encode(xmlRecord{
		ID:               r.ID,
		Sequence:         r.Sequence,
		ComplianceType:   r.ComplianceType,
		EntityID:         r.EntityID,
		EntityType:       r.EntityType,
		Action:           r.Action,
		ActionCategory:   r.ActionCategory,
		PerformedBy:      r.PerformedBy,
		PerformedAt:      audit.FormatTimestamp(r.PerformedAt),
		Details:          details,
		Context:          r.Context,
		CompliancePolicy: r.CompliancePolicy,
		ChainLink:        r.ChainLink,
	})
}

func (x *xmlWriter) Close() error {
	if err := x.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: "auditExport"}}); err != nil {
		return err
	}
	return x.enc.Flush()
}

func detailsJSON(r *audit.Record) (string, error) {
	details := map[string]any(r.Details)
	if details == nil {
		details = map[string]any{}
	}
	raw, err := audit.MarshalCanonical(details)
	if err != nil {
		return "", errors.NewInternalError("failed to encode record details").WithCause(err)
	}
	return string(raw), nil
}
