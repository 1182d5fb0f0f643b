package values

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// ExportFormat represents a supported export format for ledger data
type ExportFormat struct {
	format string
}

// Supported export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXML  = "xml"
)

var (
	formatMimeTypes = map[string]string{
		FormatJSON: "application/json",
		FormatCSV:  "text/csv",
		FormatXML:  "application/xml",
	}

	formatExtensions = map[string]string{
		FormatJSON: ".json",
		FormatCSV:  ".csv",
		FormatXML:  ".xml",
	}
)

// NewExportFormat creates a new ExportFormat value object with validation
func NewExportFormat(format string) (ExportFormat, error) {
	if format == "" {
		return ExportFormat{}, errors.NewValidationError("EMPTY_FORMAT",
			"export format cannot be empty")
	}

	normalized := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
	if _, ok := formatMimeTypes[normalized]; !ok {
		return ExportFormat{}, errors.NewValidationError("UNSUPPORTED_FORMAT",
			fmt.Sprintf("export format '%s' is not supported", format))
	}

	return ExportFormat{format: normalized}, nil
}

// NewExportFormatFromFilename creates ExportFormat from a filename's extension
func NewExportFormatFromFilename(filename string) (ExportFormat, error) {
	extension := filepath.Ext(filename)
	if extension == "" {
		return ExportFormat{}, errors.NewValidationError("NO_EXTENSION",
			"filename must have an extension")
	}
	return NewExportFormat(extension)
}

// MustNewExportFormat creates ExportFormat and panics on error (for constants/tests)
func MustNewExportFormat(format string) ExportFormat {
	ef, err := NewExportFormat(format)
	if err != nil {
		panic(err)
	}
	return ef
}

func JSONFormat() ExportFormat { return MustNewExportFormat(FormatJSON) }
func CSVFormat() ExportFormat  { return MustNewExportFormat(FormatCSV) }
func XMLFormat() ExportFormat  { return MustNewExportFormat(FormatXML) }

func (ef ExportFormat) String() string {
	return ef.format
}

func (ef ExportFormat) IsEmpty() bool {
	return ef.format == ""
}

// MimeType returns the MIME type for the format
func (ef ExportFormat) MimeType() string {
	if mimeType, ok := formatMimeTypes[ef.format]; ok {
		return mimeType
	}
	return "application/octet-stream"
}

// Extension returns the file extension for the format
func (ef ExportFormat) Extension() string {
	if extension, ok := formatExtensions[ef.format]; ok {
		return extension
	}
	return ".bin"
}

// ObjectName builds a storage object name carrying the format's extension.
func (ef ExportFormat) ObjectName(base string) string {
	return strings.TrimSuffix(base, filepath.Ext(base)) + ef.Extension()
}

// MarshalJSON implements JSON marshaling
func (ef ExportFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(ef.format)
}

// UnmarshalJSON implements JSON unmarshaling
func (ef *ExportFormat) UnmarshalJSON(data []byte) error {
	var format string
	if err := json.Unmarshal(data, &format); err != nil {
		return err
	}

	exportFormat, err := NewExportFormat(format)
	if err != nil {
		return err
	}

	*ef = exportFormat
	return nil
}
