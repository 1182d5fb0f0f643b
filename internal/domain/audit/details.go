package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// Well-known detail keys inspected by reporting.
const (
	DetailReasonForAccess  = "reasonForAccess"
	DetailLegalBasis       = "legalBasis"
	DetailConsentReference = "consentReference"
	DetailModifiedFields   = "modifiedFields"
)

// secretSuffixes are rejected anywhere in a details payload. Keys are compared
// lowercased with '_' and '-' removed, so "api_key" and "sessionToken" match.
var secretSuffixes = []string{"password", "secret", "token", "apikey", "privatekey", "ssn"}

// Details is the structured payload of a record. After normalization it holds
// only JSON-native values (string, bool, nil, json.Number, []any, map[string]any).
type Details map[string]any

// NormalizeDetails round-trips the payload through JSON so that stored and
// hashed representations agree, and rejects secret-looking keys.
func NormalizeDetails(in map[string]any) (Details, error) {
	if len(in) == 0 {
		return Details{}, nil
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_DETAILS",
			"details must be JSON-serializable").WithCause(err)
	}

	out, err := DecodeDetails(raw)
	if err != nil {
		return nil, err
	}

	if key, found := findSecretKey(map[string]any(out)); found {
		return nil, errors.NewValidationError("SECRET_IN_DETAILS",
			fmt.Sprintf("details must not contain secret field %q", key))
	}
	return out, nil
}

// DecodeDetails parses stored details, preserving numbers verbatim.
func DecodeDetails(raw []byte) (Details, error) {
	if len(raw) == 0 {
		return Details{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, errors.NewValidationError("INVALID_DETAILS",
			"details must be a JSON object").WithCause(err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return Details(out), nil
}

// String returns a top-level string value, or "" when absent or not a string.
func (d Details) String(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

// Has reports whether key holds a non-empty value.
func (d Details) Has(key string) bool {
	v, ok := d[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// Clone deep-copies the payload.
func (d Details) Clone() Details {
	if d == nil {
		return nil
	}
	return Details(cloneMap(d))
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Details:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func findSecretKey(m map[string]any) (string, bool) {
	for k, v := range m {
		if isSecretKey(k) {
			return k, true
		}
		switch t := v.(type) {
		case map[string]any:
			if key, found := findSecretKey(t); found {
				return key, true
			}
		case []any:
			for _, item := range t {
				if nested, ok := item.(map[string]any); ok {
					if key, found := findSecretKey(nested); found {
						return key, true
					}
				}
			}
		}
	}
	return "", false
}

func isSecretKey(key string) bool {
	folded := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(key))
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(folded, suffix) {
			return true
		}
	}
	return false
}
