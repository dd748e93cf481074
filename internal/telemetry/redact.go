package telemetry

import (
	"strings"
)

// RedactedSentinel replaces any value held under a sensitive field name.
const RedactedSentinel = "[REDACTED]"

// defaultSensitiveFields is the baseline redaction set. Matching is
// case-insensitive on the exact field name.
var defaultSensitiveFields = []string{
	"password",
	"token",
	"access_token",
	"api_key",
	"apikey",
	"secret",
	"credentials",
}

// Redactor replaces sensitive values in nested structures before they are
// emitted to telemetry or written into audit state payloads.
type Redactor struct {
	sensitive map[string]bool
}

// NewRedactor builds a redactor with the default field set plus extras.
func NewRedactor(extra ...string) *Redactor {
	sensitive := make(map[string]bool, len(defaultSensitiveFields)+len(extra))
	for _, f := range defaultSensitiveFields {
		sensitive[f] = true
	}
	for _, f := range extra {
		sensitive[strings.ToLower(f)] = true
	}
	return &Redactor{sensitive: sensitive}
}

// Sensitive reports whether a field name triggers redaction.
func (r *Redactor) Sensitive(field string) bool {
	return r.sensitive[strings.ToLower(field)]
}

// Redact returns a deep copy of v with every sensitive field replaced by the
// sentinel. Objects nested under a sensitive key are replaced wholesale; the
// original structure is never mutated.
func (r *Redactor) Redact(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, elem := range t {
			if r.Sensitive(k) {
				out[k] = RedactedSentinel
				continue
			}
			out[k] = r.Redact(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			out[i] = r.Redact(elem)
		}
		return out
	default:
		return v
	}
}

// RedactMap is a convenience for the common map payload shape.
func (r *Redactor) RedactMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out, _ := r.Redact(m).(map[string]interface{})
	return out
}
