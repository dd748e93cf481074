package memory

import (
	"execplane/internal/types"
)

// RedactedSentinel replaces any value held under a sensitive field name
// before it reaches the durable log or telemetry.
const RedactedSentinel = "[REDACTED]"

// DefaultSensitiveFields is the default sensitive-field set. A field whose
// name matches is replaced wholesale, including nested objects keyed by it.
var DefaultSensitiveFields = []string{
	"password",
	"token",
	"access_token",
	"api_key",
	"apiKey",
	"secret",
	"credentials",
}

// Redactor replaces sensitive fields with a sentinel.
type Redactor struct {
	fields map[string]struct{}
}

// NewRedactor builds a redactor for the given field names; none uses the
// default set.
func NewRedactor(fields ...string) *Redactor {
	if len(fields) == 0 {
		fields = DefaultSensitiveFields
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return &Redactor{fields: set}
}

// Value returns v with every sensitive field replaced, recursing through
// maps and lists. Non-container values pass through unchanged.
func (r *Redactor) Value(v types.Value) types.Value {
	switch v.Kind {
	case types.KindMap:
		out := make(map[string]types.Value, len(v.Map))
		for k, elem := range v.Map {
			if _, sensitive := r.fields[k]; sensitive {
				out[k] = types.StringValue(RedactedSentinel)
				continue
			}
			out[k] = r.Value(elem)
		}
		return types.MapValue(out)
	case types.KindList:
		out := make([]types.Value, len(v.List))
		for i, elem := range v.List {
			out[i] = r.Value(elem)
		}
		return types.ListValue(out...)
	default:
		return v
	}
}

// ValuePtr is Value lifted over optional payloads.
func (r *Redactor) ValuePtr(v *types.Value) *types.Value {
	if v == nil {
		return nil
	}
	red := r.Value(*v)
	return &red
}

// Map redacts a plain string-keyed map, used for telemetry payloads and
// sandbox event data.
func (r *Redactor) Map(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if _, sensitive := r.fields[k]; sensitive {
			out[k] = RedactedSentinel
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = r.Map(nested)
			continue
		}
		out[k] = v
	}
	return out
}
