package marker

import (
	"encoding/json"
	"fmt"
)

// Record is a loosely typed set of attribute or telemetry values keyed by
// their store names. Values read back from the store keep whatever JSON type
// an operator happened to post them with.
type Record map[Key]interface{}

// Has reports whether the key is present, regardless of its value.
func (r Record) Has(k Key) bool {
	_, ok := r[k]
	return ok
}

// Text coerces the value under the key to its textual form. Operators post
// versions through dashboards that are free to send them as JSON numbers, so
// a missing key and a non-textual value both have to be handled here rather
// than at every call site.
func (r Record) Text(k Key) string {
	v, ok := r[k]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Merge returns a new Record holding r's entries overlaid with other's.
func (r Record) Merge(other Record) Record {
	merged := make(Record, len(r)+len(other))
	for k, v := range r {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}
