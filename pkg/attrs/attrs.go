// Package attrs reads values back out of slog-style key/value argument lists.
package attrs

import "fmt"

// Lookup returns the value paired with key in a [k1, v1, k2, v2, ...] list.
// The last occurrence wins, matching how slog handlers render duplicates.
func Lookup(attrs []any, key string) (any, bool) {
	var (
		found any
		ok    bool
	)
	for i := 0; i+1 < len(attrs); i += 2 {
		if k, isString := attrs[i].(string); isString && k == key {
			found, ok = attrs[i+1], true
		}
	}
	return found, ok
}

// ExtractString returns the value for key as a string. Identifier types that
// implement fmt.Stringer are rendered; anything else yields "".
func ExtractString(attrs []any, key string) string {
	v, ok := Lookup(attrs, key)
	if !ok {
		return ""
	}
	switch v := v.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}
