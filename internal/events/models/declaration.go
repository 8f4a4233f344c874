package models

import (
	"encoding/json"
	"sort"
)

// Declaration maps a field id (e.g. "applicant.dob") to its JSON-decoded value.
// Values are strings, float64, bool, nested objects (map[string]any) or arrays.
type Declaration map[string]any

// Clone returns a shallow copy. Values are never mutated in place so sharing
// nested objects between copies is safe.
func (d Declaration) Clone() Declaration {
	out := make(Declaration, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge applies update on top of d: a key present in update replaces the prior
// value entirely. There is no recursive merge across actions.
func (d Declaration) Merge(update Declaration) Declaration {
	out := d.Clone()
	for k, v := range update {
		out[k] = v
	}
	return out
}

// Keys returns the field ids in sorted order.
func (d Declaration) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Without returns a copy without the given keys.
func (d Declaration) Without(keys map[string]struct{}) Declaration {
	out := make(Declaration, len(d))
	for k, v := range d {
		if _, drop := keys[k]; !drop {
			out[k] = v
		}
	}
	return out
}

// MarshalJSON always renders an object, never null.
func (d Declaration) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(d))
}
