package authz

import (
	"sort"
	"strings"
)

// Scope is a parsed scope token: a base name with optional parameters, as in
// "record.declare[event=birth|death]".
type Scope struct {
	Base   string
	Params map[string][]string
}

// ParseScope parses one token. Malformed tokens return ok=false and must never
// grant anything.
func ParseScope(raw string) (Scope, bool) {
	raw = strings.TrimSpace(raw)
	open := strings.IndexByte(raw, '[')
	if open < 0 {
		if raw == "" || strings.ContainsAny(raw, "]=|,") {
			return Scope{}, false
		}
		return Scope{Base: raw}, true
	}
	if open == 0 || !strings.HasSuffix(raw, "]") {
		return Scope{}, false
	}
	base := raw[:open]
	body := raw[open+1 : len(raw)-1]
	if strings.ContainsAny(base, "]=|,") || strings.ContainsAny(body, "[]") {
		return Scope{}, false
	}

	params := make(map[string][]string)
	for _, pair := range strings.Split(body, ",") {
		key, values, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return Scope{}, false
		}
		if _, dup := params[key]; dup {
			return Scope{}, false
		}
		for _, v := range strings.Split(values, "|") {
			v = strings.TrimSpace(v)
			if v == "" {
				return Scope{}, false
			}
			params[key] = append(params[key], v)
		}
	}
	return Scope{Base: base, Params: params}, true
}

// Allows reports whether a parameter permits value. An absent parameter
// places no restriction.
func (s Scope) Allows(key, value string) bool {
	allowed, restricted := s.Params[key]
	if !restricted {
		return true
	}
	for _, a := range allowed {
		if a == value {
			return true
		}
	}
	return false
}

// String renders the scope back in token form with parameters in key order.
func (s Scope) String() string {
	if len(s.Params) == 0 {
		return s.Base
	}
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strings.Join(s.Params[k], "|")
	}
	return s.Base + "[" + strings.Join(parts, ",") + "]"
}
