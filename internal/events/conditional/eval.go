package conditional

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Actor is the part of the caller an expression may inspect.
type Actor struct {
	ID     string
	Role   string
	Scopes []string
}

// Context is everything an expression can read.
type Context struct {
	Declaration map[string]any
	Actor       Actor
	Now         time.Time
}

// Eval evaluates the expression. Type mismatches evaluate to false rather than
// failing; the shape of the tree was checked when it was decoded.
func (e Expr) Eval(ctx Context) bool {
	switch e.Kind {
	case KindAlways:
		return true
	case KindNever, "":
		return false
	case KindAnd:
		for i := range e.Conditions {
			if !e.Conditions[i].Eval(ctx) {
				return false
			}
		}
		return true
	case KindOr:
		for i := range e.Conditions {
			if e.Conditions[i].Eval(ctx) {
				return true
			}
		}
		return false
	case KindNot:
		return e.Condition != nil && !e.Condition.Eval(ctx)
	case KindField:
		return e.evalField(ctx)
	case KindUser:
		return e.evalUser(ctx)
	}
	return false
}

func (e Expr) evalField(ctx Context) bool {
	value, present := Lookup(ctx.Declaration, e.Field)
	switch e.Op {
	case OpIsDefined:
		return present && !IsEmpty(value)
	case OpIsUndefined:
		return !present || IsEmpty(value)
	case OpIsFalsy:
		return !present || isFalsy(value)
	}

	operand := e.Value
	if ref, ok := fieldReference(operand); ok {
		operand, _ = Lookup(ctx.Declaration, ref)
	}

	switch e.Op {
	case OpEquals:
		return present && equal(value, operand)
	case OpNotEquals:
		return !present || !equal(value, operand)
	case OpOneOf:
		options, _ := operand.([]any)
		for _, opt := range options {
			if present && equal(value, opt) {
				return true
			}
		}
		return false
	case OpGT, OpGTE, OpLT, OpLTE:
		if !present {
			return false
		}
		return compareNumbers(e.Op, value, operand)
	case OpMatches:
		s, ok := value.(string)
		if !present || !ok {
			return false
		}
		re := e.pattern
		if re == nil {
			pattern, _ := operand.(string)
			compiled, err := regexp.Compile(pattern)
			if err != nil {
				return false
			}
			re = compiled
		}
		return re.MatchString(s)
	case OpIsBefore, OpIsAfter:
		if !present {
			return false
		}
		date, ok := ParseDate(value)
		if !ok {
			return false
		}
		ref, ok := resolveDate(operand, ctx.Now)
		if !ok {
			return false
		}
		if e.Op == OpIsBefore {
			return date.Before(ref)
		}
		return date.After(ref)
	case OpInPast, OpInFuture:
		if !present {
			return false
		}
		date, ok := ParseDate(value)
		if !ok {
			return false
		}
		today := Today(ctx.Now)
		if e.Op == OpInPast {
			return date.Before(today)
		}
		return date.After(today)
	}
	return false
}

func (e Expr) evalUser(ctx Context) bool {
	want, _ := e.Value.(string)
	switch e.Op {
	case OpHasRole:
		return ctx.Actor.Role != "" && ctx.Actor.Role == want
	case OpHasScope:
		for _, s := range ctx.Actor.Scopes {
			base, _, _ := strings.Cut(s, "[")
			if s == want || base == want {
				return true
			}
		}
	}
	return false
}

// Lookup resolves a field id against a declaration. An exact key wins; when it
// is missing, the id is split at its last dots and resolved as a path into a
// nested object value, so "applicant.name.firstname" reads the firstname of
// the "applicant.name" field.
func Lookup(declaration map[string]any, fieldID string) (any, bool) {
	if v, ok := declaration[fieldID]; ok {
		return v, true
	}
	for i := strings.LastIndex(fieldID, "."); i > 0; i = strings.LastIndex(fieldID[:i], ".") {
		parent, ok := declaration[fieldID[:i]]
		if !ok {
			continue
		}
		current := parent
		for _, part := range strings.Split(fieldID[i+1:], ".") {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = obj[part]
			if !ok {
				return nil, false
			}
		}
		return current, true
	}
	return nil, false
}

// IsEmpty reports whether a value counts as absent for required-ness checks.
func IsEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case map[string]any:
		for _, inner := range val {
			if !IsEmpty(inner) {
				return false
			}
		}
		return true
	case []any:
		return len(val) == 0
	}
	return false
}

func isFalsy(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case bool:
		return !val
	case string:
		return val == ""
	case float64:
		return val == 0
	}
	return IsEmpty(v)
}

func equal(a, b any) bool {
	if fa, ok := ToNumber(a); ok {
		if fb, ok := ToNumber(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func compareNumbers(op Op, a, b any) bool {
	fa, ok := ToNumber(a)
	if !ok {
		return false
	}
	fb, ok := ToNumber(b)
	if !ok {
		return false
	}
	switch op {
	case OpGT:
		return fa > fb
	case OpGTE:
		return fa >= fb
	case OpLT:
		return fa < fb
	case OpLTE:
		return fa <= fb
	}
	return false
}

// ToNumber converts JSON numbers and numeric strings to float64.
func ToNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, !math.IsNaN(val)
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

const dateLayout = "2006-01-02"

// ParseDate accepts "YYYY-MM-DD" and RFC 3339 timestamps and returns the
// calendar day at UTC midnight.
func ParseDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Today(t), true
	}
	return time.Time{}, false
}

// Today truncates now to the UTC calendar day.
func Today(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// resolveDate turns a comparison operand into a calendar day: "now", an ISO
// date, or {"days": N} relative to today.
func resolveDate(operand any, now time.Time) (time.Time, bool) {
	switch val := operand.(type) {
	case string:
		if val == "now" {
			return Today(now), true
		}
		return ParseDate(val)
	case map[string]any:
		days, ok := ToNumber(val["days"])
		if !ok {
			return time.Time{}, false
		}
		return Today(now).AddDate(0, 0, int(days)), true
	}
	return time.Time{}, false
}

// String renders a compact description for log lines.
func (e Expr) String() string {
	switch e.Kind {
	case KindField:
		return fmt.Sprintf("%s(%s %v)", e.Op, e.Field, e.Value)
	case KindUser:
		return fmt.Sprintf("user.%s(%v)", e.Op, e.Value)
	case KindNot:
		if e.Condition != nil {
			return "not(" + e.Condition.String() + ")"
		}
	case KindAnd, KindOr:
		parts := make([]string, len(e.Conditions))
		for i := range e.Conditions {
			parts[i] = e.Conditions[i].String()
		}
		return string(e.Kind) + "(" + strings.Join(parts, ", ") + ")"
	}
	return string(e.Kind)
}
