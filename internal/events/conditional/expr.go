// Package conditional implements the closed expression language used by event
// configurations for field visibility, required-ness and custom validation.
//
// Expressions are data: a JSON tree decoded into Expr and evaluated by a small
// tree-walking interpreter. There is no general purpose eval; every node type
// and operator is enumerated here and rejected at decode time otherwise.
//
//	{"type":"and","conditions":[
//	    {"type":"field","field":"recommender.none","op":"isFalsy"},
//	    {"type":"user","op":"hasScope","value":"record.declare"}]}
//
// The JSON literals true and false decode to always and never.
package conditional

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// Kind discriminates expression nodes.
type Kind string

const (
	KindAlways Kind = "always"
	KindNever  Kind = "never"
	KindAnd    Kind = "and"
	KindOr     Kind = "or"
	KindNot    Kind = "not"
	KindField  Kind = "field"
	KindUser   Kind = "user"
)

// Op is a leaf operator.
type Op string

const (
	OpIsDefined   Op = "isDefined"
	OpIsUndefined Op = "isUndefined"
	OpIsFalsy     Op = "isFalsy"
	OpEquals      Op = "equals"
	OpNotEquals   Op = "notEquals"
	OpOneOf       Op = "oneOf"
	OpGT          Op = "gt"
	OpGTE         Op = "gte"
	OpLT          Op = "lt"
	OpLTE         Op = "lte"
	OpMatches     Op = "matches"
	OpIsBefore    Op = "isBefore"
	OpIsAfter     Op = "isAfter"
	OpInPast      Op = "inPast"
	OpInFuture    Op = "inFuture"

	OpHasScope Op = "hasScope"
	OpHasRole  Op = "hasRole"
)

var fieldOps = map[Op]bool{
	OpIsDefined: false, OpIsUndefined: false, OpIsFalsy: false,
	OpEquals: true, OpNotEquals: true, OpOneOf: true,
	OpGT: true, OpGTE: true, OpLT: true, OpLTE: true,
	OpMatches: true, OpIsBefore: true, OpIsAfter: true,
	OpInPast: false, OpInFuture: false,
}

var userOps = map[Op]bool{OpHasScope: true, OpHasRole: true}

// Expr is one node of the expression tree.
type Expr struct {
	Kind       Kind   `json:"type"`
	Conditions []Expr `json:"conditions,omitempty"`
	Condition  *Expr  `json:"condition,omitempty"`
	Field      string `json:"field,omitempty"`
	Op         Op     `json:"op,omitempty"`
	Value      any    `json:"value,omitempty"`

	pattern *regexp.Regexp
}

// Always is the constant-true expression.
func Always() Expr { return Expr{Kind: KindAlways} }

// Never is the constant-false expression.
func Never() Expr { return Expr{Kind: KindNever} }

// And is true when every condition is true.
func And(conditions ...Expr) Expr { return Expr{Kind: KindAnd, Conditions: conditions} }

// Or is true when any condition is true.
func Or(conditions ...Expr) Expr { return Expr{Kind: KindOr, Conditions: conditions} }

// Not negates a condition.
func Not(condition Expr) Expr { return Expr{Kind: KindNot, Condition: &condition} }

// Field builds a leaf over a declaration field. It panics on an invalid leaf so
// it is only meant for statically known expressions.
func Field(fieldID string, op Op, value ...any) Expr {
	e := Expr{Kind: KindField, Field: fieldID, Op: op}
	if len(value) > 0 {
		e.Value = value[0]
	}
	if err := e.Validate(); err != nil {
		panic(err)
	}
	return e
}

// HasScope is true when the actor holds a scope with the given base token.
func HasScope(scope string) Expr {
	return Expr{Kind: KindUser, Op: OpHasScope, Value: scope}
}

type exprJSON struct {
	Kind       Kind              `json:"type"`
	Conditions []json.RawMessage `json:"conditions"`
	Condition  json.RawMessage   `json:"condition"`
	Field      string            `json:"field"`
	Op         Op                `json:"op"`
	Value      any               `json:"value"`
}

// UnmarshalJSON decodes and validates a node and its children.
func (e *Expr) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch string(trimmed) {
	case "true":
		*e = Always()
		return nil
	case "false", "null":
		*e = Never()
		return nil
	}

	var raw exprJSON
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("decode conditional: %w", err)
	}

	out := Expr{Kind: raw.Kind, Field: raw.Field, Op: raw.Op, Value: raw.Value}
	for i, child := range raw.Conditions {
		var c Expr
		if err := json.Unmarshal(child, &c); err != nil {
			return fmt.Errorf("conditions[%d]: %w", i, err)
		}
		out.Conditions = append(out.Conditions, c)
	}
	if len(raw.Condition) > 0 {
		var c Expr
		if err := json.Unmarshal(raw.Condition, &c); err != nil {
			return fmt.Errorf("condition: %w", err)
		}
		out.Condition = &c
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*e = out
	return nil
}

// Validate checks the node shape and compiles regular expressions. Children
// are expected to be validated already.
func (e *Expr) Validate() error {
	switch e.Kind {
	case KindAlways, KindNever:
		return nil
	case KindAnd, KindOr:
		if len(e.Conditions) == 0 {
			return fmt.Errorf("conditional %q needs at least one condition", e.Kind)
		}
		return nil
	case KindNot:
		if e.Condition == nil {
			return fmt.Errorf("conditional %q needs a condition", e.Kind)
		}
		return nil
	case KindField:
		if e.Field == "" {
			return fmt.Errorf("field conditional needs a field id")
		}
		needsValue, ok := fieldOps[e.Op]
		if !ok {
			return fmt.Errorf("unknown field operator %q", e.Op)
		}
		if needsValue && e.Value == nil {
			return fmt.Errorf("field operator %q needs a value", e.Op)
		}
		if e.Op == OpMatches {
			pattern, ok := e.Value.(string)
			if !ok {
				return fmt.Errorf("matches operator needs a string pattern")
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("invalid pattern for %q: %w", e.Field, err)
			}
			e.pattern = re
		}
		if e.Op == OpOneOf {
			if _, ok := e.Value.([]any); !ok {
				return fmt.Errorf("oneOf operator needs an array value")
			}
		}
		return nil
	case KindUser:
		if !userOps[e.Op] {
			return fmt.Errorf("unknown user operator %q", e.Op)
		}
		if _, ok := e.Value.(string); !ok {
			return fmt.Errorf("user operator %q needs a string value", e.Op)
		}
		return nil
	default:
		return fmt.Errorf("unknown conditional type %q", e.Kind)
	}
}

// Dependencies returns every field id the expression reads.
func (e *Expr) Dependencies() []string {
	var deps []string
	e.walk(func(n *Expr) {
		if n.Kind == KindField {
			deps = append(deps, n.Field)
			if ref, ok := fieldReference(n.Value); ok {
				deps = append(deps, ref)
			}
		}
	})
	return deps
}

func (e *Expr) walk(fn func(*Expr)) {
	fn(e)
	for i := range e.Conditions {
		e.Conditions[i].walk(fn)
	}
	if e.Condition != nil {
		e.Condition.walk(fn)
	}
}

// fieldReference recognizes {"field": "<id>"} values that compare against
// another field instead of a literal.
func fieldReference(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	ref, ok := m["field"].(string)
	return ref, ok && ref != ""
}
