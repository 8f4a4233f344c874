package conditional

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func decode(t *testing.T, raw string) Expr {
	t.Helper()
	var e Expr
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	return e
}

func TestDecode(t *testing.T) {
	t.Run("boolean literals decode to constants", func(t *testing.T) {
		assert.Equal(t, KindAlways, decode(t, `true`).Kind)
		assert.Equal(t, KindNever, decode(t, `false`).Kind)
	})

	t.Run("nested tree", func(t *testing.T) {
		e := decode(t, `{"type":"and","conditions":[
			{"type":"field","field":"a","op":"equals","value":"x"},
			{"type":"not","condition":{"type":"field","field":"b","op":"isDefined"}}]}`)
		assert.Equal(t, KindAnd, e.Kind)
		require.Len(t, e.Conditions, 2)
		assert.ElementsMatch(t, []string{"a", "b"}, e.Dependencies())
	})

	t.Run("rejects unknown node types and operators", func(t *testing.T) {
		for _, raw := range []string{
			`{"type":"eval","value":"1+1"}`,
			`{"type":"field","field":"a","op":"contains","value":"x"}`,
			`{"type":"field","op":"isDefined"}`,
			`{"type":"field","field":"a","op":"equals"}`,
			`{"type":"and","conditions":[]}`,
			`{"type":"not"}`,
			`{"type":"user","op":"isAdmin","value":"x"}`,
			`{"type":"field","field":"a","op":"matches","value":"("}`,
			`{"type":"and","conditions":[{"type":"bogus"}]}`,
		} {
			var e Expr
			assert.Error(t, json.Unmarshal([]byte(raw), &e), raw)
		}
	})

	t.Run("round trips through JSON", func(t *testing.T) {
		e := Or(Field("a", OpEquals, "x"), Not(Field("b", OpIsFalsy)))
		raw, err := json.Marshal(e)
		require.NoError(t, err)
		back := decode(t, string(raw))
		ctx := Context{Declaration: map[string]any{"a": "y", "b": true}}
		assert.Equal(t, e.Eval(ctx), back.Eval(ctx))
	})
}

func TestEvalFieldOperators(t *testing.T) {
	ctx := Context{
		Now: fixedNow,
		Declaration: map[string]any{
			"applicant.dob":    "2024-02-01",
			"applicant.name":   map[string]any{"firstname": "John", "surname": "Doe"},
			"applicant.age":    float64(34),
			"recommender.none": true,
			"blank":            "  ",
			"zero":             float64(0),
		},
	}

	tests := []struct {
		name string
		expr Expr
		want bool
	}{
		{"isDefined on present value", Field("applicant.dob", OpIsDefined), true},
		{"isDefined on blank string", Field("blank", OpIsDefined), false},
		{"isUndefined on missing", Field("missing", OpIsUndefined), true},
		{"isFalsy on true", Field("recommender.none", OpIsFalsy), false},
		{"isFalsy on zero", Field("zero", OpIsFalsy), true},
		{"isFalsy on missing", Field("missing", OpIsFalsy), true},
		{"equals string", Field("applicant.dob", OpEquals, "2024-02-01"), true},
		{"equals number vs numeric string", Field("applicant.age", OpEquals, "34"), true},
		{"notEquals on missing", Field("missing", OpNotEquals, "x"), true},
		{"oneOf", Field("applicant.age", OpOneOf, []any{float64(1), float64(34)}), true},
		{"gt", Field("applicant.age", OpGT, float64(18)), true},
		{"lte", Field("applicant.age", OpLTE, float64(18)), false},
		{"matches", Field("applicant.dob", OpMatches, `^\d{4}-\d{2}-\d{2}$`), true},
		{"nested path lookup", Field("applicant.name.firstname", OpEquals, "John"), true},
		{"nested path miss", Field("applicant.name.middlename", OpIsUndefined), true},
		{"inPast", Field("applicant.dob", OpInPast), true},
		{"inFuture", Field("applicant.dob", OpInFuture), false},
		{"isBefore now", Field("applicant.dob", OpIsBefore, "now"), true},
		{"isAfter relative days", Field("applicant.dob", OpIsAfter, map[string]any{"days": float64(-450)}), true},
		{"isBefore other field", Field("applicant.dob", OpIsBefore, map[string]any{"field": "other.date"}), false},
		{"gt on non-number", Field("applicant.dob", OpGT, float64(1)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.expr.Eval(ctx))
		})
	}
}

func TestEvalCombinatorsAndUser(t *testing.T) {
	ctx := Context{
		Actor: Actor{Role: "REGISTRATION_AGENT", Scopes: []string{"record.declare[event=birth]", "record.read"}},
		Declaration: map[string]any{
			"a": "x",
		},
	}

	assert.True(t, And(Always(), Field("a", OpEquals, "x")).Eval(ctx))
	assert.False(t, And(Always(), Never()).Eval(ctx))
	assert.True(t, Or(Never(), Field("a", OpIsDefined)).Eval(ctx))
	assert.False(t, Not(Always()).Eval(ctx))
	assert.True(t, HasScope("record.declare").Eval(ctx), "parameterized scope matches on base token")
	assert.False(t, HasScope("record.register").Eval(ctx))

	role := decode(t, `{"type":"user","op":"hasRole","value":"REGISTRATION_AGENT"}`)
	assert.True(t, role.Eval(ctx))
}

func TestLookupPrefersExactKey(t *testing.T) {
	decl := map[string]any{
		"a.b":   "exact",
		"a":     map[string]any{"b": "nested"},
		"x.y.z": "deep",
	}
	v, ok := Lookup(decl, "a.b")
	require.True(t, ok)
	assert.Equal(t, "exact", v)

	_, ok = Lookup(decl, "x.y")
	assert.False(t, ok)
}
