package search

import (
	"strings"
	"time"

	"crvs/internal/events/conditional"
	"crvs/internal/events/models"
)

// Kind discriminates query nodes.
type Kind string

const (
	KindMatchAll  Kind = "matchAll"
	KindAnd       Kind = "and"
	KindOr        Kind = "or"
	KindNot       Kind = "not"
	KindTerm      Kind = "term"
	KindFuzzy     Kind = "fuzzy"
	KindDateRange Kind = "dateRange"
)

// Meta fields address document attributes outside the declaration.
const (
	MetaStatus     = "@status"
	MetaFlag       = "@flag"
	MetaTrackingID = "@trackingId"
	MetaAssignedTo = "@assignedTo"
)

// AutoFuzziness asks the backend to derive the edit distance from the length
// of each query token.
const AutoFuzziness = -1

// Query is a closed tree of match conditions evaluated against documents of
// one index.
type Query struct {
	Kind      Kind
	Field     string
	Value     string
	Fuzziness int
	Days      int
	Clauses   []Query
}

func MatchAll() Query { return Query{Kind: KindMatchAll} }

func And(clauses ...Query) Query { return Query{Kind: KindAnd, Clauses: clauses} }

func Or(clauses ...Query) Query { return Query{Kind: KindOr, Clauses: clauses} }

func Not(clause Query) Query { return Query{Kind: KindNot, Clauses: []Query{clause}} }

// Term matches documents whose rendered field value equals value, ignoring
// case and surrounding whitespace.
func Term(field, value string) Query {
	return Query{Kind: KindTerm, Field: field, Value: value}
}

// Fuzzy matches when every token of value is within fuzziness edits of some
// token of the field. Pass AutoFuzziness for length-based distances.
func Fuzzy(field, value string, fuzziness int) Query {
	return Query{Kind: KindFuzzy, Field: field, Value: value, Fuzziness: fuzziness}
}

// DateRange matches dates at most days away from value (an ISO date).
func DateRange(field, value string, days int) Query {
	return Query{Kind: KindDateRange, Field: field, Value: value, Days: days}
}

// AutoDistance is the edit distance allowed for a token under AutoFuzziness.
func AutoDistance(token string) int {
	switch n := len([]rune(token)); {
	case n <= 2:
		return 0
	case n <= 5:
		return 1
	default:
		return 2
	}
}

// Match evaluates q against doc.
func Match(doc Document, q Query) bool {
	switch q.Kind {
	case KindMatchAll:
		return true
	case KindAnd:
		for _, c := range q.Clauses {
			if !Match(doc, c) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range q.Clauses {
			if Match(doc, c) {
				return true
			}
		}
		return false
	case KindNot:
		return len(q.Clauses) == 1 && !Match(doc, q.Clauses[0])
	case KindTerm:
		if strings.HasPrefix(q.Field, "@") {
			return matchMeta(doc, q.Field, q.Value)
		}
		text, ok := doc.Terms[EncodeKey(q.Field)]
		return ok && normalize(text) == normalize(q.Value)
	case KindFuzzy:
		text, ok := doc.Terms[EncodeKey(q.Field)]
		return ok && fuzzyMatch(text, q.Value, q.Fuzziness)
	case KindDateRange:
		text, ok := doc.Terms[EncodeKey(q.Field)]
		return ok && withinDays(text, q.Value, q.Days)
	}
	return false
}

func matchMeta(doc Document, field, value string) bool {
	switch field {
	case MetaStatus:
		return string(doc.Status) == value
	case MetaFlag:
		for _, f := range doc.Flags {
			if f == models.Flag(value) {
				return true
			}
		}
		return false
	case MetaTrackingID:
		return strings.EqualFold(string(doc.TrackingID), value)
	case MetaAssignedTo:
		return doc.AssignedTo != nil && doc.AssignedTo.String() == value
	}
	return false
}

func fuzzyMatch(text, value string, fuzziness int) bool {
	have := strings.Fields(strings.ToLower(text))
	want := strings.Fields(strings.ToLower(value))
	if len(want) == 0 {
		return false
	}
	for _, w := range want {
		max := fuzziness
		if max < 0 {
			max = AutoDistance(w)
		}
		found := false
		for _, h := range have {
			if Levenshtein(w, h) <= max {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func withinDays(text, value string, days int) bool {
	a, ok := conditional.ParseDate(text)
	if !ok {
		return false
	}
	b, ok := conditional.ParseDate(value)
	if !ok {
		return false
	}
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(days)*24*time.Hour
}

// Levenshtein returns the edit distance between a and b, counted in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
