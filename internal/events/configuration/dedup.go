package configuration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// DeduplicationConfig is one named duplicate query. Queries of an event type
// are OR-combined.
type DeduplicationConfig struct {
	ID    string  `json:"id"`
	Label Message `json:"label"`
	Query Clause  `json:"query"`
}

// ClauseType discriminates dedup query nodes.
type ClauseType string

const (
	ClauseAnd       ClauseType = "and"
	ClauseOr        ClauseType = "or"
	ClauseStrict    ClauseType = "strict"
	ClauseFuzzy     ClauseType = "fuzzy"
	ClauseDateRange ClauseType = "dateRange"
)

// TermPlaceholder stands for the leaf field's own value in the new declaration.
const TermPlaceholder = "{term}"

// Clause is a node of a dedup query tree.
type Clause struct {
	Type      ClauseType `json:"type"`
	Clauses   []Clause   `json:"clauses,omitempty"`
	FieldID   string     `json:"fieldId,omitempty"`
	Value     string     `json:"value,omitempty"`
	Fuzziness Fuzziness  `json:"fuzziness"`
	Days      int        `json:"days,omitempty"`
}

// Template returns the leaf value template, defaulting to {term}.
func (c Clause) Template() string {
	if c.Value == "" {
		return TermPlaceholder
	}
	return c.Value
}

var placeholderRE = regexp.MustCompile(`\{([^{}]+)\}`)

// Placeholders returns the field ids a template refers to; {term} resolves to
// the leaf's own field.
func (c Clause) Placeholders() []string {
	var out []string
	for _, m := range placeholderRE.FindAllStringSubmatch(c.Template(), -1) {
		if m[0] == TermPlaceholder {
			out = append(out, c.FieldID)
			continue
		}
		out = append(out, m[1])
	}
	return out
}

// Fill substitutes placeholders with values from lookup. ok is false when any
// placeholder has no value, in which case the leaf cannot match.
func (c Clause) Fill(lookup func(fieldID string) (string, bool)) (string, bool) {
	complete := true
	out := placeholderRE.ReplaceAllStringFunc(c.Template(), func(m string) string {
		ref := m[1 : len(m)-1]
		if m == TermPlaceholder {
			ref = c.FieldID
		}
		v, ok := lookup(ref)
		if !ok || v == "" {
			complete = false
			return ""
		}
		return v
	})
	return out, complete
}

func (c Clause) check(cfg *EventConfig) error {
	switch c.Type {
	case ClauseAnd, ClauseOr:
		if len(c.Clauses) == 0 {
			return fmt.Errorf("%s clause needs sub-clauses", c.Type)
		}
		for _, sub := range c.Clauses {
			if err := sub.check(cfg); err != nil {
				return err
			}
		}
		return nil
	case ClauseStrict, ClauseFuzzy, ClauseDateRange:
		if c.FieldID == "" {
			return fmt.Errorf("%s clause needs a fieldId", c.Type)
		}
		if !cfg.knowsPath(c.FieldID) {
			return fmt.Errorf("%s clause references unknown field %q", c.Type, c.FieldID)
		}
		for _, ref := range c.Placeholders() {
			if !cfg.knowsPath(ref) {
				return fmt.Errorf("%s clause template references unknown field %q", c.Type, ref)
			}
		}
		if c.Type == ClauseDateRange {
			if c.Days <= 0 {
				return fmt.Errorf("dateRange clause on %q needs positive days", c.FieldID)
			}
			if f, ok := cfg.Field(c.FieldID); ok && f.Type != FieldDate {
				return fmt.Errorf("dateRange clause on non-date field %q", c.FieldID)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown clause type %q", c.Type)
}

// Fuzziness is the allowed edit distance of a fuzzy leaf. FuzzinessAuto lets
// the search index scale it with the term length.
type Fuzziness int

const FuzzinessAuto Fuzziness = -1

// UnmarshalJSON accepts a number or "AUTO". A missing value means AUTO.
func (f *Fuzziness) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "null" {
		*f = FuzzinessAuto
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		if s == "AUTO" {
			*f = FuzzinessAuto
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid fuzziness %q", s)
		}
		*f = Fuzziness(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(trimmed, &n); err != nil || n < 0 {
		return fmt.Errorf("invalid fuzziness %s", trimmed)
	}
	*f = Fuzziness(n)
	return nil
}

// MarshalJSON renders AUTO as a string.
func (f Fuzziness) MarshalJSON() ([]byte, error) {
	if f == FuzzinessAuto {
		return []byte(`"AUTO"`), nil
	}
	return []byte(strconv.Itoa(int(f))), nil
}

type clauseAlias Clause

// UnmarshalJSON defaults fuzzy leaves without fuzziness to AUTO.
func (c *Clause) UnmarshalJSON(data []byte) error {
	raw := clauseAlias{Fuzziness: FuzzinessAuto}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Clause(raw)
	return nil
}
