// Package configuration holds the country-supplied event configuration: the
// declaration form, per-action settings and deduplication queries. A
// configuration is data; it is decoded, checked once by Init and then shared
// read-only between requests.
package configuration

import (
	"encoding/json"
	"fmt"
	"strings"

	"crvs/internal/events/conditional"
	"crvs/internal/events/models"
)

// EventConfig describes one event type.
type EventConfig struct {
	ID            string                `json:"id"`
	Version       string                `json:"version,omitempty"`
	Label         Message               `json:"label"`
	Declaration   DeclarationForm       `json:"declaration"`
	Actions       []ActionConfig        `json:"actions,omitempty"`
	Deduplication []DeduplicationConfig `json:"deduplication,omitempty"`

	fields           map[string]*Field
	twoPhaseDefaults map[models.ActionType]bool
}

// DeclarationForm is the ordered page list of the declaration.
type DeclarationForm struct {
	Pages []Page `json:"pages"`
}

// Page groups fields. A hidden page hides every field on it.
type Page struct {
	ID          string            `json:"id"`
	Title       Message           `json:"title"`
	Conditional *conditional.Expr `json:"conditional,omitempty"`
	Fields      []Field           `json:"fields"`
}

// Visibility returns the page conditional, or always.
func (p *Page) Visibility() conditional.Expr {
	if p.Conditional == nil {
		return conditional.Always()
	}
	return *p.Conditional
}

// ActionConfig carries the per action type settings.
type ActionConfig struct {
	Type       models.ActionType `json:"type"`
	Label      Message           `json:"label"`
	Annotation []Field           `json:"annotation,omitempty"`
	TwoPhase   *bool             `json:"twoPhase,omitempty"`
}

// defaultTwoPhase lists the action types confirmed in two phases when the
// configuration does not say otherwise.
var defaultTwoPhase = map[models.ActionType]bool{
	models.ActionRegister: true,
}

// Init checks the configuration and builds its lookup tables. It must be
// called once before the configuration is used; loaders do it for you.
func (c *EventConfig) Init() error {
	if c.ID == "" {
		return fmt.Errorf("event configuration without id")
	}
	c.fields = make(map[string]*Field)
	pageIDs := make(map[string]struct{})
	for pi := range c.Declaration.Pages {
		page := &c.Declaration.Pages[pi]
		if page.ID == "" {
			return fmt.Errorf("event %q: page %d without id", c.ID, pi)
		}
		if _, dup := pageIDs[page.ID]; dup {
			return fmt.Errorf("event %q: duplicate page id %q", c.ID, page.ID)
		}
		pageIDs[page.ID] = struct{}{}
		for fi := range page.Fields {
			f := &page.Fields[fi]
			if err := f.init(); err != nil {
				return fmt.Errorf("event %q: %w", c.ID, err)
			}
			if _, dup := c.fields[f.ID]; dup {
				return fmt.Errorf("event %q: duplicate field id %q", c.ID, f.ID)
			}
			c.fields[f.ID] = f
		}
	}

	seenActions := make(map[models.ActionType]struct{})
	for ai := range c.Actions {
		action := &c.Actions[ai]
		parsed, ok := models.ParseActionType(string(action.Type))
		if !ok {
			return fmt.Errorf("event %q: unknown action type %q", c.ID, action.Type)
		}
		action.Type = parsed
		if _, dup := seenActions[action.Type]; dup {
			return fmt.Errorf("event %q: action %s configured twice", c.ID, action.Type)
		}
		seenActions[action.Type] = struct{}{}
		if action.TwoPhase != nil && *action.TwoPhase && !action.Type.Requestable() {
			return fmt.Errorf("event %q: action %s cannot be two-phase", c.ID, action.Type)
		}
		annotationIDs := make(map[string]struct{})
		for fi := range action.Annotation {
			f := &action.Annotation[fi]
			if err := f.init(); err != nil {
				return fmt.Errorf("event %q action %s: %w", c.ID, action.Type, err)
			}
			if _, dup := annotationIDs[f.ID]; dup {
				return fmt.Errorf("event %q action %s: duplicate annotation field %q", c.ID, action.Type, f.ID)
			}
			annotationIDs[f.ID] = struct{}{}
		}
	}

	for _, page := range c.Declaration.Pages {
		if page.Conditional != nil {
			if err := c.checkDependencies("page "+page.ID, page.Conditional); err != nil {
				return err
			}
		}
		for _, f := range page.Fields {
			for i := range f.Conditionals {
				if err := c.checkDependencies("field "+f.ID, &f.Conditionals[i].Conditional); err != nil {
					return err
				}
			}
			if f.Required != nil {
				if err := c.checkDependencies("field "+f.ID, f.Required); err != nil {
					return err
				}
			}
		}
	}

	for _, dedup := range c.Deduplication {
		if dedup.ID == "" {
			return fmt.Errorf("event %q: deduplication query without id", c.ID)
		}
		if err := dedup.Query.check(c); err != nil {
			return fmt.Errorf("event %q deduplication %q: %w", c.ID, dedup.ID, err)
		}
	}
	return nil
}

// checkDependencies rejects conditionals that read fields the form does not
// declare. A dependency may address a nested member of a declared field.
func (c *EventConfig) checkDependencies(owner string, expr *conditional.Expr) error {
	for _, dep := range expr.Dependencies() {
		if !c.knowsPath(dep) {
			return fmt.Errorf("event %q: %s depends on unknown field %q", c.ID, owner, dep)
		}
	}
	return nil
}

func (c *EventConfig) knowsPath(path string) bool {
	if _, ok := c.fields[path]; ok {
		return true
	}
	for i := strings.LastIndex(path, "."); i > 0; i = strings.LastIndex(path[:i], ".") {
		if f, ok := c.fields[path[:i]]; ok {
			return f.Type == FieldName || f.Type == FieldAddress
		}
	}
	return false
}

// Field returns the declaration field with the given id.
func (c *EventConfig) Field(fieldID string) (*Field, bool) {
	f, ok := c.fields[fieldID]
	return f, ok
}

// DeclarationFields returns every declaration field in page order.
func (c *EventConfig) DeclarationFields() []*Field {
	var out []*Field
	for pi := range c.Declaration.Pages {
		for fi := range c.Declaration.Pages[pi].Fields {
			out = append(out, &c.Declaration.Pages[pi].Fields[fi])
		}
	}
	return out
}

// Action returns the configuration of an action type, if any.
func (c *EventConfig) Action(t models.ActionType) (*ActionConfig, bool) {
	for i := range c.Actions {
		if c.Actions[i].Type == t {
			return &c.Actions[i], true
		}
	}
	return nil, false
}

// IsTwoPhase reports whether the action type is confirmed in two phases.
func (c *EventConfig) IsTwoPhase(t models.ActionType) bool {
	if a, ok := c.Action(t); ok && a.TwoPhase != nil {
		return *a.TwoPhase
	}
	if c.twoPhaseDefaults != nil {
		return c.twoPhaseDefaults[t]
	}
	return defaultTwoPhase[t]
}

// SetTwoPhaseDefaults replaces the two-phase defaults for action types the
// configuration leaves unset.
func (c *EventConfig) SetTwoPhaseDefaults(types []models.ActionType) {
	c.twoPhaseDefaults = make(map[models.ActionType]bool, len(types))
	for _, t := range types {
		c.twoPhaseDefaults[t] = true
	}
}

// AnnotationFields returns the annotation form of an action type.
func (c *EventConfig) AnnotationFields(t models.ActionType) []Field {
	if a, ok := c.Action(t); ok {
		return a.Annotation
	}
	return nil
}

// Document is the country-config payload: every configured event type.
type Document []EventConfig

// Decode parses and initializes a configuration document.
func Decode(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode event configuration: %w", err)
	}
	seen := make(map[string]struct{}, len(doc))
	for i := range doc {
		if err := doc[i].Init(); err != nil {
			return nil, err
		}
		if _, dup := seen[doc[i].ID]; dup {
			return nil, fmt.Errorf("event type %q configured twice", doc[i].ID)
		}
		seen[doc[i].ID] = struct{}{}
	}
	return doc, nil
}

// Find returns the configuration of an event type.
func (d Document) Find(eventType string) (*EventConfig, bool) {
	for i := range d {
		if d[i].ID == eventType {
			return &d[i], true
		}
	}
	return nil, false
}
