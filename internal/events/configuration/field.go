package configuration

import (
	"encoding/json"
	"fmt"
	"regexp"

	"crvs/internal/events/conditional"
)

// FieldType discriminates the Field variant.
type FieldType string

const (
	FieldText       FieldType = "TEXT"
	FieldTextArea   FieldType = "TEXTAREA"
	FieldNumber     FieldType = "NUMBER"
	FieldDate       FieldType = "DATE"
	FieldEmail      FieldType = "EMAIL"
	FieldCheckbox   FieldType = "CHECKBOX"
	FieldRadioGroup FieldType = "RADIO_GROUP"
	FieldSelect     FieldType = "SELECT"
	FieldName       FieldType = "NAME"
	FieldAddress    FieldType = "ADDRESS"
	FieldParagraph  FieldType = "PARAGRAPH"
	FieldDivider    FieldType = "DIVIDER"
)

// fieldKinds lists every supported variant and whether it carries a value.
var fieldKinds = map[FieldType]bool{
	FieldText:       true,
	FieldTextArea:   true,
	FieldNumber:     true,
	FieldDate:       true,
	FieldEmail:      true,
	FieldCheckbox:   true,
	FieldRadioGroup: true,
	FieldSelect:     true,
	FieldName:       true,
	FieldAddress:    true,
	FieldParagraph:  false,
	FieldDivider:    false,
}

// Message is a translatable label. Rendering is out of scope; the default
// message is kept for error texts and logs.
type Message struct {
	ID             string `json:"id"`
	DefaultMessage string `json:"defaultMessage"`
	Description    string `json:"description,omitempty"`
}

// ConditionalType names what a field conditional controls.
type ConditionalType string

const (
	ConditionalShow   ConditionalType = "SHOW"
	ConditionalEnable ConditionalType = "ENABLE"
)

// FieldConditional attaches an expression to a field behaviour.
type FieldConditional struct {
	Type        ConditionalType  `json:"type"`
	Conditional conditional.Expr `json:"conditional"`
}

// FieldValidation is a custom rule: the value is valid when Validator holds.
type FieldValidation struct {
	Validator conditional.Expr `json:"validator"`
	Message   Message          `json:"message"`
}

// SelectOption is one allowed value of a RADIO_GROUP or SELECT field.
type SelectOption struct {
	Value string  `json:"value"`
	Label Message `json:"label"`
}

// FieldConfiguration holds the kind-specific parameters. Only the members that
// apply to the field's Type are honoured; the rest are rejected on decode.
type FieldConfiguration struct {
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	MaxLength   int      `json:"maxLength,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	AllowFuture bool     `json:"allowFuture,omitempty"`
}

// Field is one form input, a tagged variant discriminated by Type.
type Field struct {
	ID            string             `json:"id"`
	Type          FieldType          `json:"type"`
	Label         Message            `json:"label"`
	Required      *conditional.Expr  `json:"required,omitempty"`
	Conditionals  []FieldConditional `json:"conditionals,omitempty"`
	Validation    []FieldValidation  `json:"validation,omitempty"`
	Options       []SelectOption     `json:"options,omitempty"`
	Configuration FieldConfiguration `json:"configuration,omitempty"`

	pattern *regexp.Regexp
}

// HasValue reports whether the variant carries a value at all.
func (f *Field) HasValue() bool {
	return fieldKinds[f.Type]
}

// Visibility returns the SHOW conditional, or always when none is configured.
func (f *Field) Visibility() conditional.Expr {
	var shows []conditional.Expr
	for _, c := range f.Conditionals {
		if c.Type == ConditionalShow {
			shows = append(shows, c.Conditional)
		}
	}
	switch len(shows) {
	case 0:
		return conditional.Always()
	case 1:
		return shows[0]
	}
	return conditional.And(shows...)
}

// RequiredRule returns the required-ness expression, never by default.
func (f *Field) RequiredRule() conditional.Expr {
	if f.Required == nil {
		return conditional.Never()
	}
	return *f.Required
}

// Pattern returns the compiled TEXT pattern, if any.
func (f *Field) Pattern() *regexp.Regexp {
	return f.pattern
}

// HasOption reports whether value is one of the configured options.
func (f *Field) HasOption(value string) bool {
	for _, o := range f.Options {
		if o.Value == value {
			return true
		}
	}
	return false
}

type fieldAlias Field

// UnmarshalJSON decodes the variant and enforces kind-specific invariants.
func (f *Field) UnmarshalJSON(data []byte) error {
	var raw fieldAlias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Field(raw)
	if err := out.init(); err != nil {
		return err
	}
	*f = out
	return nil
}

// init validates the variant and compiles derived state. It is also run for
// fields built in Go code through EventConfig.Init.
func (f *Field) init() error {
	if f.ID == "" {
		return fmt.Errorf("field without id")
	}
	if _, ok := fieldKinds[f.Type]; !ok {
		return fmt.Errorf("field %q: unknown type %q", f.ID, f.Type)
	}
	cfg := f.Configuration
	switch f.Type {
	case FieldRadioGroup, FieldSelect:
		if len(f.Options) == 0 {
			return fmt.Errorf("field %q: %s needs options", f.ID, f.Type)
		}
	default:
		if len(f.Options) > 0 {
			return fmt.Errorf("field %q: options are only valid for RADIO_GROUP and SELECT", f.ID)
		}
	}
	if (cfg.Min != nil || cfg.Max != nil) && f.Type != FieldNumber {
		return fmt.Errorf("field %q: min/max are only valid for NUMBER", f.ID)
	}
	if cfg.Min != nil && cfg.Max != nil && *cfg.Min > *cfg.Max {
		return fmt.Errorf("field %q: min is greater than max", f.ID)
	}
	if (cfg.MaxLength > 0 || cfg.Pattern != "") && f.Type != FieldText && f.Type != FieldTextArea {
		return fmt.Errorf("field %q: maxLength/pattern are only valid for TEXT and TEXTAREA", f.ID)
	}
	if cfg.AllowFuture && f.Type != FieldDate {
		return fmt.Errorf("field %q: allowFuture is only valid for DATE", f.ID)
	}
	if cfg.Pattern != "" {
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return fmt.Errorf("field %q: invalid pattern: %w", f.ID, err)
		}
		f.pattern = re
	}
	if !f.HasValue() && (f.Required != nil || len(f.Validation) > 0) {
		return fmt.Errorf("field %q: %s carries no value and cannot be required or validated", f.ID, f.Type)
	}
	for _, c := range f.Conditionals {
		if c.Type != ConditionalShow && c.Type != ConditionalEnable {
			return fmt.Errorf("field %q: unknown conditional type %q", f.ID, c.Type)
		}
	}
	return nil
}
