// Package validation checks declaration and annotation payloads against an
// event configuration.
//
// Validation always runs against the merged view (prior accepted values plus
// the update). Fields hidden in that view produce no failures and their
// submitted values are dropped from the cleaned payload. Every field is
// checked; failures are collected, not short-circuited.
package validation

import (
	"fmt"
	"time"

	"crvs/internal/events/conditional"
	"crvs/internal/events/configuration"
	"crvs/internal/events/models"
	dErrors "crvs/pkg/domain-errors"
)

// Mode selects how strictly required-ness is enforced.
type Mode int

const (
	// Complete enforces required fields (DECLARE, VALIDATE, REGISTER, corrections).
	Complete Mode = iota
	// Incomplete skips required checks (NOTIFY).
	Incomplete
)

// ModeFor returns the mode an action type validates its declaration with.
func ModeFor(t models.ActionType) Mode {
	if t == models.ActionNotify {
		return Incomplete
	}
	return Complete
}

// Context carries everything conditionals may read besides the form values.
type Context struct {
	Actor conditional.Actor
	Now   time.Time
	Mode  Mode
}

// Result is the outcome of one validation.
type Result struct {
	// Errors maps field id to its failures; empty when the payload is valid.
	Errors dErrors.FieldErrors
	// Cleaned is the submitted payload without values of hidden fields.
	Cleaned models.Declaration
}

// Valid reports whether no failures were recorded.
func (r Result) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns a validation error carrying the full field map, or nil.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	return dErrors.NewValidation("declaration is invalid", r.Errors)
}

// formField is a field together with the visibility of the page that owns it.
type formField struct {
	field *configuration.Field
	page  *conditional.Expr
}

// Declaration validates a declaration update on top of the prior accepted
// declaration.
func Declaration(cfg *configuration.EventConfig, prior, update models.Declaration, vctx Context) Result {
	var fields []formField
	for pi := range cfg.Declaration.Pages {
		page := &cfg.Declaration.Pages[pi]
		visibility := page.Visibility()
		for fi := range page.Fields {
			fields = append(fields, formField{field: &page.Fields[fi], page: &visibility})
		}
	}
	return run(fields, prior.Merge(update), update, vctx)
}

// Annotation validates an action's annotation. Annotation conditionals may
// read the merged declaration as well as other annotation values.
func Annotation(fields []configuration.Field, declaration, annotation models.Declaration, vctx Context) Result {
	form := make([]formField, len(fields))
	for i := range fields {
		form[i] = formField{field: &fields[i]}
	}
	return run(form, declaration.Merge(annotation), annotation, vctx)
}

func run(fields []formField, merged, update models.Declaration, vctx Context) Result {
	errs := dErrors.FieldErrors{}
	byID := make(map[string]*configuration.Field, len(fields))
	for _, f := range fields {
		byID[f.field.ID] = f.field
	}

	hidden, view := resolveVisibility(fields, merged, vctx)

	cleaned := make(models.Declaration, len(update))
	for _, key := range update.Keys() {
		f, known := byID[key]
		switch {
		case !known:
			errs.Add(key, dErrors.FailureUnknownField, "field is not part of the form")
		case !f.HasValue():
			errs.Add(key, dErrors.FailureUnknownField, fmt.Sprintf("%s fields carry no value", f.Type))
		case hidden[key]:
			// dropped silently
		default:
			cleaned[key] = update[key]
		}
	}

	evalCtx := conditional.Context{Declaration: view, Actor: vctx.Actor, Now: vctx.Now}
	for _, ff := range fields {
		f := ff.field
		if hidden[f.ID] || !f.HasValue() {
			continue
		}
		value, present := view[f.ID]
		empty := !present || conditional.IsEmpty(value)

		if vctx.Mode == Complete {
			rule := f.RequiredRule()
			if rule.Eval(evalCtx) && (empty || incompleteName(f, value)) {
				errs.Add(f.ID, dErrors.FailureRequired, "required field is missing")
				continue
			}
		}
		if empty {
			continue
		}
		for _, msg := range checkKind(f, value, vctx.Now) {
			errs.Add(f.ID, dErrors.FailureInvalidValue, msg)
		}
		for _, rule := range f.Validation {
			if !rule.Validator.Eval(evalCtx) {
				errs.Add(f.ID, dErrors.FailureInvalidValue, rule.Message.DefaultMessage)
			}
		}
	}

	return Result{Errors: errs, Cleaned: cleaned}
}

// resolveVisibility computes the hidden field set to a fixed point. Values of
// hidden fields are removed from the view and visibility is re-evaluated until
// the hidden set stops changing; the number of rounds is bounded by the field
// count so a configuration that oscillates still terminates.
func resolveVisibility(fields []formField, merged models.Declaration, vctx Context) (map[string]bool, map[string]any) {
	view := map[string]any(merged.Clone())
	hidden := map[string]bool{}

	for round := 0; round <= len(fields); round++ {
		ctx := conditional.Context{Declaration: view, Actor: vctx.Actor, Now: vctx.Now}
		next := make(map[string]bool)
		for _, ff := range fields {
			if ff.page != nil && !ff.page.Eval(ctx) {
				next[ff.field.ID] = true
				continue
			}
			if !ff.field.Visibility().Eval(ctx) {
				next[ff.field.ID] = true
			}
		}

		nextView := make(map[string]any, len(merged))
		for k, v := range merged {
			if !next[k] {
				nextView[k] = v
			}
		}
		stable := sameSet(hidden, next)
		hidden, view = next, nextView
		if stable {
			break
		}
	}
	return hidden, view
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
