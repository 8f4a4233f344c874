package validation

import (
	"fmt"
	"maps"
	"net/mail"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"crvs/internal/events/conditional"
	"crvs/internal/events/configuration"
)

var nameParts = map[string]bool{"firstname": true, "middlename": true, "surname": true}

// checkKind runs the type validator of the field's variant against a present
// value and returns one message per problem.
func checkKind(f *configuration.Field, value any, now time.Time) []string {
	cfg := f.Configuration
	switch f.Type {
	case configuration.FieldText, configuration.FieldTextArea:
		s, ok := value.(string)
		if !ok {
			return []string{"must be a string"}
		}
		var out []string
		if cfg.MaxLength > 0 && utf8.RuneCountInString(s) > cfg.MaxLength {
			out = append(out, fmt.Sprintf("must be at most %d characters", cfg.MaxLength))
		}
		if re := f.Pattern(); re != nil && !re.MatchString(s) {
			out = append(out, "does not match the required format")
		}
		return out

	case configuration.FieldNumber:
		if _, isBool := value.(bool); isBool {
			return []string{"must be a number"}
		}
		n, ok := conditional.ToNumber(value)
		if !ok {
			return []string{"must be a number"}
		}
		var out []string
		if cfg.Min != nil && n < *cfg.Min {
			out = append(out, fmt.Sprintf("must be at least %g", *cfg.Min))
		}
		if cfg.Max != nil && n > *cfg.Max {
			out = append(out, fmt.Sprintf("must be at most %g", *cfg.Max))
		}
		return out

	case configuration.FieldDate:
		date, ok := conditional.ParseDate(value)
		if !ok {
			return []string{"must be a date in YYYY-MM-DD format"}
		}
		if !cfg.AllowFuture && date.After(conditional.Today(now)) {
			return []string{"date must not be in the future"}
		}
		return nil

	case configuration.FieldEmail:
		s, ok := value.(string)
		if !ok {
			return []string{"must be an email address"}
		}
		addr, err := mail.ParseAddress(s)
		if err != nil || addr.Address != strings.TrimSpace(s) {
			return []string{"must be an email address"}
		}
		return nil

	case configuration.FieldCheckbox:
		if _, ok := value.(bool); !ok {
			return []string{"must be true or false"}
		}
		return nil

	case configuration.FieldRadioGroup, configuration.FieldSelect:
		s, ok := value.(string)
		if !ok || !f.HasOption(s) {
			return []string{"is not one of the allowed options"}
		}
		return nil

	case configuration.FieldName:
		obj, ok := value.(map[string]any)
		if !ok {
			return []string{"must be a name object"}
		}
		var out []string
		for _, k := range slices.Sorted(maps.Keys(obj)) {
			v := obj[k]
			if !nameParts[k] {
				out = append(out, fmt.Sprintf("unexpected name part %q", k))
				continue
			}
			if !isString(v) {
				out = append(out, fmt.Sprintf("name part %q must be a string", k))
			}
		}
		return out

	case configuration.FieldAddress:
		obj, ok := value.(map[string]any)
		if !ok {
			return []string{"must be an address object"}
		}
		var out []string
		for _, k := range slices.Sorted(maps.Keys(obj)) {
			if v := obj[k]; !isString(v) {
				out = append(out, fmt.Sprintf("address part %q must be a string", k))
			}
		}
		return out
	}
	return nil
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok || v == nil
}

// incompleteName reports whether a required NAME value lacks a first name or
// surname.
func incompleteName(f *configuration.Field, value any) bool {
	if f.Type != configuration.FieldName {
		return false
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return false
	}
	return conditional.IsEmpty(obj["firstname"]) || conditional.IsEmpty(obj["surname"])
}
