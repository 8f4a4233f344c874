// Package search projects EventIndex values into an event-type namespaced
// search index and queries it for listing and duplicate detection.
//
// Indexed documents use an encoded key space: dots in field ids become "____"
// so that backends treating dots as path separators store each field as one
// flat key. Every declaration value is also rendered as text into Terms, which
// is what term, fuzzy and date queries match against.
package search

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"crvs/internal/events/models"
	id "crvs/pkg/domain"
)

const keySeparator = "____"

// IndexName returns the index holding events of one type.
func IndexName(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "_" + eventType
}

// EncodeKey maps a field id to its indexed key.
func EncodeKey(fieldID string) string {
	return strings.ReplaceAll(fieldID, ".", keySeparator)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(key string) string {
	return strings.ReplaceAll(key, keySeparator, ".")
}

// Document is the indexed shape of an EventIndex.
type Document struct {
	ID                  id.EventID            `json:"id"`
	Type                string                `json:"type"`
	TrackingID          id.TrackingID         `json:"trackingId"`
	Status              models.EventStatus    `json:"status"`
	Flags               []models.Flag         `json:"flags"`
	Declaration         map[string]any        `json:"declaration"`
	Terms               map[string]string     `json:"terms"`
	AssignedTo          *id.UserID            `json:"assignedTo,omitempty"`
	PotentialDuplicates []models.DuplicateRef `json:"potentialDuplicates,omitempty"`
	LegalStatuses       models.LegalStatuses  `json:"legalStatuses"`
	CreatedAt           time.Time             `json:"createdAt"`
	CreatedBy           id.UserID             `json:"createdBy"`
	UpdatedAt           time.Time             `json:"updatedAt"`
	UpdatedBy           id.UserID             `json:"updatedBy"`
	Version             int                   `json:"version"`
}

// Encode builds the indexed document of an EventIndex.
func Encode(idx *models.EventIndex) Document {
	decl := make(map[string]any, len(idx.Declaration))
	terms := make(map[string]string, len(idx.Declaration))
	for k, v := range idx.Declaration {
		key := EncodeKey(k)
		decl[key] = v
		if text := Text(v); text != "" {
			terms[key] = text
		}
		if obj, ok := v.(map[string]any); ok {
			for part, pv := range obj {
				if text := Text(pv); text != "" {
					terms[key+keySeparator+part] = text
				}
			}
		}
	}
	return Document{
		ID:                  idx.ID,
		Type:                idx.Type,
		TrackingID:          idx.TrackingID,
		Status:              idx.Status,
		Flags:               append([]models.Flag{}, idx.Flags...),
		Declaration:         decl,
		Terms:               terms,
		AssignedTo:          idx.AssignedTo,
		PotentialDuplicates: idx.PotentialDuplicates,
		LegalStatuses:       idx.LegalStatuses,
		CreatedAt:           idx.CreatedAt,
		CreatedBy:           idx.CreatedBy,
		UpdatedAt:           idx.UpdatedAt,
		UpdatedBy:           idx.UpdatedBy,
		Version:             idx.Version,
	}
}

// Decode rebuilds the EventIndex a document was encoded from.
func Decode(doc Document) *models.EventIndex {
	decl := make(models.Declaration, len(doc.Declaration))
	for k, v := range doc.Declaration {
		decl[DecodeKey(k)] = v
	}
	flags := doc.Flags
	if flags == nil {
		flags = []models.Flag{}
	}
	dups := doc.PotentialDuplicates
	if dups == nil {
		dups = []models.DuplicateRef{}
	}
	return &models.EventIndex{
		ID:                  doc.ID,
		Type:                doc.Type,
		TrackingID:          doc.TrackingID,
		Status:              doc.Status,
		Flags:               flags,
		Declaration:         decl,
		AssignedTo:          doc.AssignedTo,
		PotentialDuplicates: dups,
		LegalStatuses:       doc.LegalStatuses,
		CreatedAt:           doc.CreatedAt,
		CreatedBy:           doc.CreatedBy,
		UpdatedAt:           doc.UpdatedAt,
		UpdatedBy:           doc.UpdatedBy,
		Version:             doc.Version,
	}
}

// Text renders a declaration value as searchable text. NAME objects render as
// "firstname middlename surname"; other objects join their values in key
// order; booleans and numbers use their JSON spelling.
func Text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any:
		if isName(val) {
			return joinNonEmpty(Text(val["firstname"]), Text(val["middlename"]), Text(val["surname"]))
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, Text(val[k]))
		}
		return joinNonEmpty(parts...)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, Text(item))
		}
		return joinNonEmpty(parts...)
	}
	return fmt.Sprint(v)
}

func isName(obj map[string]any) bool {
	_, first := obj["firstname"]
	_, last := obj["surname"]
	return first || last
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// normalize lower-cases and collapses whitespace for comparisons.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
