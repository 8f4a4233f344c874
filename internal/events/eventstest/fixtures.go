// Package eventstest provides shared fixtures for event pipeline tests.
package eventstest

import (
	_ "embed"

	"crvs/internal/events/configuration"
)

// Event types configured by the fixture document.
const (
	TennisClubMembership = "tennis-club-membership"
	Birth                = "birth"
)

//go:embed events.json
var document []byte

// Document returns the raw fixture configuration.
func Document() []byte {
	return append([]byte(nil), document...)
}

// Source serves the fixture document.
func Source() configuration.StaticSource {
	return configuration.StaticSource(Document())
}

// Config decodes the fixture and returns one event type. It panics on a broken
// fixture so callers stay one-liners.
func Config(eventType string) *configuration.EventConfig {
	doc, err := configuration.Decode(document)
	if err != nil {
		panic(err)
	}
	cfg, ok := doc.Find(eventType)
	if !ok {
		panic("eventstest: unknown event type " + eventType)
	}
	return cfg
}

// Declaration builds the tennis club declaration used across scenarios.
func Declaration(dob, firstname, surname string) map[string]any {
	return map[string]any{
		"applicant.dob":    dob,
		"applicant.name":   map[string]any{"firstname": firstname, "surname": surname},
		"recommender.none": true,
	}
}
