// Package authz decides whether an actor's scopes permit an action on an event
// type. It runs before any validation or log access so unauthorized callers
// learn nothing about the form or the event.
package authz

import (
	"context"
	"log/slog"

	"crvs/internal/events/models"
	dErrors "crvs/pkg/domain-errors"
	"crvs/pkg/requestcontext"
)

// Scope base tokens understood by the events service.
const (
	ScopeRecordCreate            = "record.create"
	ScopeRecordDeclare           = "record.declare"
	ScopeRecordNotify            = "record.notify"
	ScopeRecordRead              = "record.read"
	ScopeRecordSearch            = "record.search"
	ScopeRecordValidate          = "record.declared.validate"
	ScopeRecordRegister          = "record.register"
	ScopeRecordReject            = "record.declared.reject"
	ScopeRecordArchive           = "record.declared.archive"
	ScopeRecordPrint             = "record.registered.print-certified-copies"
	ScopeRecordRequestCorrection = "record.registered.request-correction"
	ScopeRecordCorrect           = "record.registered.correct"
	ScopeRecordCustomAction      = "record.custom-action"
	ScopeRecordUnassignOthers    = "record.unassign-others"
)

const eventParam = "event"

// requiredScopes maps an action type to the scopes any one of which grants
// it. A nil entry means any authenticated actor may request the action; a
// missing entry means nobody may.
var requiredScopes = map[models.ActionType][]string{
	models.ActionCreate:            {ScopeRecordCreate, ScopeRecordDeclare},
	models.ActionRead:              {ScopeRecordRead},
	models.ActionNotify:            {ScopeRecordNotify},
	models.ActionDeclare:           {ScopeRecordDeclare},
	models.ActionValidate:          {ScopeRecordValidate},
	models.ActionRegister:          {ScopeRecordRegister},
	models.ActionReject:            {ScopeRecordReject},
	models.ActionArchive:           {ScopeRecordArchive},
	models.ActionPrintCertificate:  {ScopeRecordPrint},
	models.ActionRequestCorrection: {ScopeRecordRequestCorrection},
	models.ActionApproveCorrection: {ScopeRecordCorrect},
	models.ActionRejectCorrection:  {ScopeRecordCorrect},
	models.ActionCustom:            {ScopeRecordCustomAction},
	models.ActionDelete:            {ScopeRecordDeclare},
	models.ActionAssign:            nil,
	models.ActionUnassign:          nil,
}

var listScopes = []string{ScopeRecordSearch, ScopeRecordRead}

// RequiredScopes returns the scopes that grant an action. open is true when
// any authenticated actor qualifies; known is false for action types that can
// never be requested.
func RequiredScopes(t models.ActionType) (scopes []string, open bool, known bool) {
	scopes, known = requiredScopes[t]
	return scopes, known && scopes == nil, known
}

// HasScope reports whether any granted scope has one of the base tokens and,
// when parameterized by event type, includes eventType.
func HasScope(granted []string, eventType string, bases ...string) bool {
	for _, raw := range granted {
		scope, ok := ParseScope(raw)
		if !ok {
			continue
		}
		for _, base := range bases {
			if scope.Base == base && scope.Allows(eventParam, eventType) {
				return true
			}
		}
	}
	return false
}

// Authorizer checks actors against the static scope mapping.
type Authorizer struct {
	logger *slog.Logger
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithLogger sets the logger used for denial audit lines.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authorizer) { a.logger = l }
}

// New builds an Authorizer.
func New(opts ...Option) *Authorizer {
	a := &Authorizer{}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authorize returns nil when actor may request action on an event of
// eventType, CodeUnauthorized for anonymous callers and CodeForbidden otherwise.
func (a *Authorizer) Authorize(ctx context.Context, actor requestcontext.ActorInfo, action models.ActionType, eventType string) error {
	if !actor.IsAuthenticated() {
		return dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	scopes, known := requiredScopes[action]
	if !known {
		a.deny(ctx, actor, string(action), eventType)
		return dErrors.New(dErrors.CodeForbidden, "action cannot be requested")
	}
	if scopes == nil || HasScope(actor.Scopes, eventType, scopes...) {
		return nil
	}
	a.deny(ctx, actor, string(action), eventType)
	return dErrors.New(dErrors.CodeForbidden, "insufficient scope")
}

// AuthorizeList checks the search scope for listing events of a type.
func (a *Authorizer) AuthorizeList(ctx context.Context, actor requestcontext.ActorInfo, eventType string) error {
	if !actor.IsAuthenticated() {
		return dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	if HasScope(actor.Scopes, eventType, listScopes...) {
		return nil
	}
	a.deny(ctx, actor, "LIST", eventType)
	return dErrors.New(dErrors.CodeForbidden, "insufficient scope")
}

// CanUnassignOthers reports whether the actor may remove another user's
// assignment on an event of eventType.
func (a *Authorizer) CanUnassignOthers(actor requestcontext.ActorInfo, eventType string) bool {
	return HasScope(actor.Scopes, eventType, ScopeRecordUnassignOthers)
}

func (a *Authorizer) deny(ctx context.Context, actor requestcontext.ActorInfo, action, eventType string) {
	if a.logger == nil {
		return
	}
	a.logger.InfoContext(ctx, "action_forbidden",
		"event", "action_forbidden",
		"log_type", "audit",
		"user_id", actor.ID.String(),
		"role", actor.Role,
		"action", action,
		"event_type", eventType,
		"request_id", requestcontext.RequestID(ctx),
	)
}
