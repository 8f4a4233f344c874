package handler

import (
	"strings"

	"crvs/internal/events/models"
	id "crvs/pkg/domain"
	dErrors "crvs/pkg/domain-errors"
)

// CreateEventRequest is the body of POST /events.
type CreateEventRequest struct {
	Type          string `json:"type"`
	TransactionID string `json:"transactionId"`

	parsedTransactionID id.TransactionID
}

func (r *CreateEventRequest) Validate() error {
	r.Type = strings.TrimSpace(r.Type)
	if r.Type == "" {
		return dErrors.New(dErrors.CodeBadRequest, "type is required")
	}
	tx, err := id.ParseTransactionID(r.TransactionID)
	if err != nil {
		return err
	}
	r.parsedTransactionID = tx
	return nil
}

// ActionRequest is the body of every action endpoint. Which fields are
// meaningful depends on the action type; the service rejects the rest.
type ActionRequest struct {
	TransactionID  string             `json:"transactionId"`
	Declaration    models.Declaration `json:"declaration,omitempty"`
	Annotation     models.Declaration `json:"annotation,omitempty"`
	KeepAssignment bool               `json:"keepAssignment,omitempty"`
	RequestID      string             `json:"requestId,omitempty"`
	AssignedTo     string             `json:"assignedTo,omitempty"`
	Reason         string             `json:"reason,omitempty"`

	parsedTransactionID id.TransactionID
	parsedRequestID     *id.ActionID
	parsedAssignedTo    *id.UserID
}

func (r *ActionRequest) Validate() error {
	tx, err := id.ParseTransactionID(r.TransactionID)
	if err != nil {
		return err
	}
	r.parsedTransactionID = tx

	if s := strings.TrimSpace(r.RequestID); s != "" {
		requestID, err := id.ParseActionID(s)
		if err != nil {
			return err
		}
		r.parsedRequestID = &requestID
	}
	if s := strings.TrimSpace(r.AssignedTo); s != "" {
		user, err := id.ParseUserID(s)
		if err != nil {
			return err
		}
		r.parsedAssignedTo = &user
	}
	r.Reason = strings.TrimSpace(r.Reason)
	return nil
}

// ResolveRequest is the body of the confirm and reject endpoints.
type ResolveRequest struct {
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason,omitempty"`

	parsedTransactionID id.TransactionID
}

func (r *ResolveRequest) Validate() error {
	tx, err := id.ParseTransactionID(r.TransactionID)
	if err != nil {
		return err
	}
	r.parsedTransactionID = tx
	r.Reason = strings.TrimSpace(r.Reason)
	return nil
}

// ListResponse is the body of GET /events.
type ListResponse struct {
	Events []*models.EventIndex `json:"events"`
}
