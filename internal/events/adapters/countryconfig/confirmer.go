// Package countryconfig talks to the country configuration service, which
// decides two-phase actions such as REGISTER.
package countryconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crvs/internal/events/models"
	"crvs/internal/events/service"
	"crvs/pkg/platform/circuit"
	"crvs/pkg/platform/sentinel"
	"crvs/pkg/requestcontext"
)

const maxResponseSize = 64 << 10

// Confirmer asks POST {baseURL}/trigger/events/{type}/actions/{action} whether
// a Requested action is accepted.
type Confirmer struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	breaker *circuit.Breaker
}

type Option func(*Confirmer)

func WithHTTPClient(c *http.Client) Option {
	return func(cf *Confirmer) {
		if c != nil {
			cf.client = c
		}
	}
}

// WithBreaker short-circuits calls while the service keeps failing.
func WithBreaker(b *circuit.Breaker) Option {
	return func(cf *Confirmer) {
		cf.breaker = b
	}
}

// New builds a Confirmer. A zero timeout defaults to 10s.
func New(baseURL string, timeout time.Duration, opts ...Option) *Confirmer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Confirmer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		timeout: timeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type triggerRequest struct {
	EventID       string             `json:"eventId"`
	TrackingID    string             `json:"trackingId"`
	ActionID      string             `json:"actionId"`
	TransactionID string             `json:"transactionId"`
	CreatedBy     string             `json:"createdBy"`
	Declaration   models.Declaration `json:"declaration"`
	Annotation    models.Declaration `json:"annotation,omitempty"`
}

type triggerResponse struct {
	Reason string `json:"reason"`
}

// Confirm posts the Requested action. 200 accepts, 202 leaves it pending and
// any 4xx rejects it. Other statuses, transport failures and timeouts wrap
// sentinel.ErrUnavailable.
func (c *Confirmer) Confirm(ctx context.Context, req service.ConfirmRequest) (service.Confirmation, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return service.Confirmation{}, fmt.Errorf("country config circuit open: %w", sentinel.ErrUnavailable)
	}
	confirmation, err := c.confirm(ctx, req)
	if c.breaker != nil {
		if errors.Is(err, sentinel.ErrUnavailable) {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}
	return confirmation, err
}

func (c *Confirmer) confirm(ctx context.Context, req service.ConfirmRequest) (service.Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(triggerRequest{
		EventID:       req.Event.ID.String(),
		TrackingID:    req.Event.TrackingID.String(),
		ActionID:      req.Action.ID.String(),
		TransactionID: string(req.Action.TransactionID),
		CreatedBy:     req.Action.CreatedBy.String(),
		Declaration:   req.Action.Declaration,
		Annotation:    req.Action.Annotation,
	})
	if err != nil {
		return service.Confirmation{}, fmt.Errorf("encode trigger request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/trigger/events/%s/actions/%s",
		c.baseURL, url.PathEscape(req.EventType), url.PathEscape(string(req.Action.Type)))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return service.Confirmation{}, fmt.Errorf("build trigger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if rid := requestcontext.RequestID(ctx); rid != "" {
		httpReq.Header.Set("X-Request-ID", rid)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return service.Confirmation{}, fmt.Errorf("country config timed out: %w: %w", sentinel.ErrUnavailable, err)
		}
		return service.Confirmation{}, fmt.Errorf("call country config: %w: %w", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return service.Confirmation{}, fmt.Errorf("read trigger response: %w: %w", sentinel.ErrUnavailable, err)
	}
	return parseTriggerResponse(resp.StatusCode, payload)
}

func parseTriggerResponse(status int, body []byte) (service.Confirmation, error) {
	switch {
	case status == http.StatusOK:
		return service.Confirmation{Outcome: service.OutcomeAccepted}, nil
	case status == http.StatusAccepted:
		return service.Confirmation{Outcome: service.OutcomePending}, nil
	case status >= 400 && status < 500:
		var parsed triggerResponse
		if len(body) > 0 {
			_ = json.Unmarshal(body, &parsed)
		}
		reason := parsed.Reason
		if reason == "" {
			reason = http.StatusText(status)
		}
		return service.Confirmation{Outcome: service.OutcomeRejected, Reason: reason}, nil
	}
	return service.Confirmation{}, fmt.Errorf("country config returned status %d: %w", status, sentinel.ErrUnavailable)
}
