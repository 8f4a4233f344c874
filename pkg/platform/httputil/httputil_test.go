package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "crvs/pkg/domain-errors"
)

func TestWriteError(t *testing.T) {
	t.Run("internal error omits description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeInternal, "db failed"))

		require.Equal(t, http.StatusInternalServerError, w.Code)
		var body map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "INTERNAL_SERVER_ERROR", body["error"])
		assert.NotContains(t, body, "error_description")
	})

	t.Run("plain errors are internal", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, errors.New("boom"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "boom")
	})

	t.Run("bad request includes description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid input"))

		require.Equal(t, http.StatusBadRequest, w.Code)
		var body map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "BAD_REQUEST", body["error"])
		assert.Equal(t, "invalid input", body["error_description"])
	})

	t.Run("validation carries every field", func(t *testing.T) {
		fields := dErrors.FieldErrors{}
		fields.Add("applicant.name", dErrors.FailureRequired, "required")
		fields.Add("applicant.dob", dErrors.FailureInvalidValue, "date in the future")

		w := httptest.NewRecorder()
		WriteError(w, dErrors.NewValidation("action payload is invalid", fields))

		require.Equal(t, http.StatusBadRequest, w.Code)
		var body ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "VALIDATION_ERROR", body.Error)
		assert.Equal(t, []string{"applicant.dob", "applicant.name"}, body.Fields.FieldIDs())
		assert.Equal(t, dErrors.FailureRequired, body.Fields["applicant.name"][0].Kind)
	})

	t.Run("state and conflict codes", func(t *testing.T) {
		for code, want := range map[dErrors.Code]string{
			dErrors.CodeInvalidState: "INVALID_STATE",
			dErrors.CodeConflict:     "CONFLICT",
			dErrors.CodeForbidden:    "FORBIDDEN",
			dErrors.CodeUnavailable:  "INFRASTRUCTURE_ERROR",
		} {
			w := httptest.NewRecorder()
			WriteError(w, dErrors.New(code, "x"))
			assert.Equal(t, dErrors.ToHTTPStatus(code), w.Code)
			assert.Contains(t, w.Body.String(), want)
		}
	})
}

type pingRequest struct {
	Name string `json:"name"`
}

func (r *pingRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return dErrors.New(dErrors.CodeBadRequest, "name is required")
	}
	return nil
}

func TestDecodeAndPrepare(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	decode := func(body string) (*pingRequest, bool, *httptest.ResponseRecorder) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req, ok := DecodeAndPrepare[pingRequest](w, r, logger, context.Background(), "req-1")
		return req, ok, w
	}

	t.Run("valid body", func(t *testing.T) {
		req, ok, _ := decode(`{"name":"ping"}`)
		require.True(t, ok)
		assert.Equal(t, "ping", req.Name)
	})

	t.Run("unknown field is rejected", func(t *testing.T) {
		_, ok, w := decode(`{"name":"ping","extra":1}`)
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty body reaches validation", func(t *testing.T) {
		_, ok, w := decode(``)
		assert.False(t, ok)
		assert.Contains(t, w.Body.String(), "name is required")
	})
}
