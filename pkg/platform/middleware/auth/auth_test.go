package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "crvs/pkg/domain"
	"crvs/pkg/requestcontext"
)

type stubValidator struct {
	claims *JWTClaims
	err    error
}

func (s stubValidator) ValidateToken(string) (*JWTClaims, error) {
	return s.claims, s.err
}

func TestRequireAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	userID := id.NewUserID()

	var seen requestcontext.ActorInfo
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestcontext.Actor(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	serve := func(v JWTValidator, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/events", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		RequireAuth(v, logger)(next).ServeHTTP(rec, req)
		return rec
	}

	t.Run("valid token sets the actor", func(t *testing.T) {
		v := stubValidator{claims: &JWTClaims{UserID: userID.String(), Role: "LOCAL_REGISTRAR", Scopes: []string{"record.read"}}}
		rec := serve(v, "Bearer abc")
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, userID, seen.ID)
		assert.Equal(t, "LOCAL_REGISTRAR", seen.Role)
		assert.Equal(t, []string{"record.read"}, seen.Scopes)
	})

	t.Run("missing header", func(t *testing.T) {
		rec := serve(stubValidator{}, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
	})

	t.Run("invalid token", func(t *testing.T) {
		rec := serve(stubValidator{err: errors.New("bad signature")}, "Bearer abc")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("subject that is not a user id", func(t *testing.T) {
		rec := serve(stubValidator{claims: &JWTClaims{UserID: "alice"}}, "Bearer abc")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
