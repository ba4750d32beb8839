package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat/internal/realtime"
	"github.com/Tyrowin/gochat/internal/store"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier("test-secret")
	require.NoError(t, err)
	return v
}

func TestVerifierRoundTrip(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Issue("alice", time.Minute)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestVerifierRejects(t *testing.T) {
	v := newTestVerifier(t)
	other, err := NewVerifier("other-secret")
	require.NoError(t, err)

	expired, err := v.Issue("alice", -time.Minute)
	require.NoError(t, err)
	foreign, err := other.Issue("alice", time.Minute)
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"expired":      expired,
		"wrong secret": foreign,
		"alg none":     unsigned,
		"garbage":      "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}

	_, err = NewVerifier("")
	assert.Error(t, err)
}

func TestParseBearerToken(t *testing.T) {
	token, err := ParseBearerToken("Bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", token)

	token, err = ParseBearerToken("bearer  xyz ")
	require.NoError(t, err)
	assert.Equal(t, "xyz", token)

	for _, header := range []string{"", "Basic abc", "Bearer", "Bearer   "} {
		_, err := ParseBearerToken(header)
		assert.ErrorIs(t, err, ErrUnauthorized, "header %q", header)
	}
}

func TestMiddleware(t *testing.T) {
	v := newTestVerifier(t)
	users := store.NewMemoryStore()
	require.NoError(t, users.PutUser(context.Background(), &store.User{ID: "alice", FullName: "Alice"}))

	aliceToken, err := v.Issue("alice", time.Minute)
	require.NoError(t, err)
	ghostToken, err := v.Issue("ghost", time.Minute)
	require.NoError(t, err)

	handler := Middleware(v, users, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFrom(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(u.FullName))
	}))

	tests := []struct {
		name     string
		prepare  func(r *http.Request)
		wantCode int
	}{
		{name: "no token", prepare: func(*http.Request) {}, wantCode: http.StatusUnauthorized},
		{name: "bearer", prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+aliceToken) }, wantCode: http.StatusOK},
		{name: "cookie", prepare: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: aliceToken}) }, wantCode: http.StatusOK},
		{name: "invalid token", prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, wantCode: http.StatusUnauthorized},
		{name: "unknown user", prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+ghostToken) }, wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/online", nil)
			tt.prepare(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "Alice", rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), "Unauthorized")
			}
		})
	}
}

func TestHandshakeTrustedQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?userId=alice&fullName=Alice+A.&groups=g1,%20g2,,g3", nil)

	id, groups, err := Handshake(req, nil)
	require.NoError(t, err)
	assert.Equal(t, realtime.Identity{UserID: "alice", FullName: "Alice A."}, id)
	assert.Equal(t, []string{"g1", "g2", "g3"}, groups)

	_, _, err = Handshake(httptest.NewRequest(http.MethodGet, "/ws?fullName=Nobody", nil), nil)
	assert.ErrorIs(t, err, realtime.ErrNoIdentity)
}

func TestHandshakeVerified(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Issue("alice", time.Minute)
	require.NoError(t, err)

	id, _, err := Handshake(httptest.NewRequest(http.MethodGet, "/ws?userId=alice&token="+token, nil), v)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)

	id, _, err = Handshake(httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil), v)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID, "user taken from token")

	_, _, err = Handshake(httptest.NewRequest(http.MethodGet, "/ws?userId=mallory&token="+token, nil), v)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = Handshake(httptest.NewRequest(http.MethodGet, "/ws?userId=alice", nil), v)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
