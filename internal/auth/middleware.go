package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/store"
)

// UserFinder resolves a verified user id to a stored user.
type UserFinder interface {
	FindUserByID(ctx context.Context, id string) (*store.User, error)
}

type contextKey struct{}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u *store.User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// UserFrom returns the authenticated user stored by Middleware.
func UserFrom(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(contextKey{}).(*store.User)
	return u, ok && u != nil
}

// Middleware rejects requests without a valid token for a known user and
// stores that user in the request context.
func Middleware(v *Verifier, users UserFinder, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := TokenFromRequest(r)
			if err != nil {
				deny(w, "Unauthorized - No Token Provided")
				return
			}
			userID, err := v.Verify(token)
			if err != nil {
				logger.Debug("Rejected token", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
				deny(w, "Unauthorized - Invalid Token")
				return
			}
			u, err := users.FindUserByID(r.Context(), userID)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					logger.Error("Error loading authenticated user", zap.String("user_id", userID), zap.Error(err))
					http.Error(w, "Internal server error", http.StatusInternalServerError)
					return
				}
				deny(w, "Unauthorized - User not found")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}

func deny(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}
