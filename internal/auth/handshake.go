package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Tyrowin/gochat/internal/realtime"
)

// Handshake reads the identity a WebSocket client presents in its upgrade
// request: userId and fullName query parameters plus an optional
// comma separated groups list.
//
// With a nil verifier the identity is trusted as presented. Otherwise a
// token (token query parameter, bearer header or jwt cookie) is required
// and its user must match userId; an absent userId is taken from the token.
func Handshake(r *http.Request, v *Verifier) (realtime.Identity, []string, error) {
	q := r.URL.Query()
	id := realtime.Identity{
		UserID:   strings.TrimSpace(q.Get("userId")),
		FullName: strings.TrimSpace(q.Get("fullName")),
	}
	groups := splitGroups(q["groups"])

	if v != nil {
		token := q.Get("token")
		if token == "" {
			var err error
			if token, err = TokenFromRequest(r); err != nil {
				return realtime.Identity{}, nil, err
			}
		}
		userID, err := v.Verify(token)
		if err != nil {
			return realtime.Identity{}, nil, err
		}
		if id.UserID != "" && id.UserID != userID {
			return realtime.Identity{}, nil, fmt.Errorf("%w: token user does not match userId", ErrUnauthorized)
		}
		id.UserID = userID
	}

	if id.UserID == "" {
		return realtime.Identity{}, nil, realtime.ErrNoIdentity
	}
	return id, groups, nil
}

func splitGroups(values []string) []string {
	var out []string
	for _, value := range values {
		for _, g := range strings.Split(value, ",") {
			if g = strings.TrimSpace(g); g != "" {
				out = append(out, g)
			}
		}
	}
	return out
}
