package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jamhub/listenroom/pkg/token"
)

type identityKey struct{}

// Identity is the resolved caller for a request. Anonymous callers get a
// per-request guest id; whether guests may enter a room is decided by the
// room's own settings.
type Identity struct {
	UserID   string
	Username string
	Guest    bool
}

// WithIdentity resolves the bearer token into an identity, falling back to
// a guest identity when none is presented.
func WithIdentity(tokens *token.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := resolveIdentity(tokens, bearerToken(r))
			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func IdentityFrom(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey{}).(Identity); ok {
		return id
	}
	return guestIdentity()
}

func resolveIdentity(tokens *token.Manager, raw string) Identity {
	if raw == "" {
		return guestIdentity()
	}

	claims, err := tokens.Verify(raw)
	if err != nil {
		return guestIdentity()
	}

	return Identity{
		UserID:   claims.Subject,
		Username: claims.Username,
	}
}

func guestIdentity() Identity {
	id := uuid.NewString()[:8]
	return Identity{
		UserID:   "guest-" + id,
		Username: "guest-" + id,
		Guest:    true,
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}

	// WebSocket clients cannot set headers from the browser.
	return r.URL.Query().Get("token")
}
