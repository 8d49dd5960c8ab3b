// Package identity resolves who is asking: an anonymous device id kept in a
// cookie and a per-tab session id sent by the client.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/dataroom/internal/domain"
)

const (
	AnonCookieName        = "dataroom_anon_id"
	SessionHeaderName     = "X-Dataroom-Session-ID"
	SessionQueryParam     = "session_id"
	DefaultSessionIDValue = "default"

	anonPrefix       = "anon_"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Identity is the resolved caller of a request.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
}

type ctxKey struct{}

// NewIdentity builds an Identity, normalizing the session id.
func NewIdentity(userID, sessionID string) Identity {
	return Identity{
		UserID:    userID,
		Username:  usernameFor(userID),
		SessionID: sanitizeSessionID(sessionID),
	}
}

// FromContext returns the identity stored by Middleware or WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// WithIdentity returns ctx carrying the given identity. Used by non-HTTP
// entry points and tests.
func WithIdentity(ctx context.Context, userID, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, NewIdentity(userID, sessionID))
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.UserID
}

// UsernameFromContext extracts the display name from the request context.
func UsernameFromContext(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.Username
}

// SessionIDFromContext extracts the tab session ID, or the default session.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok && id.SessionID != "" {
		return id.SessionID
	}
	return DefaultSessionIDValue
}

// Store persists users and records session liveness.
type Store interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error
}

func newAnonID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return anonPrefix + strings.ReplaceAll(u.String(), "-", ""), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func usernameFor(userID string) string {
	if len(userID) > len(anonPrefix)+8 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

// resolver establishes identities for one middleware instance.
type resolver struct {
	store  Store
	secure bool
}

// deviceID returns the caller's anonymous id, minting one when the cookie is
// absent or malformed. The cookie is refreshed on every request.
func (rv resolver) deviceID(w http.ResponseWriter, r *http.Request) (string, error) {
	id := ""
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		id = c.Value
	} else {
		if id, err = newAnonID(); err != nil {
			return "", err
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   rv.secure,
	})
	return id, nil
}

// remember creates the user on first sight and records session activity.
func (rv resolver) remember(ctx context.Context, id Identity) error {
	user, err := rv.store.GetUser(ctx, id.UserID)
	if err != nil {
		return err
	}
	now := time.Now()
	if user == nil {
		if err := rv.store.UpsertUser(ctx, &domain.User{
			UserID:     id.UserID,
			Username:   id.Username,
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return err
		}
	}
	if err := rv.store.TouchSession(ctx, id.UserID, id.SessionID, now); err != nil {
		slog.Warn("Failed to record session activity", "error", err, "user_id", id.UserID, "session_id", id.SessionID)
	}
	return nil
}

func sessionIDFromRequest(r *http.Request) string {
	if sid := r.Header.Get(SessionHeaderName); sid != "" {
		return sid
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get(SessionQueryParam)
}

// Middleware attaches an Identity to every request. When repo is non-nil the
// user is created on first sight and the session's activity is refreshed.
// Cookies are marked Secure outside development.
func Middleware(repo Store, isDev bool) func(http.Handler) http.Handler {
	rv := resolver{store: repo, secure: !isDev}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := rv.deviceID(w, r)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}
			id := NewIdentity(userID, sessionIDFromRequest(r))

			if rv.store != nil {
				if err := rv.remember(r.Context(), id); err != nil {
					slog.Error("Failed to initialize anonymous user", "error", err, "user_id", id.UserID)
					http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		})
	}
}
