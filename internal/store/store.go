// Package store provides persistence for anonymous users and session
// liveness. Conversation content is never stored.
package store

import (
	"context"
	"time"

	"github.com/ashureev/dataroom/internal/domain"
)

// Repository defines the interface for persisting user and session activity.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when
	// the user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// TouchSession records activity for a tab session and its user.
	TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error

	// GetIdleSessions lists sessions with no activity for longer than ttl.
	GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.SessionActivity, error)

	// DeleteSessionActivity forgets a tab session.
	DeleteSessionActivity(ctx context.Context, userID, sessionID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
