package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/dataroom/internal/domain"
	"github.com/ashureev/dataroom/internal/shared"
)

const (
	defaultSweepInterval = 5 * time.Minute
	deleteRetries        = 3
	deleteBaseDelay      = 100 * time.Millisecond
)

// ActivityStore is the slice of the activity repository the sweeper needs.
type ActivityStore interface {
	GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.SessionActivity, error)
	DeleteSessionActivity(ctx context.Context, userID, sessionID string) error
}

// CleanupCallback is called for every session the sweeper drops.
type CleanupCallback func(userID, sessionID string)

// Sweeper periodically drops sessions that have been idle longer than the TTL.
type Sweeper struct {
	registry  *Registry
	store     ActivityStore
	ttl       time.Duration
	interval  time.Duration
	onCleanup CleanupCallback
	logger    *slog.Logger
	now       func() time.Time
}

// SweeperConfig configures a Sweeper. Store may be nil, in which case only
// in-memory activity is considered.
type SweeperConfig struct {
	Store     ActivityStore
	TTL       time.Duration
	Interval  time.Duration
	OnCleanup CleanupCallback
	Logger    *slog.Logger
}

// NewSweeper creates a sweeper over registry.
func NewSweeper(registry *Registry, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		registry:  registry,
		store:     cfg.Store,
		ttl:       cfg.TTL,
		interval:  cfg.Interval,
		onCleanup: cfg.OnCleanup,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// Run sweeps on every tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("Session sweeper started", "interval", s.interval, "ttl", s.ttl)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one cleanup pass and returns how many sessions were dropped.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if s.ttl <= 0 {
		return 0
	}
	dropped := s.sweepStore(ctx)
	dropped += s.sweepMemory()
	if dropped > 0 {
		s.logger.Info("Session sweeper cleanup completed", "dropped", dropped, "live", s.registry.Len())
	}
	return dropped
}

func (s *Sweeper) sweepStore(ctx context.Context) int {
	if s.store == nil {
		return 0
	}
	idle, err := s.store.GetIdleSessions(ctx, s.ttl)
	if err != nil {
		s.logger.Error("Session sweeper failed to list idle sessions", "error", err)
		return 0
	}

	dropped := 0
	for _, act := range idle {
		// A session touched in memory since the last store write is still live.
		if st, ok := s.registry.Lookup(act.UserID, act.SessionID); ok && s.now().Sub(st.LastActive()) < s.ttl {
			continue
		}
		if s.drop(act.UserID, act.SessionID) {
			dropped++
		}
		if err := s.deleteActivity(ctx, act.UserID, act.SessionID); err != nil {
			s.logger.Warn("Session sweeper failed to delete activity after retries",
				"error", err,
				"user_id", act.UserID,
				"session_id", act.SessionID)
		}
	}
	return dropped
}

func (s *Sweeper) sweepMemory() int {
	dropped := 0
	for _, st := range s.registry.snapshot() {
		if s.now().Sub(st.LastActive()) < s.ttl {
			continue
		}
		if s.drop(st.UserID, st.SessionID) {
			dropped++
		}
	}
	return dropped
}

func (s *Sweeper) drop(userID, sessionID string) bool {
	if !s.registry.Drop(userID, sessionID) {
		return false
	}
	s.logger.Info("Session sweeper dropped idle session", "user_id", userID, "session_id", sessionID)
	if s.onCleanup != nil {
		s.onCleanup(userID, sessionID)
	}
	return true
}

func (s *Sweeper) deleteActivity(ctx context.Context, userID, sessionID string) error {
	err := shared.RetryOnConflict(ctx, deleteRetries, deleteBaseDelay, func(ctx context.Context) error {
		return s.store.DeleteSessionActivity(ctx, userID, sessionID)
	})
	if err != nil {
		return fmt.Errorf("delete activity for %s/%s after %d attempts: %w", userID, sessionID, deleteRetries, err)
	}
	return nil
}
