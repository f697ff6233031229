package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kanshi/internal/model"
)

// Source provides the versioned, enabled rule sets per application.
// Implementations pull from the configuration collaborator (Postgres table,
// config service, static file).
type Source interface {
	FetchRuleSets(ctx context.Context) (map[string]model.RuleSet, error)
}

// snapshot is one immutable view of all rule sets. Replaced wholesale by
// pointer swap on refresh — concurrent evaluators never observe a
// partially-updated rule set.
type snapshot struct {
	sets      map[string]model.RuleSet
	fetchedAt time.Time
}

// Cache holds the current rule snapshot and refreshes it on a schedule.
// On refresh failure the last-known-good snapshot stays active and the
// staleness duration grows; callers expose Staleness as a health signal.
type Cache struct {
	source   Source
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration

	current atomic.Pointer[snapshot]

	cancelLoop context.CancelFunc
	done       chan struct{}
}

// NewCache creates a rule cache. Call Refresh once for an initial load, then
// Start for the background refresh loop.
func NewCache(source Source, logger *slog.Logger, interval time.Duration) *Cache {
	c := &Cache{
		source:   source,
		logger:   logger,
		interval: interval,
		timeout:  10 * time.Second,
		done:     make(chan struct{}),
	}
	c.current.Store(&snapshot{sets: map[string]model.RuleSet{}})
	return c
}

// Refresh fetches all rule sets and atomically replaces the snapshot.
// On error the previous snapshot remains in effect.
func (c *Cache) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sets, err := c.source.FetchRuleSets(ctx)
	if err != nil {
		return fmt.Errorf("rules: refresh: %w", err)
	}

	c.current.Store(&snapshot{sets: sets, fetchedAt: time.Now().UTC()})
	return nil
}

// Start begins the background refresh loop. Call Stop during shutdown.
func (c *Cache) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancelLoop = cancel
	go c.refreshLoop(loopCtx)
}

// Stop halts the refresh loop and waits for it to exit.
func (c *Cache) Stop() {
	if c.cancelLoop != nil {
		c.cancelLoop()
		<-c.done
	}
}

func (c *Cache) refreshLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				// Last-known-good stays active; retried next tick.
				c.logger.Warn("rules: refresh failed, keeping previous snapshot",
					"error", err,
					"staleness", c.Staleness().String(),
				)
			}
		}
	}
}

// RuleSetFor returns the current rule set for an application. The second
// return is false when no rules are configured for the app.
func (c *Cache) RuleSetFor(appID string) (model.RuleSet, bool) {
	snap := c.current.Load()
	rs, ok := snap.sets[appID]
	return rs, ok
}

// Staleness returns how long ago the current snapshot was fetched.
// Returns a negative duration before the first successful refresh.
func (c *Cache) Staleness() time.Duration {
	snap := c.current.Load()
	if snap.fetchedAt.IsZero() {
		return -1
	}
	return time.Since(snap.fetchedAt)
}

// Apps returns the application ids with configured rule sets.
func (c *Cache) Apps() []string {
	snap := c.current.Load()
	apps := make([]string, 0, len(snap.sets))
	for id := range snap.sets {
		apps = append(apps, id)
	}
	return apps
}

// StaticSource is a Source over a fixed in-memory rule list, used in tests
// and single-binary dev mode.
type StaticSource struct {
	Sets map[string]model.RuleSet
}

// FetchRuleSets returns the fixed rule sets.
func (s StaticSource) FetchRuleSets(_ context.Context) (map[string]model.RuleSet, error) {
	return s.Sets, nil
}
