package rules_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/rules"
)

// flakySource returns a fixed snapshot until failing is set, then errors.
type flakySource struct {
	mu      sync.Mutex
	sets    map[string]model.RuleSet
	failing bool
}

func (s *flakySource) FetchRuleSets(_ context.Context) (map[string]model.RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errors.New("config collaborator unavailable")
	}
	return s.sets, nil
}

func (s *flakySource) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestCacheRefreshAndLookup(t *testing.T) {
	src := &flakySource{sets: map[string]model.RuleSet{
		"checkout-bot": checkoutRules(false),
	}}
	c := rules.NewCache(src, testLogger(), time.Minute)

	_, ok := c.RuleSetFor("checkout-bot")
	assert.False(t, ok, "empty before first refresh")

	require.NoError(t, c.Refresh(context.Background()))

	rs, ok := c.RuleSetFor("checkout-bot")
	require.True(t, ok)
	assert.Len(t, rs.Rules, 3)

	_, ok = c.RuleSetFor("unknown-app")
	assert.False(t, ok)
}

func TestCacheKeepsLastKnownGoodOnFailure(t *testing.T) {
	src := &flakySource{sets: map[string]model.RuleSet{
		"checkout-bot": checkoutRules(false),
	}}
	c := rules.NewCache(src, testLogger(), time.Minute)
	require.NoError(t, c.Refresh(context.Background()))

	src.setFailing(true)
	err := c.Refresh(context.Background())
	require.Error(t, err)

	// The previous snapshot is still served.
	rs, ok := c.RuleSetFor("checkout-bot")
	require.True(t, ok)
	assert.Len(t, rs.Rules, 3)
}

func TestCacheStaleness(t *testing.T) {
	src := &flakySource{sets: map[string]model.RuleSet{}}
	c := rules.NewCache(src, testLogger(), time.Minute)

	assert.Negative(t, c.Staleness(), "no successful refresh yet")

	require.NoError(t, c.Refresh(context.Background()))
	assert.GreaterOrEqual(t, c.Staleness(), time.Duration(0))
	assert.Less(t, c.Staleness(), time.Minute)
}

func TestCacheSnapshotSwapIsAtomic(t *testing.T) {
	// Readers racing a refresh must always see a complete rule set —
	// either the old one (3 rules) or the new one (1 rule), never a mix.
	full := checkoutRules(false)
	trimmed := model.RuleSet{AppID: "checkout-bot", Rules: full.Rules[:1]}

	src := &flakySource{sets: map[string]model.RuleSet{"checkout-bot": full}}
	c := rules.NewCache(src, testLogger(), time.Minute)
	require.NoError(t, c.Refresh(context.Background()))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			rs, ok := c.RuleSetFor("checkout-bot")
			if ok && len(rs.Rules) != 3 && len(rs.Rules) != 1 {
				t.Errorf("observed torn snapshot with %d rules", len(rs.Rules))
				return
			}
		}
	}()

	for range 100 {
		src.mu.Lock()
		src.sets = map[string]model.RuleSet{"checkout-bot": trimmed}
		src.mu.Unlock()
		require.NoError(t, c.Refresh(context.Background()))
		src.mu.Lock()
		src.sets = map[string]model.RuleSet{"checkout-bot": full}
		src.mu.Unlock()
		require.NoError(t, c.Refresh(context.Background()))
	}
	close(stop)
	wg.Wait()
}

func TestStaticSource(t *testing.T) {
	src := rules.StaticSource{Sets: map[string]model.RuleSet{
		"a": {AppID: "a"},
	}}
	sets, err := src.FetchRuleSets(context.Background())
	require.NoError(t, err)
	assert.Contains(t, sets, "a")
}
