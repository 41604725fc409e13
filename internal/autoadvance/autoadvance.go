package autoadvance

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/sendrec/reelfeed/internal/eventbus"
	"github.com/sendrec/reelfeed/internal/kv"
)

// Feed is the part of the feed list the controller scrolls.
type Feed interface {
	IndexOf(videoID string) (int, bool)
	Len() int
	LoadMore(ctx context.Context) int
	ScrollToIndex(ctx context.Context, index int) error
}

// Gate reports whether the interstitial is holding the feed.
type Gate interface {
	Tripped() bool
}

// Controller moves to the next item when the current one finishes.
type Controller struct {
	feed   Feed
	gate   Gate
	bus    *eventbus.Bus
	store  kv.Store
	userID string

	mu       sync.Mutex
	enabled  bool
	inFlight context.CancelFunc
	seq      uint64

	unsubscribe func()
}

func New(feed Feed, gate Gate, bus *eventbus.Bus, store kv.Store, userID string) *Controller {
	c := &Controller{
		feed:    feed,
		gate:    gate,
		bus:     bus,
		store:   store,
		userID:  userID,
		enabled: true,
	}
	c.unsubscribe = eventbus.Subscribe(bus, eventbus.InterstitialStateTopic, func(s eventbus.InterstitialState) {
		if s.IsVisible {
			c.Cancel()
		}
	})
	return c
}

func (c *Controller) prefKey() string {
	return "prefs:" + c.userID + ":auto_advance"
}

// LoadPreference reads the stored flag. A missing or unreadable value leaves
// auto-advance enabled.
func (c *Controller) LoadPreference(ctx context.Context) {
	raw, err := c.store.Get(ctx, c.prefKey())
	if errors.Is(err, kv.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("autoadvance: failed to load preference", "user_id", c.userID, "error", err)
		return
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("autoadvance: invalid stored preference", "user_id", c.userID, "value", raw)
		return
	}
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

// SetEnabled updates the flag and persists it. The in-memory value changes
// even when the write fails.
func (c *Controller) SetEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
	if !enabled {
		c.Cancel()
	}
	if err := c.store.Set(ctx, c.prefKey(), strconv.FormatBool(enabled)); err != nil {
		slog.Warn("autoadvance: failed to save preference", "user_id", c.userID, "error", err)
		return err
	}
	return nil
}

func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// OnCompletion advances past videoID by exactly one item. It does nothing
// when disabled, when the gate is tripped or at the end of the feed. An
// advance in progress is dropped if the gate trips before it commits.
func (c *Controller) OnCompletion(ctx context.Context, videoID string) {
	if !c.Enabled() || c.gate.Tripped() {
		return
	}

	index, ok := c.feed.IndexOf(videoID)
	if !ok {
		slog.Debug("autoadvance: completed item no longer loaded", "video_id", videoID)
		return
	}
	next := index + 1
	if next >= c.feed.Len() {
		c.feed.LoadMore(ctx)
		if next >= c.feed.Len() {
			return
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.inFlight != nil {
		c.inFlight()
	}
	c.seq++
	seq := c.seq
	c.inFlight = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.seq == seq {
			c.inFlight = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	// The gate may have tripped while the next page loaded.
	if c.gate.Tripped() {
		return
	}

	eventbus.Publish(c.bus, eventbus.AutoScrollNextTopic, eventbus.AutoScrollNext{FromVideo: videoID, ToIndex: next})
	if err := c.feed.ScrollToIndex(ctx, next); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("autoadvance: advance discarded", "video_id", videoID, "to_index", next)
			return
		}
		slog.Warn("autoadvance: scroll failed", "video_id", videoID, "to_index", next, "error", err)
	}
}

// Cancel drops any advance that has not committed yet.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight != nil {
		c.inFlight()
		c.inFlight = nil
	}
}

func (c *Controller) Close() {
	c.Cancel()
	c.unsubscribe()
}
