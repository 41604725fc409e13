package engagement

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sendrec/reelfeed/internal/content"
	"github.com/sendrec/reelfeed/internal/eventbus"
)

type Config struct {
	// RewardCapMs caps the watch threshold. Defaults to 30000.
	RewardCapMs int64
	// ViewFraction of the duration that counts as a view. Defaults to 0.5.
	ViewFraction float64
	// CountReplays lets a replay from the start count one more view.
	// By default a video is view-counted once per session.
	CountReplays bool
}

func (c Config) withDefaults() Config {
	if c.RewardCapMs <= 0 {
		c.RewardCapMs = 30000
	}
	if c.ViewFraction <= 0 || c.ViewFraction > 1 {
		c.ViewFraction = 0.5
	}
	return c
}

type StatRecorder interface {
	RecordStat(ctx context.Context, videoID string, delta content.StatDelta) error
}

// CounterSink receives in-place counter updates for loaded feed items.
type CounterSink interface {
	UpdateCounters(videoID string, delta content.Counters)
}

// PointsLookup returns the reward value of a loaded item.
type PointsLookup func(videoID string) (int, bool)

// pass tracks which thresholds have already fired during one playthrough.
type pass struct {
	rewardFired bool
	viewFired   bool
}

type Tracker struct {
	ledger   *Ledger
	stats    StatRecorder
	bus      *eventbus.Bus
	points   PointsLookup
	counters CounterSink
	cfg      Config

	mu     sync.Mutex
	passes map[string]*pass
}

func NewTracker(ledger *Ledger, stats StatRecorder, bus *eventbus.Bus, points PointsLookup, counters CounterSink, cfg Config) *Tracker {
	return &Tracker{
		ledger:   ledger,
		stats:    stats,
		bus:      bus,
		points:   points,
		counters: counters,
		cfg:      cfg.withDefaults(),
		passes:   make(map[string]*pass),
	}
}

// OnProgress checks a progress tick against the reward and view thresholds.
// Ticks observed while not playing are ignored.
func (t *Tracker) OnProgress(ctx context.Context, videoID string, positionMs, durationMs int64, isPlaying bool) {
	if !isPlaying || durationMs <= 0 {
		return
	}

	rewardThreshold := min(durationMs, t.cfg.RewardCapMs)
	viewThreshold := int64(float64(durationMs) * t.cfg.ViewFraction)

	t.mu.Lock()
	p, ok := t.passes[videoID]
	if !ok {
		p = &pass{}
		t.passes[videoID] = p
	}
	reward := !p.rewardFired && positionMs >= rewardThreshold
	if reward {
		p.rewardFired = true
	}
	view := !p.viewFired && positionMs >= viewThreshold
	if view {
		p.viewFired = true
	}
	t.mu.Unlock()

	if reward {
		t.grantReward(ctx, videoID)
	}
	if view {
		t.countView(ctx, videoID)
	}
}

// OnLoopOrReplay re-arms the thresholds for the next pass over videoID.
func (t *Tracker) OnLoopOrReplay(videoID string) {
	t.mu.Lock()
	delete(t.passes, videoID)
	t.mu.Unlock()

	if t.cfg.CountReplays {
		t.ledger.UnmarkViewed(videoID)
	}
}

// Forget drops pass state for an item that left the feed window.
func (t *Tracker) Forget(videoID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.passes, videoID)
}

// ResetPoints clears the point history and announces the reset.
func (t *Tracker) ResetPoints(ctx context.Context) {
	t.ledger.ResetPoints(ctx)
	eventbus.Publish(t.bus, eventbus.PointsUpdatedTopic, eventbus.PointsUpdated{Type: eventbus.PointsReset})
}

func (t *Tracker) Ledger() *Ledger {
	return t.ledger
}

func (t *Tracker) grantReward(ctx context.Context, videoID string) {
	if t.ledger.HasReward(videoID) {
		return
	}
	points, ok := t.points(videoID)
	if !ok {
		slog.Warn("tracker: reward value unknown", "video_id", videoID)
		return
	}
	if !t.ledger.RecordReward(ctx, videoID, points) {
		return
	}
	slog.Info("tracker: reward granted", "video_id", videoID, "points", points)
	eventbus.Publish(t.bus, eventbus.PointsUpdatedTopic, eventbus.PointsUpdated{
		Type:    eventbus.PointsEarned,
		VideoID: videoID,
		Points:  points,
	})
}

// countView records at most one remote view per session. A failed call stays
// counted locally; re-sending could double count.
func (t *Tracker) countView(ctx context.Context, videoID string) {
	if !t.ledger.MarkViewed(videoID) {
		return
	}
	if err := t.stats.RecordStat(ctx, videoID, content.StatDelta{Views: 1}); err != nil {
		slog.Warn("tracker: failed to record view", "video_id", videoID, "error", err)
		return
	}
	if t.counters != nil {
		t.counters.UpdateCounters(videoID, content.Counters{Views: 1})
	}
	eventbus.Publish(t.bus, eventbus.ReactionsUpdatedTopic, eventbus.ReactionsUpdated{
		Type:    eventbus.ReactionView,
		VideoID: videoID,
	})
}
