// Package session assembles the feed engine for one signed-in viewer and
// routes bus events between its components.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sendrec/reelfeed/internal/autoadvance"
	"github.com/sendrec/reelfeed/internal/content"
	"github.com/sendrec/reelfeed/internal/engagement"
	"github.com/sendrec/reelfeed/internal/eventbus"
	"github.com/sendrec/reelfeed/internal/feedlist"
	"github.com/sendrec/reelfeed/internal/gate"
	"github.com/sendrec/reelfeed/internal/kv"
	"github.com/sendrec/reelfeed/internal/overlay"
	"github.com/sendrec/reelfeed/internal/playback"
)

type Config struct {
	Viewer     content.Author
	Playback   playback.Config
	Feed       feedlist.Config
	Engagement engagement.Config
	Gate       gate.Config
	Overlay    overlay.Config
}

// Deps are the collaborators a session runs against.
type Deps struct {
	Repo      content.Repository
	Engine    playback.Engine
	Store     kv.Store
	Viewport  feedlist.Viewport
	Confirmer overlay.Confirmer
}

type Session struct {
	bus       *eventbus.Bus
	scheduler *playback.Scheduler
	holds     *holds
	ledger    *engagement.Ledger
	tracker   *engagement.Tracker
	gate      *gate.Gate
	advance   *autoadvance.Controller
	feed      *feedlist.Controller
	panel     *overlay.Panel

	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()
}

func New(deps Deps, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	bus := eventbus.New()
	scheduler := playback.NewScheduler(deps.Engine, cfg.Playback)
	h := &holds{player: scheduler}

	feed := feedlist.New(deps.Repo, scheduler, deps.Viewport, cfg.Feed)
	ledger := engagement.NewLedger(deps.Store, cfg.Viewer.ID)
	tracker := engagement.NewTracker(ledger, deps.Repo, bus, feed.Points, feed, cfg.Engagement)
	g := gate.New(h, bus, cfg.Gate)
	advance := autoadvance.New(feed, g, bus, deps.Store, cfg.Viewer.ID)
	panel := overlay.NewPanel(deps.Repo, bus, feed, deps.Confirmer, cfg.Viewer, cfg.Overlay)

	feed.SetOverlay(panel)
	feed.OnRelease(tracker.Forget)

	s := &Session{
		bus:       bus,
		scheduler: scheduler,
		holds:     h,
		ledger:    ledger,
		tracker:   tracker,
		gate:      g,
		advance:   advance,
		feed:      feed,
		panel:     panel,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.unsubs = append(s.unsubs,
		eventbus.Subscribe(bus, eventbus.VideoEndedTopic, s.onVideoEnded),
		eventbus.Subscribe(bus, eventbus.VideoTabStateTopic, s.onTabState),
		eventbus.Subscribe(bus, eventbus.ToggleFullScreenTopic, s.onFullScreen),
	)
	return s
}

// Start loads the viewer's ledger and preferences, then the first page.
// A ledger that cannot be read leaves the session running in memory.
func (s *Session) Start(ctx context.Context) int {
	if err := s.ledger.Load(ctx); err != nil {
		slog.Warn("session: starting without persisted ledger", "error", err)
	}
	s.advance.LoadPreference(ctx)
	return s.feed.Refresh(ctx)
}

// Progress forwards a player progress tick.
func (s *Session) Progress(ctx context.Context, videoID string, positionMs, durationMs int64) {
	s.scheduler.UpdatePosition(videoID, positionMs)
	snap, ok := s.scheduler.Snapshot(videoID)
	playing := ok && snap.State == playback.Playing
	s.tracker.OnProgress(ctx, videoID, positionMs, durationMs, playing)
}

// Completed reports that videoID played to its end.
func (s *Session) Completed(videoID string) {
	eventbus.Publish(s.bus, eventbus.VideoEndedTopic, eventbus.VideoEnded{VideoID: videoID})
}

// Replayed reports that videoID looped or restarted from the beginning.
func (s *Session) Replayed(videoID string) {
	s.tracker.OnLoopOrReplay(videoID)
}

func (s *Session) SetTabActive(active bool) {
	eventbus.Publish(s.bus, eventbus.VideoTabStateTopic, eventbus.VideoTabState{IsActive: active})
}

func (s *Session) SetFullScreen(full bool) {
	eventbus.Publish(s.bus, eventbus.ToggleFullScreenTopic, eventbus.ToggleFullScreen{IsFullScreen: full})
}

func (s *Session) ResolveInterstitial(ctx context.Context, outcome gate.Outcome) error {
	return s.gate.Resolve(ctx, outcome)
}

// onVideoEnded consults the gate before auto-advance so a trip always wins
// over an advance for the same completion.
func (s *Session) onVideoEnded(e eventbus.VideoEnded) {
	if s.gate.OnCompletion(s.ctx) {
		return
	}
	s.advance.OnCompletion(s.ctx, e.VideoID)
}

func (s *Session) onTabState(e eventbus.VideoTabState) {
	if e.IsActive {
		s.holds.show(s.ctx)
		return
	}
	s.holds.hide(s.ctx)
}

func (s *Session) onFullScreen(e eventbus.ToggleFullScreen) {
	if e.IsFullScreen {
		s.panel.ForceClose("")
	}
}

// Close stops every component and releases all players.
func (s *Session) Close(ctx context.Context) {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.advance.Close()
	s.panel.ForceClose("")
	s.scheduler.Close(ctx)
	s.cancel()
}

func (s *Session) Bus() *eventbus.Bus                   { return s.bus }
func (s *Session) Scheduler() *playback.Scheduler       { return s.scheduler }
func (s *Session) Ledger() *engagement.Ledger           { return s.ledger }
func (s *Session) Tracker() *engagement.Tracker         { return s.tracker }
func (s *Session) Gate() *gate.Gate                     { return s.gate }
func (s *Session) AutoAdvance() *autoadvance.Controller { return s.advance }
func (s *Session) Feed() *feedlist.Controller           { return s.feed }
func (s *Session) Panel() *overlay.Panel                { return s.panel }

// holds keeps playback suspended while either the interstitial is up or the
// tab is hidden, and resumes only once both are clear.
type holds struct {
	player gate.Suspender

	mu     sync.Mutex
	gated  bool
	hidden bool
}

func (h *holds) SuspendAll(ctx context.Context) {
	h.mu.Lock()
	h.gated = true
	h.mu.Unlock()
	h.player.SuspendAll(ctx)
}

func (h *holds) ResumeCurrent(ctx context.Context) error {
	h.mu.Lock()
	h.gated = false
	hidden := h.hidden
	h.mu.Unlock()
	if hidden {
		return nil
	}
	return h.player.ResumeCurrent(ctx)
}

func (h *holds) hide(ctx context.Context) {
	h.mu.Lock()
	h.hidden = true
	h.mu.Unlock()
	h.player.SuspendAll(ctx)
}

func (h *holds) show(ctx context.Context) {
	h.mu.Lock()
	h.hidden = false
	gated := h.gated
	h.mu.Unlock()
	if gated {
		return
	}
	if err := h.player.ResumeCurrent(ctx); err != nil {
		slog.Warn("session: resume after tab focus failed", "error", err)
	}
}
