package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var (
	ErrUnknownItem = errors.New("playback: unknown item")

	errStale      = errors.New("playback: item no longer live")
	errLoadFailed = errors.New("playback: load failed")
)

type Config struct {
	// PreloadLimit caps how many non-current items may be loaded ahead. Defaults to 2.
	PreloadLimit int
	// VolumeSteps is the number of SetVolume calls used to ramp in and out. Defaults to 4.
	VolumeSteps int
}

func (c Config) withDefaults() Config {
	if c.PreloadLimit <= 0 {
		c.PreloadLimit = 2
	}
	if c.VolumeSteps <= 0 {
		c.VolumeSteps = 4
	}
	return c
}

type Snapshot struct {
	ID         string
	State      State
	PositionMs int64
	Muted      bool
	Volume     float64
}

type handle struct {
	id         string
	uri        string
	state      State
	positionMs int64
	muted      bool
	volume     float64
	failed     bool
	dead       bool
	loading    chan struct{}
}

// Scheduler owns every player handle and decides which single item plays.
// Play-affecting sequences run one at a time; preloads run alongside them.
type Scheduler struct {
	engine Engine
	cfg    Config

	opMu sync.Mutex

	mu        sync.Mutex
	handles   map[string]*handle
	current   string
	suspended bool
	preloaded []string
	cancelOp  context.CancelFunc
	opSeq     uint64
}

func NewScheduler(engine Engine, cfg Config) *Scheduler {
	return &Scheduler{
		engine:  engine,
		cfg:     cfg.withDefaults(),
		handles: make(map[string]*handle),
	}
}

// Register makes an item known to the scheduler. Registering an existing id
// only updates its media URI.
func (s *Scheduler) Register(id, uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[id]; ok {
		h.uri = uri
		return
	}
	s.handles[id] = &handle{id: id, uri: uri, state: Idle, muted: true}
}

func (s *Scheduler) SetCurrent(ctx context.Context, id string) error {
	return s.Handoff(ctx, "", id)
}

// Handoff makes nextID the current item. prevID is the item the caller
// believes was current; it is stopped along with the scheduler's own previous
// item and any other item still sounding. The stop sequence always completes
// before the play sequence starts.
func (s *Scheduler) Handoff(ctx context.Context, prevID, nextID string) error {
	ctx, done := s.beginOp(ctx)
	defer done()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if ctx.Err() != nil {
		return nil
	}

	s.mu.Lock()
	next, ok := s.handles[nextID]
	if !ok || next.dead {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownItem, nextID)
	}
	prev := s.current
	s.current = nextID
	s.preloaded = slices.DeleteFunc(s.preloaded, func(id string) bool { return id == nextID })

	var leaving []string
	for _, id := range []string{prev, prevID} {
		if id != "" && id != nextID && !slices.Contains(leaving, id) {
			leaving = append(leaving, id)
		}
	}
	for id, h := range s.handles {
		if id != nextID && (h.state == Playing || h.state == Paused) && !slices.Contains(leaving, id) {
			leaving = append(leaving, id)
		}
	}
	s.mu.Unlock()

	stopCtx := context.WithoutCancel(ctx)
	for _, id := range leaving {
		s.leave(stopCtx, id)
	}

	return s.playCurrent(ctx, next)
}

// SuspendAll pauses every playing item. The current item stays current.
func (s *Scheduler) SuspendAll(ctx context.Context) {
	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	for _, h := range s.handlesIn(Playing) {
		err := s.engine.Pause(ctx, h.id)
		if err == nil {
			s.transition(h, EventPause)
			continue
		}
		slog.Error("scheduler: pause failed, stopping instead", "video_id", h.id, "error", err)
		if err := s.engine.Stop(ctx, h.id); err != nil {
			slog.Error("scheduler: stop after failed pause failed", "video_id", h.id, "error", err)
		}
		s.transition(h, EventFail)
	}
}

// ResumeCurrent clears the suspension and resumes the current item only.
func (s *Scheduler) ResumeCurrent(ctx context.Context) error {
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	h, ok := s.handles[s.current]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.playCurrent(ctx, h)
}

// Preload loads an item ahead of time without playing it. When the preload
// set grows past its limit the oldest entries are evicted.
func (s *Scheduler) Preload(ctx context.Context, id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if !ok || h.dead {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	if id == s.current || slices.Contains(s.preloaded, id) {
		s.mu.Unlock()
		return nil
	}
	s.preloaded = append(s.preloaded, id)
	var evicted []string
	if over := len(s.preloaded) - s.cfg.PreloadLimit; over > 0 {
		evicted = slices.Clone(s.preloaded[:over])
		s.preloaded = slices.Clone(s.preloaded[over:])
	}
	s.mu.Unlock()

	if len(evicted) > 0 {
		s.evict(context.WithoutCancel(ctx), evicted)
	}

	if err := s.ensureLoaded(ctx, h); err != nil && !errors.Is(err, errStale) {
		slog.Warn("scheduler: preload failed", "video_id", id, "error", err)
	}
	return nil
}

// Release forgets an item. In-flight work for it is ignored when it resolves.
func (s *Scheduler) Release(ctx context.Context, id string) {
	s.mu.Lock()
	h, ok := s.handles[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	h.dead = true
	delete(s.handles, id)
	s.preloaded = slices.DeleteFunc(s.preloaded, func(p string) bool { return p == id })
	if s.current == id {
		s.current = ""
	}
	state := h.state
	s.mu.Unlock()

	if state == Idle {
		return
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if state != Stopped {
		if err := s.engine.Stop(ctx, id); err != nil {
			slog.Warn("scheduler: stop on release failed", "video_id", id, "error", err)
		}
	}
	if err := s.engine.Unload(ctx, id); err != nil {
		slog.Warn("scheduler: unload on release failed", "video_id", id, "error", err)
	}
}

// Close releases every tracked item.
func (s *Scheduler) Close(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Release(ctx, id)
	}
}

func (s *Scheduler) UpdatePosition(id string, positionMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[id]; ok {
		h.positionMs = positionMs
	}
}

func (s *Scheduler) Snapshot(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{ID: h.id, State: h.state, PositionMs: h.positionMs, Muted: h.muted, Volume: h.volume}, true
}

func (s *Scheduler) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Scheduler) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

func (s *Scheduler) Preloaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.preloaded)
}

// Playing lists items currently in the Playing state.
func (s *Scheduler) Playing() []string {
	var ids []string
	for _, h := range s.handlesIn(Playing) {
		ids = append(ids, h.id)
	}
	return ids
}

func (s *Scheduler) beginOp(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	if s.cancelOp != nil {
		s.cancelOp()
	}
	s.opSeq++
	seq := s.opSeq
	s.cancelOp = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		if s.opSeq == seq {
			s.cancelOp = nil
		}
		s.mu.Unlock()
		cancel()
	}
}

// playCurrent brings h to Playing unless the scheduler is suspended, in which
// case it only makes sure h is loaded. Must hold opMu.
func (s *Scheduler) playCurrent(ctx context.Context, h *handle) error {
	s.mu.Lock()
	live := s.isCurrentLocked(h)
	state := h.state
	suspended := s.suspended
	s.mu.Unlock()
	if !live {
		return nil
	}
	if state == Playing {
		return nil
	}

	if state != Paused {
		if err := s.ensureLoaded(ctx, h); err != nil {
			if errors.Is(err, errStale) || ctx.Err() != nil {
				slog.Debug("scheduler: discarding stale load", "video_id", h.id)
				return nil
			}
			if suspended || s.Suspended() {
				return nil
			}
			return s.fallback(ctx, h)
		}
	}

	s.mu.Lock()
	live = s.isCurrentLocked(h)
	suspended = s.suspended
	s.mu.Unlock()
	if !live || suspended {
		return nil
	}

	s.rampVolume(ctx, h, 1)
	s.mu.Lock()
	h.muted = false
	s.mu.Unlock()

	err := s.engine.Play(ctx, h.id)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		slog.Error("scheduler: play failed, trying direct play", "video_id", h.id, "error", err)
		s.transition(h, EventFail)
		return s.fallback(ctx, h)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h.dead {
		return nil
	}
	s.applyLocked(h, EventPlay)
	h.failed = false
	return nil
}

// fallback tries the direct play path once and leaves the item Stopped if
// that also fails.
func (s *Scheduler) fallback(ctx context.Context, h *handle) error {
	s.mu.Lock()
	uri := h.uri
	s.mu.Unlock()

	err := s.engine.PlayDirect(ctx, h.id, uri)

	s.mu.Lock()
	defer s.mu.Unlock()
	if h.dead {
		return nil
	}
	if err != nil {
		slog.Error("scheduler: direct play failed, item left stopped", "video_id", h.id, "error", err)
		h.state = Stopped
		h.failed = true
		return nil
	}
	s.applyLocked(h, EventDirectPlay)
	h.muted = false
	h.volume = 1
	h.failed = false
	return nil
}

// ensureLoaded returns once h is at least Ready. An in-flight load started by
// Preload is awaited rather than repeated.
func (s *Scheduler) ensureLoaded(ctx context.Context, h *handle) error {
	for {
		s.mu.Lock()
		if h.dead {
			s.mu.Unlock()
			return errStale
		}
		switch h.state {
		case Ready, Playing, Paused:
			s.mu.Unlock()
			return nil
		}
		if wait := h.loading; wait != nil {
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if h.state == Stopped && h.failed {
			s.mu.Unlock()
			return errLoadFailed
		}
		if !s.applyLocked(h, EventLoad) {
			s.mu.Unlock()
			return fmt.Errorf("%w: cannot load from %s", ErrInvalidTransition, h.state)
		}
		done := make(chan struct{})
		h.loading = done
		uri := h.uri
		s.mu.Unlock()

		err := s.engine.Load(ctx, h.id, uri)
		if finishErr := s.finishLoad(ctx, h, done, err); finishErr != nil {
			return finishErr
		}
	}
}

func (s *Scheduler) finishLoad(ctx context.Context, h *handle, done chan struct{}, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.loading == done {
		h.loading = nil
	}
	close(done)

	wanted := s.isCurrentLocked(h) || slices.Contains(s.preloaded, h.id)
	if h.dead || h.state != Preloading || !wanted {
		if !h.dead && h.state == Preloading {
			s.applyLocked(h, EventCancel)
		}
		slog.Debug("scheduler: ignoring load result for inactive item", "video_id", h.id)
		return errStale
	}

	if err != nil {
		if ctx.Err() != nil {
			s.applyLocked(h, EventCancel)
			return ctx.Err()
		}
		slog.Error("scheduler: load failed", "video_id", h.id, "error", err)
		s.applyLocked(h, EventFail)
		h.failed = true
		return errLoadFailed
	}

	s.applyLocked(h, EventLoaded)
	h.failed = false
	return nil
}

// leave steps the volume of id down to zero, then stops it.
func (s *Scheduler) leave(ctx context.Context, id string) {
	s.mu.Lock()
	h, ok := s.handles[id]
	if !ok || h.dead {
		s.mu.Unlock()
		return
	}
	state := h.state
	s.mu.Unlock()

	switch state {
	case Playing, Paused, Ready, Preloading:
	default:
		return
	}

	s.rampVolume(ctx, h, 0)

	s.mu.Lock()
	h.muted = true
	s.mu.Unlock()

	if err := s.engine.Stop(ctx, id); err != nil {
		slog.Error("scheduler: stop failed", "video_id", id, "error", err)
		s.transition(h, EventFail)
		return
	}
	s.transition(h, EventStop)
}

// rampVolume steps h's volume toward target over cfg.VolumeSteps calls.
// A failing step is logged and ends the ramp early.
func (s *Scheduler) rampVolume(ctx context.Context, h *handle, target float64) {
	s.mu.Lock()
	start := h.volume
	if target > 0 && h.muted {
		start = 0
	}
	s.mu.Unlock()
	if start == target {
		return
	}

	steps := s.cfg.VolumeSteps
	for i := 1; i <= steps; i++ {
		v := start + (target-start)*float64(i)/float64(steps)
		if err := s.engine.SetVolume(ctx, h.id, v); err != nil {
			slog.Warn("scheduler: volume step failed", "video_id", h.id, "volume", v, "error", err)
			return
		}
		s.mu.Lock()
		h.volume = v
		s.mu.Unlock()
	}
}

func (s *Scheduler) evict(ctx context.Context, ids []string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		h, ok := s.handles[id]
		if !ok || h.dead || id == s.current || slices.Contains(s.preloaded, id) {
			s.mu.Unlock()
			continue
		}
		state := h.state
		s.mu.Unlock()

		if state == Idle || state == Stopped {
			continue
		}
		if err := s.engine.Unload(ctx, id); err != nil {
			slog.Warn("scheduler: unload on eviction failed", "video_id", id, "error", err)
		}
		s.transition(h, EventStop)
	}
}

func (s *Scheduler) handlesIn(state State) []*handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*handle
	for _, h := range s.handles {
		if h.state == state {
			out = append(out, h)
		}
	}
	return out
}

func (s *Scheduler) isCurrentLocked(h *handle) bool {
	return !h.dead && s.current == h.id && s.handles[h.id] == h
}

func (s *Scheduler) transition(h *handle, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(h, e)
}

func (s *Scheduler) applyLocked(h *handle, e Event) bool {
	next, err := Next(h.state, e)
	if err != nil {
		slog.Debug("scheduler: transition rejected", "video_id", h.id, "error", err)
		return false
	}
	h.state = next
	return true
}
