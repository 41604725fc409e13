// Package simplayer is an in-process media engine that plays items on a
// virtual clock. It backs the feed simulator and end-to-end tests.
package simplayer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const DefaultDurationMs = 30_000

type Options struct {
	// LoadLatency delays every Load and PlayDirect call.
	LoadLatency time.Duration
	// DefaultDurationMs is used for items without an explicit duration.
	DefaultDurationMs int64
}

type media struct {
	uri        string
	loaded     bool
	playing    bool
	volume     float64
	positionMs int64
}

// Tick is one progress report for a playing item.
type Tick struct {
	ID         string
	PositionMs int64
	DurationMs int64
	Ended      bool
}

// Sink receives progress from Run.
type Sink interface {
	Progress(ctx context.Context, videoID string, positionMs, durationMs int64)
	Completed(videoID string)
	Replayed(videoID string)
}

type Engine struct {
	opts Options

	mu        sync.Mutex
	media     map[string]*media
	durations map[string]int64
	failures  map[string]error
	calls     []string
}

func New(opts Options) *Engine {
	if opts.DefaultDurationMs <= 0 {
		opts.DefaultDurationMs = DefaultDurationMs
	}
	return &Engine{
		opts:      opts,
		media:     make(map[string]*media),
		durations: make(map[string]int64),
		failures:  make(map[string]error),
	}
}

func (e *Engine) SetDuration(id string, durationMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.durations[id] = durationMs
}

// FailOn makes the named call fail until cleared with a nil error. Calls are
// named "<op>:<id>", for example "play:v1".
func (e *Engine) FailOn(call string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, call)
		return
	}
	e.failures[call] = err
}

// Calls returns every engine call in the order it was made.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// Playing lists the items currently producing sound or picture.
func (e *Engine) Playing() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, m := range e.media {
		if m.playing {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (e *Engine) Volume(id string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.media[id]; ok {
		return m.volume
	}
	return 0
}

func (e *Engine) record(call string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
	return e.failures[call]
}

func (e *Engine) lookup(id string) *media {
	m, ok := e.media[id]
	if !ok {
		m = &media{}
		e.media[id] = m
	}
	return m
}

func (e *Engine) wait(ctx context.Context) error {
	if e.opts.LoadLatency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.opts.LoadLatency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Load(ctx context.Context, id, uri string) error {
	if err := e.record("load:" + id); err != nil {
		return err
	}
	if err := e.wait(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.lookup(id)
	m.uri = uri
	m.loaded = true
	return nil
}

func (e *Engine) Play(_ context.Context, id string) error {
	if err := e.record("play:" + id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.media[id]
	if !ok || !m.loaded {
		return fmt.Errorf("play %s: not loaded", id)
	}
	m.playing = true
	return nil
}

func (e *Engine) PlayDirect(ctx context.Context, id, uri string) error {
	if err := e.record("direct:" + id); err != nil {
		return err
	}
	if err := e.wait(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.lookup(id)
	m.uri = uri
	m.loaded = true
	m.playing = true
	m.volume = 1
	return nil
}

func (e *Engine) Pause(_ context.Context, id string) error {
	if err := e.record("pause:" + id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.media[id]; ok {
		m.playing = false
	}
	return nil
}

func (e *Engine) Stop(_ context.Context, id string) error {
	if err := e.record("stop:" + id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.media[id]; ok {
		m.playing = false
		m.positionMs = 0
	}
	return nil
}

func (e *Engine) SetVolume(_ context.Context, id string, volume float64) error {
	if err := e.record(fmt.Sprintf("volume:%s:%.2f", id, volume)); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lookup(id).volume = volume
	return nil
}

func (e *Engine) Unload(_ context.Context, id string) error {
	if err := e.record("unload:" + id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.media, id)
	return nil
}

// Advance moves every playing item forward by dt. An item that reaches its
// duration reports Ended and loops back to the start.
func (e *Engine) Advance(dt time.Duration) []Tick {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.media))
	for id, m := range e.media {
		if m.playing {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	ticks := make([]Tick, 0, len(ids))
	for _, id := range ids {
		m := e.media[id]
		dur := e.durations[id]
		if dur <= 0 {
			dur = e.opts.DefaultDurationMs
		}
		m.positionMs += dt.Milliseconds()
		tick := Tick{ID: id, PositionMs: min(m.positionMs, dur), DurationMs: dur}
		if m.positionMs >= dur {
			tick.Ended = true
			m.positionMs = 0
		}
		ticks = append(ticks, tick)
	}
	return ticks
}

func (e *Engine) isPlaying(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.media[id]
	return ok && m.playing
}

// Dispatch delivers ticks to sink. An ended item that is still playing after
// its completion was handled has looped, and is reported as replayed.
func (e *Engine) Dispatch(ctx context.Context, ticks []Tick, sink Sink) {
	for _, t := range ticks {
		sink.Progress(ctx, t.ID, t.PositionMs, t.DurationMs)
		if !t.Ended {
			continue
		}
		sink.Completed(t.ID)
		if e.isPlaying(t.ID) {
			sink.Replayed(t.ID)
		}
	}
}

// Run advances the clock every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration, sink Sink) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("simplayer: clock started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("simplayer: clock stopped")
			return
		case <-ticker.C:
			e.Dispatch(ctx, e.Advance(interval), sink)
		}
	}
}
