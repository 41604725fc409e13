package simplayer

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

type recordingSink struct {
	events []string
	engine *Engine
	stop   bool
}

func (r *recordingSink) Progress(_ context.Context, id string, pos, _ int64) {
	r.events = append(r.events, "progress:"+id)
}

func (r *recordingSink) Completed(id string) {
	r.events = append(r.events, "completed:"+id)
	if r.stop {
		_ = r.engine.Stop(context.Background(), id)
	}
}

func (r *recordingSink) Replayed(id string) {
	r.events = append(r.events, "replayed:"+id)
}

func TestPlayRequiresLoad(t *testing.T) {
	e := New(Options{})
	if err := e.Play(context.Background(), "v1"); err == nil {
		t.Fatal("expected error playing an unloaded item")
	}
	if err := e.Load(context.Background(), "v1", "https://cdn.example/v1.mp4"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := e.Play(context.Background(), "v1"); err != nil {
		t.Fatalf("play: %v", err)
	}
	if got := e.Playing(); !slices.Equal(got, []string{"v1"}) {
		t.Errorf("playing = %v, want [v1]", got)
	}
}

func TestFailOn(t *testing.T) {
	e := New(Options{})
	boom := errors.New("boom")
	e.FailOn("load:v1", boom)

	if err := e.Load(context.Background(), "v1", "u"); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	e.FailOn("load:v1", nil)
	if err := e.Load(context.Background(), "v1", "u"); err != nil {
		t.Fatalf("expected cleared failure, got %v", err)
	}
	want := []string{"load:v1", "load:v1"}
	if got := e.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestLoadHonoursContext(t *testing.T) {
	e := New(Options{LoadLatency: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Load(ctx, "v1", "u"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAdvance_EndsAndLoops(t *testing.T) {
	e := New(Options{})
	e.SetDuration("v1", 1000)
	ctx := context.Background()
	_ = e.Load(ctx, "v1", "u")
	_ = e.Play(ctx, "v1")

	ticks := e.Advance(600 * time.Millisecond)
	if len(ticks) != 1 || ticks[0].PositionMs != 600 || ticks[0].Ended {
		t.Fatalf("unexpected first tick: %+v", ticks)
	}
	ticks = e.Advance(600 * time.Millisecond)
	if !ticks[0].Ended || ticks[0].PositionMs != 1000 {
		t.Fatalf("expected clamped end tick, got %+v", ticks[0])
	}
	ticks = e.Advance(100 * time.Millisecond)
	if ticks[0].PositionMs != 100 {
		t.Errorf("expected loop back to start, got %d", ticks[0].PositionMs)
	}
}

func TestAdvance_SkipsPaused(t *testing.T) {
	e := New(Options{})
	ctx := context.Background()
	_ = e.Load(ctx, "v1", "u")
	_ = e.Play(ctx, "v1")
	_ = e.Pause(ctx, "v1")

	if ticks := e.Advance(time.Second); len(ticks) != 0 {
		t.Errorf("expected no ticks for a paused item, got %+v", ticks)
	}
}

func TestDispatch_ReportsReplayOnlyWhenStillPlaying(t *testing.T) {
	ctx := context.Background()

	e := New(Options{})
	e.SetDuration("v1", 500)
	_ = e.Load(ctx, "v1", "u")
	_ = e.Play(ctx, "v1")
	sink := &recordingSink{engine: e}
	e.Dispatch(ctx, e.Advance(time.Second), sink)
	want := []string{"progress:v1", "completed:v1", "replayed:v1"}
	if !slices.Equal(sink.events, want) {
		t.Errorf("events = %v, want %v", sink.events, want)
	}

	e = New(Options{})
	e.SetDuration("v1", 500)
	_ = e.Load(ctx, "v1", "u")
	_ = e.Play(ctx, "v1")
	sink = &recordingSink{engine: e, stop: true}
	e.Dispatch(ctx, e.Advance(time.Second), sink)
	want = []string{"progress:v1", "completed:v1"}
	if !slices.Equal(sink.events, want) {
		t.Errorf("events = %v, want %v", sink.events, want)
	}
}

func TestUnloadForgetsItem(t *testing.T) {
	e := New(Options{})
	ctx := context.Background()
	_ = e.Load(ctx, "v1", "u")
	_ = e.SetVolume(ctx, "v1", 0.5)
	_ = e.Unload(ctx, "v1")
	if v := e.Volume("v1"); v != 0 {
		t.Errorf("volume after unload = %v, want 0", v)
	}
	if err := e.Play(ctx, "v1"); err == nil {
		t.Error("expected play after unload to fail")
	}
}
