package feedlist

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sendrec/reelfeed/internal/content"
)

type fakePager struct {
	mu      sync.Mutex
	pages   [][]content.VideoItem
	err     error
	cursors []string
	calls   atomic.Int32
	block   chan struct{}

	// held blocks only the fetch after heldCursor.
	heldCursor string
	held       chan struct{}
}

func (f *fakePager) FetchPage(_ context.Context, limit int, cursor string) ([]content.VideoItem, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.held != nil && cursor == f.heldCursor {
		<-f.held
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

type fakePlayer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakePlayer) log(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakePlayer) Register(id, _ string) { f.log("register:" + id) }
func (f *fakePlayer) Handoff(_ context.Context, prevID, nextID string) error {
	f.log("handoff:" + prevID + ">" + nextID)
	return nil
}
func (f *fakePlayer) Preload(_ context.Context, id string) error {
	f.log("preload:" + id)
	return nil
}
func (f *fakePlayer) Release(_ context.Context, id string) { f.log("release:" + id) }

func (f *fakePlayer) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakePlayer) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

type fakeViewport struct {
	indexErr  error
	offsetErr error
	calls     []string
	onScroll  func()
}

func (f *fakeViewport) ScrollToIndex(_ context.Context, index int) error {
	f.calls = append(f.calls, fmt.Sprintf("index:%d", index))
	if f.onScroll != nil {
		f.onScroll()
	}
	return f.indexErr
}

func (f *fakeViewport) ScrollToOffset(_ context.Context, offset float64) error {
	f.calls = append(f.calls, fmt.Sprintf("offset:%.0f", offset))
	return f.offsetErr
}

type fakeCloser struct {
	closed []string
}

func (f *fakeCloser) ForceClose(videoID string) { f.closed = append(f.closed, videoID) }

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type testClock struct {
	now    time.Time
	timers []*fakeTimer
}

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func (c *testClock) lastTimer() *fakeTimer {
	return c.timers[len(c.timers)-1]
}

func items(ids ...string) []content.VideoItem {
	out := make([]content.VideoItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, content.VideoItem{ID: id, MediaURI: "https://cdn.example.com/" + id, RewardPoints: 5})
	}
	return out
}

type fixture struct {
	ctrl     *Controller
	pager    *fakePager
	player   *fakePlayer
	viewport *fakeViewport
	closer   *fakeCloser
	clock    *testClock
}

func newFixture(t *testing.T, pages ...[]content.VideoItem) *fixture {
	t.Helper()
	f := &fixture{
		pager:    &fakePager{pages: pages},
		player:   &fakePlayer{},
		viewport: &fakeViewport{},
		closer:   &fakeCloser{},
		clock:    &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	f.ctrl = New(f.pager, f.player, f.viewport, Config{PageSize: 3, ItemExtent: 800})
	f.ctrl.SetOverlay(f.closer)
	f.ctrl.now = func() time.Time { return f.clock.now }
	f.ctrl.afterFunc = func(_ time.Duration, fn func()) stopper {
		timer := &fakeTimer{fn: fn}
		f.clock.timers = append(f.clock.timers, timer)
		return timer
	}
	return f
}

func visible(index int, fraction float64) []Visibility {
	return []Visibility{{Index: index, Fraction: fraction}}
}

func TestLoadMore_AppendsDedupesAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, items("v0", "v1", "v2"), items("v2", "v3"))

	if n := f.ctrl.LoadMore(ctx); n != 3 {
		t.Fatalf("expected 3 items, got %d", n)
	}
	if n := f.ctrl.LoadMore(ctx); n != 1 {
		t.Fatalf("expected duplicate dropped, got %d new", n)
	}
	if f.ctrl.Len() != 4 {
		t.Errorf("expected 4 items, got %d", f.ctrl.Len())
	}
	if !slices.Equal(f.pager.cursors, []string{"", "v2"}) {
		t.Errorf("unexpected cursors %v", f.pager.cursors)
	}
	if cur := f.ctrl.Cursor(); cur.LastLoadedID != "v3" || !cur.HasMore {
		t.Errorf("unexpected cursor %+v", cur)
	}

	if n := f.ctrl.LoadMore(ctx); n != 0 {
		t.Errorf("expected empty page, got %d", n)
	}
	if f.ctrl.Cursor().HasMore {
		t.Error("expected empty page to end the feed")
	}
	f.ctrl.LoadMore(ctx)
	if got := f.pager.calls.Load(); got != 3 {
		t.Errorf("expected no fetch after end of feed, got %d calls", got)
	}
}

func TestLoadMore_FailureIsEndOfFeed(t *testing.T) {
	f := newFixture(t)
	f.pager.err = errors.New("connection refused")

	if n := f.ctrl.LoadMore(context.Background()); n != 0 {
		t.Fatalf("expected no items, got %d", n)
	}
	if f.ctrl.Cursor().HasMore {
		t.Error("expected fetch failure to end the feed")
	}
}

func TestLoadMore_ConcurrentCallsShareOneFetch(t *testing.T) {
	f := newFixture(t, items("v0", "v1"))
	f.pager.block = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.ctrl.LoadMore(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(f.pager.block)
	wg.Wait()

	if f.ctrl.Len() != 2 {
		t.Errorf("expected 2 items, got %d", f.ctrl.Len())
	}
	if got := f.pager.calls.Load(); got > 2 {
		t.Errorf("expected concurrent calls to coalesce, got %d fetches", got)
	}
}

func TestRefresh_WhileLoadMoreInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, items("v0", "v1"), items("n0", "n1"), items("v2"))
	f.ctrl.Refresh(ctx)

	f.pager.heldCursor = "v1"
	f.pager.held = make(chan struct{})
	stale := make(chan int, 1)
	go func() { stale <- f.ctrl.LoadMore(ctx) }()

	deadline := time.Now().Add(time.Second)
	for f.pager.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("page load never started")
		}
		time.Sleep(time.Millisecond)
	}

	if n := f.ctrl.Refresh(ctx); n != 2 {
		t.Fatalf("expected refresh to load its own page, got %d", n)
	}
	if idx, id := f.ctrl.Current(); idx != 0 || id != "n0" {
		t.Errorf("expected current 0/n0 after refresh, got %d/%q", idx, id)
	}

	close(f.pager.held)
	if n := <-stale; n != 0 {
		t.Errorf("expected the older page to be dropped, got %d", n)
	}
	var ids []string
	for _, item := range f.ctrl.Items() {
		ids = append(ids, item.ID)
	}
	if !slices.Equal(ids, []string{"n0", "n1"}) {
		t.Errorf("expected only the refreshed page, got %v", ids)
	}
	if cur := f.ctrl.Cursor(); cur.LastLoadedID != "n1" || !cur.HasMore {
		t.Errorf("unexpected cursor %+v", cur)
	}
}

func TestRefresh_CommitsFirstItemAndPreloadsNextTwo(t *testing.T) {
	f := newFixture(t, items("v0", "v1", "v2"))

	f.ctrl.Refresh(context.Background())

	want := []string{"register:v0", "register:v1", "register:v2", "handoff:>v0", "preload:v1", "preload:v2"}
	if got := f.player.snapshot(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if idx, id := f.ctrl.Current(); idx != 0 || id != "v0" {
		t.Errorf("expected current 0/v0, got %d/%s", idx, id)
	}
}

func TestReportVisibility_RequiresDwell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, items("v0", "v1", "v2"))
	f.ctrl.Refresh(ctx)
	f.player.reset()

	f.ctrl.ReportVisibility(ctx, visible(1, 0.8))
	f.clock.advance(100 * time.Millisecond)
	f.ctrl.ReportVisibility(ctx, visible(1, 0.9))
	if idx, _ := f.ctrl.Current(); idx != 0 {
		t.Fatalf("expected no commit before dwell, current %d", idx)
	}

	f.clock.advance(150 * time.Millisecond)
	f.ctrl.ReportVisibility(ctx, visible(1, 1))

	if idx, _ := f.ctrl.Current(); idx != 1 {
		t.Fatalf("expected commit after dwell, current %d", idx)
	}
	if !slices.Contains(f.player.snapshot(), "handoff:v0>v1") {
		t.Errorf("expected handoff with previous id, got %v", f.player.snapshot())
	}
	if !slices.Equal(f.closer.closed, []string{"v0"}) {
		t.Errorf("expected overlay force-closed on v0, got %v", f.closer.closed)
	}
}

func TestReportVisibility_BelowHalfIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, items("v0", "v1"))
	f.ctrl.Refresh(ctx)

	f.ctrl.ReportVisibility(ctx, []Visibility{{Index: 0, Fraction: 0.45}, {Index: 1, Fraction: 0.49}})
	f.clock.advance(time.Second)
	f.ctrl.Settle(ctx)

	if idx, _ := f.ctrl.Current(); idx != 0 {
		t.Errorf("expected current unchanged, got %d", idx)
	}
}

func TestReportVisibility_FastScrollDoesNotFlap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, items("v0", "v1", "v2", "v3"))
	f.ctrl.Refresh(ctx)
	f.player.reset()

	f.ctrl.ReportVisibility(ctx, visible(1, 0.7))
	first := f.clock.lastTimer()
	f.clock.advance(100 * time.Millisecond)
	f.ctrl.ReportVisibility(ctx, visible(2, 0.7))
	f.clock.advance(250 * time.Millisecond)
	f.ctrl.ReportVisibility(ctx, visible(2, 0.8))

	if !first.stopped {
		t.Error("expected the superseded dwell timer to be stopped")
	}
	if idx, _ := f.ctrl.Current(); idx != 2 {
		t.Fatalf("expected current 2, got %d", idx)
	}
	for _, call := range f.player.snapshot() {
		if call == "handoff:v0>v1" {
			t.Errorf("item 1 was only passed through and must not become current: %v", f.player.snapshot())
		}
	}
}

func TestReportVisibility_DwellTimerCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, items("v0", "v1"))
	f.ctrl.Refresh(ctx)

	f.ctrl.ReportVisibility(ctx, visible(1, 0.6))
	f.clock.advance(250 * time.Millisecond)
	f.clock.lastTimer().fn()

	if idx, _ := f.ctrl.Current(); idx != 1 {
		t.Errorf("expected dwell timer to commit, current %d", idx)
	}
}

func TestSettle_CommitsCandidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, items("v0", "v1"))
	f.ctrl.Refresh(ctx)

	f.ctrl.ReportVisibility(ctx, visible(1, 0.6))
	f.ctrl.Settle(ctx)

	if idx, _ := f.ctrl.Current(); idx != 1 {
		t.Errorf("expected settle to commit, current %d", idx)
	}
}

func TestCommit_ReleasesItemsOutsideWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, items("v0", "v1", "v2"), items("v3", "v4", "v5"))
	var forgotten []string
	f.ctrl.OnRelease(func(id string) { forgotten = append(forgotten, id) })
	f.ctrl.Refresh(ctx)
	f.ctrl.LoadMore(ctx)
	f.player.reset()

	if err := f.ctrl.ScrollToIndex(ctx, 3); err != nil {
		t.Fatal(err)
	}

	calls := f.player.snapshot()
	for _, want := range []string{"register:v3", "register:v4", "register:v5", "handoff:v0>v3", "preload:v4", "preload:v5", "release:v0", "release:v1"} {
		if !slices.Contains(calls, want) {
			t.Errorf("expected %s in %v", want, calls)
		}
	}
	if slices.Contains(calls, "release:v2") {
		t.Errorf("item right behind current must be retained: %v", calls)
	}
	if slices.Index(calls, "handoff:v0>v3") > slices.Index(calls, "preload:v4") {
		t.Errorf("handoff must precede preloads: %v", calls)
	}
	slices.Sort(forgotten)
	if !slices.Equal(forgotten, []string{"v0", "v1"}) {
		t.Errorf("expected release hook for v0 and v1, got %v", forgotten)
	}
}

func TestScrollToIndex_FallsBackToOffsetOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, items("v0", "v1"))
	f.ctrl.Refresh(ctx)
	f.viewport.indexErr = errors.New("layout not ready")

	if err := f.ctrl.ScrollToIndex(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(f.viewport.calls, []string{"index:1", "offset:800"}) {
		t.Errorf("unexpected viewport calls %v", f.viewport.calls)
	}
	if idx, _ := f.ctrl.Current(); idx != 1 {
		t.Errorf("expected current 1, got %d", idx)
	}
}

func TestScrollToIndex_BothScrollsFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, items("v0", "v1"))
	f.ctrl.Refresh(ctx)
	f.viewport.indexErr = errors.New("layout not ready")
	f.viewport.offsetErr = errors.New("still not ready")

	if err := f.ctrl.ScrollToIndex(ctx, 1); err == nil {
		t.Fatal("expected error")
	}
	if idx, _ := f.ctrl.Current(); idx != 0 {
		t.Errorf("expected current unchanged, got %d", idx)
	}
}

func TestScrollToIndex_CancelledDuringScrollDoesNotCommit(t *testing.T) {
	f := newFixture(t, items("v0", "v1"))
	f.ctrl.Refresh(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	f.viewport.onScroll = cancel

	err := f.ctrl.ScrollToIndex(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if idx, _ := f.ctrl.Current(); idx != 0 {
		t.Errorf("cancelled scroll must not commit, current %d", idx)
	}
	if !slices.Equal(f.viewport.calls, []string{"index:1", "index:0"}) {
		t.Errorf("expected viewport scrolled back to current, got %v", f.viewport.calls)
	}

	f.ctrl.ReportVisibility(context.Background(), visible(0, 1))
	f.clock.advance(time.Second)
	f.ctrl.Settle(context.Background())
	if idx, _ := f.ctrl.Current(); idx != 0 {
		t.Errorf("dropped advance must not land later, current %d", idx)
	}
}

func TestScrollToIndex_ScrollBackFallsBackToOffset(t *testing.T) {
	f := newFixture(t, items("v0", "v1", "v2"))
	f.ctrl.Refresh(context.Background())
	if err := f.ctrl.ScrollToIndex(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	f.viewport.calls = nil

	ctx, cancel := context.WithCancel(context.Background())
	f.viewport.onScroll = func() {
		cancel()
		f.viewport.onScroll = func() { f.viewport.indexErr = errors.New("layout not ready") }
	}

	if err := f.ctrl.ScrollToIndex(ctx, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !slices.Equal(f.viewport.calls, []string{"index:2", "index:1", "offset:800"}) {
		t.Errorf("unexpected viewport calls %v", f.viewport.calls)
	}
}

func TestCommit_EvictsItemsFarBehindCurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, items("v0", "v1", "v2"), items("v3", "v4", "v5"), items("v0", "v6"))
	f.ctrl.cfg.EvictBehind = 2
	f.ctrl.Refresh(ctx)
	f.ctrl.LoadMore(ctx)

	if err := f.ctrl.ScrollToIndex(ctx, 4); err != nil {
		t.Fatal(err)
	}

	if idx, id := f.ctrl.Current(); idx != 4 || id != "v4" {
		t.Fatalf("expected current 4/v4, got %d/%s", idx, id)
	}
	if _, ok := f.ctrl.Item("v1"); ok {
		t.Error("expected v1 evicted")
	}
	if i, ok := f.ctrl.IndexOf("v2"); !ok || i != 2 {
		t.Errorf("expected v2 kept at index 2, got %d/%v", i, ok)
	}
	if i, ok := f.ctrl.IndexOf("v6"); !ok || i != 6 {
		t.Errorf("expected v6 appended at index 6, got %d/%v", i, ok)
	}
	if f.ctrl.Len() != 7 {
		t.Errorf("expected evicted v0 not to be loaded again, len %d", f.ctrl.Len())
	}
	var ids []string
	for _, item := range f.ctrl.Items() {
		ids = append(ids, item.ID)
	}
	if !slices.Equal(ids, []string{"v2", "v3", "v4", "v5", "v6"}) {
		t.Errorf("unexpected items in memory %v", ids)
	}

	if err := f.ctrl.ScrollToIndex(ctx, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected evicted index out of range, got %v", err)
	}
	f.ctrl.ReportVisibility(ctx, visible(5, 0.9))
	f.ctrl.Settle(ctx)
	if idx, id := f.ctrl.Current(); idx != 5 || id != "v5" {
		t.Errorf("expected current 5/v5, got %d/%s", idx, id)
	}
}

func TestScrollToIndex_OutOfRange(t *testing.T) {
	f := newFixture(t, items("v0"))
	f.ctrl.Refresh(context.Background())

	if err := f.ctrl.ScrollToIndex(context.Background(), 5); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestOnEndReached_LoadsNearEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, items("v0", "v1", "v2", "v3", "v4"), items("v5", "v6"))
	f.ctrl.Refresh(ctx)

	f.ctrl.OnEndReached(ctx)
	if f.ctrl.Len() != 5 {
		t.Fatalf("expected no load far from the end, got %d items", f.ctrl.Len())
	}

	if err := f.ctrl.ScrollToIndex(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if f.ctrl.Len() != 7 {
		t.Errorf("expected next page near the end, got %d items", f.ctrl.Len())
	}
}

func TestUpdateCountersAndPoints(t *testing.T) {
	f := newFixture(t, items("v0"))
	f.ctrl.LoadMore(context.Background())

	f.ctrl.UpdateCounters("v0", content.Counters{Views: 1, CommentCount: 2})
	f.ctrl.UpdateCounters("v0", content.Counters{CommentCount: -1})
	f.ctrl.UpdateCounters("missing", content.Counters{Views: 1})

	item, _ := f.ctrl.Item("v0")
	if item.Counters.Views != 1 || item.Counters.CommentCount != 1 {
		t.Errorf("unexpected counters %+v", item.Counters)
	}
	if p, ok := f.ctrl.Points("v0"); !ok || p != 5 {
		t.Errorf("expected 5 points, got %d %v", p, ok)
	}
	if _, ok := f.ctrl.Points("missing"); ok {
		t.Error("expected unknown item")
	}
}
