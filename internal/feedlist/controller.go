// Package feedlist owns the loaded feed, decides which item is current from
// visibility reports, and keeps the player's preload window in step with it.
package feedlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sendrec/reelfeed/internal/content"
)

var ErrOutOfRange = errors.New("feedlist: index out of range")

const visibleFraction = 0.5

type Pager interface {
	FetchPage(ctx context.Context, limit int, cursor string) ([]content.VideoItem, error)
}

// Player is the slice of the playback scheduler the feed drives.
type Player interface {
	Register(id, uri string)
	Handoff(ctx context.Context, prevID, nextID string) error
	Preload(ctx context.Context, id string) error
	Release(ctx context.Context, id string)
}

// Viewport is the host's scrollable list.
type Viewport interface {
	ScrollToIndex(ctx context.Context, index int) error
	ScrollToOffset(ctx context.Context, offset float64) error
}

// Closer force-closes a comments panel left open on a previous item.
type Closer interface {
	ForceClose(videoID string)
}

// Visibility is the fraction of the viewport an item occupies.
type Visibility struct {
	Index    int
	Fraction float64
}

type Config struct {
	PageSize int
	// MinDwell is how long an item must stay most visible before it becomes
	// current. Defaults to 250ms.
	MinDwell     time.Duration
	PreloadAhead int
	// RetainBehind items behind current stay registered. Defaults to 1;
	// negative keeps none.
	RetainBehind int
	// LoadAheadThreshold triggers the next page when current is this close
	// to the end of the loaded list. Defaults to 3.
	LoadAheadThreshold int
	// ItemExtent is the height of one item for offset-based scrolling.
	ItemExtent float64
	// EvictBehind items behind current stay in memory; older ones are
	// dropped. Defaults to 20 and is always larger than RetainBehind.
	EvictBehind int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
	if c.MinDwell <= 0 {
		c.MinDwell = 250 * time.Millisecond
	}
	if c.PreloadAhead <= 0 {
		c.PreloadAhead = 2
	}
	if c.RetainBehind < 0 {
		c.RetainBehind = 0
	} else if c.RetainBehind == 0 {
		c.RetainBehind = 1
	}
	if c.LoadAheadThreshold <= 0 {
		c.LoadAheadThreshold = 3
	}
	if c.ItemExtent <= 0 {
		c.ItemExtent = 1
	}
	if c.EvictBehind <= 0 {
		c.EvictBehind = 20
	}
	if c.EvictBehind <= c.RetainBehind {
		c.EvictBehind = c.RetainBehind + 1
	}
	return c
}

type stopper interface {
	Stop() bool
}

// Controller indexes items by their position in the feed since the last
// Refresh. Indices stay stable when old items are evicted; an evicted index
// is out of range.
type Controller struct {
	pager    Pager
	player   Player
	viewport Viewport
	cfg      Config

	overlay   Closer
	onRelease func(videoID string)

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper
	pages     singleflight.Group

	commitMu sync.Mutex

	mu             sync.Mutex
	gen            uint64
	base           int
	items          []content.VideoItem
	positions      map[string]int
	seen           map[string]bool
	cursor         content.Cursor
	current        int
	candidate      int
	candidateSince time.Time
	dwell          stopper
	live           map[string]bool
}

func New(pager Pager, player Player, viewport Viewport, cfg Config) *Controller {
	return &Controller{
		pager:     pager,
		player:    player,
		viewport:  viewport,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
		positions: make(map[string]int),
		seen:      make(map[string]bool),
		cursor:    content.Cursor{HasMore: true},
		current:   -1,
		candidate: -1,
		live:      make(map[string]bool),
	}
}

// SetOverlay registers the panel to force-close when current changes.
func (c *Controller) SetOverlay(overlay Closer) {
	c.overlay = overlay
}

// OnRelease registers a hook run for each item that leaves the window.
func (c *Controller) OnRelease(fn func(videoID string)) {
	c.onRelease = fn
}

// LoadMore fetches the next page. A failed fetch is treated as the end of
// the feed. Concurrent calls share one fetch. It returns how many new
// items were appended.
func (c *Controller) LoadMore(ctx context.Context) int {
	c.mu.Lock()
	gen, cursor := c.gen, c.cursor
	c.mu.Unlock()

	key := strconv.FormatUint(gen, 10) + ":" + cursor.LastLoadedID
	v, _, _ := c.pages.Do(key, func() (any, error) {
		return c.loadPage(ctx, gen, cursor), nil
	})
	return v.(int)
}

// loadPage fetches the page after cursor. The result is dropped when a
// Refresh or another page load moved the feed on in the meantime.
func (c *Controller) loadPage(ctx context.Context, gen uint64, cursor content.Cursor) int {
	if !cursor.HasMore {
		return 0
	}

	page, err := c.pager.FetchPage(ctx, c.cfg.PageSize, cursor.LastLoadedID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.cursor.LastLoadedID != cursor.LastLoadedID {
		slog.Debug("feedlist: stale page dropped", "cursor", cursor.LastLoadedID)
		return 0
	}
	if err != nil {
		slog.Warn("feedlist: page fetch failed, treating as end of feed", "cursor", cursor.LastLoadedID, "error", err)
		c.cursor.HasMore = false
		return 0
	}
	if len(page) == 0 {
		c.cursor.HasMore = false
		return 0
	}
	added := 0
	for _, item := range page {
		if c.seen[item.ID] {
			continue
		}
		c.seen[item.ID] = true
		c.positions[item.ID] = c.base + len(c.items)
		c.items = append(c.items, item)
		added++
	}
	c.cursor.LastLoadedID = page[len(page)-1].ID
	slog.Debug("feedlist: page loaded", "added", added, "total", c.base+len(c.items))
	return added
}

// Refresh drops the loaded feed, fetches the first page and makes its first
// item current.
func (c *Controller) Refresh(ctx context.Context) int {
	c.commitMu.Lock()
	c.mu.Lock()
	released := make([]string, 0, len(c.live))
	for id := range c.live {
		released = append(released, id)
	}
	c.gen++
	c.base = 0
	c.items = nil
	c.positions = make(map[string]int)
	c.seen = make(map[string]bool)
	c.cursor = content.Cursor{HasMore: true}
	c.current = -1
	c.clearCandidateLocked()
	c.live = make(map[string]bool)
	c.mu.Unlock()

	for _, id := range released {
		c.release(ctx, id)
	}
	c.commitMu.Unlock()

	added := c.LoadMore(ctx)
	if added > 0 {
		c.commit(ctx, 0)
	}
	return added
}

// OnEndReached loads another page when current is near the end of the list.
func (c *Controller) OnEndReached(ctx context.Context) {
	c.mu.Lock()
	near := c.cursor.HasMore && c.current >= c.endLocked()-c.cfg.LoadAheadThreshold
	c.mu.Unlock()
	if near {
		c.LoadMore(ctx)
	}
}

// ReportVisibility updates the current candidate from the visible items.
// An item becomes current once it has been the most visible item, at or
// above half the viewport, for MinDwell.
func (c *Controller) ReportVisibility(ctx context.Context, visible []Visibility) {
	best := -1
	bestFraction := 0.0
	for _, v := range visible {
		if v.Fraction >= visibleFraction && v.Fraction > bestFraction {
			best, bestFraction = v.Index, v.Fraction
		}
	}

	c.mu.Lock()
	if !c.loadedLocked(best) || best == c.current {
		c.clearCandidateLocked()
		c.mu.Unlock()
		return
	}
	if best != c.candidate {
		c.clearCandidateLocked()
		c.candidate = best
		c.candidateSince = c.now()
		c.dwell = c.afterFunc(c.cfg.MinDwell, func() {
			c.commitCandidate(context.WithoutCancel(ctx), best, false)
		})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.commitCandidate(ctx, best, false)
}

// Settle commits the pending candidate immediately. Hosts call it when a
// scroll comes to rest.
func (c *Controller) Settle(ctx context.Context) {
	c.mu.Lock()
	candidate := c.candidate
	c.mu.Unlock()
	if candidate >= 0 {
		c.commitCandidate(ctx, candidate, true)
	}
}

func (c *Controller) commitCandidate(ctx context.Context, index int, force bool) {
	c.mu.Lock()
	if c.candidate != index {
		c.mu.Unlock()
		return
	}
	if !force && c.now().Sub(c.candidateSince) < c.cfg.MinDwell {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.commit(ctx, index)
	c.OnEndReached(ctx)
}

// ScrollToIndex scrolls the viewport to index and makes it current. If the
// viewport cannot scroll to the index the offset-based scroll is tried once.
// Nothing is committed once ctx is cancelled, and a viewport that already
// moved is scrolled back to the current item.
func (c *Controller) ScrollToIndex(ctx context.Context, index int) error {
	c.mu.Lock()
	loaded := c.loadedLocked(index)
	c.mu.Unlock()
	if !loaded {
		return fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.viewport.ScrollToIndex(ctx, index); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("feedlist: scroll to index failed, using offset", "index", index, "error", err)
		if err := c.viewport.ScrollToOffset(ctx, float64(index)*c.cfg.ItemExtent); err != nil {
			return fmt.Errorf("scroll to index %d: %w", index, err)
		}
	}

	if !c.commit(ctx, index) {
		if err := ctx.Err(); err != nil {
			c.scrollBack(ctx)
			return err
		}
		return fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	c.OnEndReached(context.WithoutCancel(ctx))
	return nil
}

func (c *Controller) scrollBack(ctx context.Context) {
	c.mu.Lock()
	c.clearCandidateLocked()
	current := c.current
	c.mu.Unlock()
	if current < 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	if err := c.viewport.ScrollToIndex(ctx, current); err != nil {
		if err := c.viewport.ScrollToOffset(ctx, float64(current)*c.cfg.ItemExtent); err != nil {
			slog.Warn("feedlist: failed to restore viewport", "index", current, "error", err)
		}
	}
}

// commit makes index current. It reports false when ctx was cancelled
// before anything changed.
func (c *Controller) commit(ctx context.Context, index int) bool {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	if ctx.Err() != nil {
		return false
	}

	c.mu.Lock()
	if !c.loadedLocked(index) {
		c.mu.Unlock()
		return false
	}
	c.clearCandidateLocked()
	if index == c.current {
		c.mu.Unlock()
		return true
	}
	prevID := ""
	if c.current >= 0 {
		prevID = c.at(c.current).ID
	}
	c.current = index
	next := c.at(index)

	lo := max(c.base, index-c.cfg.RetainBehind)
	hi := min(c.endLocked()-1, index+c.cfg.PreloadAhead)
	window := make(map[string]bool, hi-lo+1)
	var register []content.VideoItem
	for i := lo; i <= hi; i++ {
		item := c.at(i)
		window[item.ID] = true
		if !c.live[item.ID] {
			register = append(register, item)
			c.live[item.ID] = true
		}
	}
	var released []string
	for id := range c.live {
		if !window[id] {
			released = append(released, id)
			delete(c.live, id)
		}
	}
	var preload []string
	for i := index + 1; i <= hi; i++ {
		preload = append(preload, c.at(i).ID)
	}
	c.evictLocked(index - c.cfg.EvictBehind)
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	slog.Debug("feedlist: current changed", "from", prevID, "to", next.ID, "index", index)

	if prevID != "" && c.overlay != nil {
		c.overlay.ForceClose(prevID)
	}
	for _, item := range register {
		c.player.Register(item.ID, item.MediaURI)
	}
	if err := c.player.Handoff(ctx, prevID, next.ID); err != nil {
		slog.Error("feedlist: handoff failed", "video_id", next.ID, "error", err)
	}
	for _, id := range preload {
		if err := c.player.Preload(ctx, id); err != nil {
			slog.Warn("feedlist: preload failed", "video_id", id, "error", err)
		}
	}
	for _, id := range released {
		c.release(ctx, id)
	}
	return true
}

func (c *Controller) release(ctx context.Context, id string) {
	c.player.Release(ctx, id)
	if c.onRelease != nil {
		c.onRelease(id)
	}
}

// evictLocked drops the items before index from memory.
func (c *Controller) evictLocked(index int) {
	drop := index - c.base
	if drop <= 0 {
		return
	}
	for _, item := range c.items[:drop] {
		delete(c.positions, item.ID)
	}
	c.items = append([]content.VideoItem(nil), c.items[drop:]...)
	c.base = index
	slog.Debug("feedlist: evicted items", "count", drop, "first_index", c.base)
}

func (c *Controller) at(index int) content.VideoItem {
	return c.items[index-c.base]
}

func (c *Controller) endLocked() int {
	return c.base + len(c.items)
}

func (c *Controller) loadedLocked(index int) bool {
	return index >= c.base && index < c.endLocked()
}

func (c *Controller) clearCandidateLocked() {
	if c.dwell != nil {
		c.dwell.Stop()
		c.dwell = nil
	}
	c.candidate = -1
}

// UpdateCounters applies a counter delta to a loaded item.
func (c *Controller) UpdateCounters(videoID string, delta content.Counters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.positions[videoID]; ok {
		c.items[i-c.base].Counters = c.items[i-c.base].Counters.Add(delta)
	}
}

// Points returns the reward value of a loaded item.
func (c *Controller) Points(videoID string) (int, bool) {
	item, ok := c.Item(videoID)
	return item.RewardPoints, ok
}

func (c *Controller) Item(videoID string) (content.VideoItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.positions[videoID]
	if !ok {
		return content.VideoItem{}, false
	}
	return c.at(i), true
}

// Items returns the items still held in memory, oldest first.
func (c *Controller) Items() []content.VideoItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]content.VideoItem, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Controller) IndexOf(videoID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.positions[videoID]
	return i, ok
}

// Current returns the current index and item id, or -1 and "" before the
// first commit.
func (c *Controller) Current() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current < 0 {
		return -1, ""
	}
	return c.current, c.at(c.current).ID
}

// Len returns one past the last loaded index.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endLocked()
}

func (c *Controller) Cursor() content.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}
