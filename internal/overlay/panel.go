// Package overlay drives the comments panel: its open/close state machine,
// drag gestures, sheet animation and optimistic comment mutations.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/sendrec/reelfeed/internal/content"
	"github.com/sendrec/reelfeed/internal/eventbus"
	"github.com/sendrec/reelfeed/internal/validate"
)

var (
	ErrNotOpen        = errors.New("overlay: panel not open")
	ErrEmptyComment   = errors.New("overlay: empty comment")
	ErrInvalidComment = errors.New("overlay: invalid comment")
	ErrUnknownComment = errors.New("overlay: unknown comment")
	ErrUnconfirmed    = errors.New("overlay: deletion not confirmed")
)

const localIDPrefix = "local-"

type CommentStore interface {
	FetchComments(ctx context.Context, videoID string) ([]content.Comment, error)
	AddComment(ctx context.Context, videoID, userID, text string) (content.Comment, error)
	ToggleCommentLike(ctx context.Context, commentID, userID, videoID string) (bool, error)
	DeleteComment(ctx context.Context, commentID, userID, videoID string) error
}

// Confirmer asks the viewer to confirm a destructive action.
type Confirmer interface {
	ConfirmDelete(ctx context.Context, comment content.Comment) bool
}

type CounterSink interface {
	UpdateCounters(videoID string, delta content.Counters)
}

type Config struct {
	ViewportHeight float64
	// Stiffness of the settle spring. Defaults to 170.
	Stiffness float64
}

type Panel struct {
	store    CommentStore
	bus      *eventbus.Bus
	counters CounterSink
	confirm  Confirmer
	viewer   content.Author
	gestures Interpreter
	layout   Layout
	reloads  singleflight.Group

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	state    State
	videoID  string
	gen      uint64
	comments []content.Comment
	anim     *Driver
}

func NewPanel(store CommentStore, bus *eventbus.Bus, counters CounterSink, confirm Confirmer, viewer content.Author, cfg Config) *Panel {
	return &Panel{
		store:    store,
		bus:      bus,
		counters: counters,
		confirm:  confirm,
		viewer:   viewer,
		gestures: Interpreter{ViewportHeight: cfg.ViewportHeight},
		now:      time.Now,
		newID:    uuid.NewString,
		anim:     NewDriver(cfg.Stiffness),
	}
}

// Open shows the panel for videoID and replaces the local comments with a
// full fetch.
func (p *Panel) Open(ctx context.Context, videoID string) error {
	return p.show(ctx, videoID, EventTap, 0)
}

func (p *Panel) show(ctx context.Context, videoID string, ev Event, velocity float64) error {
	p.mu.Lock()
	if p.state.Visible() && p.videoID == videoID && target(p.state) == 1 {
		p.mu.Unlock()
		return nil
	}
	if p.state == Closing && p.videoID == videoID {
		ev = EventDragOpen
	} else if p.videoID != videoID || p.state == Closed {
		p.state = Closed
		p.videoID = videoID
		p.gen++
		p.comments = nil
	}
	if err := p.applyLocked(ev); err != nil {
		p.mu.Unlock()
		return err
	}
	p.anim.SetTarget(target(p.state), velocity)
	gen := p.gen
	p.mu.Unlock()

	p.layout.reset()
	return p.load(ctx, videoID, gen)
}

func (p *Panel) load(ctx context.Context, videoID string, gen uint64) error {
	comments, err := p.store.FetchComments(ctx, videoID)
	if err != nil {
		slog.Warn("overlay: failed to load comments", "video_id", videoID, "error", err)
		p.surface(videoID, "load", err)
		return fmt.Errorf("load comments: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		slog.Debug("overlay: discarding stale comments", "video_id", videoID)
		return nil
	}
	p.comments = comments
	return nil
}

// Close animates the panel shut.
func (p *Panel) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if target(p.state) == 0 {
		return
	}
	if err := p.applyLocked(EventTap); err == nil {
		p.anim.SetTarget(0, 0)
	}
}

// ForceClose shuts the panel immediately if it is showing videoID. An empty
// videoID closes it whatever it shows. Results still in flight are dropped.
func (p *Panel) ForceClose(videoID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Visible() || (videoID != "" && videoID != p.videoID) {
		return
	}
	_ = p.applyLocked(EventForceClose)
	p.closedLocked()
	p.anim.Jump(0)
	p.anim.SetTarget(0, 0)
}

// Drag follows the finger while a vertical drag is in progress and returns
// the sheet's openness.
func (p *Panel) Drag(upward float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	openness := p.gestures.Openness(p.state, upward)
	p.anim.Jump(openness)
	return openness
}

// ReleaseDrag ends a drag on videoID's panel. The displacement decides
// whether the sheet settles open or closed; velocity only seeds the spring.
func (p *Panel) ReleaseDrag(ctx context.Context, videoID string, upward, velocity float64) error {
	p.mu.Lock()
	from := p.state
	ev := p.gestures.Release(from, upward)
	if ev == EventDragOpen && (from == Closed || p.videoID != videoID) {
		p.mu.Unlock()
		return p.show(ctx, videoID, ev, velocity)
	}
	defer p.mu.Unlock()
	if err := p.applyLocked(ev); err != nil {
		return err
	}
	p.anim.SetTarget(target(p.state), velocity)
	return nil
}

// Tick advances the sheet animation and returns its openness. Coming to
// rest completes an Opening or Closing transition.
func (p *Panel) Tick(dt time.Duration) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, settled := p.anim.Step(dt)
	if settled && (p.state == Opening || p.state == Closing) {
		_ = p.applyLocked(EventSettled)
		if p.state == Closed {
			p.closedLocked()
		}
	}
	return pos
}

// closedLocked invalidates anything in flight for the panel that just closed.
func (p *Panel) closedLocked() {
	p.gen++
	p.comments = nil
}

func (p *Panel) applyLocked(ev Event) error {
	next, err := Next(p.state, ev)
	if err != nil {
		slog.Debug("overlay: transition rejected", "video_id", p.videoID, "error", err)
		return err
	}
	p.state = next
	return nil
}

// AddComment shows the comment immediately and replaces the placeholder
// with the stored comment once the service accepts it.
func (p *Panel) AddComment(ctx context.Context, text string) (content.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return content.Comment{}, ErrEmptyComment
	}
	if msg := validate.CommentText(text); msg != "" {
		return content.Comment{}, fmt.Errorf("%w: %s", ErrInvalidComment, msg)
	}

	localID := localIDPrefix + p.newID()
	var created content.Comment
	err := p.mutate(ctx, mutation{
		op:         "add",
		reaction:   eventbus.ReactionComment,
		countDelta: 1,
		apply: func(videoID string, comments []content.Comment) ([]content.Comment, error) {
			local := content.Comment{
				ID:        localID,
				VideoID:   videoID,
				Text:      text,
				Author:    p.viewer,
				CreatedAt: p.now(),
			}
			return append([]content.Comment{local}, comments...), nil
		},
		remote: func(ctx context.Context, videoID string) (func([]content.Comment) []content.Comment, error) {
			c, err := p.store.AddComment(ctx, videoID, p.viewer.ID, text)
			if err != nil {
				return nil, err
			}
			created = c
			return func(comments []content.Comment) []content.Comment {
				return reconcileAdded(comments, localID, c)
			}, nil
		},
	})
	return created, err
}

// reconcileAdded swaps the placeholder for the stored comment, dropping the
// placeholder if a reload already brought the stored one in.
func reconcileAdded(comments []content.Comment, localID string, stored content.Comment) []content.Comment {
	if slices.ContainsFunc(comments, func(c content.Comment) bool { return c.ID == stored.ID }) {
		return slices.DeleteFunc(comments, func(c content.Comment) bool { return c.ID == localID })
	}
	for i := range comments {
		if comments[i].ID == localID {
			comments[i] = stored
			return comments
		}
	}
	return append([]content.Comment{stored}, comments...)
}

// DeleteComment removes a comment after the viewer confirms.
func (p *Panel) DeleteComment(ctx context.Context, commentID string) error {
	p.mu.Lock()
	if !p.state.Visible() {
		p.mu.Unlock()
		return ErrNotOpen
	}
	i := indexOfComment(p.comments, commentID)
	if i < 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownComment, commentID)
	}
	comment := p.comments[i]
	p.mu.Unlock()

	if p.confirm == nil || !p.confirm.ConfirmDelete(ctx, comment) {
		return ErrUnconfirmed
	}

	return p.mutate(ctx, mutation{
		op:         "delete",
		reaction:   eventbus.ReactionComment,
		countDelta: -1,
		apply: func(_ string, comments []content.Comment) ([]content.Comment, error) {
			i := indexOfComment(comments, commentID)
			if i < 0 {
				return nil, fmt.Errorf("%w: %s", ErrUnknownComment, commentID)
			}
			return slices.Delete(comments, i, i+1), nil
		},
		remote: func(ctx context.Context, videoID string) (func([]content.Comment) []content.Comment, error) {
			return nil, p.store.DeleteComment(ctx, commentID, p.viewer.ID, videoID)
		},
	})
}

// ToggleLike flips the viewer's like on a comment.
func (p *Panel) ToggleLike(ctx context.Context, commentID string) error {
	return p.mutate(ctx, mutation{
		op:       "like",
		reaction: eventbus.ReactionCommentLike,
		apply: func(_ string, comments []content.Comment) ([]content.Comment, error) {
			i := indexOfComment(comments, commentID)
			if i < 0 {
				return nil, fmt.Errorf("%w: %s", ErrUnknownComment, commentID)
			}
			c := &comments[i]
			c.ViewerHasLiked = !c.ViewerHasLiked
			if c.ViewerHasLiked {
				c.LikeCount++
			} else if c.LikeCount > 0 {
				c.LikeCount--
			}
			return comments, nil
		},
		remote: func(ctx context.Context, videoID string) (func([]content.Comment) []content.Comment, error) {
			ok, err := p.store.ToggleCommentLike(ctx, commentID, p.viewer.ID, videoID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, errors.New("like was not applied")
			}
			return nil, nil
		},
	})
}

// mutation is one optimistic change: apply edits the local list, remote
// confirms it, and on failure the list is replaced by a full reload.
type mutation struct {
	op         string
	reaction   string
	countDelta int64
	apply      func(videoID string, comments []content.Comment) ([]content.Comment, error)
	remote     func(ctx context.Context, videoID string) (func([]content.Comment) []content.Comment, error)
}

func (p *Panel) mutate(ctx context.Context, m mutation) error {
	p.mu.Lock()
	if !p.state.Visible() {
		p.mu.Unlock()
		return ErrNotOpen
	}
	videoID, gen := p.videoID, p.gen
	next, err := m.apply(videoID, slices.Clone(p.comments))
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.comments = next
	p.mu.Unlock()

	p.reacted(videoID, m.countDelta, m.reaction)

	reconcile, err := m.remote(ctx, videoID)
	if err != nil {
		slog.Warn("overlay: comment change failed, reloading", "op", m.op, "video_id", videoID, "error", err)
		p.surface(videoID, m.op, err)
		p.compensate(ctx, videoID, gen, m.countDelta, m.reaction)
		return fmt.Errorf("%s comment: %w", m.op, err)
	}

	if reconcile != nil {
		p.mu.Lock()
		if p.gen == gen {
			p.comments = reconcile(p.comments)
		}
		p.mu.Unlock()
	}
	return nil
}

// compensate reloads the full list after a failed change. Concurrent
// failures on the same panel share one fetch.
func (p *Panel) compensate(ctx context.Context, videoID string, gen uint64, countDelta int64, reaction string) {
	key := videoID + "/" + strconv.FormatUint(gen, 10)
	v, err, _ := p.reloads.Do(key, func() (any, error) {
		return p.store.FetchComments(ctx, videoID)
	})
	if err != nil {
		slog.Error("overlay: reload after failed change failed", "video_id", videoID, "error", err)
		p.reacted(videoID, -countDelta, reaction)
		return
	}
	fresh := slices.Clone(v.([]content.Comment))

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		p.reacted(videoID, -countDelta, reaction)
		return
	}
	delta := int64(len(fresh) - len(p.comments))
	p.comments = fresh
	p.mu.Unlock()

	if delta != 0 {
		p.reacted(videoID, delta, reaction)
	}
}

func (p *Panel) reacted(videoID string, countDelta int64, reaction string) {
	if countDelta != 0 && p.counters != nil {
		p.counters.UpdateCounters(videoID, content.Counters{CommentCount: countDelta})
	}
	eventbus.Publish(p.bus, eventbus.ReactionsUpdatedTopic, eventbus.ReactionsUpdated{Type: reaction, VideoID: videoID})
}

func (p *Panel) surface(videoID, op string, err error) {
	eventbus.Publish(p.bus, eventbus.CommentErrorTopic, eventbus.CommentError{
		VideoID: videoID,
		Op:      op,
		Message: err.Error(),
	})
}

func indexOfComment(comments []content.Comment, id string) int {
	return slices.IndexFunc(comments, func(c content.Comment) bool { return c.ID == id })
}

func (p *Panel) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Panel) VideoID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.videoID
}

func (p *Panel) Comments() []content.Comment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.comments)
}

func (p *Panel) Openness() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.anim.Position()
}

// OwnsGesture reports whether vertical drags go to the panel instead of the
// feed.
func (p *Panel) OwnsGesture() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gestures.OwnsGesture(p.state)
}

func (p *Panel) Layout() *Layout {
	return &p.layout
}
