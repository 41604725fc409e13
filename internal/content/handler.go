package content

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mssola/useragent"
	"golang.org/x/sync/errgroup"

	"github.com/sendrec/reelfeed/internal/auth"
	"github.com/sendrec/reelfeed/internal/database"
	"github.com/sendrec/reelfeed/internal/geoip"
	"github.com/sendrec/reelfeed/internal/httputil"
	"github.com/sendrec/reelfeed/internal/validate"
	"github.com/sendrec/reelfeed/internal/webhook"
)

const (
	presignConcurrency = 8
	pgForeignKeyCode   = "23503"
)

// MediaSigner turns stored object keys into URLs a player can fetch.
type MediaSigner interface {
	MediaURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type Locator interface {
	Locate(addr string) geoip.Location
}

type Notifier interface {
	DispatchAsync(event webhook.Event)
}

// Handler serves the content API the feed engine consumes.
type Handler struct {
	db        database.DBTX
	media     MediaSigner
	geo       Locator
	notifier  Notifier
	urlExpiry time.Duration
}

func NewHandler(db database.DBTX, media MediaSigner, geo Locator, notifier Notifier, urlExpiry time.Duration) *Handler {
	return &Handler{db: db, media: media, geo: geo, notifier: notifier, urlExpiry: urlExpiry}
}

// Routes mounts the API on r. Callers are expected to have authenticated
// the request already.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/feed", h.Feed)
	r.Route("/videos/{id}", func(r chi.Router) {
		r.Post("/stats", h.RecordStat)
		r.Get("/comments", h.ListComments)
		r.Post("/comments", h.AddComment)
		r.Post("/comments/{commentId}/like", h.ToggleCommentLike)
		r.Delete("/comments/{commentId}", h.DeleteComment)
	})
}

const feedColumns = `SELECT v.id, v.media_key, v.thumbnail_key, v.orientation, v.aspect_ratio, v.title,
	v.description, v.user_id, v.reward_points, v.view_count, v.like_count, v.dislike_count,
	v.comment_count, v.created_at
	FROM videos v`

type feedRow struct {
	item     VideoItem
	mediaKey string
	thumbKey *string
}

// Feed returns the page of videos published before the cursor video,
// newest first.
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = n
	}
	limit = validate.PageSize(limit)

	var (
		rows pgx.Rows
		err  error
	)
	if cursor := r.URL.Query().Get("cursor"); cursor == "" {
		rows, err = h.db.Query(r.Context(),
			feedColumns+` ORDER BY v.created_at DESC, v.id DESC LIMIT $1`, limit)
	} else {
		if !validID(cursor) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		rows, err = h.db.Query(r.Context(),
			feedColumns+` WHERE (v.created_at, v.id) < (SELECT created_at, id FROM videos WHERE id = $2)
			ORDER BY v.created_at DESC, v.id DESC LIMIT $1`, limit, cursor)
	}
	if err != nil {
		slog.Error("content: feed query failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load feed")
		return
	}
	defer rows.Close()

	var page []feedRow
	for rows.Next() {
		var fr feedRow
		var orientation string
		it := &fr.item
		if err := rows.Scan(&it.ID, &fr.mediaKey, &fr.thumbKey, &orientation, &it.AspectRatio, &it.Title,
			&it.Description, &it.AuthorID, &it.RewardPoints, &it.Counters.Views, &it.Counters.Likes,
			&it.Counters.Dislikes, &it.Counters.CommentCount, &it.CreatedAt); err != nil {
			slog.Error("content: feed scan failed", "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "failed to load feed")
			return
		}
		it.Orientation = Orientation(orientation)
		page = append(page, fr)
	}
	if err := rows.Err(); err != nil {
		slog.Error("content: feed rows failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load feed")
		return
	}

	items, err := h.signPage(r.Context(), page)
	if err != nil {
		slog.Error("content: signing media urls failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to sign media urls")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, feedPageResponse{Items: items})
}

func (h *Handler) signPage(ctx context.Context, page []feedRow) ([]VideoItem, error) {
	items := make([]VideoItem, len(page))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(presignConcurrency)
	for i, fr := range page {
		items[i] = fr.item
		g.Go(func() error {
			mediaURL, err := h.media.MediaURL(gctx, fr.mediaKey, h.urlExpiry)
			if err != nil {
				return err
			}
			items[i].MediaURI = mediaURL
			if fr.thumbKey != nil && *fr.thumbKey != "" {
				thumbURL, err := h.media.MediaURL(gctx, *fr.thumbKey, h.urlExpiry)
				if err != nil {
					return err
				}
				items[i].ThumbnailURI = thumbURL
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// RecordStat applies counter increments. Views from bots are dropped before
// they reach the counters.
func (h *Handler) RecordStat(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	if !validID(videoID) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid video id")
		return
	}
	var delta StatDelta
	if err := httputil.DecodeJSON(w, r, &delta); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if delta.Views < 0 || delta.Likes < 0 || delta.Dislikes < 0 || delta.IsZero() {
		httputil.WriteError(w, http.StatusBadRequest, "stat increments must be positive")
		return
	}

	ua := useragent.New(r.UserAgent())
	if delta.Views > 0 && ua.Bot() {
		slog.Debug("content: ignoring bot view", "video_id", videoID, "user_agent", r.UserAgent())
		delta.Views = 0
		if delta.IsZero() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	var ownerID, title string
	err := h.db.QueryRow(r.Context(),
		`UPDATE videos SET view_count = view_count + $2, like_count = like_count + $3, dislike_count = dislike_count + $4
		 WHERE id = $1 RETURNING user_id, title`,
		videoID, delta.Views, delta.Likes, delta.Dislikes,
	).Scan(&ownerID, &title)
	if errors.Is(err, pgx.ErrNoRows) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}
	if err != nil {
		slog.Error("content: failed to update counters", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to record stat")
		return
	}

	if delta.Views > 0 {
		h.recordView(r, ua, videoID, ownerID, title)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordView(r *http.Request, ua *useragent.UserAgent, videoID, ownerID, title string) {
	addr := clientIP(r)
	hash := viewerHash(addr, r.UserAgent())
	browser, _ := ua.Browser()
	device := "desktop"
	if ua.Mobile() {
		device = "mobile"
	}
	var loc geoip.Location
	if h.geo != nil {
		loc = h.geo.Locate(addr)
	}

	var viewer *string
	if id := auth.UserIDFromContext(r.Context()); validID(id) {
		viewer = &id
	}
	if _, err := h.db.Exec(r.Context(),
		`INSERT INTO video_view_events (video_id, user_id, viewer_hash, browser, device, country, city)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		videoID, viewer, hash, browser, device, loc.Country, loc.City,
	); err != nil {
		slog.Error("content: failed to record view event", "video_id", videoID, "error", err)
	}

	h.notify(webhook.Event{
		Name:      webhook.EventVideoView,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"videoId":    videoID,
			"ownerId":    ownerID,
			"title":      title,
			"viewerHash": hash,
			"device":     device,
			"country":    loc.Country,
		},
	})
}

func (h *Handler) ListComments(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	if !validID(videoID) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid video id")
		return
	}
	viewer := auth.UserIDFromContext(r.Context())

	rows, err := h.db.Query(r.Context(),
		`SELECT c.id, c.video_id, c.body, c.like_count, c.created_at,
		        u.id, u.display_name, u.avatar_uri, u.verified,
		        EXISTS (SELECT 1 FROM comment_likes cl WHERE cl.comment_id = c.id AND cl.user_id::text = $2)
		 FROM video_comments c
		 JOIN users u ON u.id = c.user_id
		 WHERE c.video_id = $1
		 ORDER BY c.created_at DESC, c.id DESC`,
		videoID, viewer,
	)
	if err != nil {
		slog.Error("content: comment query failed", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load comments")
		return
	}
	defer rows.Close()

	comments := []Comment{}
	for rows.Next() {
		var c Comment
		var avatar *string
		if err := rows.Scan(&c.ID, &c.VideoID, &c.Text, &c.LikeCount, &c.CreatedAt,
			&c.Author.ID, &c.Author.DisplayName, &avatar, &c.Author.Verified, &c.ViewerHasLiked); err != nil {
			slog.Error("content: comment scan failed", "video_id", videoID, "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "failed to load comments")
			return
		}
		if avatar != nil {
			c.Author.AvatarURI = *avatar
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		slog.Error("content: comment rows failed", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load comments")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, commentListResponse{Comments: comments})
}

func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	if !validID(videoID) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid video id")
		return
	}
	var req addCommentRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if msg := validate.CommentText(text); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	userID := auth.UserIDFromContext(r.Context())

	c := Comment{VideoID: videoID, Text: text}
	var ownerID, title string
	var avatar *string
	err := h.db.QueryRow(r.Context(),
		`WITH inserted AS (
		     INSERT INTO video_comments (video_id, user_id, body) VALUES ($1, $2, $3)
		     RETURNING id, created_at
		 ), bumped AS (
		     UPDATE videos SET comment_count = comment_count + 1 WHERE id = $1
		     RETURNING user_id, title
		 )
		 SELECT inserted.id, inserted.created_at, bumped.user_id, bumped.title,
		        u.id, u.display_name, u.avatar_uri, u.verified
		 FROM inserted, bumped, users u
		 WHERE u.id = $2`,
		videoID, userID, text,
	).Scan(&c.ID, &c.CreatedAt, &ownerID, &title, &c.Author.ID, &c.Author.DisplayName, &avatar, &c.Author.Verified)
	if err != nil {
		var pgErr *pgconn.PgError
		switch {
		case errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyCode && strings.Contains(pgErr.ConstraintName, "user_id"):
			httputil.WriteError(w, http.StatusForbidden, "unknown user")
		case errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyCode, errors.Is(err, pgx.ErrNoRows):
			httputil.WriteError(w, http.StatusNotFound, "video not found")
		default:
			slog.Error("content: failed to add comment", "video_id", videoID, "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "failed to add comment")
		}
		return
	}
	if avatar != nil {
		c.Author.AvatarURI = *avatar
	}

	h.notify(webhook.Event{
		Name:      webhook.EventVideoComment,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"videoId":    videoID,
			"ownerId":    ownerID,
			"title":      title,
			"commentId":  c.ID,
			"authorId":   userID,
			"authorName": c.Author.DisplayName,
			"text":       text,
		},
	})
	httputil.WriteJSON(w, http.StatusCreated, c)
}

// ToggleCommentLike flips the caller's like on a comment.
func (h *Handler) ToggleCommentLike(w http.ResponseWriter, r *http.Request) {
	videoID, commentID, ok := commentParams(w, r)
	if !ok {
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	ctx := r.Context()

	var exists bool
	if err := h.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM video_comments WHERE id = $1 AND video_id = $2)`,
		commentID, videoID,
	).Scan(&exists); err != nil {
		slog.Error("content: comment lookup failed", "comment_id", commentID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to toggle like")
		return
	}
	if !exists {
		httputil.WriteError(w, http.StatusNotFound, "comment not found")
		return
	}

	tag, err := h.db.Exec(ctx, `DELETE FROM comment_likes WHERE comment_id = $1 AND user_id = $2`, commentID, userID)
	if err != nil {
		slog.Error("content: failed to remove like", "comment_id", commentID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to toggle like")
		return
	}
	liked, step := false, int64(-1)
	if tag.RowsAffected() == 0 {
		if _, err := h.db.Exec(ctx,
			`INSERT INTO comment_likes (comment_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			commentID, userID,
		); err != nil {
			slog.Error("content: failed to add like", "comment_id", commentID, "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "failed to toggle like")
			return
		}
		liked, step = true, 1
	}

	var likeCount int64
	if err := h.db.QueryRow(ctx,
		`UPDATE video_comments SET like_count = GREATEST(like_count + $2, 0) WHERE id = $1 RETURNING like_count`,
		commentID, step,
	).Scan(&likeCount); err != nil {
		slog.Error("content: failed to update like count", "comment_id", commentID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to toggle like")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toggleLikeResponse{Success: true, Liked: liked, LikeCount: likeCount})
}

// DeleteComment removes a comment. Only its author may delete it.
func (h *Handler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	videoID, commentID, ok := commentParams(w, r)
	if !ok {
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	ctx := r.Context()

	var authorID string
	err := h.db.QueryRow(ctx,
		`SELECT user_id FROM video_comments WHERE id = $1 AND video_id = $2`,
		commentID, videoID,
	).Scan(&authorID)
	if errors.Is(err, pgx.ErrNoRows) {
		httputil.WriteError(w, http.StatusNotFound, "comment not found")
		return
	}
	if err != nil {
		slog.Error("content: comment lookup failed", "comment_id", commentID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete comment")
		return
	}
	if authorID != userID {
		httputil.WriteError(w, http.StatusForbidden, "only the author can delete a comment")
		return
	}

	if _, err := h.db.Exec(ctx, `DELETE FROM video_comments WHERE id = $1`, commentID); err != nil {
		slog.Error("content: failed to delete comment", "comment_id", commentID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete comment")
		return
	}
	if _, err := h.db.Exec(ctx,
		`UPDATE videos SET comment_count = GREATEST(comment_count - 1, 0) WHERE id = $1`, videoID,
	); err != nil {
		slog.Error("content: failed to decrement comment count", "video_id", videoID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) notify(event webhook.Event) {
	if h.notifier != nil {
		h.notifier.DispatchAsync(event)
	}
}

func commentParams(w http.ResponseWriter, r *http.Request) (videoID, commentID string, ok bool) {
	videoID = chi.URLParam(r, "id")
	commentID = chi.URLParam(r, "commentId")
	if !validID(videoID) || !validID(commentID) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid id")
		return "", "", false
	}
	return videoID, commentID, true
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func viewerHash(addr, userAgent string) string {
	h := sha256.Sum256([]byte(addr + "|" + userAgent))
	return fmt.Sprintf("%x", h[:8])
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
