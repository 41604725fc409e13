// Command feedsim runs one headless feed session against a content service,
// playing items on a simulated engine and logging what the viewer earns.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/sendrec/reelfeed/internal/auth"
	"github.com/sendrec/reelfeed/internal/content"
	"github.com/sendrec/reelfeed/internal/database"
	"github.com/sendrec/reelfeed/internal/eventbus"
	"github.com/sendrec/reelfeed/internal/gate"
	"github.com/sendrec/reelfeed/internal/kv"
	"github.com/sendrec/reelfeed/internal/logging"
	"github.com/sendrec/reelfeed/internal/session"
	"github.com/sendrec/reelfeed/internal/simplayer"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	logCloser, err := logging.Setup(logging.FromEnv(os.Getenv))
	if err != nil {
		log.Fatalf("logging setup failed: %v", err)
	}
	defer logCloser.Close()

	viewerID := getEnv("VIEWER_ID", uuid.NewString())
	token, err := accessToken(os.Getenv("ACCESS_TOKEN"), os.Getenv("JWT_SECRET"), viewerID)
	if err != nil {
		log.Fatalf("access token: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if runFor := getEnvDuration("RUN_FOR", 0); runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runFor)
		defer cancel()
	}

	store, closeStore, err := openLedgerStore(ctx, getEnv("LEDGER_BACKEND", "memory"), os.Getenv("LEDGER_PATH"), os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("ledger store: %v", err)
	}
	defer closeStore()

	engine := simplayer.New(simplayer.Options{
		LoadLatency:       getEnvDuration("SIM_LOAD_LATENCY", 50*time.Millisecond),
		DefaultDurationMs: getEnvInt64("SIM_DURATION_MS", simplayer.DefaultDurationMs),
	})

	sess := session.New(session.Deps{
		Repo:      content.NewClient(getEnv("CONTENT_URL", "http://localhost:8080"), token),
		Engine:    engine,
		Store:     store,
		Viewport:  logViewport{},
		Confirmer: autoConfirm{},
	}, session.Config{
		Viewer: content.Author{ID: viewerID, DisplayName: getEnv("VIEWER_NAME", "feedsim")},
	})

	outcome := gate.Outcome(getEnv("INTERSTITIAL_OUTCOME", string(gate.OutcomeContinueWatching)))
	if !outcome.Valid() {
		log.Fatalf("INTERSTITIAL_OUTCOME %q is not a known outcome", outcome)
	}
	unsubscribe := watchEvents(ctx, sess, outcome, getEnvDuration("INTERSTITIAL_DELAY", 2*time.Second))
	defer unsubscribe()

	loaded := sess.Start(ctx)
	slog.Info("feedsim: session started", "viewer_id", viewerID, "items", loaded, "points", sess.Ledger().TotalPoints())
	if loaded == 0 {
		slog.Warn("feedsim: feed is empty, nothing to play")
	}

	if text := os.Getenv("SIM_COMMENT"); text != "" && loaded > 0 {
		postComment(ctx, sess, text)
	}

	engine.Run(ctx, getEnvDuration("TICK_INTERVAL", 250*time.Millisecond), sess)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess.Close(closeCtx)
	slog.Info("feedsim: session closed",
		"points", sess.Ledger().TotalPoints(),
		"last_7_days", sess.Ledger().Last7Days(),
		"ledger_degraded", sess.Ledger().Degraded(),
	)
}

// accessToken returns token when set, otherwise mints one for viewerID.
func accessToken(token, secret, viewerID string) (string, error) {
	if token != "" {
		return token, nil
	}
	if secret == "" {
		return "", errors.New("set ACCESS_TOKEN or JWT_SECRET")
	}
	return auth.GenerateAccessToken(secret, viewerID, 24*time.Hour)
}

// openLedgerStore opens the key-value backend the viewer's ledger persists to.
func openLedgerStore(ctx context.Context, backend, path, databaseURL string) (kv.Store, func(), error) {
	switch backend {
	case "memory":
		return kv.NewMemoryStore(), func() {}, nil
	case "file":
		s, err := kv.NewFileStore(fallback(path, "feedsim-ledger.json"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "sqlite":
		s, err := kv.NewSQLiteStore(fallback(path, "feedsim-ledger.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, closeLogged("sqlite ledger", s), nil
	case "postgres":
		if databaseURL == "" {
			return nil, nil, errors.New("postgres ledger requires DATABASE_URL")
		}
		db, err := database.Connect(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(databaseURL); err != nil {
			db.Close()
			return nil, nil, err
		}
		return kv.NewPostgresStore(db.Pool), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}

func closeLogged(name string, c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Warn("feedsim: close failed", "resource", name, "error", err)
		}
	}
}

// watchEvents logs bus traffic and answers interstitials after delay.
func watchEvents(ctx context.Context, sess *session.Session, outcome gate.Outcome, delay time.Duration) func() {
	bus := sess.Bus()
	unsubs := []func(){
		eventbus.Subscribe(bus, eventbus.PointsUpdatedTopic, func(e eventbus.PointsUpdated) {
			slog.Info("feedsim: points updated", "type", e.Type, "video_id", e.VideoID,
				"points", e.Points, "total", sess.Ledger().TotalPoints())
		}),
		eventbus.Subscribe(bus, eventbus.AutoScrollNextTopic, func(e eventbus.AutoScrollNext) {
			slog.Info("feedsim: auto advance", "from", e.FromVideo, "to_index", e.ToIndex)
			sess.Feed().OnEndReached(ctx)
		}),
		eventbus.Subscribe(bus, eventbus.ReactionsUpdatedTopic, func(e eventbus.ReactionsUpdated) {
			slog.Debug("feedsim: reactions updated", "type", e.Type, "video_id", e.VideoID)
		}),
		eventbus.Subscribe(bus, eventbus.CommentErrorTopic, func(e eventbus.CommentError) {
			slog.Warn("feedsim: comment error", "video_id", e.VideoID, "op", e.Op, "message", e.Message)
		}),
		eventbus.Subscribe(bus, eventbus.InterstitialStateTopic, func(e eventbus.InterstitialState) {
			slog.Info("feedsim: interstitial", "visible", e.IsVisible, "outcome", e.Outcome)
			if !e.IsVisible {
				return
			}
			time.AfterFunc(delay, func() {
				if ctx.Err() != nil {
					return
				}
				if err := sess.ResolveInterstitial(ctx, outcome); err != nil && !errors.Is(err, gate.ErrNotTripped) {
					slog.Warn("feedsim: resolve interstitial failed", "error", err)
				}
			})
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// postComment opens comments on the current item and posts text.
func postComment(ctx context.Context, sess *session.Session, text string) {
	_, videoID := sess.Feed().Current()
	panel := sess.Panel()
	if err := panel.Open(ctx, videoID); err != nil {
		slog.Warn("feedsim: open comments failed", "video_id", videoID, "error", err)
		return
	}
	defer panel.Close()
	c, err := panel.AddComment(ctx, text)
	if err != nil {
		slog.Warn("feedsim: add comment failed", "video_id", videoID, "error", err)
		return
	}
	slog.Info("feedsim: comment posted", "video_id", videoID, "comment_id", c.ID, "comments", len(panel.Comments()))
}

type logViewport struct{}

func (logViewport) ScrollToIndex(_ context.Context, index int) error {
	slog.Debug("feedsim: scroll", "index", index)
	return nil
}

func (logViewport) ScrollToOffset(_ context.Context, offset float64) error {
	slog.Debug("feedsim: scroll", "offset", offset)
	return nil
}

type autoConfirm struct{}

func (autoConfirm) ConfirmDelete(context.Context, content.Comment) bool { return true }

func fallback(value, def string) string {
	if value != "" {
		return value
	}
	return def
}

func getEnv(key, def string) string {
	return fallback(os.Getenv(key), def)
}

func getEnvInt64(key string, def int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}
