package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sendrec/reelfeed/internal/kv"
)

const (
	dateLayout  = "2006-01-02"
	historyDays = 7
)

// DayPoints is one day's point total.
type DayPoints struct {
	Date   string `json:"date"`
	Points int    `json:"points"`
}

// Ledger is the per-user watch ledger. Rewards and day totals are persisted
// through a kv.Store; the view-counted set lives only for the session.
//
// When the store fails the ledger keeps working from memory, so rewards may
// re-trigger in a later session.
type Ledger struct {
	store  kv.Store
	userID string
	now    func() time.Time

	persistMu sync.Mutex

	mu       sync.Mutex
	rewarded map[string]bool
	points   map[string]int
	viewed   map[string]bool
	degraded bool
}

func NewLedger(store kv.Store, userID string) *Ledger {
	return &Ledger{
		store:    store,
		userID:   userID,
		now:      time.Now,
		rewarded: make(map[string]bool),
		points:   make(map[string]int),
		viewed:   make(map[string]bool),
	}
}

func (l *Ledger) rewardsKey() string { return "ledger:" + l.userID + ":rewards" }
func (l *Ledger) pointsKey() string  { return "ledger:" + l.userID + ":points" }

// Load reads the persisted ledger. Missing keys are an empty ledger. On a
// store failure the ledger is left empty and marked degraded.
func (l *Ledger) Load(ctx context.Context) error {
	var rewarded []string
	if err := l.readJSON(ctx, l.rewardsKey(), &rewarded); err != nil {
		l.degrade("load rewards", err)
		return fmt.Errorf("load rewards: %w", err)
	}
	points := make(map[string]int)
	if err := l.readJSON(ctx, l.pointsKey(), &points); err != nil {
		l.degrade("load points", err)
		return fmt.Errorf("load points: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range rewarded {
		l.rewarded[id] = true
	}
	for date, p := range points {
		l.points[date] += p
	}
	l.trimLocked()
	return nil
}

func (l *Ledger) readJSON(ctx context.Context, key string, dst any) error {
	raw, err := l.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (l *Ledger) HasReward(videoID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rewarded[videoID]
}

// RecordReward grants points for videoID unless it was rewarded before.
// It reports whether the reward was new. Re-applying a reward is a no-op.
func (l *Ledger) RecordReward(ctx context.Context, videoID string, points int) bool {
	l.mu.Lock()
	if l.rewarded[videoID] {
		l.mu.Unlock()
		return false
	}
	l.rewarded[videoID] = true
	l.points[l.today()] += points
	l.trimLocked()
	l.mu.Unlock()

	l.persist(ctx)
	return true
}

// TotalPoints sums the trailing seven days.
func (l *Ledger) TotalPoints() int {
	total := 0
	for _, d := range l.Last7Days() {
		total += d.Points
	}
	return total
}

// Last7Days returns one entry per day, oldest first, ending today.
func (l *Ledger) Last7Days() []DayPoints {
	l.mu.Lock()
	defer l.mu.Unlock()

	today := l.now()
	days := make([]DayPoints, 0, historyDays)
	for i := historyDays - 1; i >= 0; i-- {
		date := today.AddDate(0, 0, -i).Format(dateLayout)
		days = append(days, DayPoints{Date: date, Points: l.points[date]})
	}
	return days
}

// ResetPoints clears the day totals. The rewarded set is kept so the same
// videos cannot be rewarded again.
func (l *Ledger) ResetPoints(ctx context.Context) {
	l.mu.Lock()
	l.points = make(map[string]int)
	l.mu.Unlock()

	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	if err := l.store.Remove(ctx, l.pointsKey()); err != nil {
		l.degrade("reset points", err)
	}
}

// MarkViewed records a view for this session and reports whether it was new.
func (l *Ledger) MarkViewed(videoID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.viewed[videoID] {
		return false
	}
	l.viewed[videoID] = true
	return true
}

func (l *Ledger) UnmarkViewed(videoID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.viewed, videoID)
}

// ResetSession forgets which videos were view-counted.
func (l *Ledger) ResetSession() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.viewed = make(map[string]bool)
}

// Degraded reports whether a persistence failure has occurred.
func (l *Ledger) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

func (l *Ledger) persist(ctx context.Context) {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.mu.Lock()
	rewarded := make([]string, 0, len(l.rewarded))
	for id := range l.rewarded {
		rewarded = append(rewarded, id)
	}
	points := make(map[string]int, len(l.points))
	for date, p := range l.points {
		points[date] = p
	}
	l.mu.Unlock()
	slices.Sort(rewarded)

	rewardsJSON, err := json.Marshal(rewarded)
	if err != nil {
		l.degrade("encode rewards", err)
		return
	}
	pointsJSON, err := json.Marshal(points)
	if err != nil {
		l.degrade("encode points", err)
		return
	}

	if err := l.store.Set(ctx, l.rewardsKey(), string(rewardsJSON)); err != nil {
		l.degrade("save rewards", err)
		return
	}
	if err := l.store.Set(ctx, l.pointsKey(), string(pointsJSON)); err != nil {
		l.degrade("save points", err)
	}
}

func (l *Ledger) degrade(op string, err error) {
	slog.Error("ledger: persistence failed, continuing in memory", "op", op, "user_id", l.userID, "error", err)
	l.mu.Lock()
	l.degraded = true
	l.mu.Unlock()
}

func (l *Ledger) today() string {
	return l.now().Format(dateLayout)
}

func (l *Ledger) trimLocked() {
	oldest := l.now().AddDate(0, 0, -(historyDays - 1)).Format(dateLayout)
	for date := range l.points {
		if date < oldest {
			delete(l.points, date)
		}
	}
}
