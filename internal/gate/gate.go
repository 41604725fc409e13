// Package gate periodically interrupts the feed with an interstitial that
// holds playback and auto-advance until the viewer responds.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sendrec/reelfeed/internal/eventbus"
)

var ErrNotTripped = errors.New("gate: not tripped")

type Outcome string

const (
	OutcomeSubscribe        Outcome = "subscribe"
	OutcomeContinueWatching Outcome = "continueWatching"
	OutcomeDismissBackdrop  Outcome = "dismissBackdrop"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSubscribe, OutcomeContinueWatching, OutcomeDismissBackdrop:
		return true
	}
	return false
}

type Config struct {
	// Every trips the gate on each Every-th counted completion. Defaults to 2.
	Every int
}

// Suspender is the part of the playback scheduler the gate drives.
type Suspender interface {
	SuspendAll(ctx context.Context)
	ResumeCurrent(ctx context.Context) error
}

type Gate struct {
	player Suspender
	bus    *eventbus.Bus
	every  int

	mu          sync.Mutex
	completions int
	tripped     bool
}

func New(player Suspender, bus *eventbus.Bus, cfg Config) *Gate {
	every := cfg.Every
	if every <= 0 {
		every = 2
	}
	return &Gate{player: player, bus: bus, every: every}
}

// OnCompletion counts a finished video and reports whether the gate is now
// tripped. Completions that arrive while tripped are not counted.
func (g *Gate) OnCompletion(ctx context.Context) bool {
	g.mu.Lock()
	if g.tripped {
		g.mu.Unlock()
		return true
	}
	g.completions++
	if g.completions%g.every != 0 {
		g.mu.Unlock()
		return false
	}
	g.tripped = true
	count := g.completions
	g.mu.Unlock()

	slog.Info("gate: interstitial shown", "completions", count)
	eventbus.Publish(g.bus, eventbus.InterstitialStateTopic, eventbus.InterstitialState{IsVisible: true})
	g.player.SuspendAll(ctx)
	return true
}

// Resolve closes the interstitial. Every outcome resumes the current item
// without advancing; the outcome is published for the host to act on.
func (g *Gate) Resolve(ctx context.Context, outcome Outcome) error {
	if !outcome.Valid() {
		return fmt.Errorf("gate: unknown outcome %q", outcome)
	}

	g.mu.Lock()
	if !g.tripped {
		g.mu.Unlock()
		return ErrNotTripped
	}
	g.tripped = false
	g.mu.Unlock()

	slog.Info("gate: interstitial resolved", "outcome", string(outcome))
	eventbus.Publish(g.bus, eventbus.InterstitialStateTopic, eventbus.InterstitialState{
		IsVisible: false,
		Outcome:   string(outcome),
	})
	if err := g.player.ResumeCurrent(ctx); err != nil {
		return fmt.Errorf("resume after interstitial: %w", err)
	}
	return nil
}

func (g *Gate) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

func (g *Gate) Completions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.completions
}
