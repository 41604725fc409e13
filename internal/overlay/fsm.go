package overlay

import (
	"errors"
	"fmt"
)

type State int

const (
	Closed State = iota
	Opening
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Visible reports whether the panel is on screen at all.
func (s State) Visible() bool {
	return s != Closed
}

type Event int

const (
	EventTap Event = iota
	EventDragOpen
	EventDragClose
	EventDragCancel
	EventSettled
	EventForceClose
)

func (e Event) String() string {
	switch e {
	case EventTap:
		return "tap"
	case EventDragOpen:
		return "drag_open"
	case EventDragClose:
		return "drag_close"
	case EventDragCancel:
		return "drag_cancel"
	case EventSettled:
		return "settled"
	case EventForceClose:
		return "force_close"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

var ErrInvalidTransition = errors.New("overlay: invalid transition")

var transitions = map[State]map[Event]State{
	Closed: {
		EventTap:        Opening,
		EventDragOpen:   Opening,
		EventDragCancel: Closed,
		EventForceClose: Closed,
	},
	Opening: {
		EventTap:        Closing,
		EventDragClose:  Closing,
		EventDragCancel: Opening,
		EventSettled:    Open,
		EventForceClose: Closed,
	},
	Open: {
		EventTap:        Closing,
		EventDragClose:  Closing,
		EventDragCancel: Open,
		EventForceClose: Closed,
	},
	Closing: {
		EventDragOpen:   Opening,
		EventDragCancel: Closing,
		EventSettled:    Closed,
		EventForceClose: Closed,
	},
}

// Next returns the state reached from s on e.
func Next(s State, e Event) (State, error) {
	next, ok := transitions[s][e]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
	}
	return next, nil
}

// target is the resting openness a state animates toward.
func target(s State) float64 {
	switch s {
	case Opening, Open:
		return 1
	}
	return 0
}
