package playback

import (
	"errors"
	"fmt"
)

type State int

const (
	Idle State = iota
	Preloading
	Ready
	Playing
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preloading:
		return "preloading"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Event int

const (
	EventLoad Event = iota
	EventLoaded
	EventCancel
	EventPlay
	EventPause
	EventStop
	EventFail
	EventDirectPlay
)

func (e Event) String() string {
	switch e {
	case EventLoad:
		return "load"
	case EventLoaded:
		return "loaded"
	case EventCancel:
		return "cancel"
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventStop:
		return "stop"
	case EventFail:
		return "fail"
	case EventDirectPlay:
		return "direct_play"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

var ErrInvalidTransition = errors.New("playback: invalid transition")

var transitions = map[State]map[Event]State{
	Idle: {
		EventLoad:       Preloading,
		EventDirectPlay: Playing,
		EventStop:       Stopped,
	},
	Preloading: {
		EventLoaded:     Ready,
		EventCancel:     Idle,
		EventFail:       Stopped,
		EventStop:       Stopped,
		EventDirectPlay: Playing,
	},
	Ready: {
		EventPlay:       Playing,
		EventStop:       Stopped,
		EventFail:       Stopped,
		EventDirectPlay: Playing,
	},
	Playing: {
		EventPause: Paused,
		EventStop:  Stopped,
		EventFail:  Stopped,
	},
	Paused: {
		EventPlay:       Playing,
		EventStop:       Stopped,
		EventFail:       Stopped,
		EventDirectPlay: Playing,
	},
	Stopped: {
		EventLoad:       Preloading,
		EventStop:       Stopped,
		EventFail:       Stopped,
		EventDirectPlay: Playing,
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
