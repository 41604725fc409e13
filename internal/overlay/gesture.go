package overlay

// Interpreter turns raw vertical drags into overlay events. It holds no
// state; Openness values run from 0 (closed) to 1 (fully open).
type Interpreter struct {
	ViewportHeight float64
}

// Threshold is the displacement a drag must exceed to change state.
func (in Interpreter) Threshold() float64 {
	return in.ViewportHeight / 6
}

// OwnsGesture reports whether vertical drags belong to the overlay rather
// than the feed.
func (in Interpreter) OwnsGesture(s State) bool {
	return s.Visible()
}

// Openness is where the sheet sits while a drag from s is in progress.
// upward is the finger's upward displacement in pixels since the drag began.
func (in Interpreter) Openness(s State, upward float64) float64 {
	if in.ViewportHeight <= 0 {
		return target(s)
	}
	return clamp01(target(s) + upward/in.ViewportHeight)
}

// Release decides the event for a drag from s released after moving upward
// pixels. Only displacement decides; velocity is left to the animation.
func (in Interpreter) Release(s State, upward float64) Event {
	threshold := in.Threshold()
	if target(s) == 0 {
		if upward > threshold {
			return EventDragOpen
		}
		return EventDragCancel
	}
	if -upward > threshold {
		return EventDragClose
	}
	return EventDragCancel
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
