package overlay

import (
	"math"
	"time"
)

const (
	defaultStiffness = 170
	settleEpsilon    = 0.001
	maxStep          = 16 * time.Millisecond
)

// Driver animates the sheet toward a target with a critically damped spring.
type Driver struct {
	stiffness float64
	damping   float64

	position float64
	velocity float64
	target   float64
	settled  bool
}

func NewDriver(stiffness float64) *Driver {
	if stiffness <= 0 {
		stiffness = defaultStiffness
	}
	return &Driver{
		stiffness: stiffness,
		damping:   2 * math.Sqrt(stiffness),
		settled:   true,
	}
}

// SetTarget starts a new animation from the current position. velocity is
// the release speed in openness per second.
func (d *Driver) SetTarget(target, velocity float64) {
	d.target = target
	d.velocity = velocity
	d.settled = d.position == target && velocity == 0
}

// Jump moves the sheet without animating, as while a finger is dragging it.
func (d *Driver) Jump(position float64) {
	d.position = position
	d.velocity = 0
	d.settled = position == d.target
}

// Step advances the spring by dt and reports the new position and whether
// it has come to rest on the target.
func (d *Driver) Step(dt time.Duration) (float64, bool) {
	if d.settled {
		return d.position, true
	}
	for dt > 0 {
		h := min(dt, maxStep)
		dt -= h
		secs := h.Seconds()
		accel := -d.stiffness*(d.position-d.target) - d.damping*d.velocity
		d.velocity += accel * secs
		d.position += d.velocity * secs
	}
	if math.Abs(d.position-d.target) < settleEpsilon && math.Abs(d.velocity) < settleEpsilon*10 {
		d.position = d.target
		d.velocity = 0
		d.settled = true
	}
	return d.position, d.settled
}

func (d *Driver) Position() float64 { return d.position }
func (d *Driver) Target() float64   { return d.target }
func (d *Driver) Settled() bool     { return d.settled }
