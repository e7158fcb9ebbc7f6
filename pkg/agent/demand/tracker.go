package demand

// Package demand tracks request arrivals and turns them into capacity
// requests for the resource manager.

import (
	"fmt"
	"time"
)

// Tracker counts arrivals between negotiation ticks and keeps the history of
// per-tick capacity estimates c_i until the next replan.
// Not safe for concurrent use; owned by the event loop.
type Tracker struct {
	arrivals int

	// c_i estimates since the last replan
	history []float64

	// Smoothed c_i, for observability only. Follows "fast up, slow down".
	smoothed float64

	throughputPerUnit float64

	AlphaIncrease float64
	AlphaDecrease float64
}

// Estimate is the outcome of one negotiation tick.
type Estimate struct {
	Arrivals    int
	ArrivalRate float64 // requests per second over the tick
	Capacity    float64 // c_i, capacity units needed at that rate
}

// NewTracker creates a tracker. throughputPerUnit is the profiled number of
// requests per second one unit of capacity can serve.
func NewTracker(throughputPerUnit float64) (*Tracker, error) {
	if !(throughputPerUnit > 0) {
		return nil, fmt.Errorf("throughput per unit must be > 0, got %g", throughputPerUnit)
	}
	return &Tracker{
		throughputPerUnit: throughputPerUnit,
		AlphaIncrease:     0.6,
		AlphaDecrease:     0.2,
	}, nil
}

// RecordArrival counts one request.
func (t *Tracker) RecordArrival() {
	t.arrivals++
}

// Arrivals returns the number of arrivals since the last tick.
func (t *Tracker) Arrivals() int {
	return t.arrivals
}

// Tick closes the current interval of length period: it converts the arrival
// count into a capacity estimate, appends it to the history and resets the
// counter.
func (t *Tracker) Tick(period time.Duration) Estimate {
	est := Estimate{Arrivals: t.arrivals}
	if period > 0 {
		est.ArrivalRate = float64(t.arrivals) / period.Seconds()
	}
	est.Capacity = est.ArrivalRate / t.throughputPerUnit

	t.history = append(t.history, est.Capacity)
	t.arrivals = 0
	t.smooth(est.Capacity)
	return est
}

func (t *Tracker) smooth(c float64) {
	alpha := t.AlphaDecrease
	if c > t.smoothed {
		alpha = t.AlphaIncrease
	}
	t.smoothed = alpha*c + (1-alpha)*t.smoothed
}

// History returns a copy of the c_i estimates accumulated since the last
// Reset, oldest first.
func (t *Tracker) History() []float64 {
	out := make([]float64, len(t.history))
	copy(out, t.history)
	return out
}

// Smoothed returns the smoothed capacity estimate.
func (t *Tracker) Smoothed() float64 {
	return t.smoothed
}

// Reset clears the history. The arrival counter and smoothed value are kept.
func (t *Tracker) Reset() {
	t.history = t.history[:0]
}
