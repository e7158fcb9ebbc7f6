// Package brownout implements the adaptive dimmer controller.
//
// Once per control period the controller looks at the latencies observed
// during that period, re-estimates how sensitive latency is to the dimmer
// (recursive least squares), and moves the dimmer so that the 95th percentile
// latency converges to the set point. The dimmer (theta) is the probability of
// serving the optional part of a response.
package brownout

import (
	"fmt"
	"math"
	"time"

	"github.com/cloud-control/brownout-rubis/pkg/stats"
)

// Default controller parameters.
const (
	DefaultSetPoint          = 1.0 // seconds
	DefaultPole              = 0.9
	DefaultControlPeriod     = 500 * time.Millisecond
	DefaultForgetting        = 0.95
	DefaultInitialCovariance = 1000.0
	DefaultInitialAlpha      = 1.0
	DefaultInitialTheta      = 0.5

	// ServiceTimePercentile is the latency percentile the controller tracks.
	ServiceTimePercentile = 95.0
)

// Params are the fixed design parameters of the controller.
type Params struct {
	// SetPoint is the target latency in seconds.
	SetPoint float64

	// Pole sets the closed-loop speed, in (0, 1). Closer to 1 is slower.
	Pole float64

	// ControlPeriod is the time between two control actions.
	ControlPeriod time.Duration

	// Forgetting is the RLS forgetting factor, in (0, 1].
	Forgetting float64

	// InitialCovariance seeds the RLS covariance. Large values let the
	// estimate adapt quickly at startup.
	InitialCovariance float64

	// InitialAlpha seeds the sensitivity estimate.
	InitialAlpha float64
}

// DefaultParams returns the parameters used when nothing is configured.
func DefaultParams() Params {
	return Params{
		SetPoint:          DefaultSetPoint,
		Pole:              DefaultPole,
		ControlPeriod:     DefaultControlPeriod,
		Forgetting:        DefaultForgetting,
		InitialCovariance: DefaultInitialCovariance,
		InitialAlpha:      DefaultInitialAlpha,
	}
}

// Validate checks that the parameters describe a usable controller.
func (p Params) Validate() error {
	if !(p.SetPoint > 0) {
		return fmt.Errorf("setPoint must be > 0, got %f", p.SetPoint)
	}
	if !(p.Pole > 0 && p.Pole < 1) {
		return fmt.Errorf("pole must be in (0, 1), got %f", p.Pole)
	}
	if p.ControlPeriod <= 0 {
		return fmt.Errorf("controlPeriod must be > 0, got %v", p.ControlPeriod)
	}
	if !(p.Forgetting > 0 && p.Forgetting <= 1) {
		return fmt.Errorf("forgetting factor must be in (0, 1], got %f", p.Forgetting)
	}
	if !(p.InitialCovariance > 0) {
		return fmt.Errorf("initial covariance must be > 0, got %f", p.InitialCovariance)
	}
	if p.InitialAlpha == 0 || math.IsNaN(p.InitialAlpha) || math.IsInf(p.InitialAlpha, 0) {
		return fmt.Errorf("initial alpha must be finite and non-zero, got %f", p.InitialAlpha)
	}
	return nil
}

// State is everything the controller carries from one period to the next.
type State struct {
	// Theta is the dimmer, always in [0, 1].
	Theta float64

	// Estimator holds the sensitivity estimate and its covariance.
	Estimator Estimator

	// EWMAArrivalRate is the smoothed arrival rate in requests per second.
	EWMAArrivalRate float64

	// MatchingValue is the worst-case slack of the last period
	// (min of 1 - latency/setPoint), 0 when no request was seen.
	MatchingValue float64
}

// NewState returns the initial controller state.
func NewState(p Params, initialTheta float64) State {
	return State{
		Theta:     clamp(initialTheta, 0, 1),
		Estimator: NewEstimator(p.InitialAlpha, p.InitialCovariance, p.Forgetting),
	}
}

// Sample is one observed response time.
type Sample struct {
	// Latency is the response time in seconds.
	Latency float64
	// At is when the sample was received.
	At time.Time
}

// Step runs one control period over samples and returns the next state and
// the report for the period. It has no side effects.
func Step(p Params, s State, samples []Sample, now time.Time) (State, Report) {
	latencies := make([]float64, len(samples))
	for i, sample := range samples {
		latencies[i] = sample.Latency
	}

	next := s
	serviceTime := math.NaN()
	skipped := false

	if len(latencies) > 0 {
		serviceTime = stats.Percentile(latencies, ServiceTimePercentile)
		serviceLevel := s.Theta

		next.Estimator = s.Estimator.Update(serviceLevel, serviceTime)

		if next.Estimator.Degenerate() {
			// No usable sensitivity: keep the dimmer where it is.
			skipped = true
		} else {
			controlError := p.SetPoint - serviceTime
			variation := (1 / next.Estimator.Alpha) * (1 - p.Pole) * controlError
			serviceLevel += p.ControlPeriod.Seconds() * variation

			if !math.IsNaN(serviceLevel) {
				next.Theta = clamp(serviceLevel, 0, 1)
			} else {
				skipped = true
			}
		}

		next.MatchingValue = matchingValue(latencies, p.SetPoint)
	} else {
		next.MatchingValue = 0
	}

	arrivalRate := float64(len(latencies)) / p.ControlPeriod.Seconds()
	next.EWMAArrivalRate = 0.5*s.EWMAArrivalRate + 0.5*arrivalRate

	report := Report{
		Timestamp:       now,
		AvgLatency:      stats.Avg(latencies),
		MaxLatency:      stats.MaxOrNaN(latencies),
		Theta:           next.Theta,
		Utilization:     math.NaN(),
		MatchingValue:   next.MatchingValue,
		ArrivalRate:     arrivalRate,
		EWMAArrivalRate: next.EWMAArrivalRate,
		ServiceTime:     serviceTime,
		Alpha:           next.Estimator.Alpha,
		Covariance:      next.Estimator.Covariance,
		Samples:         len(latencies),
		Skipped:         skipped,
	}
	return next, report
}

// matchingValue is the worst-case fractional slack of the period.
func matchingValue(latencies []float64, setPoint float64) float64 {
	worst := math.Inf(1)
	for _, latency := range latencies {
		if slack := 1 - latency/setPoint; slack < worst {
			worst = slack
		}
	}
	return worst
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// Controller owns a State and the samples of the current period.
// It is not safe for concurrent use; the event loop is its only caller.
type Controller struct {
	params  Params
	state   State
	samples []Sample
}

// NewController creates a controller starting at initialTheta.
func NewController(p Params, initialTheta float64) *Controller {
	return &Controller{
		params: p,
		state:  NewState(p, initialTheta),
	}
}

// ReportLatency records a sample for the current control period.
func (c *Controller) ReportLatency(s Sample) {
	c.samples = append(c.samples, s)
}

// Pending returns the number of samples waiting for the next control period.
func (c *Controller) Pending() int {
	return len(c.samples)
}

// RunControlPeriod consumes the buffered samples, updates the state and
// returns the report for the period.
func (c *Controller) RunControlPeriod(now time.Time) Report {
	var report Report
	c.state, report = Step(c.params, c.state, c.samples, now)
	c.samples = c.samples[:0]
	return report
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	return c.state
}

// Theta returns the current dimmer value.
func (c *Controller) Theta() float64 {
	return c.state.Theta
}

// Params returns the controller parameters.
func (c *Controller) Params() Params {
	return c.params
}
