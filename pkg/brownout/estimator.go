package brownout

import "math"

// MaxCovariance bounds the estimator covariance. With a zero regressor the
// update divides the covariance by the forgetting factor every period, so an
// unbounded value would eventually overflow to +Inf and poison later steps.
const MaxCovariance = 1e12

// Estimator is a scalar recursive least squares estimator with exponential
// forgetting. It tracks Alpha in the model
//
//	serviceTime ≈ Alpha · serviceLevel
//
// i.e. how strongly the observed service time reacts to the dimmer.
//
// State: Alpha (estimate) and Covariance (P, always > 0).
// Update (regressor φ, measurement y, forgetting λ):
//
//	a = P·φ
//	g = 1 / (φ·a + λ)
//	k = g·a
//	e = y − φ·Alpha
//	Alpha += k·e
//	P = (P − g·a²) / λ
type Estimator struct {
	Alpha      float64
	Covariance float64
	Forgetting float64
}

// NewEstimator creates an estimator with the given initial estimate,
// initial covariance and forgetting factor.
func NewEstimator(alpha, covariance, forgetting float64) Estimator {
	return Estimator{
		Alpha:      alpha,
		Covariance: covariance,
		Forgetting: forgetting,
	}
}

// Update returns the estimator after processing one observation.
// The receiver is not modified.
func (e Estimator) Update(regressor, measurement float64) Estimator {
	a := e.Covariance * regressor
	g := 1 / (regressor*a + e.Forgetting)
	k := g * a
	innovation := measurement - regressor*e.Alpha

	next := e
	next.Alpha = e.Alpha + k*innovation
	next.Covariance = (e.Covariance - g*a*a) / e.Forgetting
	if next.Covariance <= 0 {
		// Cancellation when regressor²·P dwarfs the forgetting factor.
		// Algebraically equal to the line above.
		next.Covariance = e.Covariance / (regressor*a + e.Forgetting)
	}

	if next.Covariance > MaxCovariance || math.IsInf(next.Covariance, 1) {
		next.Covariance = MaxCovariance
	}
	return next
}

// Degenerate reports whether Alpha can no longer be used as a divisor.
func (e Estimator) Degenerate() bool {
	return math.IsNaN(e.Alpha) || math.IsInf(e.Alpha, 0) || math.Abs(e.Alpha) < minAlpha
}

// minAlpha is the smallest sensitivity magnitude the control law divides by.
const minAlpha = 1e-9
