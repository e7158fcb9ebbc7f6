package brownout

import (
	"math"
	"math/rand"
	"testing"
)

func TestEstimator_FirstUpdate(t *testing.T) {
	e := NewEstimator(1, 1000, 0.95)
	next := e.Update(0.5, 1.0)

	// a = 500, g = 1/250.95, k = 500/250.95, innovation = 0.5
	wantAlpha := 1 + (500/250.95)*0.5
	wantCov := (1000 - 500*500/250.95) / 0.95
	if math.Abs(next.Alpha-wantAlpha) > 1e-9 {
		t.Errorf("Expected alpha %f, got %f", wantAlpha, next.Alpha)
	}
	if math.Abs(next.Covariance-wantCov) > 1e-9 {
		t.Errorf("Expected covariance %f, got %f", wantCov, next.Covariance)
	}
	if e.Alpha != 1 || e.Covariance != 1000 {
		t.Errorf("Update must not modify the receiver, got %+v", e)
	}
}

func TestEstimator_ConvergesToTrueSensitivity(t *testing.T) {
	e := NewEstimator(1, 1000, 0.95)
	const trueAlpha = 2.5
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		level := 0.1 + 0.9*rng.Float64()
		e = e.Update(level, trueAlpha*level)
	}
	if math.Abs(e.Alpha-trueAlpha) > 1e-4 {
		t.Errorf("Expected alpha to converge to %f, got %f", trueAlpha, e.Alpha)
	}
}

func TestEstimator_CovarianceStaysPositive(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 100; trial++ {
		forgetting := 0.01 + 0.98*rng.Float64()
		e := NewEstimator(1, 1000*rng.Float64()+1e-3, forgetting)
		for i := 0; i < 500; i++ {
			level := 1e-3 + rng.Float64()
			latency := rng.ExpFloat64() * 3
			e = e.Update(level, latency)
			if !(e.Covariance > 0) {
				t.Fatalf("trial %d step %d: covariance not positive: %g (forgetting %f)",
					trial, i, e.Covariance, forgetting)
			}
		}
	}
}

func TestEstimator_ZeroRegressorIsBounded(t *testing.T) {
	e := NewEstimator(1, 1000, 0.5)
	for i := 0; i < 2000; i++ {
		e = e.Update(0, 1)
	}
	if e.Covariance != MaxCovariance {
		t.Errorf("Expected covariance to saturate at %g, got %g", MaxCovariance, e.Covariance)
	}
	if e.Alpha != 1 {
		t.Errorf("Zero regressor must not move alpha, got %f", e.Alpha)
	}
	next := e.Update(0.5, 1)
	if math.IsNaN(next.Alpha) || math.IsNaN(next.Covariance) {
		t.Errorf("Estimator should recover after saturation, got %+v", next)
	}
}

func TestEstimator_Degenerate(t *testing.T) {
	tests := []struct {
		alpha float64
		want  bool
	}{
		{1, false},
		{-0.3, false},
		{0, true},
		{1e-12, true},
		{math.NaN(), true},
		{math.Inf(1), true},
	}
	for _, tt := range tests {
		if got := (Estimator{Alpha: tt.alpha}).Degenerate(); got != tt.want {
			t.Errorf("Degenerate(alpha=%g) = %v, want %v", tt.alpha, got, tt.want)
		}
	}
}
