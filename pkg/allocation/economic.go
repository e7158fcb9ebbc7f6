package allocation

// Economic capacity planning.
//
// A service buys capacity from a resource manager at two prices:
//   - p_b per unit of base capacity c_b, reserved in advance for the whole period
//   - p_d per unit of dynamic capacity, paid only when used, up to c_d
//
// Revenue of serving with capacity c is modelled as gamma·c^k, with the tail of
// the demand distribution weighted by c^(beta-k). Given an empirical
// distribution of the capacity the service needed recently, OptimalPlan picks
// the (c_b, c_d) pair that maximizes expected profit.

import (
	"errors"
	"fmt"
	"math"
)

// Default planning constants.
const (
	// DefaultCapacityMin and DefaultCapacityMax bound the uniform fallback
	// distribution used before any demand has been observed.
	DefaultCapacityMin = 1.0
	DefaultCapacityMax = 30.0

	// UniformGridSize is the number of levels of the synthetic uniform grid.
	UniformGridSize = 100

	// DefaultHistogramBins is the number of equal-width bins used to turn the
	// capacity request history into a distribution.
	DefaultHistogramBins = 100
)

// Revenue describes the marginal revenue curve. Immutable after startup.
type Revenue struct {
	Gamma float64
	K     float64
	Beta  float64
}

// Validate checks the revenue model.
func (r Revenue) Validate() error {
	if !(r.Gamma > 0) {
		return fmt.Errorf("revenue gamma must be > 0, got %g", r.Gamma)
	}
	if !(r.K > 0) {
		return fmt.Errorf("revenue k must be > 0, got %g", r.K)
	}
	if math.IsNaN(r.Beta) || math.IsInf(r.Beta, 0) {
		return fmt.Errorf("revenue beta must be finite, got %g", r.Beta)
	}
	return nil
}

// Bounds is a closed capacity interval.
type Bounds struct {
	Min float64
	Max float64
}

// DefaultBounds returns the interval used when no demand has been observed.
func DefaultBounds() Bounds {
	return Bounds{Min: DefaultCapacityMin, Max: DefaultCapacityMax}
}

// Plan is a base/dynamic capacity pair. OptimalPlan always returns
// Base <= Dynamic.
type Plan struct {
	Base    float64
	Dynamic float64
}

// Clamp bounds v to [Base, Dynamic].
func (p Plan) Clamp(v float64) float64 {
	return math.Max(p.Base, math.Min(v, p.Dynamic))
}

// Distribution is a discrete probability distribution over capacity levels.
// Levels are strictly increasing and Mass[i] is the probability of Levels[i].
type Distribution struct {
	Mass   []float64
	Levels []float64
}

// ErrEmptyDistribution is returned for a distribution without levels.
var ErrEmptyDistribution = errors.New("distribution has no levels")

// Validate checks the structural invariants of the distribution.
func (d *Distribution) Validate() error {
	if len(d.Levels) == 0 {
		return ErrEmptyDistribution
	}
	if len(d.Mass) != len(d.Levels) {
		return fmt.Errorf("distribution has %d masses for %d levels", len(d.Mass), len(d.Levels))
	}
	for i, m := range d.Mass {
		if m < 0 || math.IsNaN(m) {
			return fmt.Errorf("mass %d is %g, must be >= 0", i, m)
		}
		if i > 0 && !(d.Levels[i] > d.Levels[i-1]) {
			return fmt.Errorf("levels must be strictly increasing, level %d is %g after %g", i, d.Levels[i], d.Levels[i-1])
		}
	}
	return nil
}

// tailMass returns Σ_{j≥i} Mass[j].
func (d *Distribution) tailMass(i int) float64 {
	sum := 0.0
	for _, m := range d.Mass[i:] {
		sum += m
	}
	return sum
}

// UniformDistribution returns n equally likely levels evenly spaced over b
// (both ends included), each with mass 1/n.
func UniformDistribution(b Bounds, n int) *Distribution {
	d := &Distribution{
		Mass:   make([]float64, n),
		Levels: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		d.Mass[i] = 1 / float64(n)
		if n == 1 {
			d.Levels[i] = b.Min
			continue
		}
		d.Levels[i] = b.Min + float64(i)*(b.Max-b.Min)/float64(n-1)
	}
	return d
}

// OptimalPlan computes the profit-maximizing base and dynamic capacity for
// unit prices pb (base) and pd (dynamic).
//
// A nil dist means nothing is known about demand: it is assumed uniform over
// bounds. Otherwise bounds is ignored. The result depends only on the inputs.
func OptimalPlan(rev Revenue, pb, pd float64, dist *Distribution, bounds Bounds) (Plan, error) {
	if !(pd > 0) {
		return Plan{}, fmt.Errorf("dynamic price must be > 0, got %g", pd)
	}
	if pb < 0 || math.IsNaN(pb) {
		return Plan{}, fmt.Errorf("base price must be >= 0, got %g", pb)
	}

	var base float64
	if dist == nil {
		if !(bounds.Max >= bounds.Min) {
			return Plan{}, fmt.Errorf("invalid bounds [%g, %g]", bounds.Min, bounds.Max)
		}
		base = bounds.Min + (pb/pd)*(bounds.Max-bounds.Min)
		dist = UniformDistribution(bounds, UniformGridSize)
	} else {
		if err := dist.Validate(); err != nil {
			return Plan{}, fmt.Errorf("invalid distribution: %w", err)
		}
		base = OptimalBase(pb/pd, dist)
	}

	plan := Plan{
		Base:    base,
		Dynamic: OptimalDynamic(rev, pd, dist),
	}
	if plan.Dynamic < plan.Base {
		plan.Base = plan.Dynamic
	}
	return plan, nil
}

// OptimalBase returns the base capacity for a price ratio p_b/p_d: the
// highest level whose upper-tail mass still exceeds the ratio. Reserving one
// more unit in advance pays off only while the chance of needing it is higher
// than the relative price of reserving it. Falls back to the lowest level.
func OptimalBase(priceRatio float64, dist *Distribution) float64 {
	i := len(dist.Levels) - 1
	for ; i > 0; i-- {
		if dist.tailMass(i) > priceRatio {
			break
		}
	}
	return dist.Levels[i]
}

// OptimalDynamic returns the level x_i minimizing |y_i|, the discretized
// derivative of expected profit with respect to dynamic capacity:
//
//	y_i = k·gamma·x_i^k · Σ_{j≥i} x_j^(beta−k)·f_j  −  x_i·p_d · Σ_{j≥i} f_j
//
// Levels with zero mass contribute nothing to the sums. Ties resolve to the
// lowest level.
func OptimalDynamic(rev Revenue, pd float64, dist *Distribution) float64 {
	best := 0
	bestResidual := math.Inf(1)

	for i, x := range dist.Levels {
		weighted := 0.0
		tail := 0.0
		for j := i; j < len(dist.Levels); j++ {
			f := dist.Mass[j]
			if f == 0 {
				continue
			}
			term := math.Pow(dist.Levels[j], rev.Beta-rev.K) * f
			if !math.IsNaN(term) && !math.IsInf(term, 0) {
				weighted += term
			}
			tail += f
		}

		y := rev.K*rev.Gamma*math.Pow(x, rev.K)*weighted - x*pd*tail
		residual := math.Abs(y)
		if math.IsNaN(residual) {
			continue
		}
		if residual < bestResidual {
			best = i
			bestResidual = residual
		}
	}
	return dist.Levels[best]
}
