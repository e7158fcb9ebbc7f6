// Package stats provides the small numeric summaries used when reporting on
// a control period. Every helper returns NaN instead of failing on empty input,
// so callers can log the result without special-casing.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Avg returns the arithmetic mean of values, or NaN if values is empty.
func Avg(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return stat.Mean(values, nil)
}

// MaxOrNaN returns the largest element of values, or NaN if values is empty.
func MaxOrNaN(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return floats.Max(values)
}

// MinOrNaN returns the smallest element of values, or NaN if values is empty.
func MinOrNaN(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return floats.Min(values)
}

// Percentile returns the p-th percentile (p in [0, 100]) of values using
// linear interpolation between the two closest ranks. The input is not
// modified. Returns NaN for empty input.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Median returns the median of an already sorted slice.
// Returns NaN for empty input.
func Median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// Summary is a five-number summary plus the mean.
type Summary struct {
	Min    float64
	Q1     float64
	Median float64
	Q3     float64
	Max    float64
	Mean   float64
}

// Values returns the summary in reporting order: min, Q1, median, Q3, max, mean.
func (s Summary) Values() []float64 {
	return []float64{s.Min, s.Q1, s.Median, s.Q3, s.Max, s.Mean}
}

// Summarize computes the five-number summary and mean of values.
// Quartiles are the medians of the lower and upper halves; for odd lengths
// the middle element belongs to the upper half.
func Summarize(values []float64) Summary {
	n := len(values)
	switch n {
	case 0:
		nan := math.NaN()
		return Summary{nan, nan, nan, nan, nan, nan}
	case 1:
		v := values[0]
		return Summary{v, v, v, v, v, v}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	return Summary{
		Min:    sorted[0],
		Q1:     Median(sorted[:n/2]),
		Median: Median(sorted),
		Q3:     Median(sorted[n/2:]),
		Max:    sorted[n-1],
		Mean:   Avg(sorted),
	}
}
