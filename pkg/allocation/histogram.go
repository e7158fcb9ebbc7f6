package allocation

import "fmt"

// Histogram bins samples into `bins` equal-width bins spanning
// [min(samples), max(samples)] and returns the normalized distribution, with
// each bin represented by its center. The last bin includes its right edge.
// When all samples are equal the range is widened to value ± 0.5.
func Histogram(samples []float64, bins int) (*Distribution, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyDistribution
	}
	if bins < 1 {
		return nil, fmt.Errorf("bins must be >= 1, got %d", bins)
	}

	lo, hi := samples[0], samples[0]
	for _, s := range samples[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	if lo == hi {
		lo -= 0.5
		hi += 0.5
	}

	edges := make([]float64, bins+1)
	for i := range edges {
		edges[i] = lo + float64(i)*(hi-lo)/float64(bins)
	}
	edges[bins] = hi

	counts := make([]int, bins)
	for _, s := range samples {
		idx := int((s - lo) / (hi - lo) * float64(bins))
		if idx >= bins {
			idx = bins - 1
		}
		if idx < 0 {
			idx = 0
		}
		// Rounding can land one bin off; settle on the edges.
		if s < edges[idx] && idx > 0 {
			idx--
		} else if idx < bins-1 && s >= edges[idx+1] {
			idx++
		}
		counts[idx]++
	}

	d := &Distribution{
		Mass:   make([]float64, bins),
		Levels: make([]float64, bins),
	}
	total := float64(len(samples))
	for i := 0; i < bins; i++ {
		d.Mass[i] = float64(counts[i]) / total
		d.Levels[i] = (edges[i] + edges[i+1]) / 2
	}
	return d, nil
}
