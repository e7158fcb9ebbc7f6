package brownout

import (
	"fmt"
	"strings"
	"time"
)

// Report describes one control period.
type Report struct {
	Timestamp       time.Time
	AvgLatency      float64 // NaN when no sample was seen
	MaxLatency      float64 // NaN when no sample was seen
	Theta           float64
	Utilization     float64 // not measured, always NaN
	MatchingValue   float64
	ArrivalRate     float64
	EWMAArrivalRate float64

	// Not part of the CSV record.
	ServiceTime float64 // p95 latency, NaN when no sample was seen
	Alpha       float64
	Covariance  float64
	Samples     int
	Skipped     bool // the dimmer was left unchanged because alpha was unusable
}

// Fields returns the CSV record fields in order.
func (r Report) Fields() []float64 {
	return []float64{
		float64(r.Timestamp.UnixNano()) / 1e9,
		r.AvgLatency,
		r.MaxLatency,
		r.Theta,
		r.Utilization,
		r.MatchingValue,
		r.ArrivalRate,
		r.EWMAArrivalRate,
	}
}

// CSV renders the report as comma-separated values with five decimals:
// timestamp,avgLatency,maxLatency,theta,utilization,matchingValue,arrivalRate,ewmaArrivalRate
func (r Report) CSV() string {
	fields := r.Fields()
	parts := make([]string, len(fields))
	for i, v := range fields {
		parts[i] = fmt.Sprintf("%.5f", v)
	}
	return strings.Join(parts, ",")
}
