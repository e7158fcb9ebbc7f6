package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloud-control/brownout-rubis/pkg/agent/demand"
	"github.com/cloud-control/brownout-rubis/pkg/allocation"
	"github.com/cloud-control/brownout-rubis/pkg/brownout"
	"github.com/cloud-control/brownout-rubis/pkg/price"
)

var (
	// Dimmer controller metrics
	metricServiceLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "brownout",
			Name:      "service_level",
			Help:      "Probability of serving optional content (theta) [0,1]",
		},
	)

	metricAlpha = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "brownout",
			Name:      "rls_alpha",
			Help:      "Estimated sensitivity of the service time to the service level",
		},
	)

	metricCovariance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "brownout",
			Name:      "rls_covariance",
			Help:      "Covariance of the sensitivity estimate",
		},
	)

	metricServiceTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "brownout",
			Name:      "service_time_p95_seconds",
			Help:      "95th percentile latency of the last control period",
		},
	)

	metricMatchingValue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "brownout",
			Name:      "matching_value",
			Help:      "Worst-case normalized latency slack of the last control period",
		},
	)

	metricArrivalRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "brownout",
			Name:      "arrival_rate",
			Help:      "Request arrival rate per second",
		},
		[]string{"window"},
	)

	metricSkippedPeriods = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "brownout",
			Name:      "skipped_periods_total",
			Help:      "Control periods where the service level was not updated because the sensitivity estimate was degenerate",
		},
	)

	// Capacity negotiation metrics
	metricCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "brownout",
			Name:      "capacity",
			Help:      "Capacity units: requested (c_i), smoothed request, base (c_b) and dynamic (c_d)",
		},
		[]string{"kind"},
	)

	metricPrice = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "brownout",
			Name:      "price",
			Help:      "Unit price of capacity announced by the resource manager",
		},
		[]string{"kind"},
	)

	metricReplans = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "brownout",
			Name:      "replans_total",
			Help:      "Capacity plans computed after a price update",
		},
	)

	// Plumbing metrics
	metricDroppedDatagrams = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brownout",
			Name:      "dropped_datagrams_total",
			Help:      "Inbound datagrams dropped because they could not be parsed",
		},
		[]string{"channel"},
	)

	metricPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "brownout",
			Name:      "publish_failures_total",
			Help:      "Failed attempts to publish the service level",
		},
	)
)

// RecordControlPeriod updates the controller metrics from a period report.
func RecordControlPeriod(r brownout.Report) {
	metricServiceLevel.Set(r.Theta)
	metricAlpha.Set(r.Alpha)
	metricCovariance.Set(r.Covariance)
	metricMatchingValue.Set(r.MatchingValue)
	metricArrivalRate.WithLabelValues("period").Set(r.ArrivalRate)
	metricArrivalRate.WithLabelValues("ewma").Set(r.EWMAArrivalRate)
	if r.Samples > 0 {
		metricServiceTime.Set(r.ServiceTime)
	}
	if r.Skipped {
		metricSkippedPeriods.Inc()
	}
}

// RecordDemand updates the capacity request metrics after a negotiation tick.
func RecordDemand(est demand.Estimate, sent, smoothed float64) {
	metricArrivalRate.WithLabelValues("negotiation").Set(est.ArrivalRate)
	metricCapacity.WithLabelValues("request").Set(sent)
	metricCapacity.WithLabelValues("smoothed").Set(smoothed)
}

// RecordPlan updates the plan and price metrics.
func RecordPlan(plan allocation.Plan, prices *price.Signal) {
	metricCapacity.WithLabelValues("base").Set(plan.Base)
	metricCapacity.WithLabelValues("dynamic").Set(plan.Dynamic)
	metricPrice.WithLabelValues("base").Set(prices.Base)
	metricPrice.WithLabelValues("dynamic").Set(prices.Dynamic)
}
