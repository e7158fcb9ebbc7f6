package agent

import (
	"fmt"
	"math"
	"time"

	"k8s.io/klog/v2"

	"github.com/cloud-control/brownout-rubis/pkg/agent/demand"
	"github.com/cloud-control/brownout-rubis/pkg/allocation"
	"github.com/cloud-control/brownout-rubis/pkg/price"
	"github.com/cloud-control/brownout-rubis/pkg/stats"
)

// Sender delivers a datagram to the resource manager.
type Sender interface {
	Send(payload []byte) error
}

// Negotiator reports capacity demand to the resource manager and buys
// capacity at the prices it announces.
//
// Every negotiation period it sends the capacity needed at the observed
// arrival rate, clamped to the current plan. When new prices arrive it
// recomputes the plan from the requests seen since the last replan.
type Negotiator struct {
	sender  Sender
	tracker *demand.Tracker
	prices  *price.Signal
	plan    allocation.Plan

	revenue allocation.Revenue
	bounds  allocation.Bounds
	bins    int
	period  time.Duration

	replanPending bool
}

// NewNegotiator creates a negotiator from the configuration.
func NewNegotiator(cfg *AgentConfig, sender Sender, now time.Time) (*Negotiator, error) {
	tracker, err := demand.NewTracker(cfg.ProfiledThroughputPerUnit)
	if err != nil {
		return nil, fmt.Errorf("create demand tracker: %w", err)
	}
	n := &Negotiator{
		sender:  sender,
		tracker: tracker,
		prices:  price.NewSignal(cfg.InitialBasePrice, cfg.InitialDynamicPrice, now),
		plan: allocation.Plan{
			Base:    cfg.InitialBaseCapacity,
			Dynamic: cfg.InitialDynamicCapacity,
		},
		revenue: cfg.Revenue(),
		bounds:  cfg.Bounds(),
		bins:    cfg.HistoryBins,
		period:  cfg.NegotiationPeriod,
	}
	RecordPlan(n.plan, n.prices)
	return n, nil
}

// RecordArrival counts one served request.
func (n *Negotiator) RecordArrival() {
	n.tracker.RecordArrival()
}

// Tick closes a negotiation period and sends the capacity request. Only a
// send failure is returned.
func (n *Negotiator) Tick(now time.Time) error {
	est := n.tracker.Tick(n.period)
	request := n.plan.Clamp(est.Capacity)

	klog.V(2).InfoS("Negotiation tick",
		"arrivals", est.Arrivals,
		"arrivalRate", est.ArrivalRate,
		"estimate", est.Capacity,
		"request", request,
		"base", n.plan.Base,
		"dynamic", n.plan.Dynamic)
	RecordDemand(est, request, n.tracker.Smoothed())

	if err := n.sender.Send(price.FormatDemand(request)); err != nil {
		return fmt.Errorf("send capacity request: %w", err)
	}
	return nil
}

// HandlePriceMessage applies a price message from the resource manager and
// schedules a replan when it carried a price.
func (n *Negotiator) HandlePriceMessage(payload []byte, now time.Time) error {
	update, err := price.ParseUpdate(payload)
	if err != nil {
		return err
	}
	klog.V(2).InfoS("Received negotiation message", "payload", string(payload), "update", update.String())

	if update.Apply(n.prices, now) {
		n.replanPending = true
	}
	return nil
}

// ReplanPending reports whether a price update is waiting to be planned for.
func (n *Negotiator) ReplanPending() bool {
	return n.replanPending
}

// Replan recomputes the capacity plan at the current prices and sends it to
// the resource manager. A planning failure keeps the previous plan and is
// only logged; a send failure is returned.
func (n *Negotiator) Replan(now time.Time) error {
	n.replanPending = false

	history := n.tracker.History()
	if klog.V(2).Enabled() && len(history) > 0 {
		s := stats.Summarize(history)
		klog.V(2).InfoS("Demand since last plan",
			"requests", len(history),
			"min", s.Min, "q1", s.Q1, "median", s.Median, "q3", s.Q3, "max", s.Max, "mean", s.Mean)
	}

	var dist *allocation.Distribution
	if len(history) > 0 {
		d, err := allocation.Histogram(history, n.bins)
		if err != nil {
			klog.ErrorS(err, "Failed to build demand distribution, keeping plan", "requests", len(history))
			return nil
		}
		dist = d
	}

	plan, err := allocation.OptimalPlan(n.revenue, n.prices.Base, n.prices.Dynamic, dist, n.bounds)
	if err != nil {
		klog.ErrorS(err, "Failed to compute capacity plan, keeping plan",
			"basePrice", n.prices.Base, "dynamicPrice", n.prices.Dynamic)
		return nil
	}
	plan.Base = math.Max(plan.Base, 1)
	plan.Dynamic = math.Max(plan.Dynamic, plan.Base)

	klog.InfoS("Capacity plan updated",
		"base", plan.Base,
		"dynamic", plan.Dynamic,
		"previousBase", n.plan.Base,
		"previousDynamic", n.plan.Dynamic,
		"basePrice", n.prices.Base,
		"dynamicPrice", n.prices.Dynamic,
		"requests", len(history))

	n.plan = plan
	n.tracker.Reset()
	metricReplans.Inc()
	RecordPlan(n.plan, n.prices)

	if err := n.sender.Send(price.FormatPlan(plan.Base, plan.Dynamic)); err != nil {
		return fmt.Errorf("send capacity plan: %w", err)
	}
	return nil
}

// Plan returns the current capacity plan.
func (n *Negotiator) Plan() allocation.Plan {
	return n.plan
}

// Prices returns a copy of the current prices.
func (n *Negotiator) Prices() price.Signal {
	return *n.prices
}

// History returns the capacity requests since the last replan.
func (n *Negotiator) History() []float64 {
	return n.tracker.History()
}
