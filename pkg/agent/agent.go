package agent

// Package agent runs the brownout controller next to a service instance.
//
// A single event loop owns all controller state:
//   - latency reports feed the dimmer controller, which every control period
//     recomputes the service level and publishes it
//   - every negotiation period the capacity needed at the observed arrival
//     rate is requested from the resource manager
//   - price messages from the resource manager trigger a new capacity plan
//
// Datagrams are read by transport goroutines and handed to the loop; nothing
// else touches controller state.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/cloud-control/brownout-rubis/pkg/brownout"
	"github.com/cloud-control/brownout-rubis/pkg/publish"
	"github.com/cloud-control/brownout-rubis/pkg/transport"
)

// MinWait is the shortest time the loop waits for input, so a deadline that
// is already due does not turn into a busy loop.
const MinWait = time.Millisecond

// ErrMalformedLatency is returned for a latency report that is not a
// non-negative number of seconds.
var ErrMalformedLatency = errors.New("malformed latency report")

// Source yields inbound datagrams. Next blocks for at most timeout and
// reports expiry as an Event with Timeout set; Poll never blocks.
type Source interface {
	Next(ctx context.Context, timeout time.Duration) (transport.Event, error)
	Poll() (transport.Event, bool)
}

// Agent is the controller event loop.
type Agent struct {
	config *AgentConfig
	clock  clock.Clock
	source Source

	controller *brownout.Controller
	negotiator *Negotiator
	publisher  publish.Publisher
	health     *HealthServer

	// report receives one CSV record per control period; nil disables it.
	report io.Writer

	dropLog rate.Sometimes

	lastControl     time.Time
	lastNegotiation time.Time
}

// Option customizes an Agent.
type Option func(*Agent)

// WithReport writes one CSV record per control period to w.
func WithReport(w io.Writer) Option {
	return func(a *Agent) { a.report = w }
}

// WithHealth records loop progress into h.
func WithHealth(h *HealthServer) Option {
	return func(a *Agent) { a.health = h }
}

// NewAgent creates the event loop. source delivers latency and negotiation
// datagrams, sender reaches the resource manager and publisher exposes the
// service level.
func NewAgent(cfg *AgentConfig, clk clock.Clock, source Source, sender Sender, publisher publish.Publisher, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	negotiator, err := NewNegotiator(cfg, sender, clk.Now())
	if err != nil {
		return nil, err
	}

	a := &Agent{
		config:     cfg,
		clock:      clk,
		source:     source,
		controller: brownout.NewController(cfg.ControllerParams(), cfg.InitialTheta),
		negotiator: negotiator,
		publisher:  publisher,
		dropLog:    rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Run publishes the initial service level and processes events until ctx is
// done or a channel fails. It returns ctx.Err() on shutdown.
func (a *Agent) Run(ctx context.Context) error {
	now := a.clock.Now()
	a.lastControl = now
	a.lastNegotiation = now

	klog.InfoS("Starting brownout controller",
		"serviceLevel", a.controller.Theta(),
		"setPoint", a.controller.Params().SetPoint,
		"pole", a.controller.Params().Pole,
		"controlPeriod", a.config.ControlPeriod,
		"negotiationPeriod", a.config.NegotiationPeriod)

	a.publish(ctx)
	if a.health != nil {
		a.health.RecordNegotiation(a.negotiator.Plan(), a.negotiator.Prices())
	}

	for {
		wait := a.nextWait(a.clock.Now())
		ev, err := a.source.Next(ctx, wait)
		if err != nil {
			if ctx.Err() != nil {
				klog.InfoS("Stopping brownout controller", "serviceLevel", a.controller.Theta())
				return ctx.Err()
			}
			return fmt.Errorf("event source failed: %w", err)
		}
		if err := a.iterate(ctx, ev); err != nil {
			return err
		}
	}
}

// nextWait returns the time until the nearer of the two deadlines.
func (a *Agent) nextWait(now time.Time) time.Duration {
	untilControl := a.lastControl.Add(a.config.ControlPeriod).Sub(now)
	untilNegotiation := a.lastNegotiation.Add(a.config.NegotiationPeriod).Sub(now)

	wait := untilControl
	if untilNegotiation < wait {
		wait = untilNegotiation
	}
	if wait < MinWait {
		wait = MinWait
	}
	return wait
}

// iterate handles one wake-up: every queued datagram is applied before any
// periodic action runs, and all of them share one timestamp.
func (a *Agent) iterate(ctx context.Context, first transport.Event) error {
	now := a.clock.Now()
	if !first.Timeout {
		a.dispatch(first, now)
	}
	for {
		ev, ok := a.source.Poll()
		if !ok {
			break
		}
		a.dispatch(ev, now)
	}
	return a.runDue(ctx, now)
}

func (a *Agent) dispatch(ev transport.Event, now time.Time) {
	var err error
	switch ev.Channel {
	case transport.ChannelLatency:
		var latency float64
		latency, err = parseLatency(ev.Payload)
		if err == nil {
			a.controller.ReportLatency(brownout.Sample{Latency: latency, At: now})
			a.negotiator.RecordArrival()
		}
	case transport.ChannelNegotiation:
		err = a.negotiator.HandlePriceMessage(ev.Payload, now)
	default:
		err = fmt.Errorf("unknown channel %s", ev.Channel)
	}

	if err != nil {
		metricDroppedDatagrams.WithLabelValues(ev.Channel.String()).Inc()
		a.dropLog.Do(func() {
			klog.ErrorS(err, "Dropping datagram", "channel", ev.Channel, "from", ev.From, "payload", string(ev.Payload))
		})
	}
}

func parseLatency(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedLatency, s)
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not a non-negative duration", ErrMalformedLatency, s)
	}
	return v, nil
}

// runDue runs the periodic actions whose deadline has passed. Deadlines are
// re-armed from now.
func (a *Agent) runDue(ctx context.Context, now time.Time) error {
	if now.Sub(a.lastControl) >= a.config.ControlPeriod {
		a.lastControl = now
		a.runControlPeriod(ctx, now)
	}

	if now.Sub(a.lastNegotiation) >= a.config.NegotiationPeriod {
		a.lastNegotiation = now
		if err := a.negotiator.Tick(now); err != nil {
			return err
		}
	}

	if a.negotiator.ReplanPending() {
		if err := a.negotiator.Replan(now); err != nil {
			return err
		}
		if a.health != nil {
			a.health.RecordNegotiation(a.negotiator.Plan(), a.negotiator.Prices())
		}
	}
	return nil
}

func (a *Agent) runControlPeriod(ctx context.Context, now time.Time) {
	report := a.controller.RunControlPeriod(now)

	klog.InfoS("Control period",
		"samples", report.Samples,
		"avgLatency", report.AvgLatency,
		"maxLatency", report.MaxLatency,
		"serviceTime", report.ServiceTime,
		"serviceLevel", report.Theta,
		"alpha", report.Alpha,
		"matchingValue", report.MatchingValue,
		"arrivalRate", report.ArrivalRate,
		"ewmaArrivalRate", report.EWMAArrivalRate)
	if report.Skipped {
		klog.V(1).InfoS("Service level held, sensitivity estimate is degenerate", "alpha", report.Alpha)
	}

	RecordControlPeriod(report)
	if a.health != nil {
		a.health.RecordControl(report.Theta, report.Alpha)
	}
	if a.report != nil {
		fmt.Fprintln(a.report, report.CSV())
	}

	a.publish(ctx)
}

// publish exposes the current service level. A failure is logged and the
// next period tries again.
func (a *Agent) publish(ctx context.Context) {
	err := a.publisher.Publish(ctx, a.controller.Theta())
	if err != nil {
		metricPublishFailures.Inc()
		klog.ErrorS(err, "Failed to publish service level", "serviceLevel", a.controller.Theta())
	}
	if a.health != nil {
		a.health.RecordPublish(err)
	}
}

// Controller returns the dimmer controller.
func (a *Agent) Controller() *brownout.Controller {
	return a.controller
}

// Negotiator returns the capacity negotiator.
func (a *Agent) Negotiator() *Negotiator {
	return a.negotiator
}
