package agent

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cloud-control/brownout-rubis/pkg/price"
)

func newTestNegotiator(t *testing.T) (*Negotiator, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	n, err := NewNegotiator(DefaultConfig(), sender, epoch)
	if err != nil {
		t.Fatalf("NewNegotiator failed: %v", err)
	}
	return n, sender
}

func TestNegotiator_InitialState(t *testing.T) {
	n, _ := newTestNegotiator(t)
	if p := n.Plan(); p.Base != 1 || p.Dynamic != 10 {
		t.Errorf("Expected initial plan 1/10, got %+v", p)
	}
	if p := n.Prices(); p.Base != price.DefaultBasePrice || p.Dynamic != price.DefaultDynamicPrice {
		t.Errorf("Unexpected initial prices %+v", p)
	}
	if n.ReplanPending() {
		t.Errorf("No replan should be pending at startup")
	}
}

func TestNegotiator_TickClampsToPlan(t *testing.T) {
	tests := []struct {
		arrivals int
		want     string
	}{
		{0, "c_i=1"},
		{150, "c_i=3"},
		{5000, "c_i=10"},
	}
	for _, tt := range tests {
		n, sender := newTestNegotiator(t)
		for i := 0; i < tt.arrivals; i++ {
			n.RecordArrival()
		}
		if err := n.Tick(epoch); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
		if len(sender.sent) != 1 || sender.sent[0] != tt.want {
			t.Errorf("%d arrivals: expected %s, got %v", tt.arrivals, tt.want, sender.sent)
		}
	}
}

func TestNegotiator_PriceMessage(t *testing.T) {
	n, _ := newTestNegotiator(t)
	later := epoch.Add(time.Minute)

	if err := n.HandlePriceMessage([]byte("epoch=3"), later); err != nil {
		t.Fatalf("HandlePriceMessage failed: %v", err)
	}
	if n.ReplanPending() {
		t.Errorf("A message without prices should not trigger a replan")
	}

	if err := n.HandlePriceMessage([]byte(`p_d="4"`), later); err != nil {
		t.Fatalf("HandlePriceMessage failed: %v", err)
	}
	if !n.ReplanPending() {
		t.Errorf("A price update should trigger a replan")
	}
	p := n.Prices()
	if p.Dynamic != 4 || p.Base != price.DefaultBasePrice {
		t.Errorf("Expected only the dynamic price to change, got %+v", p)
	}
	if !p.UpdatedAt.Equal(later) {
		t.Errorf("Expected UpdatedAt %v, got %v", later, p.UpdatedAt)
	}

	if err := n.HandlePriceMessage([]byte("p_b=x"), later); !errors.Is(err, price.ErrMalformedToken) {
		t.Errorf("Expected ErrMalformedToken, got %v", err)
	}
}

func TestNegotiator_UnknownKeysDoNotReplan(t *testing.T) {
	n, sender := newTestNegotiator(t)
	if err := n.HandlePriceMessage([]byte("foo=bar"), epoch); err != nil {
		t.Fatalf("HandlePriceMessage failed: %v", err)
	}
	if n.ReplanPending() {
		t.Errorf("A message with only unknown keys should not trigger a replan")
	}
	if p := n.Prices(); p.Base != price.DefaultBasePrice || p.Dynamic != price.DefaultDynamicPrice {
		t.Errorf("Prices should be unchanged, got %+v", p)
	}
	if len(sender.sent) != 0 {
		t.Errorf("Nothing should be sent, got %v", sender.sent)
	}
}

func TestNegotiator_ReplanWithoutHistoryUsesUniformDemand(t *testing.T) {
	n, sender := newTestNegotiator(t)
	if err := n.HandlePriceMessage([]byte("p_b=1 p_d=10"), epoch); err != nil {
		t.Fatalf("HandlePriceMessage failed: %v", err)
	}

	before := testutil.ToFloat64(metricReplans)
	if err := n.Replan(epoch); err != nil {
		t.Fatalf("Replan failed: %v", err)
	}
	if got := testutil.ToFloat64(metricReplans) - before; got != 1 {
		t.Errorf("Expected one replan counted, got %f", got)
	}

	plan := n.Plan()
	// Uniform demand over [1, 30]: c_b = 1 + 0.1·29.
	if plan.Base < 3.9-1e-9 || plan.Base > 3.9+1e-9 {
		t.Errorf("Expected base capacity 3.9, got %f", plan.Base)
	}
	if plan.Dynamic < plan.Base {
		t.Errorf("Dynamic %f below base %f", plan.Dynamic, plan.Base)
	}
	if len(sender.sent) != 1 || !strings.HasPrefix(sender.sent[0], "c_b=3.9") {
		t.Errorf("Expected plan message, got %v", sender.sent)
	}
	if n.ReplanPending() {
		t.Errorf("Replan flag should be cleared")
	}
}

func TestNegotiator_ReplanFloorsBaseCapacity(t *testing.T) {
	n, sender := newTestNegotiator(t)
	// No arrivals: every request is 0 capacity.
	for i := 0; i < 3; i++ {
		if err := n.Tick(epoch); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
	}
	if err := n.HandlePriceMessage([]byte("p_b=1 p_d=2"), epoch); err != nil {
		t.Fatalf("HandlePriceMessage failed: %v", err)
	}
	if err := n.Replan(epoch); err != nil {
		t.Fatalf("Replan failed: %v", err)
	}

	plan := n.Plan()
	if plan.Base < 1 {
		t.Errorf("Base capacity must be floored at 1, got %f", plan.Base)
	}
	if plan.Dynamic < plan.Base {
		t.Errorf("Dynamic %f below base %f", plan.Dynamic, plan.Base)
	}
	if len(n.History()) != 0 {
		t.Errorf("History should be cleared, got %v", n.History())
	}
	if last := sender.sent[len(sender.sent)-1]; !strings.HasPrefix(last, "c_b=") {
		t.Errorf("Expected the plan to be sent last, got %q", last)
	}
}

func TestNegotiator_SendFailure(t *testing.T) {
	n, sender := newTestNegotiator(t)
	sender.err = errors.New("no route")
	if err := n.Tick(epoch); err == nil {
		t.Errorf("Expected Tick to report the send failure")
	}
	if err := n.HandlePriceMessage([]byte("p_b=1 p_d=2"), epoch); err != nil {
		t.Fatalf("HandlePriceMessage failed: %v", err)
	}
	if err := n.Replan(epoch); err == nil {
		t.Errorf("Expected Replan to report the send failure")
	}
}
