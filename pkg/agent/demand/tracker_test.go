package demand

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTracker_Tick(t *testing.T) {
	tr, err := NewTracker(10)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	for i := 0; i < 250; i++ {
		tr.RecordArrival()
	}
	if tr.Arrivals() != 250 {
		t.Fatalf("Expected 250 arrivals, got %d", tr.Arrivals())
	}

	est := tr.Tick(5 * time.Second)
	if est.ArrivalRate != 50 {
		t.Errorf("Expected arrival rate 50/s, got %f", est.ArrivalRate)
	}
	if est.Capacity != 5 {
		t.Errorf("Expected c_i 5, got %f", est.Capacity)
	}
	if tr.Arrivals() != 0 {
		t.Errorf("Arrival counter should reset after a tick, got %d", tr.Arrivals())
	}

	idle := tr.Tick(5 * time.Second)
	if idle.Capacity != 0 {
		t.Errorf("Expected c_i 0 for an idle tick, got %f", idle.Capacity)
	}

	if diff := cmp.Diff([]float64{5, 0}, tr.History()); diff != "" {
		t.Errorf("History mismatch (-want +got):\n%s", diff)
	}
}

func TestTracker_Reset(t *testing.T) {
	tr, _ := NewTracker(1)
	tr.Tick(time.Second)
	tr.Tick(time.Second)
	tr.RecordArrival()

	tr.Reset()
	if len(tr.History()) != 0 {
		t.Errorf("History should be empty after reset, got %v", tr.History())
	}
	if tr.Arrivals() != 1 {
		t.Errorf("Reset should not drop pending arrivals, got %d", tr.Arrivals())
	}
}

func TestTracker_HistoryIsCopy(t *testing.T) {
	tr, _ := NewTracker(1)
	tr.RecordArrival()
	tr.Tick(time.Second)

	h := tr.History()
	h[0] = 42
	if tr.History()[0] != 1 {
		t.Errorf("Mutating the returned history should not affect the tracker")
	}
}

func TestTracker_SmoothedFastUpSlowDown(t *testing.T) {
	tr, _ := NewTracker(1)
	for i := 0; i < 10; i++ {
		tr.RecordArrival()
	}
	tr.Tick(time.Second)
	up := tr.Smoothed()
	if up != 6 {
		t.Errorf("Expected smoothed 6 after a rise to 10, got %f", up)
	}

	tr.Tick(time.Second)
	if got := tr.Smoothed(); got != 0.8*up {
		t.Errorf("Expected smoothed %f after a drop to 0, got %f", 0.8*up, got)
	}
}

func TestNewTracker_InvalidThroughput(t *testing.T) {
	if _, err := NewTracker(0); err == nil {
		t.Errorf("Expected error for zero throughput")
	}
}
