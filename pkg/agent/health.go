package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/cloud-control/brownout-rubis/pkg/allocation"
	"github.com/cloud-control/brownout-rubis/pkg/price"
)

// stalePeriods is how many control periods may pass without a control
// cycle before the controller reports unhealthy.
const stalePeriods = 10

// HealthStatus represents the controller's health state.
type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	ServiceLevel      float64   `json:"serviceLevel"`
	Alpha             float64   `json:"alpha"`
	BaseCapacity      float64   `json:"baseCapacity"`
	DynamicCapacity   float64   `json:"dynamicCapacity"`
	BasePrice         float64   `json:"basePrice"`
	DynamicPrice      float64   `json:"dynamicPrice"`
	LastControlTime   time.Time `json:"lastControlTime"`
	LastPublishTime   time.Time `json:"lastPublishTime"`
	PeriodsSinceStart int64     `json:"periodsSinceStart"`
	PublishFailures   int64     `json:"publishFailures"`
	StartTime         time.Time `json:"startTime"`
	Uptime            string    `json:"uptime"`
}

// HealthServer provides HTTP health endpoints. The event loop records into
// it; HTTP handlers read from it.
type HealthServer struct {
	clock         clock.PassiveClock
	controlPeriod time.Duration
	startTime     time.Time

	mu              sync.RWMutex
	lastControlTime time.Time
	lastPublishTime time.Time
	periodCount     int64
	publishFailures int64
	serviceLevel    float64
	alpha           float64
	plan            allocation.Plan
	prices          price.Signal

	server *http.Server
}

// NewHealthServer creates a health server. A controller that has not run a
// control period in stalePeriods periods is unhealthy.
func NewHealthServer(clk clock.PassiveClock, controlPeriod time.Duration) *HealthServer {
	return &HealthServer{
		clock:         clk,
		controlPeriod: controlPeriod,
		startTime:     clk.Now(),
	}
}

// RecordControl records a completed control period.
func (h *HealthServer) RecordControl(serviceLevel, alpha float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastControlTime = h.clock.Now()
	h.periodCount++
	h.serviceLevel = serviceLevel
	h.alpha = alpha
}

// RecordPublish records the outcome of a publish attempt.
func (h *HealthServer) RecordPublish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.publishFailures++
		return
	}
	h.lastPublishTime = h.clock.Now()
}

// RecordNegotiation records the current plan and prices.
func (h *HealthServer) RecordNegotiation(plan allocation.Plan, prices price.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plan = plan
	h.prices = prices
}

// GetStatus returns the current health status.
func (h *HealthServer) GetStatus() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.clock.Now()
	stale := time.Duration(stalePeriods) * h.controlPeriod

	healthy := true
	last := h.lastControlTime
	if last.IsZero() {
		last = h.startTime
	}
	if now.Sub(last) > stale {
		healthy = false
	}

	return HealthStatus{
		Healthy:           healthy,
		ServiceLevel:      h.serviceLevel,
		Alpha:             h.alpha,
		BaseCapacity:      h.plan.Base,
		DynamicCapacity:   h.plan.Dynamic,
		BasePrice:         h.prices.Base,
		DynamicPrice:      h.prices.Dynamic,
		LastControlTime:   h.lastControlTime,
		LastPublishTime:   h.lastPublishTime,
		PeriodsSinceStart: h.periodCount,
		PublishFailures:   h.publishFailures,
		StartTime:         h.startTime,
		Uptime:            now.Sub(h.startTime).Round(time.Second).String(),
	}
}

// ServeHTTP handles health check requests.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")

	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(status)
}

// Handler returns the mux serving all health endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", h)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := h.GetStatus()
		if status.Healthy && status.PeriodsSinceStart > 0 && !status.LastPublishTime.IsZero() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		status := h.GetStatus()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Start starts the health server on the given port.
func (h *HealthServer) Start(port int) {
	addr := fmt.Sprintf(":%d", port)
	h.server = &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	klog.InfoS("Starting health server", "address", addr)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.ErrorS(err, "Health server failed")
		}
	}()
}

// Shutdown stops the health server if it was started.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}
