package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthStatus is the body of both probes.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Uptime    int64     `json:"uptime_seconds,omitempty"`
	LoopState string    `json:"loop_state,omitempty"`
}

// LoopProbe reports whether the subscribe loop is streaming and the state
// it is in.
type LoopProbe func() (streaming bool, state string)

// HealthChecker answers readiness and liveness probes. Readiness needs both
// the ready flag and, when a probe is set, a streaming loop.
type HealthChecker struct {
	ready     atomic.Bool
	live      atomic.Bool
	startTime time.Time
	version   string
	probe     LoopProbe
	logger    *slog.Logger
}

func NewHealthChecker(logger *slog.Logger, version string, probe LoopProbe) *HealthChecker {
	hc := &HealthChecker{
		startTime: time.Now(),
		version:   version,
		probe:     probe,
		logger:    logger,
	}
	hc.live.Store(true)
	return hc
}

func (hc *HealthChecker) SetReady(ready bool) {
	if hc.ready.Swap(ready) == ready {
		return
	}
	if ready {
		hc.logger.Info("service marked as ready")
	} else {
		hc.logger.Warn("service marked as not ready")
	}
}

func (hc *HealthChecker) SetLive(live bool) {
	hc.live.Store(live)
	if !live {
		hc.logger.Error("service marked as not alive")
	}
}

func (hc *HealthChecker) IsReady() bool {
	ready, _ := hc.readiness()
	return ready
}

func (hc *HealthChecker) IsLive() bool {
	return hc.live.Load()
}

func (hc *HealthChecker) readiness() (bool, string) {
	if !hc.ready.Load() {
		return false, ""
	}
	if hc.probe == nil {
		return true, ""
	}
	return hc.probe()
}

func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready, state := hc.readiness()
		if !ready {
			hc.write(w, http.StatusServiceUnavailable, HealthStatus{Status: "not_ready", LoopState: state})
			return
		}
		hc.write(w, http.StatusOK, hc.detailed("ready", state))
	}
}

func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hc.IsLive() {
			hc.write(w, http.StatusServiceUnavailable, HealthStatus{Status: "not_alive"})
			return
		}
		hc.write(w, http.StatusOK, hc.detailed("alive", ""))
	}
}

func (hc *HealthChecker) detailed(status, state string) HealthStatus {
	return HealthStatus{
		Status:    status,
		Version:   hc.version,
		Uptime:    int64(time.Since(hc.startTime).Seconds()),
		LoopState: state,
	}
}

func (hc *HealthChecker) write(w http.ResponseWriter, code int, body HealthStatus) {
	body.Timestamp = time.Now()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		hc.logger.Debug("failed to write probe response", "err", err)
	}
}
