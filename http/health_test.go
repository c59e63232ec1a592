package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func probe(handler http.HandlerFunc) (int, HealthStatus) {
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/health", nil))
	var body HealthStatus
	_ = json.NewDecoder(w.Body).Decode(&body)
	return w.Code, body
}

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker(quietLogger(), "1.0.0", nil)

	assert.True(t, hc.IsLive())
	assert.False(t, hc.IsReady())
}

func TestHealthChecker_ReadyWithoutProbe(t *testing.T) {
	hc := NewHealthChecker(quietLogger(), "1.0.0", nil)

	hc.SetReady(true)
	assert.True(t, hc.IsReady())
	hc.SetReady(false)
	assert.False(t, hc.IsReady())
}

func TestHealthChecker_ReadinessFollowsLoop(t *testing.T) {
	var streaming atomic.Bool
	hc := NewHealthChecker(quietLogger(), "1.0.0", func() (bool, string) {
		if streaming.Load() {
			return true, "streaming"
		}
		return false, "reconnecting"
	})
	hc.SetReady(true)

	code, body := probe(hc.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "reconnecting", body.LoopState)

	streaming.Store(true)
	code, body = probe(hc.ReadinessHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "streaming", body.LoopState)
	assert.Equal(t, "1.0.0", body.Version)
	assert.GreaterOrEqual(t, body.Uptime, int64(0))
}

func TestHealthChecker_ProbeIgnoredUntilReady(t *testing.T) {
	hc := NewHealthChecker(quietLogger(), "1.0.0", func() (bool, string) { return true, "streaming" })

	code, body := probe(hc.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Empty(t, body.LoopState)
}

func TestLivenessHandler(t *testing.T) {
	hc := NewHealthChecker(quietLogger(), "1.0.0", nil)

	code, body := probe(hc.LivenessHandler())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body.Status)
	assert.False(t, body.Timestamp.IsZero())

	hc.SetLive(false)
	code, body = probe(hc.LivenessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_alive", body.Status)
}

func TestHealthChecker_ConcurrentAccess(t *testing.T) {
	hc := NewHealthChecker(quietLogger(), "1.0.0", nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if id%2 == 0 {
				hc.SetReady(id%4 == 0)
				hc.SetLive(true)
			} else {
				_ = hc.IsReady()
				_ = hc.IsLive()
			}
		}(i)
	}
	wg.Wait()
	assert.True(t, hc.IsLive())
}
