package metricsregistry

import (
	"net/http"
	"time"

	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	handler      http.Handler
	instanceId   string
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	events       *prometheus.CounterVec
	latencyHist  *prometheus.HistogramVec
	backoffDelay *prometheus.GaugeVec
	loopState    *prometheus.GaugeVec
	wsConnGuage  *prometheus.GaugeVec
}

func New(instanceId string) services.MetricsRegistry {
	return newWithRegistry(instanceId, prometheus.NewRegistry())
}

func newWithRegistry(instanceId string, registry *prometheus.Registry) *metricsRegistry {
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollsub_longpoll_requests_total",
			Help: "Long-poll calls by outcome",
		},
		[]string{"instance_id", "outcome"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pollsub_longpoll_duration_ms",
			Help: "Time a long-poll call was open in milli seconds",
			Buckets: []float64{
				10, 50, 100, 250, 500, 1000, 2500, 5000, 10000,
				30000, 60000, 120000, 180000, 240000, 300000, 320000,
			},
		},
		[]string{"instance_id", "outcome"},
	)
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollsub_events_delivered_total",
			Help: "Events handed to the client by kind",
		},
		[]string{"instance_id", "kind"},
	)
	latencyHist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pollsub_delivery_latency_ms",
			Help: "Time from publish to local delivery in milli seconds",
			Buckets: []float64{
				10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
				200, 300, 500, 800, 1000, 2000, 5000, 10000, 30000,
			},
		},
		[]string{"instance_id", "layer"},
	)
	backoffDelay := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pollsub_backoff_delay_ms",
			Help: "Delay before the next retry, zero while healthy",
		},
		[]string{"instance_id"},
	)
	loopState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pollsub_loop_state",
			Help: "Subscribe loop state (0 idle, 1 awaiting first response, 2 streaming, 3 reconnecting, 4 stopped)",
		},
		[]string{"instance_id"},
	)
	wsConnGuage := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pollsub_ws_connections_current",
			Help: "Number of currently active WebSocket connections",
		},
		[]string{"instance_id"},
	)

	registry.MustRegister(requests, duration, events, latencyHist, backoffDelay, loopState, wsConnGuage)

	return &metricsRegistry{
		instanceId:   instanceId,
		handler:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requests:     requests,
		duration:     duration,
		events:       events,
		latencyHist:  latencyHist,
		backoffDelay: backoffDelay,
		loopState:    loopState,
		wsConnGuage:  wsConnGuage,
	}
}

func (mr *metricsRegistry) GetHandler() http.Handler {
	return mr.handler
}

func (mr *metricsRegistry) ObserveLongPoll(outcome string, took time.Duration) {
	mr.requests.WithLabelValues(mr.instanceId, outcome).Inc()
	mr.duration.WithLabelValues(mr.instanceId, outcome).Observe(float64(took.Milliseconds()))
}

func (mr *metricsRegistry) IncEventsDelivered(kind ds.EventKind, n int) {
	mr.events.WithLabelValues(mr.instanceId, kind.String()).Add(float64(n))
}

func (mr *metricsRegistry) ObserveDeliveryLatency(layer string, published time.Time) {
	mr.latencyHist.WithLabelValues(mr.instanceId, layer).Observe(float64(time.Since(published).Milliseconds()))
}

func (mr *metricsRegistry) SetBackoffDelay(d time.Duration) {
	mr.backoffDelay.WithLabelValues(mr.instanceId).Set(float64(d.Milliseconds()))
}

func (mr *metricsRegistry) SetLoopState(state int) {
	mr.loopState.WithLabelValues(mr.instanceId).Set(float64(state))
}

func (mr *metricsRegistry) IncWsConnectionCount() {
	mr.wsConnGuage.WithLabelValues(mr.instanceId).Inc()
}

func (mr *metricsRegistry) DecWsConnectionCount() {
	mr.wsConnGuage.WithLabelValues(mr.instanceId).Dec()
}
