package prom

import (
	"net/http"

	"github.com/orinsid/sosistab/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ListenerObserver exports listener metrics to Prometheus.
type ListenerObserver struct {
	recvBytes      prometheus.Counter
	sentBytes      prometheus.Counter
	handshakeTotal *prometheus.CounterVec
	dropTotal      *prometheus.CounterVec
	sessionGauge   prometheus.Gauge
}

// NewListenerObserver registers listener metrics on the registry.
func NewListenerObserver(reg *prometheus.Registry) *ListenerObserver {
	o := &ListenerObserver{
		recvBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sosistab_listener_recv_bytes_total",
			Help: "Bytes received across all backhauls.",
		}),
		sentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sosistab_listener_sent_bytes_total",
			Help: "Bytes sent across all backhauls.",
		}),
		handshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosistab_listener_handshake_total",
			Help: "Handshake packets processed by result.",
		}, []string{"result"}),
		dropTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosistab_listener_drop_total",
			Help: "Inbound packets dropped by reason.",
		}, []string{"reason"}),
		sessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sosistab_listener_sessions",
			Help: "Current live session count.",
		}),
	}
	reg.MustRegister(
		o.recvBytes,
		o.sentBytes,
		o.handshakeTotal,
		o.dropTotal,
		o.sessionGauge,
	)
	return o
}

func (o *ListenerObserver) RecvBytes(n int) {
	o.recvBytes.Add(float64(n))
}

func (o *ListenerObserver) SentBytes(n int) {
	o.sentBytes.Add(float64(n))
}

func (o *ListenerObserver) Handshake(result observability.HandshakeResult) {
	o.handshakeTotal.WithLabelValues(string(result)).Inc()
}

func (o *ListenerObserver) Drop(reason observability.DropReason) {
	o.dropTotal.WithLabelValues(string(reason)).Inc()
}

func (o *ListenerObserver) SessionCount(n int) {
	o.sessionGauge.Set(float64(n))
}
