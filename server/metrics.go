package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the instrumentation surface used across the real-time core.
type Metrics interface {
	GaugeSessions(value float64)
	GaugePresences(value float64)
	Message(recvBytes int64, isError bool)
	MessageBytesSent(sentBytes int64)
	CountBroadcasts(delta int64)
	CountActivitySignals(delta int64)
	CountBatchFlushes(delta int64)
	CountSessionsEvicted(delta int64)
}

// LocalMetrics exposes counters and gauges through a Prometheus registry.
type LocalMetrics struct {
	registry *prometheus.Registry

	sessionsGauge   prometheus.Gauge
	presencesGauge  prometheus.Gauge
	messagesRecv    prometheus.Counter
	messageErrors   prometheus.Counter
	bytesRecv       prometheus.Counter
	bytesSent       prometheus.Counter
	broadcasts      prometheus.Counter
	activitySignals prometheus.Counter
	batchFlushes    prometheus.Counter
	sessionsEvicted prometheus.Counter
}

func NewLocalMetrics() *LocalMetrics {
	m := &LocalMetrics{
		registry: prometheus.NewRegistry(),

		sessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "avid", Name: "sessions", Help: "Currently connected sessions."}),
		presencesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "avid", Name: "presences", Help: "Currently tracked stream presences."}),
		messagesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avid", Name: "messages_received_total", Help: "Incoming socket messages."}),
		messageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avid", Name: "message_errors_total", Help: "Incoming socket messages that failed processing."}),
		bytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avid", Name: "bytes_received_total", Help: "Incoming socket bytes."}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avid", Name: "bytes_sent_total", Help: "Outgoing socket bytes."}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avid", Name: "channel_broadcasts_total", Help: "Full channel event broadcasts."}),
		activitySignals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avid", Name: "activity_signals_total", Help: "Staleness activity signals sent."}),
		batchFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avid", Name: "batch_flushes_total", Help: "Coalesced batch broadcasts flushed."}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avid", Name: "sessions_evicted_total", Help: "Sessions force-disconnected by a reconnect."}),
	}

	m.registry.MustRegister(
		m.sessionsGauge, m.presencesGauge,
		m.messagesRecv, m.messageErrors, m.bytesRecv, m.bytesSent,
		m.broadcasts, m.activitySignals, m.batchFlushes, m.sessionsEvicted,
	)
	return m
}

func (m *LocalMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *LocalMetrics) GaugeSessions(value float64)  { m.sessionsGauge.Set(value) }
func (m *LocalMetrics) GaugePresences(value float64) { m.presencesGauge.Set(value) }

func (m *LocalMetrics) Message(recvBytes int64, isError bool) {
	m.messagesRecv.Inc()
	m.bytesRecv.Add(float64(recvBytes))
	if isError {
		m.messageErrors.Inc()
	}
}

func (m *LocalMetrics) MessageBytesSent(sentBytes int64) { m.bytesSent.Add(float64(sentBytes)) }
func (m *LocalMetrics) CountBroadcasts(delta int64)      { m.broadcasts.Add(float64(delta)) }
func (m *LocalMetrics) CountActivitySignals(delta int64) { m.activitySignals.Add(float64(delta)) }
func (m *LocalMetrics) CountBatchFlushes(delta int64)    { m.batchFlushes.Add(float64(delta)) }
func (m *LocalMetrics) CountSessionsEvicted(delta int64) { m.sessionsEvicted.Add(float64(delta)) }
