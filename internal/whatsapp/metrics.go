package whatsapp

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zulandar/whatsdesk/internal/models"
)

type sessionMetrics struct {
	byStatus   *prometheus.GaugeVec
	reconnects prometheus.Counter
	closes     *prometheus.CounterVec
	pipeline   *prometheus.CounterVec
}

var (
	sessionMetricsOnce sync.Once
	sessionMetricsInst *sessionMetrics
)

func globalSessionMetrics() *sessionMetrics {
	sessionMetricsOnce.Do(func() {
		sessionMetricsInst = newSessionMetrics()
	})
	return sessionMetricsInst
}

func newSessionMetrics() *sessionMetrics {
	return &sessionMetrics{
		byStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "whatsdesk",
			Subsystem: "sessions",
			Name:      "by_status",
			Help:      "Sessions known to the registry, labeled by status",
		}, []string{"status"}),
		reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "whatsdesk",
			Subsystem: "sessions",
			Name:      "reconnects_total",
			Help:      "Delayed reconnect attempts started by the supervisor",
		}),
		closes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsdesk",
			Subsystem: "sessions",
			Name:      "closes_total",
			Help:      "Transport closes of live sessions, labeled by reason",
		}, []string{"reason"}),
		pipeline: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsdesk",
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Inbound messages by pipeline outcome",
		}, []string{"outcome"}),
	}
}

// watch keeps the by-status gauge in step with reg.
func (m *sessionMetrics) watch(reg *Registry) error {
	if m == nil {
		return nil
	}
	var mu sync.Mutex
	err := reg.Bus().Subscribe(TopicStatus, func(_ string, _ Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		counts := map[string]float64{
			models.StatusStarting:     0,
			models.StatusQRCode:       0,
			models.StatusConnected:    0,
			models.StatusDisconnected: 0,
		}
		for _, snap := range reg.All() {
			counts[snap.Status]++
		}
		for status, n := range counts {
			m.byStatus.WithLabelValues(status).Set(n)
		}
	})
	if err != nil {
		return fmt.Errorf("metrics: subscribe status: %w", err)
	}
	return nil
}

func (m *sessionMetrics) closed(reason DisconnectReason) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(reason.String()).Inc()
}

func (m *sessionMetrics) outcome(o string) {
	if m == nil {
		return
	}
	m.pipeline.WithLabelValues(o).Inc()
}
