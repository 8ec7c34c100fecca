// Package metrics exposes Prometheus collectors for the change listener and
// the WebSocket fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/barcode-drop/backend/internal/listener"
	"github.com/barcode-drop/backend/internal/ws"
)

const namespace = "barcodedrop"

// Collector implements listener.Observer and ws.DeliveryObserver.
type Collector struct {
	registry *prometheus.Registry

	notifications   *prometheus.CounterVec
	delivered       prometheus.Counter
	deliveryFailed  prometheus.Counter
	listenerState   prometheus.Gauge
	connectAttempts *prometheus.CounterVec
}

var (
	_ listener.Observer   = (*Collector)(nil)
	_ ws.DeliveryObserver = (*Collector)(nil)
)

// New registers the collectors, plus Go runtime and process collectors, on a
// private registry. sessions reports the number of open sessions on scrape.
func New(sessions func() int) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Change notifications received, by outcome.",
		}, []string{"outcome"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages handed to a session transport.",
		}),
		deliveryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Messages a session transport refused.",
		}),
		listenerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_state",
			Help:      "Listener state: 0 disconnected, 1 connecting, 2 subscribed, 3 lost, 4 failed.",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_connect_attempts_total",
			Help:      "Attempts to open the notification connection, by result.",
		}, []string{"result"}),
	}

	open := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_open",
		Help:      "Registered WebSocket sessions.",
	}, func() float64 { return float64(sessions()) })

	c.registry.MustRegister(
		c.notifications,
		c.delivered,
		c.deliveryFailed,
		c.listenerState,
		c.connectAttempts,
		open,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) StateChanged(s listener.State) {
	c.listenerState.Set(float64(s))
}

func (c *Collector) ConnectAttempt(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.connectAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) NotificationHandled(outcome string) {
	c.notifications.WithLabelValues(outcome).Inc()
}

func (c *Collector) Delivered() {
	c.delivered.Inc()
}

func (c *Collector) DeliveryFailed() {
	c.deliveryFailed.Inc()
}
