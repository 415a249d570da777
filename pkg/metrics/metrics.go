// Package metrics exposes prometheus collectors for the proxy.
//
// A nil *Collector is a valid no-op receiver so callers never need to nil-check.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sftpproxy"

type Collector struct {
	registry *prometheus.Registry

	sessionsTotal  prometheus.Counter
	sessionsActive prometheus.Gauge
	authAttempts   *prometheus.CounterVec
	operations     *prometheus.CounterVec
	transfers      *prometheus.CounterVec
	transferBytes  *prometheus.CounterVec
}

// New creates a collector registered on its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Accepted client connections.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Client connections currently open.",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Client authentication attempts by method and result.",
		}, []string{"method", "result"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Relayed SFTP operations by method.",
		}, []string{"method"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "File transfers by direction and outcome.",
		}, []string{"direction", "outcome"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes committed to the origin (ingress) or served to clients (egress).",
		}, []string{"direction"}),
	}
	c.registry.MustRegister(
		c.sessionsTotal,
		c.sessionsActive,
		c.authAttempts,
		c.operations,
		c.transfers,
		c.transferBytes,
	)
	return c
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsTotal.Inc()
	c.sessionsActive.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}

func (c *Collector) AuthAttempt(method, result string) {
	if c == nil {
		return
	}
	c.authAttempts.WithLabelValues(method, result).Inc()
}

func (c *Collector) Operation(method string) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(method).Inc()
}

// Transfer records a finished transfer. Bytes are only counted for committed ones.
func (c *Collector) Transfer(direction, outcome string, n int) {
	if c == nil {
		return
	}
	c.transfers.WithLabelValues(direction, outcome).Inc()
	if n > 0 {
		c.transferBytes.WithLabelValues(direction).Add(float64(n))
	}
}

// Registry returns the registry holding the collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collectors in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
