// Package metrics は、パス管理のイベントをPrometheusのメトリクスとして集計します。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aptpod/qpath-go/event"
)

const namespace = "qpath"

var (
	_ event.Sink           = (*Collector)(nil)
	_ prometheus.Collector = (*Collector)(nil)
)

// Collector は、イベントを集計する event.Sink です。prometheus.Registerer に登録して使用します。
type Collector struct {
	datagramsDropped       *prometheus.CounterVec
	activePathUpdates      *prometheus.CounterVec
	handshakeAddressChange *prometheus.CounterVec
	connectionsClosed      *prometheus.CounterVec
	pathsCreated           *prometheus.CounterVec
	pathsValidated         *prometheus.CounterVec
	pathsAbandoned         *prometheus.CounterVec
}

// NewCollector は、Collector を返します。
func NewCollector() *Collector {
	return &Collector{
		datagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "datagram",
			Name:      "dropped_total",
			Help:      "Datagrams dropped by the path manager.",
		}, []string{"endpoint", "reason", "deny"}),
		activePathUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      "active_updates_total",
			Help:      "Active path switches.",
		}, []string{"endpoint"}),
		handshakeAddressChange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "remote_address_changes_total",
			Help:      "Remote address changes observed before handshake confirmation.",
		}, []string{"endpoint"}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "closed_total",
			Help:      "Closed connections.",
		}, []string{"endpoint", "kind"}),
		pathsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      "created_total",
			Help:      "Paths added to path tables.",
		}, []string{"endpoint"}),
		pathsValidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      "validated_total",
			Help:      "Paths that completed validation.",
		}, []string{"endpoint"}),
		pathsAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      "abandoned_total",
			Help:      "Abandoned paths.",
		}, []string{"endpoint", "reason"}),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.datagramsDropped,
		c.activePathUpdates,
		c.handshakeAddressChange,
		c.connectionsClosed,
		c.pathsCreated,
		c.pathsValidated,
		c.pathsAbandoned,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

// Emit は、イベントをメトリクスに反映します。
func (c *Collector) Emit(e event.Event) {
	endpoint := e.Metadata().Subject.Endpoint.String()
	switch e := e.(type) {
	case event.DatagramDropped:
		c.datagramsDropped.WithLabelValues(endpoint, e.Reason.String(), e.Deny.String()).Inc()
	case event.ActivePathUpdated:
		c.activePathUpdates.WithLabelValues(endpoint).Inc()
	case event.HandshakeRemoteAddressChangeObserved:
		c.handshakeAddressChange.WithLabelValues(endpoint).Inc()
	case event.ConnectionClosed:
		kind := "unknown"
		if e.Err != nil {
			kind = e.Err.Kind.String()
		}
		c.connectionsClosed.WithLabelValues(endpoint, kind).Inc()
	case event.PathCreated:
		c.pathsCreated.WithLabelValues(endpoint).Inc()
	case event.PathValidated:
		c.pathsValidated.WithLabelValues(endpoint).Inc()
	case event.PathAbandoned:
		c.pathsAbandoned.WithLabelValues(endpoint, e.Reason.String()).Inc()
	}
}
