// Package metrics holds the process's Prometheus collectors on a
// private registry. Nothing here listens on a port; the embedding
// binary decides whether and where to serve the registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "growhouse"

// Set bundles every collector the services record into.
type Set struct {
	reg *prometheus.Registry

	// Ingest.
	FramesDecoded   *prometheus.CounterVec // label: type
	FramesDiscarded *prometheus.CounterVec // label: reason
	EventAppends    prometheus.Counter
	RowsWritten     prometheus.Counter
	DBReconnects    prometheus.Counter

	// Control.
	TickDuration      prometheus.Histogram
	RelaySwitches     *prometheus.CounterVec // labels: zone, device
	InterlockRefusals *prometheus.CounterVec // labels: zone, device
	ActiveAlarms      *prometheus.GaugeVec   // label: severity
	ProducerUp        *prometheus.GaugeVec   // label: producer
}

// New builds and registers all collectors on a fresh registry.
func New() *Set {
	s := &Set{
		reg: prometheus.NewRegistry(),
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "can_frames_decoded_total",
			Help:      "CAN frames decoded into readings, by message type.",
		}, []string{"type"}),
		FramesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "can_frames_discarded_total",
			Help:      "CAN frames or readings dropped, by reason.",
		}, []string{"reason"}),
		EventAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_log_appends_total",
			Help:      "Entries appended to the live event log.",
		}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measurement_rows_written_total",
			Help:      "Measurement rows written to the time-series store.",
		}),
		DBReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_reconnects_total",
			Help:      "Database reconnect attempts.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "control_tick_duration_seconds",
			Help:      "Wall time of one control loop tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		RelaySwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_switches_total",
			Help:      "Relay state transitions committed to hardware.",
		}, []string{"zone", "device"}),
		InterlockRefusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interlock_refusals_total",
			Help:      "Switch-on requests refused by an interlock.",
		}, []string{"zone", "device"}),
		ActiveAlarms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alarms",
			Help:      "Currently active alarms, by severity.",
		}, []string{"severity"}),
		ProducerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "producer_up",
			Help:      "1 while the producer's heartbeat is fresh.",
		}, []string{"producer"}),
	}
	s.reg.MustRegister(
		s.FramesDecoded, s.FramesDiscarded, s.EventAppends, s.RowsWritten,
		s.DBReconnects, s.TickDuration, s.RelaySwitches, s.InterlockRefusals,
		s.ActiveAlarms, s.ProducerUp,
	)
	return s
}

// Registry exposes the private registry for the embedding binary to
// serve or scrape.
func (s *Set) Registry() *prometheus.Registry { return s.reg }
