package batch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors updated by a Processor.
type Metrics struct {
	EventsPushed    prometheus.Counter
	EventsSent      prometheus.Counter
	EventsDiscarded prometheus.Counter
	BatchesSent     prometheus.Counter
	BatchesFailed   prometheus.Counter
	SendDuration    prometheus.Histogram
	BufferedEvents  prometheus.GaugeFunc
}

// NewMetrics creates the collectors and registers them on registerer when
// it is not nil. The buffered events gauge reads buffer on scrape.
func NewMetrics(registerer prometheus.Registerer, buffer *Buffer) *Metrics {
	m := &Metrics{
		EventsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqshipper_events_pushed_total",
			Help: "Total number of log events accepted into the buffer.",
		}),
		EventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqshipper_events_sent_total",
			Help: "Total number of log events delivered to Seq.",
		}),
		EventsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqshipper_events_discarded_total",
			Help: "Total number of log events dropped after a failed delivery.",
		}),
		BatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqshipper_batches_sent_total",
			Help: "Total number of batches delivered to Seq.",
		}),
		BatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqshipper_batches_failed_total",
			Help: "Total number of batches whose delivery failed.",
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seqshipper_send_duration_seconds",
			Help:    "Duration of batch delivery requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		BufferedEvents: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "seqshipper_buffered_events",
			Help: "Number of log events waiting in the buffer.",
		}, func() float64 {
			return float64(buffer.Len())
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.EventsPushed,
			m.EventsSent,
			m.EventsDiscarded,
			m.BatchesSent,
			m.BatchesFailed,
			m.SendDuration,
			m.BufferedEvents,
		)
	}

	return m
}
