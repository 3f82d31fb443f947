package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
)

type LogDaemonMetrics struct {
	FilesDiscovered prometheus.Counter
	FilesFailed     prometheus.Counter
	LinesRead       prometheus.Counter
	QueuedFiles     prometheus.Gauge
	ActiveFiles     prometheus.Gauge
}

func NewLogDaemonMetrics(registerer prometheus.Registerer) *LogDaemonMetrics {
	m := &LogDaemonMetrics{
		FilesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqshipper_tail_files_discovered_total",
			Help: "Total number of log files found by the directory scanner.",
		}),
		FilesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqshipper_tail_files_failed_total",
			Help: "Total number of log files that could not be tailed.",
		}),
		LinesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqshipper_tail_lines_read_total",
			Help: "Total number of lines read from tailed files.",
		}),
		QueuedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seqshipper_tail_queued_files",
			Help: "Number of discovered files waiting for a worker.",
		}),
		ActiveFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seqshipper_tail_active_files",
			Help: "Number of files currently being tailed.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.FilesDiscovered,
			m.FilesFailed,
			m.LinesRead,
			m.QueuedFiles,
			m.ActiveFiles,
		)
	}

	return m
}
