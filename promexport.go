package main

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// promCounters holds the process-wide Prometheus instrumentation exposed at
// /metrics (§4.6's telemetry promotion). None of these are required by the
// core; they are ambient observability, mirroring the teacher's periodic
// RunMetrics ticker but replacing ad hoc log lines with real counters.
type promCounters struct {
	sessionsConnected prometheus.Gauge
	transfersByStatus *prometheus.GaugeVec
	bytesReceived     prometheus.Counter
}

func newPromCounters() *promCounters {
	return &promCounters{
		sessionsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "dccbot",
			Name:      "sessions_connected",
			Help:      "Number of IRC server sessions currently in the Ready state.",
		}),
		transfersByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dccbot",
			Name:      "transfers",
			Help:      "Number of Registry entries by status.",
		}, []string{"status"}),
		bytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "dccbot",
			Name:      "bytes_received_total",
			Help:      "Cumulative bytes received over all DCC transfers.",
		}),
	}
}

// RunMetrics periodically recomputes gauge values from the Registry and
// Supervisor, and emits a human-readable summary line, mirroring the
// teacher's metrics.go ticker idiom.
func RunMetrics(ctx context.Context, sup *Supervisor, pc *promCounters, log *Telemetry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastBytes uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := sup.registry.Snapshot()
			counts := map[TransferStatus]int{}
			var totalReceived uint64
			for _, tr := range snapshot {
				counts[tr.Status]++
				totalReceived += tr.Received
			}
			for _, st := range []TransferStatus{StatusQueued, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled} {
				pc.transfersByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
			}
			pc.sessionsConnected.Set(float64(sup.SessionCount()))

			if totalReceived > lastBytes {
				pc.bytesReceived.Add(float64(totalReceived - lastBytes))
			}
			lastBytes = totalReceived

			if log != nil && len(snapshot) > 0 {
				log.Infof("metrics", "sessions=%d transfers=%d received=%s",
					sup.SessionCount(), len(snapshot), humanize.Bytes(totalReceived))
			}
		}
	}
}
