package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-canreader/internal/metrics"
)

// runMetricsLogger logs a counter snapshot every interval until ctx is done.
func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			l.Info("metrics_snapshot",
				"tx", snap.Tx,
				"rx", snap.Rx,
				"backend_rx", snap.BackendRx,
				"backend_tx", snap.BackendTx,
				"tx_rate", snap.TxRate,
				"rx_rate", snap.RxRate,
				"monitor_entries", snap.MonitorEntries,
				"jobs", snap.TransmitJobs,
				"jobs_active", snap.ActiveJobs,
				"bridge_rx", snap.BridgeRx,
				"bridge_tx", snap.BridgeTx,
				"hub_drops", snap.HubDrops,
				"malformed", snap.Malformed,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return nil
		}
	}
}
