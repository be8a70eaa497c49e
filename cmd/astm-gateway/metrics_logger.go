package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-astm-link/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"sessions_started", snap.SessionsStarted,
					"sessions_active", snap.SessionsActive,
					"frames_rx", snap.FramesRx,
					"frames_tx", snap.FramesTx,
					"messages_rx", snap.MessagesRx,
					"messages_tx", snap.MessagesTx,
					"checksum_errors", snap.ChecksumErrors,
					"timeouts", snap.Timeouts,
					"heartbeats", snap.Heartbeats,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
