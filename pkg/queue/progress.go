package queue

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const barWidth = 30

// monitor redraws the progress line on a fixed cadence until the
// workers finish, then prints a final summary line.
func monitor(ctx context.Context, cfg Config, total int64, processed *atomic.Int64, started time.Time, done <-chan struct{}) {
	ticker := time.NewTicker(cfg.MonitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			n := processed.Load()
			fmt.Fprintf(cfg.ProgressOut, "\r%s\n%s: %d/%d in %s\n",
				renderProgress(n, total, time.Since(started)),
				cfg.Name, n, total, time.Since(started).Round(time.Second))
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(cfg.ProgressOut, "\r%s",
				renderProgress(processed.Load(), total, time.Since(started)))
		}
	}
}

// renderProgress formats one progress frame:
//
//	|██████------| 50.0% 500/1000 [10.5it/s] ETA: 00:47
func renderProgress(done, total int64, elapsed time.Duration) string {
	if total <= 0 {
		total = 1
	}
	frac := float64(done) / float64(total)
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * barWidth)

	var bar strings.Builder
	for i := 0; i < barWidth; i++ {
		if i < filled {
			bar.WriteRune('█')
		} else {
			bar.WriteByte('-')
		}
	}

	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(done) / secs
	}

	eta := "--:--"
	if rate > 0 && done < total {
		remain := time.Duration(float64(total-done)/rate) * time.Second
		eta = fmt.Sprintf("%02d:%02d", int(remain.Minutes()), int(remain.Seconds())%60)
	}

	return fmt.Sprintf("|%s| %5.1f%% %d/%d [%.1fit/s] ETA: %s",
		bar.String(), frac*100, done, total, rate, eta)
}
