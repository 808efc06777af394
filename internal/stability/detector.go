// Package stability decides when a newly created file has finished being
// written. It polls the file's size with an adaptive interval: unchanged
// observations grow the interval by 1.5x (reducing churn on slow large-file
// writes), any size change resets both the streak and the interval. Files
// younger than a minimum age are never considered stable, even with a static
// size, to avoid racing slow-starting writers.
package stability

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/dropwatch/internal/config"
	"github.com/mattjoyce/dropwatch/internal/log"
)

// Verdict is the result of one stability wait.
type Verdict int

const (
	// Stable means the file's size held for the required streak.
	Stable Verdict = iota
	// GaveUp means the file never settled within the maximum wait window.
	GaveUp
)

func (v Verdict) String() string {
	if v == Stable {
		return "stable"
	}
	return "gave_up"
}

// backoffFactor grows the poll interval after each unchanged observation.
const backoffFactor = 1.5

// Detector waits for files to stabilize. Safe for concurrent use; all per-file
// state lives on the stack of Wait.
type Detector struct {
	threshold       int
	maxWait         time.Duration
	initialInterval time.Duration
	minFileAge      time.Duration
	logger          *slog.Logger
}

// New creates a Detector from config.
func New(cfg config.StabilityConfig) *Detector {
	return &Detector{
		threshold:       cfg.Threshold,
		maxWait:         cfg.MaxWait,
		initialInterval: cfg.InitialInterval,
		minFileAge:      cfg.MinFileAge,
		logger:          log.WithComponent("stability"),
	}
}

// Wait blocks until path is stable, the maximum wait window elapses, or ctx is
// cancelled. Transient stat errors (file deleted mid-check, permission blips)
// reset the unchanged streak and the loop continues; they never abort the wait.
func (d *Detector) Wait(ctx context.Context, path string) (Verdict, error) {
	var (
		lastSize  int64 = -1
		streak          = 0
		interval        = d.initialInterval
		start           = time.Now()
		birthTime time.Time
	)

	// The interval grows 1.5x per quiet poll but never beyond threshold
	// seconds between observations.
	maxInterval := time.Duration(d.threshold) * time.Second

	for streak < d.threshold {
		if time.Since(start) > d.maxWait {
			d.logger.Warn("timeout waiting for file to stabilize", "path", path, "waited", time.Since(start).Round(time.Millisecond))
			return GaveUp, nil
		}

		info, err := os.Stat(path)
		switch {
		case err != nil:
			d.logger.Debug("cannot stat file, resetting streak", "path", path, "error", err)
			streak = 0

		case birthTime.IsZero():
			// First successful observation. There is no portable creation
			// timestamp, so the file's mtime at first sight stands in for
			// its birth time.
			birthTime = info.ModTime()
			lastSize = info.Size()
			streak = 0

		case time.Since(birthTime) < d.minFileAge:
			d.logger.Debug("file too new, waiting", "path", path, "age", time.Since(birthTime).Round(time.Millisecond))
			streak = 0
			lastSize = info.Size()

		case info.Size() == lastSize:
			streak++
			interval = min(time.Duration(float64(interval)*backoffFactor), maxInterval)

		default:
			streak = 0
			interval = d.initialInterval
			lastSize = info.Size()
		}

		if streak >= d.threshold {
			break
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return GaveUp, err
		}
	}

	d.logger.Debug("file stable", "path", path, "size", lastSize, "waited", time.Since(start).Round(time.Millisecond))
	return Stable, nil
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
