package scheduler

import (
	"context"
	"log/slog"
	"time"
)

type Ticker interface {
	Tick(ctx context.Context, now time.Time) (TickReport, error)
}

// Driver runs ticks on a fixed interval until its context is cancelled.
type Driver struct {
	ticker   Ticker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewDriver(ticker Ticker, interval time.Duration, logger *slog.Logger) *Driver {
	return &Driver{
		ticker:   ticker,
		interval: interval,
		timeout:  interval,
		logger:   logger,
	}
}

// Run blocks. The first tick runs immediately so triggers that fell due while
// the process was down settle on start.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("starting tick driver", "interval", d.interval)
	d.tick(ctx, time.Now())

	for {
		select {
		case now := <-ticker.C:
			d.tick(ctx, now)
		case <-ctx.Done():
			d.logger.Info("tick driver stopped")
			return
		}
	}
}

func (d *Driver) tick(ctx context.Context, now time.Time) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	report, err := d.ticker.Tick(ctx, now)
	if err != nil {
		d.logger.Error("tick failed", "error", err, "due", report.Due, "failed", report.Failed)
		return
	}
	if report.Due > 0 {
		d.logger.Info("tick complete",
			"due", report.Due,
			"fired", report.Fired,
			"cancelled", report.Cancelled,
			"skipped", report.Skipped,
		)
	}
}
