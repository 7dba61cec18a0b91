// Package scheduler runs independent timer-driven drivers, each on its own goroutine.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/observability"
)

// Driver is one periodic job. Run is invoked immediately and then every Interval;
// runs of the same driver never overlap.
type Driver struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

func (d Driver) validate() error {
	switch {
	case strings.TrimSpace(d.Name) == "":
		return errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("driver name required"))
	case d.Interval <= 0:
		return errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("driver interval must be >0"), errs.WithField("driver", d.Name))
	case d.Run == nil:
		return errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("driver run required"), errs.WithField("driver", d.Name))
	}
	return nil
}

// Run starts every driver and blocks until ctx is cancelled and all in-flight
// runs have returned.
func Run(ctx context.Context, logger observability.Logger, drivers ...Driver) error {
	if logger == nil {
		logger = observability.Log()
	}
	for _, d := range drivers {
		if err := d.validate(); err != nil {
			return err
		}
	}
	var wg conc.WaitGroup
	for _, d := range drivers {
		wg.Go(func() {
			loop(ctx, logger, d)
		})
	}
	wg.Wait()
	return nil
}

func loop(ctx context.Context, logger observability.Logger, d Driver) {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	logger.Info("driver started",
		observability.Field{Key: "driver", Value: d.Name},
		observability.Field{Key: "interval", Value: d.Interval.String()},
	)
	tick(ctx, logger, d)
	for {
		select {
		case <-ctx.Done():
			logger.Info("driver stopped", observability.Field{Key: "driver", Value: d.Name})
			return
		case <-ticker.C:
			tick(ctx, logger, d)
		}
	}
}

// tick runs the driver once. Errors and panics are logged and the driver keeps its cadence.
func tick(ctx context.Context, logger observability.Logger, d Driver) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	err := safeRun(ctx, d)
	if err != nil && ctx.Err() == nil {
		logger.Error("driver run failed",
			observability.Field{Key: "driver", Value: d.Name},
			observability.Field{Key: "elapsed", Value: time.Since(started).String()},
			observability.Field{Key: "error", Value: err},
		)
		return
	}
	logger.Debug("driver run finished",
		observability.Field{Key: "driver", Value: d.Name},
		observability.Field{Key: "elapsed", Value: time.Since(started).String()},
	)
}

func safeRun(ctx context.Context, d Driver) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver %s panic: %v", d.Name, r)
		}
	}()
	return d.Run(ctx)
}
