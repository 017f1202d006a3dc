package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reloader is a tool that can rebuild its in-memory state from its backing
// data source. Implemented by the rate search and pending transaction tools.
type Reloader interface {
	Name() string
	Reload(ctx context.Context) error
}

// Refresher re-ingests the document directory and reloads registered tools
// on a cron schedule.
type Refresher struct {
	ingester  *Ingester
	dir       string
	schedule  cron.Schedule
	reloaders []Reloader
	logger    *slog.Logger
}

// NewRefresher parses the cron expression (standard five-field format) and
// returns a refresher for the given document directory.
func NewRefresher(ingester *Ingester, dir, cronExpr string, logger *slog.Logger) (*Refresher, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parsing refresh schedule %q: %w", cronExpr, err)
	}
	return &Refresher{
		ingester: ingester,
		dir:      dir,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// AddReloader registers a tool to reload after each re-ingest.
// Not safe to call after Start.
func (r *Refresher) AddReloader(rl Reloader) {
	r.reloaders = append(r.reloaders, rl)
}

// Start begins the refresh loop. Returns a cancel function.
func (r *Refresher) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		r.logger.InfoContext(ctx, "document refresher started",
			slog.String("dir", r.dir),
			slog.Time("next_run", r.schedule.Next(time.Now())),
		)

		for {
			next := r.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				r.logger.Info("document refresher stopped")
				return
			case <-timer.C:
				r.refresh(ctx)
			}
		}
	}()

	return cancel
}

// refresh runs one re-ingest cycle and reloads each registered tool.
// Failures are logged and do not stop the loop.
func (r *Refresher) refresh(ctx context.Context) {
	start := time.Now()

	files, chunks, err := r.ingester.IngestDir(ctx, r.dir)
	if err != nil {
		r.logger.ErrorContext(ctx, "document refresh failed",
			slog.String("dir", r.dir),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, rl := range r.reloaders {
		if err := rl.Reload(ctx); err != nil {
			r.logger.ErrorContext(ctx, "tool reload failed",
				slog.String("tool", rl.Name()),
				slog.String("error", err.Error()),
			)
		}
	}

	r.logger.InfoContext(ctx, "document refresh finished",
		slog.Int("files", files),
		slog.Int("chunks", chunks),
		slog.Duration("duration", time.Since(start)),
	)
}
