package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"fixturesync/internal/catalog"
	"fixturesync/internal/config"
	"fixturesync/internal/database"
	"fixturesync/internal/export"
	"fixturesync/internal/models"
	"fixturesync/internal/queue"
	"fixturesync/internal/repository"

	"github.com/rs/zerolog"
)

// backfill_sources creates pending sync jobs for every catalog source over a
// historical range. The running service picks them up on its next start.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to config.yaml")
		fromStr    = flag.String("from", "", "first day to backfill, YYYY-MM-DD")
		toStr      = flag.String("to", "", "last day to backfill, YYYY-MM-DD (default today)")
		tier       = flag.Int("tier", 0, "only backfill sources of this tier (0 = all)")
		report     = flag.Bool("report", false, "write an xlsx report of the created jobs")
	)
	flag.Parse()

	from, err := time.Parse(models.DateLayout, *fromStr)
	if err != nil {
		return fmt.Errorf("invalid -from: %w", err)
	}
	to := models.DateOf(time.Now().UTC())
	if *toStr != "" {
		if to, err = time.Parse(models.DateLayout, *toStr); err != nil {
			return fmt.Errorf("invalid -to: %w", err)
		}
	}
	if !from.Before(to) {
		return fmt.Errorf("-from must be before -to")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sources, err := catalog.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	// The queue is never started here: jobs stay pending and the service
	// re-queues them during recovery.
	jobs := queue.New(db, nil, repository.NewMemoryBacklog(), queue.ConfigFromSync(cfg.Sync), nil, &logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	list, err := sources.ListSources(ctx)
	if err != nil {
		return err
	}

	span := cfg.Sync.MaxSpanDays
	var created []*models.SyncJob
	for _, src := range list {
		if *tier != 0 && src.Tier != *tier {
			continue
		}
		// Jobs are clamped to max_span_days, so long ranges are split up front.
		for start := from; start.Before(to); start = start.AddDate(0, 0, span) {
			end := start.AddDate(0, 0, span)
			if end.After(to) {
				end = to
			}
			res, err := jobs.CreateJob(ctx, models.CreateJobRequest{
				SourceKey: src.Key,
				Start:     start,
				End:       end,
				CreatedBy: "backfill",
				Metadata:  map[string]string{"trigger": "backfill", "tier": fmt.Sprint(src.Tier)},
			})
			if err != nil {
				return fmt.Errorf("create job for %s: %w", src.Key, err)
			}
			job, err := jobs.GetStatus(ctx, res.JobID)
			if err != nil {
				return err
			}
			created = append(created, job)
		}
	}

	if *report && len(created) > 0 {
		path, err := export.Save(cfg.Exports.Path, created, time.Now())
		if err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		fmt.Printf("report: %s\n", path)
	}

	fmt.Printf("done: created=%d\n", len(created))
	return nil
}
