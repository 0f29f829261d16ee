package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/stratrank/internal/bus"
	"github.com/basket/stratrank/internal/config"
	"github.com/basket/stratrank/internal/engine"
	"github.com/basket/stratrank/internal/schedule"
	"github.com/basket/stratrank/internal/taskfile"
)

// runScheduleCommand runs the configured periodic reruns in the foreground
// and keeps driving retry jobs until interrupted. Edits to config.yaml
// replace the schedule set without a restart.
func runScheduleCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	quiet := fs.Bool("quiet", false, "log to the log file only")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := openApp(ctx, *quiet)
	if err != nil {
		fatalStartup(nil, "E_APP_INIT", err)
	}
	defer a.Close()
	logger := a.logger

	sched, err := startScheduler(ctx, a, a.cfg)
	if err != nil {
		fatalStartup(logger, "E_SCHEDULE_INVALID", err)
	}
	defer func() { sched.Stop() }()

	events := a.bus.Subscribe("")
	defer a.bus.Unsubscribe(events)
	go func() {
		for ev := range events.Ch() {
			logger.Debug("event", "topic", ev.Topic, "detail", describeEvent(ev))
		}
	}()

	confWatcher := config.NewWatcher(a.cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}

	logger.Info("startup phase", "phase", "scheduler_running", "schedules", len(a.cfg.Schedules))
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown requested")
			return 0
		case ev, ok := <-confWatcher.Events():
			if !ok {
				return 0
			}
			next, err := config.LoadFrom(a.cfg.HomeDir)
			if err != nil {
				logger.Error("config reload rejected; keeping previous schedules", "path", ev.Path, "error", err)
				continue
			}
			if next.Fingerprint() == a.cfg.Fingerprint() {
				continue
			}
			replacement, err := startScheduler(ctx, a, next)
			if err != nil {
				logger.Error("schedule reload rejected; keeping previous schedules", "error", err)
				continue
			}
			sched.Stop()
			sched = replacement
			a.cfg = next
			a.bus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{Path: ev.Path, Fingerprint: next.Fingerprint()})
			logger.Info("config hot-reloaded", "path", ev.Path, "config_fingerprint", next.Fingerprint(),
				"note", "scoring, retry and estimator settings apply after restart")
		}
	}
}

func startScheduler(ctx context.Context, a *app, cfg config.Config) (*schedule.Scheduler, error) {
	sched, err := schedule.NewScheduler(schedule.Config{
		Entries:  scheduleEntries(cfg),
		Runner:   rerunner{engine: a.engine, logger: a.logger},
		KV:       a.store,
		Logger:   a.logger,
		Interval: cfg.SchedulerTick(),
	})
	if err != nil {
		return nil, err
	}
	sched.Start(ctx)
	return sched, nil
}

func scheduleEntries(cfg config.Config) []schedule.Entry {
	var out []schedule.Entry
	for _, s := range cfg.Schedules {
		if !s.IsEnabled() {
			continue
		}
		out = append(out, schedule.Entry{
			Name:        s.Name,
			Cron:        s.Cron,
			OutcomeID:   s.OutcomeID,
			OutcomeText: s.OutcomeText,
			TasksFile:   s.TasksFile,
		})
	}
	return out
}

// rerunner loads an entry's task document and triggers a rerun.
type rerunner struct {
	engine *engine.Engine
	logger *slog.Logger
}

func (r rerunner) Rerun(ctx context.Context, e schedule.Entry) error {
	doc, err := taskfile.Load(e.TasksFile)
	if err != nil {
		return err
	}
	if e.OutcomeID != "" {
		doc.Outcome.ID = e.OutcomeID
	}
	if e.OutcomeText != "" {
		doc.Outcome.Text = e.OutcomeText
	}
	strategy, err := pickStrategy("", doc.Strategy)
	if err != nil {
		return err
	}
	req := runRequest(doc, "schedule:"+e.Name)
	req.Strategy = strategy
	snap, err := r.engine.TriggerRerun(ctx, req)
	if err != nil {
		return fmt.Errorf("rerun %s: %w", doc.Outcome.ID, err)
	}
	r.logger.Info("scheduled rerun complete",
		"schedule_name", e.Name,
		"outcome_id", snap.OutcomeID,
		"run_id", snap.RunID,
		"ranked", len(snap.Entries),
		"pending", len(snap.Pending),
	)
	return nil
}

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, "usage: stratrank backup <dest.db>")
		return 2
	}
	a, err := openApp(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	defer a.Close()
	if err := a.store.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("backup written to %s\n", args[0])
	return 0
}
