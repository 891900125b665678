package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler drives the poll loop on a fixed ticker and the pruner on its own
// cron schedule. A failed cycle never stops either loop.
type Scheduler struct {
	logger        *slog.Logger
	aggregator    *Aggregator
	pruner        *Pruner
	pollInterval  time.Duration
	pruneInterval time.Duration
	onCycle       func(CycleResult)
}

func NewScheduler(
	logger *slog.Logger,
	aggregator *Aggregator,
	pruner *Pruner,
	pollInterval, pruneInterval time.Duration,
	onCycle func(CycleResult),
) *Scheduler {
	if onCycle == nil {
		onCycle = func(CycleResult) {}
	}
	return &Scheduler{
		logger:        logger,
		aggregator:    aggregator,
		pruner:        pruner,
		pollInterval:  pollInterval,
		pruneInterval: pruneInterval,
		onCycle:       onCycle,
	}
}

// Run returns nil once ctx is cancelled and any in-flight prune has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	pruneCron := cron.New(
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	pruneCron.Schedule(cron.Every(s.pruneInterval), cron.FuncJob(func() { s.pruner.Prune() }))
	pruneCron.Start()
	defer func() { <-pruneCron.Stop().Done() }()

	return s.runPollLoop(ctx)
}

func (s *Scheduler) runPollLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	res := s.aggregator.RunCycle(ctx)
	switch res.Outcome() {
	case CycleFailed:
		s.logger.Error("poll cycle failed for every cluster", "clusters", len(res.Clusters))
	case CyclePartial:
		s.logger.Warn("poll cycle partially failed", "version", res.Version)
	case CycleCancelled:
		return
	}
	s.onCycle(res)
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("prune scheduler: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("prune scheduler: "+msg, append(keysAndValues, "error", err)...)
}
