package stream

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"pve-pulse/internal/broadcast"
	"pve-pulse/internal/metrics"
	"pve-pulse/internal/model"
)

const KindForwarder = "forwarder"

// Forwarder pushes every new cache version to a Sink. It follows the
// broadcast coordinator like any realtime client.
type Forwarder struct {
	sink     Sink
	interval time.Duration
	backoff  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Registry
	now      func() time.Time

	lastSuccess atomic.Int64
	lastVersion atomic.Uint64
	failing     atomic.Bool
}

func NewForwarder(sink Sink, interval time.Duration, logger *slog.Logger, reg *metrics.Registry) *Forwarder {
	return &Forwarder{
		sink:     sink,
		interval: interval,
		backoff:  time.Second,
		logger:   logger,
		metrics:  reg,
		now:      time.Now,
	}
}

// Send implements broadcast.Conn.
func (f *Forwarder) Send(ctx context.Context, s model.Snapshot) error {
	if err := f.sink.SendSnapshot(ctx, model.NewSnapshotFrame(s, f.now())); err != nil {
		f.failing.Store(true)
		f.metrics.ForwardError()
		return err
	}
	f.failing.Store(false)
	f.lastSuccess.Store(f.now().UnixNano())
	f.lastVersion.Store(s.Version)
	return nil
}

// Run blocks until ctx is done or the coordinator shuts down, then closes the sink.
func (f *Forwarder) Run(ctx context.Context, coord *broadcast.Coordinator) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.sink.Close(closeCtx); err != nil {
			f.logger.Warn("forwarder close failed", "error", err)
		}
	}()

	coord.Follow(ctx, KindForwarder, f, f.interval, f.backoff)
	return nil
}

// Healthy reports whether the last send attempt succeeded.
func (f *Forwarder) Healthy() bool { return !f.failing.Load() }

func (f *Forwarder) LastSuccess() (time.Time, uint64) {
	ns := f.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}, 0
	}
	return time.Unix(0, ns), f.lastVersion.Load()
}
