package hub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthLogInterval = time.Minute

func (h *Hub) run(ctx context.Context) error {
	if h.store != nil {
		h.restore(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return h.server.Run(gctx)
	})
	g.Go(func() error {
		// delivery loops do not watch gctx; they end on coordinator shutdown
		<-gctx.Done()
		h.coord.Shutdown()
		return nil
	})
	g.Go(func() error {
		return h.runHealthLoop(gctx)
	})
	if h.forwarder != nil {
		g.Go(func() error {
			return h.forwarder.Run(gctx, h.coord)
		})
	}
	if h.store != nil {
		g.Go(func() error {
			return h.store.Run(gctx, h.coord, h.cache, h.cfg.BroadcastInterval)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// restore seeds the cache so early subscribers get last-known data. Restored
// entries keep their timestamps and are pruned like any other.
func (h *Hub) restore(ctx context.Context) {
	snap, err := h.store.Load(ctx)
	if err != nil {
		h.logger.Warn("snapshot restore failed, starting empty", "state_file", h.cfg.StateFile, "error", err)
		return
	}
	if len(snap.Nodes) == 0 {
		return
	}
	h.cache.Restore(snap)
	h.metrics.SetCache(h.cache.Version(), h.cache.Len())
	h.logger.Info("restored snapshot", "version", snap.Version, "nodes", len(snap.Nodes))
}

func (h *Hub) runHealthLoop(ctx context.Context) error {
	t := time.NewTicker(healthLogInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			report, ok := h.healthReport()
			level := slog.LevelDebug
			if !ok {
				level = slog.LevelWarn
			}
			h.logger.Log(ctx, level, "hub health", "healthy", ok, "snapshot", report)
		}
	}
}

func (h *Hub) shutdown() {
	h.coord.Shutdown()
	h.logger.Debug("broadcast coordinator stopped", "subscribers", h.coord.Count())
}
