package collector

import (
	"log/slog"
	"time"

	"pve-pulse/internal/cache"
	"pve-pulse/internal/metrics"
	"pve-pulse/internal/rate"
)

// Pruner evicts nodes that have not been refreshed within staleAfter, along
// with the rate windows of their containers.
type Pruner struct {
	cache      *cache.Cache
	rates      *rate.Tracker
	staleAfter time.Duration
	logger     *slog.Logger
	metrics    *metrics.Registry
	now        func() time.Time
}

func NewPruner(c *cache.Cache, rates *rate.Tracker, staleAfter time.Duration, logger *slog.Logger, reg *metrics.Registry) *Pruner {
	return &Pruner{
		cache:      c,
		rates:      rates,
		staleAfter: staleAfter,
		logger:     logger,
		metrics:    reg,
		now:        time.Now,
	}
}

func (p *Pruner) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Prune returns the names of the removed nodes.
func (p *Pruner) Prune() []string {
	removed, version := p.cache.Prune(p.now(), p.staleAfter)
	if len(removed) == 0 {
		return nil
	}
	windows := 0
	for _, name := range removed {
		windows += p.rates.Forget(rate.OfNode(name))
	}
	p.metrics.Pruned(len(removed))
	p.metrics.SetCache(version, p.cache.Len())
	p.logger.Info("pruned stale nodes", "nodes", removed, "rate_windows", windows, "version", version)
	return removed
}
