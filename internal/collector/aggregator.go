package collector

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"pve-pulse/internal/cache"
	"pve-pulse/internal/config"
	"pve-pulse/internal/metrics"
	"pve-pulse/internal/model"
)

const (
	CycleOK      = "ok"
	CyclePartial = "partial"
	CycleFailed  = "failed"
	// CycleCancelled marks a cycle cut short by context cancellation. Its
	// results are discarded.
	CycleCancelled = "cancelled"
)

// ClusterOutcome reports how one cluster fared in a poll cycle.
type ClusterOutcome struct {
	Cluster string
	Nodes   int
	Err     error
}

type CycleResult struct {
	StartedAt time.Time
	Duration  time.Duration
	Clusters  []ClusterOutcome
	Collected int
	Version   uint64
	Changed   bool
	Cancelled bool
}

// Outcome is ok when every listing succeeded, failed when none did.
func (r CycleResult) Outcome() string {
	if r.Cancelled {
		return CycleCancelled
	}
	failed := 0
	for _, c := range r.Clusters {
		if c.Err != nil {
			failed++
		}
	}
	switch {
	case failed == 0:
		return CycleOK
	case failed == len(r.Clusters):
		return CycleFailed
	default:
		return CyclePartial
	}
}

// Aggregator runs one poll cycle: list every cluster, collect every listed
// node, then merge the whole batch into the cache.
type Aggregator struct {
	clusters  []config.ClusterEndpoint
	fetch     fetchReporter
	nodes     *NodeCollector
	cache     *cache.Cache
	metrics   *metrics.Registry
	logger    *slog.Logger
	nodeLimit int
	now       func() time.Time
}

func NewAggregator(
	clusters []config.ClusterEndpoint,
	fetcher Fetcher,
	nodes *NodeCollector,
	c *cache.Cache,
	nodeLimit int,
	logger *slog.Logger,
	reg *metrics.Registry,
) *Aggregator {
	if nodeLimit <= 0 {
		nodeLimit = 1
	}
	return &Aggregator{
		clusters:  clusters,
		fetch:     fetchReporter{fetcher: fetcher, logger: logger, metrics: reg},
		nodes:     nodes,
		cache:     c,
		metrics:   reg,
		logger:    logger,
		nodeLimit: nodeLimit,
		now:       time.Now,
	}
}

func (a *Aggregator) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
		a.nodes.SetClock(now)
	}
}

type listing struct {
	cluster config.ClusterEndpoint
	nodes   []NodeSummary
	err     error
}

// RunCycle blocks until every scheduled collection has finished. Nothing is
// merged before that point, and nothing at all when ctx ends mid-cycle: the
// cache keeps its last-known data instead of the zeroed snapshots that
// cancelled fetches produce.
func (a *Aggregator) RunCycle(ctx context.Context) CycleResult {
	started := time.Now()
	res := CycleResult{StartedAt: a.now()}

	listings := a.list(ctx)
	if ctx.Err() != nil {
		return a.abandon(res, started)
	}

	var batches [][]model.NodeSnapshot
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.nodeLimit)
	for _, l := range listings {
		res.Clusters = append(res.Clusters, ClusterOutcome{Cluster: l.cluster.Name, Nodes: len(l.nodes), Err: l.err})
		batch := make([]model.NodeSnapshot, len(l.nodes))
		batches = append(batches, batch)
		// nodes are started in ascending name order within one cluster
		for i, summary := range l.nodes {
			i, summary := i, summary
			ep := l.cluster
			g.Go(func() error {
				batch[i] = a.nodes.Collect(gctx, ep, summary)
				return nil
			})
		}
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return a.abandon(res, started)
	}

	fresh := a.flatten(batches)
	res.Collected = len(fresh)
	res.Version, res.Changed = a.cache.Merge(fresh)
	res.Duration = time.Since(started)

	a.metrics.SetCache(res.Version, a.cache.Len())
	a.metrics.ObserveCycle(res.Duration, res.Outcome())
	a.logger.Debug("poll cycle complete",
		"outcome", res.Outcome(),
		"nodes", res.Collected,
		"version", res.Version,
		"changed", res.Changed,
		"duration", res.Duration,
	)
	return res
}

func (a *Aggregator) abandon(res CycleResult, started time.Time) CycleResult {
	res.Cancelled = true
	res.Version = a.cache.Version()
	res.Duration = time.Since(started)
	a.metrics.ObserveCycle(res.Duration, res.Outcome())
	a.logger.Debug("poll cycle cancelled, results discarded", "version", res.Version, "duration", res.Duration)
	return res
}

func (a *Aggregator) list(ctx context.Context) []listing {
	out := make([]listing, len(a.clusters))
	var g errgroup.Group
	for i, ep := range a.clusters {
		i, ep := i, ep
		out[i].cluster = ep
		g.Go(func() error {
			data, err := a.fetch.fetch(ctx, ep, "/nodes")
			if err != nil {
				out[i].err = err
				return nil
			}
			out[i].nodes = ParseNodeList(data)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *Aggregator) flatten(batches [][]model.NodeSnapshot) []model.NodeSnapshot {
	var fresh []model.NodeSnapshot
	seen := make(map[string]string)
	for _, batch := range batches {
		for _, n := range batch {
			if prev, ok := seen[n.Name]; ok {
				a.logger.Warn("node name reported by more than one cluster, last one wins",
					"node", n.Name, "cluster", n.Cluster, "previous_cluster", prev)
			}
			seen[n.Name] = n.Cluster
			fresh = append(fresh, n)
		}
	}
	return fresh
}
