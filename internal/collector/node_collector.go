package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"pve-pulse/internal/config"
	"pve-pulse/internal/metrics"
	"pve-pulse/internal/model"
	"pve-pulse/internal/rate"
)

// NodeCollector builds one NodeSnapshot from the node's status, its container
// listing and each container's config and live status.
type NodeCollector struct {
	fetch          fetchReporter
	rates          *rate.Tracker
	logger         *slog.Logger
	now            func() time.Time
	containerLimit int
}

func NewNodeCollector(fetcher Fetcher, rates *rate.Tracker, containerLimit int, logger *slog.Logger, reg *metrics.Registry) *NodeCollector {
	if containerLimit <= 0 {
		containerLimit = 1
	}
	return &NodeCollector{
		fetch:          fetchReporter{fetcher: fetcher, logger: logger, metrics: reg},
		rates:          rates,
		logger:         logger,
		now:            time.Now,
		containerLimit: containerLimit,
	}
}

// SetClock replaces the time source used for LastUpdated and rate samples.
func (c *NodeCollector) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Collect never fails. Upstream errors degrade the affected part of the
// snapshot and are reported through logs and metrics.
func (c *NodeCollector) Collect(ctx context.Context, ep config.ClusterEndpoint, summary NodeSummary) model.NodeSnapshot {
	snap := model.NodeSnapshot{
		Name:          summary.Name,
		Cluster:       ep.Name,
		Status:        summary.Status,
		CPUModel:      model.UnknownValue,
		PVEVersion:    model.UnknownValue,
		KernelVersion: model.UnknownValue,
	}

	status, err := c.fetch.fetch(ctx, ep, fmt.Sprintf("/nodes/%s/status", summary.Name))
	if err != nil {
		snap.Degraded = true
	} else {
		applyNodeStatus(&snap, status)
	}

	snap.Containers = c.collectContainers(ctx, ep, summary.Name, &snap)
	for _, ct := range snap.Containers {
		snap.NetInRate += ct.NetInRate
		snap.NetOutRate += ct.NetOutRate
	}
	snap.LastUpdated = c.now()
	c.logger.Debug("node collected", "cluster", ep.Name, "node", snap.Name, "containers", len(snap.Containers), "degraded", snap.Degraded)
	return snap
}

func applyNodeStatus(snap *model.NodeSnapshot, status gjson.Result) {
	snap.CPU = status.Get("cpu").Float()
	snap.MemoryUsed = status.Get("memory.used").Uint()
	snap.MemoryTotal = status.Get("memory.total").Uint()
	snap.SwapUsed = status.Get("swap.used").Uint()
	snap.SwapTotal = status.Get("swap.total").Uint()
	snap.StorageUsed = status.Get("rootfs.used").Uint()
	snap.StorageTotal = status.Get("rootfs.total").Uint()
	snap.CPUModel = stringOr(status.Get("cpuinfo.model"), model.UnknownValue)
	snap.CPUCores = int(status.Get("cpuinfo.cpus").Int())
	snap.PVEVersion = stringOr(status.Get("pveversion"), model.UnknownValue)
	snap.KernelVersion = stringOr(status.Get("kversion"), model.UnknownValue)
	snap.Uptime = status.Get("uptime").Uint()
}

func (c *NodeCollector) collectContainers(ctx context.Context, ep config.ClusterEndpoint, node string, snap *model.NodeSnapshot) []model.ContainerSnapshot {
	list, err := c.fetch.fetch(ctx, ep, fmt.Sprintf("/nodes/%s/lxc", node))
	if err != nil {
		snap.Degraded = true
		return []model.ContainerSnapshot{}
	}
	summaries := ParseContainerList(list)
	out := make([]model.ContainerSnapshot, len(summaries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.containerLimit)
	for i, s := range summaries {
		i, s := i, s
		g.Go(func() error {
			out[i] = c.collectContainer(gctx, ep, node, s)
			return nil
		})
	}
	_ = g.Wait()

	model.SortContainers(out)
	return out
}

func (c *NodeCollector) collectContainer(ctx context.Context, ep config.ClusterEndpoint, node string, s ContainerSummary) model.ContainerSnapshot {
	ct := model.ContainerSnapshot{
		ID:       s.ID,
		Hostname: orUnknown(s.Name),
		Status:   orUnknown(s.Status),
	}

	base := fmt.Sprintf("/nodes/%s/lxc/%d", node, s.ID)
	if cfg, err := c.fetch.fetch(ctx, ep, base+"/config"); err != nil {
		ct.Degraded = true
	} else {
		ct.Hostname = stringOr(cfg.Get("hostname"), ct.Hostname)
	}

	live, err := c.fetch.fetch(ctx, ep, base+"/status/current")
	if err != nil {
		ct.Degraded = true
		return ct
	}
	ct.Status = stringOr(live.Get("status"), ct.Status)
	ct.CPU = live.Get("cpu").Float()
	ct.MemoryUsed = live.Get("mem").Uint()
	ct.MemoryTotal = live.Get("maxmem").Uint()
	ct.NetIn = live.Get("netin").Uint()
	ct.NetOut = live.Get("netout").Uint()
	ct.Uptime = live.Get("uptime").Uint()

	now := c.now()
	key := rate.EntityKey(ep.Name, node, s.ID)
	ct.NetInRate = c.rates.Observe(key, rate.CounterNetIn, float64(ct.NetIn), now)
	ct.NetOutRate = c.rates.Observe(key, rate.CounterNetOut, float64(ct.NetOut), now)
	return ct
}
