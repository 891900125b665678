package collector

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"pve-pulse/internal/config"
	"pve-pulse/internal/metrics"
	"pve-pulse/internal/model"
	"pve-pulse/internal/source"
)

// Fetcher performs one GET against a cluster API and returns its "data" member.
type Fetcher interface {
	Fetch(ctx context.Context, ep config.ClusterEndpoint, path string) (gjson.Result, error)
}

// NodeSummary is one entry of a cluster's node listing.
type NodeSummary struct {
	Name    string
	Status  string
	Disk    uint64
	MaxDisk uint64
	Uptime  uint64
}

// ContainerSummary is one entry of a node's container listing.
type ContainerSummary struct {
	ID     int
	Name   string
	Status string
}

type fetchReporter struct {
	fetcher Fetcher
	logger  *slog.Logger
	metrics *metrics.Registry
}

func (r fetchReporter) fetch(ctx context.Context, ep config.ClusterEndpoint, path string) (gjson.Result, error) {
	data, err := r.fetcher.Fetch(ctx, ep, path)
	if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)) {
		// shutdown, not an upstream failure
		r.logger.Debug("upstream fetch cancelled", "cluster", ep.Name, "path", path)
		return data, err
	}
	if err != nil {
		kind := "network"
		var fe *source.FetchError
		if errors.As(err, &fe) {
			kind = fe.Kind()
		}
		r.metrics.FetchError(ep.Name, kind)
		r.logger.Warn("upstream fetch failed", "cluster", ep.Name, "path", path, "kind", kind, "error", err)
	}
	return data, err
}

// ParseNodeList extracts node summaries sorted by name. Entries without a
// node name are skipped.
func ParseNodeList(data gjson.Result) []NodeSummary {
	out := make([]NodeSummary, 0, len(data.Array()))
	for _, item := range data.Array() {
		name := strings.TrimSpace(item.Get("node").String())
		if name == "" {
			continue
		}
		out = append(out, NodeSummary{
			Name:    name,
			Status:  stringOr(item.Get("status"), model.UnknownValue),
			Disk:    item.Get("disk").Uint(),
			MaxDisk: item.Get("maxdisk").Uint(),
			Uptime:  item.Get("uptime").Uint(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseContainerList extracts container summaries sorted by vmid. The vmid
// may be encoded as a number or a string; entries without a usable vmid are
// skipped.
func ParseContainerList(data gjson.Result) []ContainerSummary {
	out := make([]ContainerSummary, 0, len(data.Array()))
	for _, item := range data.Array() {
		id, ok := parseVMID(item.Get("vmid"))
		if !ok {
			continue
		}
		out = append(out, ContainerSummary{
			ID:     id,
			Name:   item.Get("name").String(),
			Status: item.Get("status").String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func parseVMID(v gjson.Result) (int, bool) {
	switch v.Type {
	case gjson.Number:
		return int(v.Int()), true
	case gjson.String:
		id, err := strconv.Atoi(strings.TrimSpace(v.Str))
		return id, err == nil
	default:
		return 0, false
	}
}

func stringOr(v gjson.Result, fallback string) string {
	if s := strings.TrimSpace(v.String()); s != "" {
		return s
	}
	return fallback
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return model.UnknownValue
}
