package hub

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pve-pulse/internal/collector"
)

type clusterHealth struct {
	lastSuccess time.Time
	lastFailure time.Time
	lastError   string
	nodes       int
}

// HealthStatus tracks upstream reachability per cluster and the forwarder link.
type HealthStatus struct {
	staleAfter time.Duration
	now        func() time.Time

	mu          sync.Mutex
	clusters    map[string]*clusterHealth
	lastCycleAt time.Time
	lastOutcome string

	forwardEnabled   bool
	forwardConnected atomic.Bool
}

type ClusterReport struct {
	Name        string     `json:"name"`
	Nodes       int        `json:"nodes"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type HealthReport struct {
	Status           string          `json:"status"`
	Version          string          `json:"version"`
	LastCycleAt      *time.Time      `json:"last_cycle_at,omitempty"`
	LastCycleOutcome string          `json:"last_cycle_outcome,omitempty"`
	CacheVersion     uint64          `json:"cache_version"`
	CachedNodes      int             `json:"cached_nodes"`
	Subscribers      int             `json:"subscribers"`
	Clusters         []ClusterReport `json:"clusters"`
	ForwardConnected *bool           `json:"forward_connected,omitempty"`
}

func NewHealthStatus(clusters []string, staleAfter time.Duration, forwardEnabled bool) *HealthStatus {
	h := &HealthStatus{
		staleAfter:     staleAfter,
		now:            time.Now,
		clusters:       make(map[string]*clusterHealth, len(clusters)),
		forwardEnabled: forwardEnabled,
	}
	for _, name := range clusters {
		h.clusters[name] = &clusterHealth{}
	}
	return h
}

// ObserveCycle ignores cancelled cycles; their fetch failures say nothing
// about upstream reachability.
func (h *HealthStatus) ObserveCycle(res collector.CycleResult) {
	if res.Cancelled {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCycleAt = res.StartedAt
	h.lastOutcome = res.Outcome()
	for _, c := range res.Clusters {
		ch, ok := h.clusters[c.Cluster]
		if !ok {
			ch = &clusterHealth{}
			h.clusters[c.Cluster] = ch
		}
		if c.Err != nil {
			ch.lastFailure = res.StartedAt
			ch.lastError = c.Err.Error()
			continue
		}
		ch.lastSuccess = res.StartedAt
		ch.nodes = c.Nodes
	}
}

func (h *HealthStatus) SetForwardConnected(ok bool) {
	h.forwardConnected.Store(ok)
}

// Report is healthy when at least one cluster answered within the freshness
// threshold.
func (h *HealthStatus) Report(cacheVersion uint64, cachedNodes, subscribers int) (HealthReport, bool) {
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	report := HealthReport{
		CacheVersion:     cacheVersion,
		CachedNodes:      cachedNodes,
		Subscribers:      subscribers,
		LastCycleOutcome: h.lastOutcome,
		Clusters:         make([]ClusterReport, 0, len(h.clusters)),
	}
	if !h.lastCycleAt.IsZero() {
		at := h.lastCycleAt
		report.LastCycleAt = &at
	}

	healthy := false
	for name, ch := range h.clusters {
		cr := ClusterReport{Name: name, Nodes: ch.nodes, LastError: ch.lastError}
		if !ch.lastSuccess.IsZero() {
			at := ch.lastSuccess
			cr.LastSuccess = &at
			if now.Sub(at) <= h.staleAfter {
				healthy = true
			}
		}
		if !ch.lastFailure.IsZero() {
			at := ch.lastFailure
			cr.LastFailure = &at
		}
		report.Clusters = append(report.Clusters, cr)
	}
	sort.Slice(report.Clusters, func(i, j int) bool { return report.Clusters[i].Name < report.Clusters[j].Name })

	if h.forwardEnabled {
		ok := h.forwardConnected.Load()
		report.ForwardConnected = &ok
	}

	report.Status = "ok"
	if !healthy {
		report.Status = "unavailable"
	}
	return report, healthy
}
