package model

import "time"

// NodeSnapshot is one host as seen by the last successful poll of its cluster.
// It is replaced wholesale on every poll and never mutated after construction.
type NodeSnapshot struct {
	Name          string              `json:"name"`
	Cluster       string              `json:"cluster"`
	Status        string              `json:"status"`
	CPU           float64             `json:"cpu"`
	CPUModel      string              `json:"cpu_model"`
	CPUCores      int                 `json:"cpu_cores"`
	MemoryUsed    uint64              `json:"memory_used"`
	MemoryTotal   uint64              `json:"memory_total"`
	SwapUsed      uint64              `json:"swap_used"`
	SwapTotal     uint64              `json:"swap_total"`
	StorageUsed   uint64              `json:"storage_used"`
	StorageTotal  uint64              `json:"storage_total"`
	PVEVersion    string              `json:"pve_version"`
	KernelVersion string              `json:"kernel_version"`
	Uptime        uint64              `json:"uptime"`
	NetInRate     float64             `json:"netin_rate"`
	NetOutRate    float64             `json:"netout_rate"`
	Degraded      bool                `json:"degraded"`
	LastUpdated   time.Time           `json:"last_updated"`
	Containers    []ContainerSnapshot `json:"containers"`
}

// SameContent reports whether two snapshots carry the same metrics.
// LastUpdated is bookkeeping and does not count as content.
func (n NodeSnapshot) SameContent(o NodeSnapshot) bool {
	if n.Name != o.Name ||
		n.Cluster != o.Cluster ||
		n.Status != o.Status ||
		n.CPU != o.CPU ||
		n.CPUModel != o.CPUModel ||
		n.CPUCores != o.CPUCores ||
		n.MemoryUsed != o.MemoryUsed ||
		n.MemoryTotal != o.MemoryTotal ||
		n.SwapUsed != o.SwapUsed ||
		n.SwapTotal != o.SwapTotal ||
		n.StorageUsed != o.StorageUsed ||
		n.StorageTotal != o.StorageTotal ||
		n.PVEVersion != o.PVEVersion ||
		n.KernelVersion != o.KernelVersion ||
		n.Uptime != o.Uptime ||
		n.NetInRate != o.NetInRate ||
		n.NetOutRate != o.NetOutRate ||
		n.Degraded != o.Degraded {
		return false
	}
	if len(n.Containers) != len(o.Containers) {
		return false
	}
	for i := range n.Containers {
		if n.Containers[i] != o.Containers[i] {
			return false
		}
	}
	return true
}
