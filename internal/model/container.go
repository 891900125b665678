package model

// UnknownValue is reported for string fields the upstream did not provide.
const UnknownValue = "Unknown"

// ContainerSnapshot is one workload hosted on a node. All byte values are raw
// bytes, rates are bits per second.
type ContainerSnapshot struct {
	ID          int     `json:"id"`
	Hostname    string  `json:"hostname"`
	Status      string  `json:"status"`
	CPU         float64 `json:"cpu"`
	MemoryUsed  uint64  `json:"memory_used"`
	MemoryTotal uint64  `json:"memory_total"`
	NetIn       uint64  `json:"netin"`
	NetOut      uint64  `json:"netout"`
	NetInRate   float64 `json:"netin_rate"`
	NetOutRate  float64 `json:"netout_rate"`
	Uptime      uint64  `json:"uptime"`
	Degraded    bool    `json:"degraded"`
}
