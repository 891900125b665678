package model

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time copy of the cluster cache.
type Snapshot struct {
	Version uint64         `json:"version"`
	Nodes   []NodeSnapshot `json:"nodes"`
}

// Payload is the message pushed to realtime subscribers.
type Payload struct {
	Data []NodeSnapshot `json:"data"`
}

// SnapshotFrame is the unit forwarded to an upstream backend.
type SnapshotFrame struct {
	Version       uint64         `json:"version"`
	TimestampUnix int64          `json:"timestamp_unix"`
	Nodes         []NodeSnapshot `json:"nodes"`
}

func NewPayload(s Snapshot) Payload {
	data := s.Nodes
	if data == nil {
		data = []NodeSnapshot{}
	}
	return Payload{Data: data}
}

func NewSnapshotFrame(s Snapshot, at time.Time) SnapshotFrame {
	return SnapshotFrame{Version: s.Version, TimestampUnix: at.UTC().Unix(), Nodes: append([]NodeSnapshot(nil), s.Nodes...)}
}

// SortNodes orders nodes by name in place.
func SortNodes(nodes []NodeSnapshot) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
}

// SortContainers orders containers by id in place.
func SortContainers(containers []ContainerSnapshot) {
	sort.Slice(containers, func(i, j int) bool { return containers[i].ID < containers[j].ID })
}
