package model

import "time"

type MetricType string

const (
	MetricTypeSnapshot MetricType = "cluster_snapshot"
)

// Envelope is transport-agnostic framing for forwarded payloads.
type Envelope struct {
	Type      MetricType `json:"type"`
	Source    string     `json:"source"`
	Timestamp time.Time  `json:"timestamp"`
	Payload   any        `json:"payload"`
}
