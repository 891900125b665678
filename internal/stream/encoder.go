package stream

import (
	"context"
	"encoding/json"
	"time"

	"pve-pulse/internal/model"
)

// Sink forwards snapshot frames to a central backend.
type Sink interface {
	SendSnapshot(ctx context.Context, f model.SnapshotFrame) error
	Close(ctx context.Context) error
}

func EncodeEnvelope(e model.Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func NewSnapshotEnvelope(source string, f model.SnapshotFrame) model.Envelope {
	return model.Envelope{
		Type:      model.MetricTypeSnapshot,
		Source:    source,
		Timestamp: time.Unix(f.TimestampUnix, 0).UTC(),
		Payload:   f,
	}
}
