package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pve-pulse/internal/broadcast"
	"pve-pulse/internal/model"
)

const KindPersister = "persister"

// NodeRecord holds one node of the last persisted snapshot.
type NodeRecord struct {
	Name        string `gorm:"primaryKey"`
	Cluster     string
	LastUpdated int64
	Data        string
}

// CacheState holds the version of the last persisted snapshot in a single row.
type CacheState struct {
	ID      uint `gorm:"primaryKey"`
	Version uint64
	SavedAt int64
}

const stateRowID = 1

// SnapshotStore keeps only the latest snapshot; each Save replaces the
// previous one.
type SnapshotStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open accepts a file path or any sqlite DSN such as "file::memory:?cache=shared".
func Open(dsn string, log *slog.Logger) (*SnapshotStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open state file %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&NodeRecord{}, &CacheState{}); err != nil {
		return nil, fmt.Errorf("migrate state file: %w", err)
	}
	return &SnapshotStore{db: db, logger: log}, nil
}

func (s *SnapshotStore) Save(ctx context.Context, snap model.Snapshot) error {
	records := make([]NodeRecord, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("encode node %s: %w", n.Name, err)
		}
		records = append(records, NodeRecord{
			Name:        n.Name,
			Cluster:     n.Cluster,
			LastUpdated: n.LastUpdated.UnixNano(),
			Data:        string(data),
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&NodeRecord{}).Error; err != nil {
			return fmt.Errorf("clear nodes: %w", err)
		}
		if len(records) > 0 {
			if err := tx.Create(&records).Error; err != nil {
				return fmt.Errorf("insert nodes: %w", err)
			}
		}
		state := CacheState{ID: stateRowID, Version: snap.Version, SavedAt: time.Now().Unix()}
		if err := tx.Save(&state).Error; err != nil {
			return fmt.Errorf("save version: %w", err)
		}
		return nil
	})
}

// Load returns the last saved snapshot, sorted by node name. An empty store
// yields an empty snapshot at version 0.
func (s *SnapshotStore) Load(ctx context.Context) (model.Snapshot, error) {
	var state CacheState
	err := s.db.WithContext(ctx).Where("id = ?", stateRowID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Snapshot{}, nil
	}
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load version: %w", err)
	}

	var records []NodeRecord
	if err := s.db.WithContext(ctx).Order("name").Find(&records).Error; err != nil {
		return model.Snapshot{}, fmt.Errorf("load nodes: %w", err)
	}
	snap := model.Snapshot{Version: state.Version, Nodes: make([]model.NodeSnapshot, 0, len(records))}
	for _, r := range records {
		var n model.NodeSnapshot
		if err := json.Unmarshal([]byte(r.Data), &n); err != nil {
			s.logger.Warn("skipping unreadable node record", "node", r.Name, "error", err)
			continue
		}
		snap.Nodes = append(snap.Nodes, n)
	}
	model.SortNodes(snap.Nodes)
	return snap, nil
}

func (s *SnapshotStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Send implements broadcast.Conn so the store follows the cache like a subscriber.
func (s *SnapshotStore) Send(ctx context.Context, snap model.Snapshot) error {
	if err := s.Save(ctx, snap); err != nil {
		return err
	}
	s.logger.Debug("snapshot persisted", "version", snap.Version, "nodes", len(snap.Nodes))
	return nil
}

// Run persists every new cache version until ctx is done or the coordinator
// shuts down, then writes the final snapshot once more.
func (s *SnapshotStore) Run(ctx context.Context, coord *broadcast.Coordinator, source broadcast.Source, interval time.Duration) error {
	coord.Follow(ctx, KindPersister, s, interval, time.Second)

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Save(saveCtx, source.Snapshot()); err != nil {
		s.logger.Warn("final snapshot save failed", "error", err)
	}
	return s.Close()
}
