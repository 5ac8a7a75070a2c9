package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	fileutil "ingestor/internal/file"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// ErrStoreLocked is returned when another process owns the data directory.
var ErrStoreLocked = errors.New("batch store is locked by another process")

// BatchStore persists batch records so in-flight work survives a restart.
type BatchStore interface {
	SaveBatch(ctx context.Context, b *Batch) error
	LoadBatches(ctx context.Context) ([]*Batch, error)
	DeleteBatch(ctx context.Context, batchID string) error
	Close() error
}

// fileStore keeps one status.json per batch under dataDir/batches and holds an
// exclusive lock on the directory for the lifetime of the process.
type fileStore struct {
	dataDir string
	lock    *flock.Flock
}

// OpenFileStore creates the store and takes the directory lock.
func OpenFileStore(dataDir string) (BatchStore, error) { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	root := filepath.Join(dataDir, "batches")
	if err := fileutil.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("ensure batches dir: %w", err)
	}
	lock := flock.New(filepath.Join(root, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock batches dir: %w", err)
	}
	if !locked {
		return nil, ErrStoreLocked
	}
	return &fileStore{dataDir: dataDir, lock: lock}, nil
}

func (s *fileStore) batchDir(batchID string) string {
	return filepath.Join(s.dataDir, "batches", batchID)
}

func (s *fileStore) statusPath(batchID string) string {
	return filepath.Join(s.batchDir(batchID), "status.json")
}

func (s *fileStore) SaveBatch(_ context.Context, b *Batch) error {
	return fileutil.WriteJSONAtomic(s.statusPath(b.ID), b) //nolint:wrapcheck
}

func (s *fileStore) LoadBatches(_ context.Context) ([]*Batch, error) {
	root := filepath.Join(s.dataDir, "batches")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	batches := make([]*Batch, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(s.statusPath(e.Name())) //nolint:gosec // path is controlled by application
		if err != nil {
			continue
		}
		var loaded Batch
		if err := json.Unmarshal(b, &loaded); err != nil {
			log.Warn().Str("batch_id", e.Name()).Err(err).Msg("skipping unreadable batch record")
			continue
		}
		batches = append(batches, &loaded)
	}
	return batches, nil
}

func (s *fileStore) DeleteBatch(_ context.Context, batchID string) error {
	if batchID == "" {
		return errors.New("empty batch id")
	}
	if err := os.RemoveAll(s.batchDir(batchID)); err != nil {
		return fmt.Errorf("remove batch dir: %w", err)
	}
	return nil
}

func (s *fileStore) Close() error {
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock batches dir: %w", err)
	}
	return nil
}

// memoryStore keeps nothing; used when persistence is disabled.
type memoryStore struct{}

func (memoryStore) SaveBatch(context.Context, *Batch) error       { return nil }
func (memoryStore) LoadBatches(context.Context) ([]*Batch, error) { return nil, nil }
func (memoryStore) DeleteBatch(context.Context, string) error     { return nil }
func (memoryStore) Close() error                                  { return nil }
