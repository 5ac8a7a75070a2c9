package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	fileutil "ingestor/internal/file"

	"github.com/rs/zerolog/log"
)

// ChunkSize is the granularity of progress reports and cancellation checks during Put.
const ChunkSize = 8192

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

// ProgressFunc receives the cumulative number of bytes written so far.
type ProgressFunc func(written int64)

// Storage is where uploaded payloads live. Put must be an idempotent overwrite.
type Storage interface {
	Put(ctx context.Context, key string, r io.Reader, progress ProgressFunc) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Size(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Key builds an object key for a file of a batch.
func Key(batchID, fileID, filename string) string {
	return batchID + "/" + fileID + "/" + fileutil.SafeName(filename, "payload")
}

// LocalStorage keeps objects as plain files under Root.
type LocalStorage struct {
	Root string
}

func NewLocal(root string) *LocalStorage {
	if root == "" {
		root = filepath.Join("data", "objects")
	}
	return &LocalStorage{Root: root}
}

func (s *LocalStorage) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(key)))
	if clean == "." || clean == "" || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.Root, clean), nil
}

// Put streams r into the object at key in ChunkSize pieces, checking ctx between
// chunks. The object only becomes visible once fully written.
func (s *LocalStorage) Put(ctx context.Context, key string, r io.Reader, progress ProgressFunc) (int64, error) {
	dest, err := s.path(key)
	if err != nil {
		return 0, err
	}
	written, err := fileutil.CopyAtomic(dest, &chunkReader{ctx: ctx, r: r, progress: progress})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return written, ctxErr
		}
		return written, fmt.Errorf("put %s: %w", key, err)
	}
	return written, nil
}

func (s *LocalStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) //nolint:gosec // path is confined to the storage root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

func (s *LocalStorage) Size(_ context.Context, key string) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return fi.Size(), nil
}

func (s *LocalStorage) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under the key prefix (a batch or file directory).
func (s *LocalStorage) DeletePrefix(_ context.Context, prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	log.Debug().Str("prefix", prefix).Msg("storage prefix removed")
	return nil
}

type chunkReader struct {
	ctx      context.Context
	r        io.Reader
	progress ProgressFunc
	total    int64
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > ChunkSize {
		p = p[:ChunkSize]
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.total += int64(n)
		if c.progress != nil {
			c.progress(c.total)
		}
	}
	return n, err //nolint:wrapcheck // io.Reader contract
}
