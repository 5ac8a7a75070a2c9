package lookup

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Notebook is the destination a processed file is attached to.
type Notebook struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Directory resolves notebook ids. Unknown ids yield an error wrapping ErrNotFound.
type Directory interface {
	Notebook(ctx context.Context, id string) (Notebook, error)
}

// StaticDirectory serves notebooks declared in configuration.
type StaticDirectory map[string]string

func (d StaticDirectory) Notebook(_ context.Context, id string) (Notebook, error) {
	name, ok := d[id]
	if !ok {
		return Notebook{}, fmt.Errorf("notebook %s: %w", id, ErrNotFound)
	}
	return Notebook{ID: id, Name: name}, nil
}

// Resolver puts a Cache in front of a Directory.
type Resolver struct {
	cache *Cache[Notebook]
}

func NewResolver(dir Directory, size int, ttl, negativeTTL time.Duration) *Resolver {
	return &Resolver{cache: NewCache[Notebook](dir.Notebook, size, ttl, negativeTTL)}
}

// Resolve looks up every id, stopping at the first failure.
func (r *Resolver) Resolve(ctx context.Context, ids []string) ([]Notebook, error) {
	out := make([]Notebook, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		nb, err := r.cache.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, nb)
	}
	return out, nil
}
