// Package formcache caches remote form field ids per form version. Entries are
// invalidated explicitly; a new form version never reuses an older mapping.
package formcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/coachpo/synctrack/errs"
)

// Key identifies one published version of a remote form.
type Key struct {
	FormID        string
	FormVersionID string
}

func (k Key) String() string {
	return k.FormID + "@" + k.FormVersionID
}

// Valid reports whether both parts are present.
func (k Key) Valid() bool {
	return strings.TrimSpace(k.FormID) != "" && strings.TrimSpace(k.FormVersionID) != ""
}

// FieldIDs maps form field names to remote field ids.
type FieldIDs map[string]string

// Loader fetches the field ids of a form version from the remote authority.
type Loader interface {
	LoadFieldIDs(ctx context.Context, key Key) (FieldIDs, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, key Key) (FieldIDs, error)

// LoadFieldIDs implements Loader.
func (f LoaderFunc) LoadFieldIDs(ctx context.Context, key Key) (FieldIDs, error) {
	return f(ctx, key)
}

const (
	defaultMaximumSize = 256
	defaultTTL         = 6 * time.Hour
)

// Cache is an explicitly invalidated field-id cache.
type Cache struct {
	cache  *otter.Cache[Key, FieldIDs]
	loader Loader
}

// New builds a cache over loader. A non-positive ttl uses the default.
func New(loader Loader, maximumSize int, ttl time.Duration) (*Cache, error) {
	if loader == nil {
		return nil, errs.New("formcache", errs.CodeInvalid, errs.WithMessage("loader required"))
	}
	if maximumSize <= 0 {
		maximumSize = defaultMaximumSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c, err := otter.New(&otter.Options[Key, FieldIDs]{
		MaximumSize:      maximumSize,
		ExpiryCalculator: otter.ExpiryWriting[Key, FieldIDs](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("formcache: build: %w", err)
	}
	return &Cache{cache: c, loader: loader}, nil
}

// FieldIDs returns the mapping for key, loading it once on a miss.
func (c *Cache) FieldIDs(ctx context.Context, key Key) (FieldIDs, error) {
	if !key.Valid() {
		return nil, errs.New("formcache", errs.CodeInvalid, errs.WithMessage("form id and version required"))
	}
	ids, err := c.cache.Get(ctx, key, otter.LoaderFunc[Key, FieldIDs](func(ctx context.Context, key Key) (FieldIDs, error) {
		ids, err := c.loader.LoadFieldIDs(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, otter.ErrNotFound
		}
		return ids, nil
	}))
	if errors.Is(err, otter.ErrNotFound) {
		return nil, errs.New("formcache", errs.CodeMalformed, errs.WithMessage("form has no fields"), errs.WithField("form", key.String()))
	}
	if err != nil {
		return nil, fmt.Errorf("formcache: load %s: %w", key, err)
	}
	return ids, nil
}

// FieldID resolves one field name.
func (c *Cache) FieldID(ctx context.Context, key Key, field string) (string, error) {
	ids, err := c.FieldIDs(ctx, key)
	if err != nil {
		return "", err
	}
	id, ok := ids[field]
	if !ok {
		return "", errs.New("formcache", errs.CodeMalformed,
			errs.WithMessage("unknown form field"), errs.WithField("form", key.String()), errs.WithField("field", field))
	}
	return id, nil
}

// Invalidate drops the mapping for one form version.
func (c *Cache) Invalidate(key Key) {
	c.cache.Invalidate(key)
}

// InvalidateAll drops every mapping.
func (c *Cache) InvalidateAll() {
	c.cache.InvalidateAll()
}
