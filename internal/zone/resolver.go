package zone

import (
	"context"
	"fmt"
	"sync"
)

// CachedResolver memoizes a NameResolver per coordinate bucket so repeated
// sign-ups in the same cell hit the upstream geocoder once. Coordinates are
// rounded to ~100m before keying; that is coarser than a zone cell, so a
// cached name is always valid for the cell asking.
type CachedResolver struct {
	next NameResolver

	mu    sync.RWMutex
	names map[string]string
}

func NewCachedResolver(next NameResolver) *CachedResolver {
	return &CachedResolver{next: next, names: make(map[string]string)}
}

func (c *CachedResolver) ResolveName(ctx context.Context, lat, lon float64) (string, error) {
	key := fmt.Sprintf("%.3f,%.3f", lat, lon)

	c.mu.RLock()
	name, ok := c.names[key]
	c.mu.RUnlock()
	if ok {
		return name, nil
	}

	name, err := c.next.ResolveName(ctx, lat, lon)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.names[key] = name
	c.mu.Unlock()
	return name, nil
}
