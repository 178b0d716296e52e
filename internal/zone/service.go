package zone

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"hearth.zone/internal/geo"
	"hearth.zone/internal/ids"
)

// Store persists zones. Implementations must make GetOrCreateByCell
// idempotent (unique key on cell index) and IncrementResidents atomic.
type Store interface {
	FindByID(ctx context.Context, id string) (Zone, error)
	FindByCell(ctx context.Context, cell geo.Cell) (Zone, error)
	Create(ctx context.Context, z Zone) (Zone, error)
	IncrementResidents(ctx context.Context, id string) (int64, error)
	ListAll(ctx context.Context) ([]Zone, error)
}

// NameResolver turns coordinates into a display name. Best effort: failures
// fall back to a synthetic name and never block the caller.
type NameResolver interface {
	ResolveName(ctx context.Context, lat, lon float64) (string, error)
}

// Service owns zone lifecycle.
type Service struct {
	store    Store
	resolver NameResolver
	now      func() time.Time
}

func NewService(store Store, resolver NameResolver) *Service {
	return &Service{store: store, resolver: resolver, now: time.Now}
}

// GetOrCreateByCell returns the zone for a cell, creating it on first sight.
// The theme palette and motion tag derive deterministically from the cell so
// two racing creators produce identical records and the store picks one.
func (s *Service) GetOrCreateByCell(ctx context.Context, cell geo.Cell, lat, lon float64) (Zone, error) {
	z, err := s.store.FindByCell(ctx, cell)
	if err == nil {
		return z, nil
	}
	if err != ErrNotFound {
		return Zone{}, err
	}

	name := "Zone " + string(cell)[:min(8, len(cell))]
	if s.resolver != nil {
		resolveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if resolved, rerr := s.resolver.ResolveName(resolveCtx, lat, lon); rerr == nil && resolved != "" {
			name = resolved
		}
		cancel()
	}

	z = Zone{
		ID:          ids.New(),
		Name:        name,
		Locator:     geo.CellLocator(cell),
		ThemeColors: themeFor(cell),
		MotionTag:   motionTagFor(cell),
		CreatedAt:   s.now().UTC(),
	}
	return s.store.Create(ctx, z)
}

// Get returns a zone by id.
func (s *Service) Get(ctx context.Context, id string) (Zone, error) {
	return s.store.FindByID(ctx, id)
}

// IncrementResidents bumps the active-resident counter atomically.
func (s *Service) IncrementResidents(ctx context.Context, id string) (int64, error) {
	return s.store.IncrementResidents(ctx, id)
}

// ListAll returns every zone. Used by color-signature matching, which scores
// the sampled pixels against all reference palettes.
func (s *Service) ListAll(ctx context.Context) ([]Zone, error) {
	return s.store.ListAll(ctx)
}

var motionTags = []string{"drift", "pulse", "ripple", "sway", "orbit", "cascade"}

func motionTagFor(cell geo.Cell) string {
	h := fnv.New32a()
	h.Write([]byte(cell))
	return motionTags[h.Sum32()%uint32(len(motionTags))]
}

// themeFor picks two reference colors plus an accent from the cell hash.
// Channels are biased away from extremes so camera matching has headroom.
func themeFor(cell geo.Cell) []Color {
	h := fnv.New64a()
	h.Write([]byte(cell))
	v := h.Sum64()
	next := func() uint8 {
		b := uint8(v & 0xff)
		v >>= 8
		return 40 + b%176
	}
	return []Color{
		{next(), next(), next()},
		{next(), next(), next()},
	}
}

// InMemory implements Store for tests and local runs.
type InMemory struct {
	mu     sync.RWMutex
	byID   map[string]*Zone
	byCell map[geo.Cell]string
}

func NewInMemory() *InMemory {
	return &InMemory{byID: make(map[string]*Zone), byCell: make(map[geo.Cell]string)}
}

func (m *InMemory) FindByID(ctx context.Context, id string) (Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.byID[id]
	if !ok {
		return Zone{}, ErrNotFound
	}
	return *z, nil
}

func (m *InMemory) FindByCell(ctx context.Context, cell geo.Cell) (Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCell[cell]
	if !ok {
		return Zone{}, ErrNotFound
	}
	return *m.byID[id], nil
}

func (m *InMemory) Create(ctx context.Context, z Zone) (Zone, error) {
	if len(z.ThemeColors) < 2 || len(z.ThemeColors) > 3 {
		return Zone{}, ErrInvalidTheme
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if z.Locator.Kind == geo.LocatorGeoCell {
		// unique per cell: lose the race gracefully
		if id, ok := m.byCell[z.Locator.Cell]; ok {
			return *m.byID[id], nil
		}
		m.byCell[z.Locator.Cell] = z.ID
	}
	cp := z
	m.byID[z.ID] = &cp
	return z, nil
}

func (m *InMemory) IncrementResidents(ctx context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.byID[id]
	if !ok {
		return 0, ErrNotFound
	}
	z.Residents++
	return z.Residents, nil
}

func (m *InMemory) ListAll(ctx context.Context) ([]Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Zone, 0, len(m.byID))
	for _, z := range m.byID {
		out = append(out, *z)
	}
	return out, nil
}
