package badge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// RotationWindow is how long a badge seed stays valid.
const RotationWindow = 60 * time.Second

var (
	ErrNoSecret = errors.New("badge secret is not configured")
)

// Seed is the time-rotating value driving a zone's badge animation.
// One seed is active per zone at any instant; expired seeds are retained for
// audit but never matched.
type Seed struct {
	ZoneID     string    `json:"zone_id"`
	Value      string    `json:"value"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
}

// Active reports whether the seed covers t.
func (s Seed) Active(t time.Time) bool {
	return !t.Before(s.ValidFrom) && t.Before(s.ValidUntil)
}

// SeedStore persists seeds keyed by (zone, window start).
type SeedStore interface {
	FindSeed(ctx context.Context, zoneID string, validFrom time.Time) (Seed, bool, error)
	SaveSeed(ctx context.Context, s Seed) error
}

// Engine derives and persists rotating seeds. Derivation is a pure function
// of (zone, rotation window, secret), so any server replica reproduces the
// same value without coordination; persistence exists for audit and cache.
type Engine struct {
	store  SeedStore
	secret []byte
	now    func() time.Time
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine. The secret must be non-empty.
func NewEngine(store SeedStore, secret []byte, opts ...EngineOption) (*Engine, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	e := &Engine{store: store, secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// GetOrCreateSeed returns the seed for the zone's current rotation window,
// deriving and persisting it on first request in the window.
func (e *Engine) GetOrCreateSeed(ctx context.Context, zoneID string) (Seed, error) {
	if zoneID == "" {
		return Seed{}, errors.New("zone id is required")
	}
	now := e.now().UTC()
	from := now.Truncate(RotationWindow)

	if s, ok, err := e.store.FindSeed(ctx, zoneID, from); err != nil {
		return Seed{}, fmt.Errorf("find seed: %w", err)
	} else if ok {
		return s, nil
	}

	s := Seed{
		ZoneID:     zoneID,
		Value:      e.derive(zoneID, from),
		ValidFrom:  from,
		ValidUntil: from.Add(RotationWindow),
	}
	if err := e.store.SaveSeed(ctx, s); err != nil {
		return Seed{}, fmt.Errorf("save seed: %w", err)
	}
	return s, nil
}

// SeedAt derives the seed value for an arbitrary instant without persisting.
// Used when re-checking a scan against the window it was captured in.
func (e *Engine) SeedAt(zoneID string, t time.Time) Seed {
	from := t.UTC().Truncate(RotationWindow)
	return Seed{
		ZoneID:     zoneID,
		Value:      e.derive(zoneID, from),
		ValidFrom:  from,
		ValidUntil: from.Add(RotationWindow),
	}
}

// CaptureFresh reports whether a capture timestamp falls inside the current
// or the immediately previous rotation window relative to now. A scan takes
// a few seconds, so a capture may straddle one rotation boundary; anything
// older is an expired seed and is never matched, no matter what tuple the
// client sends along. Timestamps past the current window are rejected too.
func CaptureFresh(capturedAt, now time.Time) bool {
	from := now.UTC().Truncate(RotationWindow)
	return !capturedAt.Before(from.Add(-RotationWindow)) && capturedAt.Before(from.Add(RotationWindow))
}

func (e *Engine) derive(zoneID string, windowStart time.Time) string {
	mac := hmac.New(sha256.New, e.secret)
	mac.Write([]byte(zoneID))
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(windowStart.Unix()/int64(RotationWindow/time.Second)))
	mac.Write(idx[:])
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// AnimationParams is the renderable 4-tuple a seed maps to. Every component
// is normalized to [0,1).
type AnimationParams struct {
	PhaseOffset     float64 `json:"phase_offset"`
	SpeedMultiplier float64 `json:"speed_multiplier"`
	ColorIntensity  float64 `json:"color_intensity"`
	MotionModifier  float64 `json:"motion_modifier"`
}

// AnimationParameters maps a seed value to its parameter tuple. Same seed,
// identical tuple; distinct seeds land more than the matching tolerance apart
// with overwhelming probability (SHA-256 lanes, not a rolling hash).
func AnimationParameters(seedValue string) AnimationParams {
	sum := sha256.Sum256([]byte(seedValue))
	lane := func(i int) float64 {
		v := binary.BigEndian.Uint64(sum[i*8 : i*8+8])
		return float64(v) / float64(math.MaxUint64)
	}
	return AnimationParams{
		PhaseOffset:     lane(0),
		SpeedMultiplier: lane(1),
		ColorIntensity:  lane(2),
		MotionModifier:  lane(3),
	}
}

// DefaultTolerance is the relative tolerance band for parameter matching.
const DefaultTolerance = 0.15

// VerifySeedMatch compares an observed tuple against the expected one under a
// relative tolerance band. All four components must be within tolerance.
func VerifySeedMatch(observed, expected AnimationParams, tolerance float64) bool {
	within := func(o, e float64) bool {
		if e == 0 {
			return math.Abs(o) <= tolerance
		}
		return math.Abs(o-e) <= tolerance*math.Abs(e)
	}
	return within(observed.PhaseOffset, expected.PhaseOffset) &&
		within(observed.SpeedMultiplier, expected.SpeedMultiplier) &&
		within(observed.ColorIntensity, expected.ColorIntensity) &&
		within(observed.MotionModifier, expected.MotionModifier)
}

// InMemorySeeds implements SeedStore for tests and local runs.
type InMemorySeeds struct {
	mu    sync.RWMutex
	seeds map[string]Seed // zoneID + windowStart
}

func NewInMemorySeeds() *InMemorySeeds {
	return &InMemorySeeds{seeds: make(map[string]Seed)}
}

func seedKey(zoneID string, from time.Time) string {
	return zoneID + "@" + from.UTC().Format(time.RFC3339)
}

func (m *InMemorySeeds) FindSeed(ctx context.Context, zoneID string, from time.Time) (Seed, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.seeds[seedKey(zoneID, from)]
	return s, ok, nil
}

func (m *InMemorySeeds) SaveSeed(ctx context.Context, s Seed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeds[seedKey(s.ZoneID, s.ValidFrom)] = s
	return nil
}
