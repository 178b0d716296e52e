package device

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu           sync.Mutex
	devices      map[string]*Device
	nights       map[string]map[string]bool         // token -> nightKey
	moveWindows  map[string]map[string]map[int]bool // token -> dayKey -> window
	moveDays     map[string]map[string]bool         // token -> dayKey
	presenceLogs []PresenceLogEntry
	movementLogs []MovementLogEntry
}

func NewInMemory() *InMemory {
	return &InMemory{
		devices:     make(map[string]*Device),
		nights:      make(map[string]map[string]bool),
		moveWindows: make(map[string]map[string]map[int]bool),
		moveDays:    make(map[string]map[string]bool),
	}
}

func (m *InMemory) FindDevice(ctx context.Context, token string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[token]
	if !ok {
		return Device{}, ErrNotFound
	}
	return *d, nil
}

func (m *InMemory) CreateDevice(ctx context.Context, d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.Token]; ok {
		return ErrAlreadyEnrolled
	}
	cp := d
	m.devices[d.Token] = &cp
	return nil
}

func (m *InMemory) TokensByPrefix(ctx context.Context, prefixHex string) ([]string, error) {
	prefixHex = strings.ToLower(prefixHex)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for token := range m.devices {
		if strings.HasPrefix(token, prefixHex) {
			out = append(out, token)
		}
	}
	return out, nil
}

func (m *InMemory) ActiveInZone(ctx context.Context, zoneID string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		if d.ZoneID == zoneID && d.Status == StatusActive {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *InMemory) ConfirmNight(ctx context.Context, token, nightKey string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[token]
	if !ok {
		return 0, false, ErrNotFound
	}
	seen := m.nights[token]
	if seen == nil {
		seen = make(map[string]bool)
		m.nights[token] = seen
	}
	if seen[nightKey] {
		return d.NightsConfirmed, false, nil
	}
	seen[nightKey] = true
	if d.NightsConfirmed < NightsRequired {
		d.NightsConfirmed++
	}
	d.LastNightKey = nightKey
	return d.NightsConfirmed, true, nil
}

func (m *InMemory) RecordMovementWindow(ctx context.Context, token, dayKey string, window int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[token]; !ok {
		return 0, ErrNotFound
	}
	days := m.moveWindows[token]
	if days == nil {
		days = make(map[string]map[int]bool)
		m.moveWindows[token] = days
	}
	windows := days[dayKey]
	if windows == nil {
		windows = make(map[int]bool)
		days[dayKey] = windows
	}
	windows[window] = true
	return len(windows), nil
}

func (m *InMemory) ConfirmMovementDay(ctx context.Context, token, dayKey string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[token]
	if !ok {
		return 0, false, ErrNotFound
	}
	counted := m.moveDays[token]
	if counted == nil {
		counted = make(map[string]bool)
		m.moveDays[token] = counted
	}
	if counted[dayKey] {
		return d.MovementDays, false, nil
	}
	counted[dayKey] = true
	if d.MovementDays < MovementDaysRequired {
		d.MovementDays++
	}
	return d.MovementDays, true, nil
}

func (m *InMemory) Activate(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[token]
	if !ok {
		return false, ErrNotFound
	}
	if d.Status != StatusVerifying {
		return false, nil
	}
	d.Status = StatusActive
	return true, nil
}

func (m *InMemory) SetStatus(ctx context.Context, token string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[token]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	return nil
}

func (m *InMemory) SetPaused(ctx context.Context, token string, since *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[token]
	if !ok {
		return ErrNotFound
	}
	d.PausedSince = since
	return nil
}

func (m *InMemory) SetSubscription(ctx context.Context, token, subType string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[token]
	if !ok {
		return ErrNotFound
	}
	d.SubscriptionType = subType
	d.SubscriptionUntil = until
	return nil
}

func (m *InMemory) AppendPresenceLog(ctx context.Context, e PresenceLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presenceLogs = append(m.presenceLogs, e)
	return nil
}

func (m *InMemory) AppendMovementLog(ctx context.Context, e MovementLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movementLogs = append(m.movementLogs, e)
	return nil
}

// PresenceLogs returns a copy of the append-only presence log (tests).
func (m *InMemory) PresenceLogs() []PresenceLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PresenceLogEntry, len(m.presenceLogs))
	copy(out, m.presenceLogs)
	return out
}
