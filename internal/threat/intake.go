package threat

import (
	"context"
	"errors"
	"sync"
	"time"

	"hearth.zone/internal/ids"
	"hearth.zone/internal/obs"
)

// Record is one write-only telemetry entry.
type Record struct {
	ID              string    `json:"id"`
	FingerprintHash string    `json:"fingerprint_hash,omitempty"`
	IP              string    `json:"ip,omitempty"`
	ThreatType      string    `json:"threat_type"`
	Severity        Severity  `json:"severity"`
	ActionTaken     string    `json:"action_taken"`
	At              time.Time `json:"at"`
}

var ErrInvalidReport = errors.New("threat report requires a type")

// Store appends threat records.
type Store interface {
	Append(ctx context.Context, r Record) error
}

// Blacklist is an idempotent fingerprint deny set (Redis-backed in prod).
type Blacklist interface {
	Add(ctx context.Context, fingerprintHash string) error
	Contains(ctx context.Context, fingerprintHash string) (bool, error)
}

// Service receives client threat reports.
type Service struct {
	store     Store
	blacklist Blacklist
	now       func() time.Time
}

func NewService(store Store, blacklist Blacklist) *Service {
	return &Service{store: store, blacklist: blacklist, now: time.Now}
}

// Report appends a telemetry record. High severity inserts the fingerprint
// into the blacklist; the insert is idempotent, already-present entries are
// skipped silently.
func (s *Service) Report(ctx context.Context, threatType, fingerprintHash, ip string, severity Severity) error {
	if threatType == "" {
		return ErrInvalidReport
	}
	r := Record{
		ID:              ids.New(),
		FingerprintHash: fingerprintHash,
		IP:              ip,
		ThreatType:      threatType,
		Severity:        severity,
		ActionTaken:     "logged",
		At:              s.now().UTC(),
	}
	if severity == SeverityHigh && fingerprintHash != "" && s.blacklist != nil {
		// Add is idempotent, so a failed membership check falls through to it
		// rather than letting the fingerprint escape the deny set
		if present, err := s.blacklist.Contains(ctx, fingerprintHash); err == nil && present {
			r.ActionTaken = "already_blacklisted"
		} else if err := s.blacklist.Add(ctx, fingerprintHash); err == nil {
			r.ActionTaken = "blacklisted"
		}
	}
	if err := s.store.Append(ctx, r); err != nil {
		return err
	}
	obs.LogRequest(map[string]any{
		"ts":       r.At.Format(time.RFC3339Nano),
		"type":     "threat",
		"event":    r.ThreatType,
		"severity": string(r.Severity),
		"action":   r.ActionTaken,
	})
	return nil
}

// IsBlacklisted checks the deny set.
func (s *Service) IsBlacklisted(ctx context.Context, fingerprintHash string) (bool, error) {
	if s.blacklist == nil || fingerprintHash == "" {
		return false, nil
	}
	return s.blacklist.Contains(ctx, fingerprintHash)
}

// InMemory implements Store and Blacklist for tests and local runs.
type InMemory struct {
	mu      sync.Mutex
	records []Record
	denied  map[string]bool
}

func NewInMemory() *InMemory {
	return &InMemory{denied: make(map[string]bool)}
}

func (m *InMemory) Append(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *InMemory) Add(ctx context.Context, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[fp] = true
	return nil
}

func (m *InMemory) Contains(ctx context.Context, fp string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.denied[fp], nil
}

// Records returns a copy of the appended records (tests).
func (m *InMemory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
