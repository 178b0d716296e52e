package device

import (
	"context"
	"fmt"
	"time"

	"hearth.zone/internal/geo"
	"hearth.zone/internal/zone"
)

// Store persists devices and their evidence. Implementations must make
// ConfirmNight and ConfirmMovementDay idempotent per key and Activate a
// compare-and-set so the verifying->active transition fires exactly once.
type Store interface {
	FindDevice(ctx context.Context, token string) (Device, error)
	CreateDevice(ctx context.Context, d Device) error
	TokensByPrefix(ctx context.Context, prefixHex string) ([]string, error)
	ActiveInZone(ctx context.Context, zoneID string) ([]Device, error)

	// ConfirmNight increments nights_confirmed iff nightKey was not already
	// counted for this token. Returns the resulting count and whether this
	// call did the increment.
	ConfirmNight(ctx context.Context, token, nightKey string) (int, bool, error)

	// RecordMovementWindow marks a quarter-day window as having seen human
	// movement and returns the number of distinct windows seen for dayKey.
	RecordMovementWindow(ctx context.Context, token, dayKey string, window int) (int, error)

	// ConfirmMovementDay increments movement_days iff dayKey was not already
	// counted. Returns the resulting count and whether this call counted it.
	ConfirmMovementDay(ctx context.Context, token, dayKey string) (int, bool, error)

	// Activate flips verifying->active; reports whether this call won.
	Activate(ctx context.Context, token string) (bool, error)

	SetStatus(ctx context.Context, token string, status Status) error
	SetPaused(ctx context.Context, token string, since *time.Time) error
	SetSubscription(ctx context.Context, token, subType string, until time.Time) error

	AppendPresenceLog(ctx context.Context, e PresenceLogEntry) error
	AppendMovementLog(ctx context.Context, e MovementLogEntry) error
}

// ZoneDirectory is the slice of the zone service the state machine needs.
type ZoneDirectory interface {
	Get(ctx context.Context, id string) (zone.Zone, error)
	IncrementResidents(ctx context.Context, id string) (int64, error)
}

// Night window, device-local time.
const (
	nightStartHour = 22
	nightEndHour   = 6
)

// Service is the presence and movement verification state machine.
type Service struct {
	store      Store
	zones      ZoneDirectory
	now        func() time.Time
	onActivate func(token, zoneID string)
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithActivationHook is called once per device activation, after the zone
// counter increments. Used for metrics.
func WithActivationHook(fn func(token, zoneID string)) Option {
	return func(s *Service) { s.onActivate = fn }
}

func NewService(store Store, zones ZoneDirectory, opts ...Option) *Service {
	s := &Service{store: store, zones: zones, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enroll registers a new device in a zone. The device starts verifying with
// zero evidence.
func (s *Service) Enroll(ctx context.Context, fingerprintHash, zoneID string) (Device, error) {
	if fingerprintHash == "" {
		return Device{}, fmt.Errorf("fingerprint hash is required")
	}
	if _, err := s.zones.Get(ctx, zoneID); err != nil {
		return Device{}, err
	}
	token, err := NewToken(fingerprintHash)
	if err != nil {
		return Device{}, err
	}
	now := s.now().UTC()
	d := Device{
		Token:             token,
		ZoneID:            zoneID,
		Status:            StatusVerifying,
		CreatedAt:         now,
		VerificationStart: now,
		SubscriptionType:  SubscriptionPaid,
	}
	if err := s.store.CreateDevice(ctx, d); err != nil {
		return Device{}, err
	}
	return d, nil
}

// Get returns a device by token.
func (s *Service) Get(ctx context.Context, token string) (Device, error) {
	return s.store.FindDevice(ctx, token)
}

// TokensByPrefix exposes the optical-lookup index (badge.PrefixLookup).
func (s *Service) TokensByPrefix(ctx context.Context, prefixHex string) ([]string, error) {
	return s.store.TokensByPrefix(ctx, prefixHex)
}

// ActiveInZone lists active residents of a zone (vouch candidate pool).
func (s *Service) ActiveInZone(ctx context.Context, zoneID string) ([]Device, error) {
	return s.store.ActiveInZone(ctx, zoneID)
}

// RecordPresence processes one nightly presence check. Every attempt is
// logged. A successful check counts at most once per local calendar night;
// when the count crosses the threshold and movement evidence is already
// complete, the device activates and the zone counter increments exactly once.
func (s *Service) RecordPresence(ctx context.Context, token string, ev PresenceEvidence) (int, error) {
	d, err := s.store.FindDevice(ctx, token)
	if err != nil {
		return 0, err
	}
	if !s.authorized(d) {
		return d.NightsConfirmed, ErrNotAuthorized
	}

	local := ev.LocalTime
	if local.IsZero() {
		local = s.now()
	}
	nightKey, inWindow := nightKeyOf(local)
	if !inWindow {
		_ = s.store.AppendPresenceLog(ctx, PresenceLogEntry{
			Token: token, ZoneID: d.ZoneID, NightKey: nightKey,
			Success: false, Reason: "outside_night_window", At: s.now().UTC(),
		})
		return d.NightsConfirmed, ErrOutsideNightWindow
	}

	z, err := s.zones.Get(ctx, d.ZoneID)
	if err != nil {
		return d.NightsConfirmed, err
	}

	matched := z.Locator.Contains(geo.Evidence{Cell: ev.Cell, LocationHash: ev.LocationHash})
	entry := PresenceLogEntry{
		Token: token, ZoneID: d.ZoneID, NightKey: nightKey,
		Success: matched, At: s.now().UTC(),
	}
	if !matched {
		entry.Reason = "location_mismatch"
	}
	if err := s.store.AppendPresenceLog(ctx, entry); err != nil {
		return d.NightsConfirmed, err
	}
	if !matched {
		return d.NightsConfirmed, nil
	}

	// Absence beyond grace pauses progress; it never resets. A successful
	// check resumes accrual and clears the marker.
	if d.LastNightKey != "" && missedNights(d.LastNightKey, nightKey) > GraceNights && d.PausedSince == nil {
		since := s.now().UTC()
		_ = s.store.SetPaused(ctx, token, &since)
	}

	nights, counted, err := s.store.ConfirmNight(ctx, token, nightKey)
	if err != nil {
		return d.NightsConfirmed, err
	}
	if counted {
		_ = s.store.SetPaused(ctx, token, nil)
		// re-read: movement evidence may have completed concurrently, and the
		// pre-increment snapshot would miss it
		cur, err := s.store.FindDevice(ctx, token)
		if err != nil {
			return nights, err
		}
		if cur.NightsConfirmed >= NightsRequired && cur.MovementDays >= MovementDaysRequired {
			if err := s.tryActivate(ctx, token, d.ZoneID); err != nil {
				return nights, err
			}
		}
	}
	return nights, nil
}

// RecordMovement classifies one accelerometer batch and returns the result
// alongside the movement-day count. Non-human classifications are logged and
// dropped; they are never negative evidence. A day counts once two distinct
// quarter-day windows register human movement.
func (s *Service) RecordMovement(ctx context.Context, token string, samples []AccelSample) (int, MovementResult, error) {
	d, err := s.store.FindDevice(ctx, token)
	if err != nil {
		return 0, MovementResult{}, err
	}
	if !s.authorized(d) {
		return d.MovementDays, MovementResult{}, ErrNotAuthorized
	}

	res := ClassifyMovement(samples)
	now := s.now()
	dayKey := now.UTC().Format("2006-01-02")
	window := now.UTC().Hour() / 6

	if err := s.store.AppendMovementLog(ctx, MovementLogEntry{
		Token: token, DayKey: dayKey, Window: window, Class: res.Class, At: now.UTC(),
	}); err != nil {
		return d.MovementDays, res, err
	}
	if res.Class != ClassHuman {
		return d.MovementDays, res, nil
	}

	windows, err := s.store.RecordMovementWindow(ctx, token, dayKey, window)
	if err != nil {
		return d.MovementDays, res, err
	}
	if windows < 2 {
		return d.MovementDays, res, nil
	}

	days, counted, err := s.store.ConfirmMovementDay(ctx, token, dayKey)
	if err != nil {
		return d.MovementDays, res, err
	}
	if counted {
		cur, err := s.store.FindDevice(ctx, token)
		if err != nil {
			return days, res, err
		}
		if cur.MovementDays >= MovementDaysRequired && cur.NightsConfirmed >= NightsRequired {
			if err := s.tryActivate(ctx, token, d.ZoneID); err != nil {
				return days, res, err
			}
		}
	}
	return days, res, nil
}

// ResetForVerification restarts the verification clock, used when a subsidy
// activates. Evidence counters are preserved.
func (s *Service) ResetForVerification(ctx context.Context, token string, subType string, until time.Time) error {
	d, err := s.store.FindDevice(ctx, token)
	if err != nil {
		return err
	}
	if d.Status.Terminal() {
		return ErrNotAuthorized
	}
	if err := s.store.SetStatus(ctx, token, StatusVerifying); err != nil {
		return err
	}
	return s.store.SetSubscription(ctx, token, subType, until)
}

// authorized gates evidence intake: terminal, inactive and failed devices are
// out, as is anyone whose subscription lapsed.
func (s *Service) authorized(d Device) bool {
	if d.Status.Terminal() || d.Status == StatusInactive || d.Status == StatusFailed {
		return false
	}
	if !d.SubscriptionUntil.IsZero() && s.now().After(d.SubscriptionUntil) {
		return false
	}
	return true
}

func (s *Service) tryActivate(ctx context.Context, token, zoneID string) error {
	won, err := s.store.Activate(ctx, token)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	if _, err := s.zones.IncrementResidents(ctx, zoneID); err != nil {
		return fmt.Errorf("increment residents: %w", err)
	}
	if s.onActivate != nil {
		s.onActivate(token, zoneID)
	}
	return nil
}

// nightKeyOf maps a local timestamp to its night's calendar date. Hours past
// midnight belong to the previous evening's night.
func nightKeyOf(local time.Time) (string, bool) {
	h := local.Hour()
	inWindow := h >= nightStartHour || h < nightEndHour
	day := local
	if h < nightEndHour {
		day = local.AddDate(0, 0, -1)
	}
	return day.Format("2006-01-02"), inWindow
}

func missedNights(lastKey, currentKey string) int {
	last, err1 := time.Parse("2006-01-02", lastKey)
	cur, err2 := time.Parse("2006-01-02", currentKey)
	if err1 != nil || err2 != nil {
		return 0
	}
	gap := int(cur.Sub(last).Hours()/24) - 1
	if gap < 0 {
		return 0
	}
	return gap
}
