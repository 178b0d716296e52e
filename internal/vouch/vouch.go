package vouch

import (
	"context"
	"errors"
	"sort"
	"time"

	"hearth.zone/internal/device"
	"hearth.zone/internal/ids"
)

// Vouch is an attestation by an active resident that a requester belongs to
// the same zone. The edge is unique per (voucher, vouchee) pair.
type Vouch struct {
	ID           string    `json:"id"`
	VoucherToken string    `json:"voucher_token"`
	VoucheeToken string    `json:"vouchee_token"`
	ZoneID       string    `json:"zone_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Subsidy request states.
const (
	RequestPending   = "pending"
	RequestActivated = "activated"
)

// SubsidyRequest tracks a device's progress toward fee-free access. One
// pending request per device at a time.
type SubsidyRequest struct {
	DeviceToken string    `json:"device_token"`
	ZoneID      string    `json:"zone_id"`
	QRPayload   string    `json:"qr_payload"`
	VouchCount  int       `json:"vouch_count"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Eligibility and activation policy.
const (
	VouchThreshold    = 10
	MaxVouchesPerYear = 3
	MinVoucherAge     = 30 * 24 * time.Hour
	requestTTL        = 30 * 24 * time.Hour
	subsidyDuration   = 180 * 24 * time.Hour
)

var (
	ErrSelfVouch        = errors.New("cannot vouch for yourself")
	ErrNotEligible      = errors.New("voucher is not eligible")
	ErrDuplicateVouch   = errors.New("vouch already recorded for this pair")
	ErrNoPendingRequest = errors.New("no pending subsidy request")
	ErrRequestExists    = errors.New("a pending subsidy request already exists")
	ErrNoVoucher        = errors.New("no eligible voucher available")
)

// Store persists vouch edges and subsidy requests. AddVouch must enforce pair
// uniqueness and increment the pending request's count atomically;
// ActivateRequest must be a compare-and-set so activation fires exactly once.
type Store interface {
	FindRequest(ctx context.Context, token string) (SubsidyRequest, error)
	CreateRequest(ctx context.Context, r SubsidyRequest) error
	AddVouch(ctx context.Context, v Vouch) (int, error)
	ActivateRequest(ctx context.Context, token string) (bool, error)
	HasVouched(ctx context.Context, voucher, vouchee string) (bool, error)
	VouchCountInYear(ctx context.Context, voucher string, year int) (int, error)
}

// Devices is the slice of the device service the network needs.
type Devices interface {
	Get(ctx context.Context, token string) (device.Device, error)
	ActiveInZone(ctx context.Context, zoneID string) ([]device.Device, error)
	ResetForVerification(ctx context.Context, token, subType string, until time.Time) error
}

// Queue delivers fire-and-forget push events.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload any) error
}

// Service runs the vouch and subsidy network.
type Service struct {
	store   Store
	devices Devices
	queue   Queue
	now     func() time.Time
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

// WithQueue attaches a push-event queue.
func WithQueue(q Queue) Option {
	return func(s *Service) { s.queue = q }
}

func NewService(store Store, devices Devices, opts ...Option) *Service {
	s := &Service{store: store, devices: devices, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestSubsidy opens a pending subsidy request for a device.
func (s *Service) RequestSubsidy(ctx context.Context, token, zoneID, qrPayload string) (SubsidyRequest, error) {
	if _, err := s.devices.Get(ctx, token); err != nil {
		return SubsidyRequest{}, err
	}
	now := s.now().UTC()
	r := SubsidyRequest{
		DeviceToken: token,
		ZoneID:      zoneID,
		QRPayload:   qrPayload,
		Status:      RequestPending,
		ExpiresAt:   now.Add(requestTTL),
		CreatedAt:   now,
	}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return SubsidyRequest{}, err
	}
	return r, nil
}

// Request returns a device's current subsidy request.
func (s *Service) Request(ctx context.Context, token string) (SubsidyRequest, error) {
	return s.store.FindRequest(ctx, token)
}

// Record validates eligibility and records one vouch. Crossing the threshold
// activates the vouchee's request exactly once, restarts their verification
// with a subsidized subscription, and emits a push event.
func (s *Service) Record(ctx context.Context, voucherToken, voucheeToken, zoneID string) error {
	if voucherToken == voucheeToken {
		return ErrSelfVouch
	}
	voucher, err := s.devices.Get(ctx, voucherToken)
	if err != nil {
		return err
	}
	if err := s.checkEligibility(ctx, voucher, voucheeToken, zoneID); err != nil {
		return err
	}

	req, err := s.store.FindRequest(ctx, voucheeToken)
	if err != nil {
		return err
	}
	if req.Status != RequestPending || s.now().After(req.ExpiresAt) {
		return ErrNoPendingRequest
	}

	count, err := s.store.AddVouch(ctx, Vouch{
		ID:           ids.New(),
		VoucherToken: voucherToken,
		VoucheeToken: voucheeToken,
		ZoneID:       zoneID,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		return err
	}
	if count < VouchThreshold {
		return nil
	}

	won, err := s.store.ActivateRequest(ctx, voucheeToken)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	until := s.now().UTC().Add(subsidyDuration)
	if err := s.devices.ResetForVerification(ctx, voucheeToken, device.SubscriptionSubsidized, until); err != nil {
		return err
	}
	if s.queue != nil {
		_ = s.queue.Enqueue(ctx, "push_events", map[string]any{
			"event":        "subsidy_activated",
			"device_token": voucheeToken,
			"zone_id":      zoneID,
			"until":        until.Format(time.RFC3339),
		})
	}
	return nil
}

// RecordBlind is the scan-to-vouch flow: the seeker presented a time-valid
// badge seed, and the system picks an eligible voucher from the zone's active
// pool on their behalf. First eligible candidate wins; the full eligibility
// predicate still runs per candidate.
func (s *Service) RecordBlind(ctx context.Context, voucheeToken, zoneID string) (string, error) {
	pool, err := s.devices.ActiveInZone(ctx, zoneID)
	if err != nil {
		return "", err
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].CreatedAt.Before(pool[j].CreatedAt) })

	for _, candidate := range pool {
		if candidate.Token == voucheeToken {
			continue
		}
		if err := s.checkEligibility(ctx, candidate, voucheeToken, zoneID); err != nil {
			continue
		}
		if err := s.Record(ctx, candidate.Token, voucheeToken, zoneID); err != nil {
			if errors.Is(err, ErrNoPendingRequest) {
				return "", err
			}
			continue
		}
		return candidate.Token, nil
	}
	return "", ErrNoVoucher
}

func (s *Service) checkEligibility(ctx context.Context, voucher device.Device, voucheeToken, zoneID string) error {
	if voucher.Status != device.StatusActive {
		return ErrNotEligible
	}
	if voucher.ZoneID != zoneID {
		return ErrNotEligible
	}
	now := s.now()
	if now.Sub(voucher.CreatedAt) < MinVoucherAge {
		return ErrNotEligible
	}
	n, err := s.store.VouchCountInYear(ctx, voucher.Token, now.UTC().Year())
	if err != nil {
		return err
	}
	if n >= MaxVouchesPerYear {
		return ErrNotEligible
	}
	exists, err := s.store.HasVouched(ctx, voucher.Token, voucheeToken)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateVouch
	}
	return nil
}
