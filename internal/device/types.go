package device

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"hearth.zone/internal/geo"
)

// Status is a device's lifecycle state. Revoked and frozen are absorbing;
// nothing short of manual intervention moves a device out of them.
type Status string

const (
	StatusVerifying Status = "verifying"
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusRevoked   Status = "revoked"
	StatusFrozen    Status = "frozen"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusRevoked || s == StatusFrozen }

// Subscription types.
const (
	SubscriptionPaid       = "paid"
	SubscriptionSubsidized = "subsidized"
)

// Verification thresholds and grace policy.
const (
	NightsRequired       = 14
	MovementDaysRequired = 10
	GraceNights          = 3
)

// Device is an anonymous enrolled device. The token is opaque: derived from a
// fingerprint hash plus randomness and never reversible to the fingerprint.
type Device struct {
	Token             string     `json:"token"`
	ZoneID            string     `json:"zone_id"`
	Status            Status     `json:"status"`
	NightsConfirmed   int        `json:"nights_confirmed"`    // 0..14
	MovementDays      int        `json:"movement_days"`       // 0..10
	CreatedAt         time.Time  `json:"created_at"`
	VerificationStart time.Time  `json:"verification_start"`
	SubscriptionType  string     `json:"subscription_type"`
	SubscriptionUntil time.Time  `json:"subscription_until,omitempty"`
	BillingRef        string     `json:"billing_ref,omitempty"`
	LastNightKey      string     `json:"-"` // local date of last confirmed night
	PausedSince       *time.Time `json:"paused_since,omitempty"`
}

// Prefix returns the token's first four hex characters, the optical lookup key.
func (d Device) Prefix() string {
	if len(d.Token) < 4 {
		return d.Token
	}
	return d.Token[:4]
}

// PresenceEvidence is a device's claimed position at check time, in whichever
// locator scheme it speaks, plus its local clock.
type PresenceEvidence struct {
	Cell         geo.Cell
	LocationHash string
	LocalTime    time.Time
}

// PresenceLogEntry is an append-only evidence record, written for every
// check whether it succeeded or not.
type PresenceLogEntry struct {
	Token    string
	ZoneID   string
	NightKey string
	Success  bool
	Reason   string
	At       time.Time
}

// MovementLogEntry records one classifier run.
type MovementLogEntry struct {
	Token  string
	DayKey string
	Window int
	Class  Classification
	At     time.Time
}

var (
	ErrNotFound           = errors.New("device not found")
	ErrNotAuthorized      = errors.New("device is not authorized")
	ErrOutsideNightWindow = errors.New("outside the night window")
	ErrAlreadyEnrolled    = errors.New("device already enrolled")
)

// NewToken derives an opaque device token from a client fingerprint hash and
// fresh randomness. The hash never appears in the token.
func NewToken(fingerprintHash string) (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(fingerprintHash), nonce[:]...))
	return hex.EncodeToString(sum[:])[:32], nil
}
