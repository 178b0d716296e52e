package zone

import (
	"errors"
	"time"

	"hearth.zone/internal/geo"
)

// Color is an RGB triple used by badge themes and the optical color matcher.
type Color [3]uint8

// Zone maps a geocell to a neighborhood identity and its visual theme.
// Exactly one Zone exists per geocell at the service resolution; zones are
// created lazily on the first presence or enrollment event in a cell.
type Zone struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Locator     geo.Locator `json:"-"`
	ThemeColors []Color     `json:"theme_colors"` // two or three
	MotionTag   string      `json:"motion_tag"`
	Residents   int64       `json:"residents"`
	CreatedAt   time.Time   `json:"created_at"`
}

var (
	ErrNotFound     = errors.New("zone not found")
	ErrInvalidTheme = errors.New("zone theme requires two or three colors")
)
