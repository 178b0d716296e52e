package badge

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// The badge superimposes a 24-bit device-identity signal on its brightness:
// 16 bits of token prefix for bounded reverse lookup, 8 bits of secret-bound
// checksum. Each bit holds for 150ms; a full cycle takes 3.6s. Amplitude is
// ±2% around the seed-driven baseline, below human perception but well above
// the noise floor of a 30fps luminance feed.
const (
	PatternBits  = 24
	PrefixBits   = 16
	ChecksumBits = 8

	BitDuration   = 150 * time.Millisecond
	CycleDuration = PatternBits * BitDuration

	brightnessDelta = 0.02

	// minimum two samples per bit slot
	minSamples = 2 * PatternBits
)

var (
	ErrNoPattern     = errors.New("no pattern detected")
	ErrBadToken      = errors.New("device token too short")
	ErrNoPrefixMatch = errors.New("no device matches decoded prefix")
	ErrChecksum      = errors.New("pattern checksum mismatch")
)

// Pattern is a 24-bit encoded identity signal.
type Pattern struct {
	Bits     [PatternBits]byte // 0 or 1, MSB first
	Prefix   uint16
	Checksum uint8
}

// EncodePattern builds the optical pattern for a device token under the
// current rotating secret. The prefix is the numeric value of the token's
// first four hex characters; the checksum is the first byte of
// SHA-256(token || secret), binding the prefix to the secret in force.
func EncodePattern(token string, secret []byte) (Pattern, error) {
	if len(token) < 4 {
		return Pattern{}, ErrBadToken
	}
	prefix64, err := strconv.ParseUint(strings.ToLower(token[:4]), 16, 16)
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: non-hex prefix", ErrBadToken)
	}
	sum := sha256.Sum256(append([]byte(token), secret...))

	p := Pattern{Prefix: uint16(prefix64), Checksum: sum[0]}
	v := uint32(p.Prefix)<<ChecksumBits | uint32(p.Checksum)
	for i := 0; i < PatternBits; i++ {
		p.Bits[i] = byte(v >> (PatternBits - 1 - i) & 1)
	}
	return p, nil
}

// RenderSamples synthesizes the luminance series a camera would capture over
// one cycle: perBit samples per slot around baseline, with optional gaussian
// noise. Used by the smoke tool and tests.
func RenderSamples(p Pattern, perBit int, baseline, noise float64, rnd *rand.Rand) []float64 {
	if perBit < 1 {
		perBit = 1
	}
	out := make([]float64, 0, PatternBits*perBit)
	for _, bit := range p.Bits {
		level := baseline * (1 - brightnessDelta)
		if bit == 1 {
			level = baseline * (1 + brightnessDelta)
		}
		for i := 0; i < perBit; i++ {
			v := level
			if noise > 0 && rnd != nil {
				v += rnd.NormFloat64() * noise
			}
			out = append(out, v)
		}
	}
	return out
}

// Decoded is the result of recovering a pattern from a brightness series.
type Decoded struct {
	Prefix     uint16  `json:"prefix"`
	Checksum   uint8   `json:"checksum"`
	Confidence float64 `json:"confidence"` // [0,1]
}

// DecodePattern recovers the 24-bit pattern from a luminance series spanning
// one cycle. Series shorter than two samples per slot return ErrNoPattern
// rather than a guess.
func DecodePattern(samples []float64) (*Decoded, error) {
	if len(samples) < minSamples {
		return nil, ErrNoPattern
	}

	var mean float64
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))
	if mean == 0 {
		return nil, ErrNoPattern
	}

	var v uint32
	var confSum float64
	window := float64(len(samples)) / PatternBits
	for i := 0; i < PatternBits; i++ {
		lo := int(float64(i) * window)
		hi := int(float64(i+1) * window)
		if hi > len(samples) {
			hi = len(samples)
		}
		var local float64
		for _, s := range samples[lo:hi] {
			local += s
		}
		local /= float64(hi - lo)

		bit := uint32(0)
		if local > mean {
			bit = 1
		}
		v = v<<1 | bit

		// deviation relative to the nominal ±2% swing
		conf := math.Abs(local-mean) / (mean * brightnessDelta)
		if conf > 1 {
			conf = 1
		}
		confSum += conf
	}

	return &Decoded{
		Prefix:     uint16(v >> ChecksumBits),
		Checksum:   uint8(v & 0xff),
		Confidence: confSum / PatternBits,
	}, nil
}

// PrefixHex renders a decoded prefix back to the token's leading hex chars.
func (d Decoded) PrefixHex() string {
	return fmt.Sprintf("%04x", d.Prefix)
}

// PrefixLookup returns all device tokens sharing a 4-char hex prefix. The
// prefix keeps candidate sets small, so verification cost is bounded by
// prefix collisions, not the token population.
type PrefixLookup interface {
	TokensByPrefix(ctx context.Context, prefixHex string) ([]string, error)
}

// VerifyDecoded resolves a decoded pattern to a concrete device token:
// candidates by prefix, checksum recomputed per candidate under the current
// secret, first exact match wins.
func VerifyDecoded(ctx context.Context, d *Decoded, lookup PrefixLookup, secret []byte) (string, error) {
	if d == nil {
		return "", ErrNoPattern
	}
	candidates, err := lookup.TokensByPrefix(ctx, d.PrefixHex())
	if err != nil {
		return "", fmt.Errorf("prefix lookup: %w", err)
	}
	if len(candidates) == 0 {
		return "", ErrNoPrefixMatch
	}
	for _, token := range candidates {
		sum := sha256.Sum256(append([]byte(token), secret...))
		if sum[0] == d.Checksum {
			return token, nil
		}
	}
	return "", ErrChecksum
}
