// smoke-badge runs the optical identity codec end to end without a server:
// encode a token, synthesize the luminance a camera would see, decode it
// back and check the secret-bound checksum.
package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"hearth.zone/internal/badge"
)

func main() {
	var (
		token  = flag.String("token", "", "device token (random if empty)")
		secret = flag.String("secret", "smoke-secret", "badge secret")
		perBit = flag.Int("per-bit", 5, "samples per bit slot")
		noise  = flag.Float64("noise", 0.002, "gaussian noise stddev")
		seed   = flag.Int64("seed", 1, "rng seed")
	)
	flag.Parse()

	t := *token
	if t == "" {
		sum := sha256.Sum256([]byte(fmt.Sprintf("smoke-%d", *seed)))
		t = fmt.Sprintf("%x", sum)[:32]
	}

	p, err := badge.EncodePattern(t, []byte(*secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}

	rnd := rand.New(rand.NewSource(*seed))
	samples := badge.RenderSamples(p, *perBit, 1.0, *noise, rnd)

	d, err := badge.DecodePattern(samples)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode: %v\n", err)
		os.Exit(1)
	}

	ok := d.Prefix == p.Prefix && d.Checksum == p.Checksum
	verdict := "OK"
	if !ok {
		verdict = "FAIL"
	}
	fmt.Printf("%s token=%s prefix=%s checksum=%02x confidence=%.2f samples=%d noise=%g\n",
		verdict, t[:8], d.PrefixHex(), d.Checksum, d.Confidence, len(samples), *noise)
	if !ok {
		os.Exit(1)
	}
}
