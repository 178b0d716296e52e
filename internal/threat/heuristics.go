package threat

import "strings"

// Client-side advisory risk scoring. Runs on the scanning device; only the
// resulting label and severity ever leave it, never the raw signals.

// Severity buckets.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Signals is the set of boolean detectors a client evaluates locally.
type Signals struct {
	WebdriverFlag     bool // navigator.webdriver set
	AutomationGlobals bool // selenium/puppeteer globals present
	MissingPlugins    bool // empty plugin list on a desktop UA
	MissingLanguages  bool // navigator.languages absent
	EmulatorUserAgent bool
	SoftwareRenderer  bool // GPU renderer string is a software rasterizer
	PlatformMismatch  bool // mobile UA paired with desktop platform
}

// Detector weights. Hard automation markers dominate; fingerprint gaps and
// inconsistencies contribute less on their own.
var weights = []struct {
	present func(Signals) bool
	weight  int
}{
	{func(s Signals) bool { return s.WebdriverFlag }, 40},
	{func(s Signals) bool { return s.AutomationGlobals }, 40},
	{func(s Signals) bool { return s.MissingPlugins }, 15},
	{func(s Signals) bool { return s.MissingLanguages }, 15},
	{func(s Signals) bool { return s.EmulatorUserAgent }, 25},
	{func(s Signals) bool { return s.SoftwareRenderer }, 20},
	{func(s Signals) bool { return s.PlatformMismatch }, 25},
}

// Score computes the weighted risk sum.
func Score(s Signals) int {
	total := 0
	for _, w := range weights {
		if w.present(s) {
			total += w.weight
		}
	}
	return total
}

// Classify maps a score to the severity label that gets transmitted.
func Classify(s Signals) Severity {
	score := Score(s)
	switch {
	case score >= 60:
		return SeverityHigh
	case score >= 35:
		return SeverityMedium
	case score >= 15:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// emulator / software-renderer indicator substrings
var (
	emulatorUAParts = []string{"sdk_gphone", "android sdk built for", "emulator", "genymotion"}
	swRenderers     = []string{"swiftshader", "llvmpipe", "softpipe", "virtualbox"}
)

// DetectEmulatorUA reports whether a user-agent carries emulator markers.
func DetectEmulatorUA(ua string) bool {
	ua = strings.ToLower(ua)
	for _, p := range emulatorUAParts {
		if strings.Contains(ua, p) {
			return true
		}
	}
	return false
}

// DetectSoftwareRenderer reports whether a GPU renderer string belongs to a
// software rasterizer.
func DetectSoftwareRenderer(renderer string) bool {
	renderer = strings.ToLower(renderer)
	for _, p := range swRenderers {
		if strings.Contains(renderer, p) {
			return true
		}
	}
	return false
}
