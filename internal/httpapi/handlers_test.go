package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hearth.zone/internal/badge"
	"hearth.zone/internal/device"
	"hearth.zone/internal/threat"
	"hearth.zone/internal/vouch"
	"hearth.zone/internal/zone"
)

var testSecret = []byte("httpapi-test-secret")

type testEnv struct {
	api      *API
	devStore *device.InMemory
	engine   *badge.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	zones := zone.NewService(zone.NewInMemory(), nil)
	devStore := device.NewInMemory()
	devices := device.NewService(devStore, zones)
	engine, err := badge.NewEngine(badge.NewInMemorySeeds(), testSecret)
	if err != nil {
		t.Fatal(err)
	}
	threats := threat.NewInMemory()
	vouches := vouch.NewService(vouch.NewInMemory(), devices)

	api := New(ReadyProbe{}, "test", Services{
		Zones:   zones,
		Devices: devices,
		Engine:  engine,
		Vouches: vouches,
		Threats: threat.NewService(threats, threats),
		Secret:  testSecret,
	})
	return &testEnv{api: api, devStore: devStore, engine: engine}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResp(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if decodeResp(t, rec)["status"] != "ok" {
		t.Fatal("healthz did not report ok")
	}
}

func TestEnrollCreatesDeviceAndZone(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/v1/devices/enroll", map[string]any{
		"fingerprint_hash": "fp-hash-1",
		"lat":              51.1605,
		"lon":              71.4704,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResp(t, rec)
	token, _ := resp["token"].(string)
	if len(token) != 32 {
		t.Fatalf("token = %q, want 32 hex chars", token)
	}
	if resp["zone_id"] == "" || resp["zone_id"] == nil {
		t.Fatal("zone_id missing")
	}
	if resp["status"] != "verifying" {
		t.Fatalf("status = %v, want verifying", resp["status"])
	}

	// a second device at the same spot lands in the same zone
	rec = e.do(t, http.MethodPost, "/v1/devices/enroll", map[string]any{
		"fingerprint_hash": "fp-hash-2",
		"lat":              51.1605,
		"lon":              71.4704,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("second enroll status = %d", rec.Code)
	}
	if decodeResp(t, rec)["zone_id"] != resp["zone_id"] {
		t.Fatal("same location produced different zones")
	}
}

func TestEnrollRejectsBadInput(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/v1/devices/enroll", map[string]any{
		"lat": 51.0, "lon": 71.0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fingerprint: status = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/v1/devices/enroll", map[string]any{
		"fingerprint_hash": "fp", "lat": 91.0, "lon": 0.0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad coordinates: status = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/v1/devices/enroll", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET enroll: status = %d, want 405", rec.Code)
	}
}

func TestZoneSeedEndpoint(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/v1/zones/zone-1/seed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResp(t, rec)
	seed, _ := resp["seed"].(string)
	if len(seed) != 32 {
		t.Fatalf("seed = %q, want 32 chars", seed)
	}
	anim, ok := resp["animation"].(map[string]any)
	if !ok {
		t.Fatal("animation parameters missing")
	}
	for _, k := range []string{"phase_offset", "speed_multiplier", "color_intensity", "motion_modifier"} {
		if _, ok := anim[k]; !ok {
			t.Errorf("animation missing %s", k)
		}
	}

	again := decodeResp(t, e.do(t, http.MethodGet, "/v1/zones/zone-1/seed", nil))
	if again["valid_from"] == resp["valid_from"] && again["seed"] != seed {
		t.Fatal("seed changed within the rotation window")
	}
}

func TestZoneLookupUnknown(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/v1/zones/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDecodeEndpointNoPattern(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/v1/badge/decode", map[string]any{
		"samples": []float64{1, 2, 3},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if decodeResp(t, rec)["pattern"] != nil {
		t.Fatal("short series should decode to a null pattern")
	}
}

func TestDecodeEndpointIdentifiesDevice(t *testing.T) {
	e := newTestEnv(t)

	d := enroll(t, e, "fp-optical")
	p, err := badge.EncodePattern(d, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	samples := badge.RenderSamples(p, 4, 1.0, 0, nil)

	rec := e.do(t, http.MethodPost, "/v1/badge/decode", map[string]any{"samples": samples})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResp(t, rec)
	if resp["token"] != d {
		t.Fatalf("token = %v, want %s", resp["token"], d)
	}
}

func TestVerifySeedEndpoint(t *testing.T) {
	e := newTestEnv(t)
	at := time.Now()
	expected := badge.AnimationParameters(e.engine.SeedAt("zone-1", at).Value)

	rec := e.do(t, http.MethodPost, "/v1/badge/verify-seed", map[string]any{
		"zone_id":     "zone-1",
		"observed":    expected,
		"captured_at": at.Format(time.RFC3339Nano),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if decodeResp(t, rec)["match"] != true {
		t.Fatal("exact parameters should match")
	}

	stale := badge.AnimationParams{
		PhaseOffset:     expected.PhaseOffset * 2,
		SpeedMultiplier: expected.SpeedMultiplier * 2,
		ColorIntensity:  expected.ColorIntensity * 2,
		MotionModifier:  expected.MotionModifier * 2,
	}
	rec = e.do(t, http.MethodPost, "/v1/badge/verify-seed", map[string]any{
		"zone_id":     "zone-1",
		"observed":    stale,
		"captured_at": at.Format(time.RFC3339Nano),
	})
	if decodeResp(t, rec)["match"] != false {
		t.Fatal("stale parameters should not match")
	}
}

func TestVerifySeedRejectsBackdatedCapture(t *testing.T) {
	e := newTestEnv(t)
	at := time.Now().Add(-time.Hour)
	// a faithful replay of the expired window's tuple must still be refused
	replayed := badge.AnimationParameters(e.engine.SeedAt("zone-1", at).Value)

	rec := e.do(t, http.MethodPost, "/v1/badge/verify-seed", map[string]any{
		"zone_id":     "zone-1",
		"observed":    replayed,
		"captured_at": at.Format(time.RFC3339Nano),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}

	future := time.Now().Add(2 * badge.RotationWindow)
	rec = e.do(t, http.MethodPost, "/v1/badge/verify-seed", map[string]any{
		"zone_id":     "zone-1",
		"observed":    replayed,
		"captured_at": future.Format(time.RFC3339Nano),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("future capture: status = %d, want 403", rec.Code)
	}
}

func TestScanVouchRejectsBackdatedCapture(t *testing.T) {
	e := newTestEnv(t)
	vouchee := enroll(t, e, "fp-vouchee")
	at := time.Now().Add(-time.Hour)
	replayed := badge.AnimationParameters(e.engine.SeedAt("zone-1", at).Value)

	rec := e.do(t, http.MethodPost, "/v1/vouches/scan", map[string]any{
		"vouchee_token": vouchee,
		"zone_id":       "zone-1",
		"observed":      replayed,
		"captured_at":   at.Format(time.RFC3339Nano),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
}

func TestPresenceEndpointOutsideWindow(t *testing.T) {
	e := newTestEnv(t)
	d := enroll(t, e, "fp-presence")

	rec := e.do(t, http.MethodPost, "/v1/presence", map[string]any{
		"token":      d,
		"lat":        51.1605,
		"lon":        71.4704,
		"local_time": time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResp(t, rec)
	if resp["counted"] != false || resp["reason"] != "outside_night_window" {
		t.Fatalf("resp = %v, want counted=false outside window", resp)
	}
}

func TestPresenceEndpointCountsNight(t *testing.T) {
	e := newTestEnv(t)
	d := enroll(t, e, "fp-presence")

	rec := e.do(t, http.MethodPost, "/v1/presence", map[string]any{
		"token":      d,
		"lat":        51.1605,
		"lon":        71.4704,
		"local_time": time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC).Format(time.RFC3339),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResp(t, rec)
	if resp["counted"] != true {
		t.Fatalf("resp = %v, want counted=true", resp)
	}
	if resp["nights"] != float64(1) {
		t.Fatalf("nights = %v, want 1", resp["nights"])
	}
}

func TestPresenceEndpointPaywallsRevokedDevice(t *testing.T) {
	e := newTestEnv(t)
	d := enroll(t, e, "fp-presence")
	if err := e.devStore.SetStatus(context.Background(), d, device.StatusRevoked); err != nil {
		t.Fatal(err)
	}

	rec := e.do(t, http.MethodPost, "/v1/presence", map[string]any{
		"token": d,
		"lat":   51.1605,
		"lon":   71.4704,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if decodeResp(t, rec)["code"] != "paywall" {
		t.Fatal("paywall code missing")
	}
}

func TestMovementEndpoint(t *testing.T) {
	e := newTestEnv(t)
	d := enroll(t, e, "fp-movement")

	samples := []map[string]any{}
	bearings := []float64{0, 10, 50, 55, 60, 65}
	mags := []float64{1.0, 1.5, 1.0, 3.0, 1.0, 4.0}
	for i := range mags {
		samples = append(samples, map[string]any{"X": mags[i], "Bearing": bearings[i]})
	}

	rec := e.do(t, http.MethodPost, "/v1/movement", map[string]any{
		"token":   d,
		"samples": samples,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResp(t, rec)
	class, ok := resp["classification"].(map[string]any)
	if !ok || class["class"] != "human" {
		t.Fatalf("classification = %v, want human", resp["classification"])
	}
}

func TestThreatEndpointClassifiesSignals(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/v1/threats", map[string]any{
		"threat_type":      "automation_markers",
		"fingerprint_hash": "fp-bot",
		"signals": map[string]any{
			"WebdriverFlag":     true,
			"AutomationGlobals": true,
		},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if decodeResp(t, rec)["severity"] != "high" {
		t.Fatal("two hard markers should classify high")
	}

	rec = e.do(t, http.MethodPost, "/v1/threats", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing type: status = %d, want 400", rec.Code)
	}
}

func TestSubsidyEndpoints(t *testing.T) {
	e := newTestEnv(t)
	d := enroll(t, e, "fp-subsidy")

	rec := e.do(t, http.MethodPost, "/v1/subsidy", map[string]any{
		"token":      d,
		"zone_id":    "zone-1",
		"qr_payload": "qr-data",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/v1/subsidy/"+d, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResp(t, rec)
	if resp["status"] != "pending" {
		t.Fatalf("status = %v, want pending", resp["status"])
	}
	if resp["needed"] != float64(10) {
		t.Fatalf("needed = %v, want 10", resp["needed"])
	}

	rec = e.do(t, http.MethodGet, "/v1/subsidy/unknown-token", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown token: status = %d, want 404", rec.Code)
	}
}

func TestVouchEndpointRejectsIneligible(t *testing.T) {
	e := newTestEnv(t)
	voucher := enroll(t, e, "fp-voucher") // still verifying
	vouchee := enroll(t, e, "fp-vouchee")

	rec := e.do(t, http.MethodPost, "/v1/vouches", map[string]any{
		"voucher_token": voucher,
		"vouchee_token": vouchee,
		"zone_id":       "zone-1",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
}

// enroll registers a device through the API and returns its token.
func enroll(t *testing.T, e *testEnv, fingerprint string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/devices/enroll", map[string]any{
		"fingerprint_hash": fingerprint,
		"lat":              51.1605,
		"lon":              71.4704,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("enroll failed: %d %s", rec.Code, rec.Body.String())
	}
	token, _ := decodeResp(t, rec)["token"].(string)
	if token == "" {
		t.Fatal("enroll returned no token")
	}
	return token
}
