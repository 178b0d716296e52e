package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"hearth.zone/internal/badge"
	"hearth.zone/internal/device"
	"hearth.zone/internal/geo"
	"hearth.zone/internal/obs"
	"hearth.zone/internal/session"
	"hearth.zone/internal/threat"
	"hearth.zone/internal/zone"
)

type enrollRequest struct {
	FingerprintHash string  `json:"fingerprint_hash"`
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
}

func (a *API) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req enrollRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FingerprintHash == "" {
		writeError(w, r, http.StatusBadRequest, "fingerprint_hash is required")
		return
	}

	cell, err := geo.CellOf(req.Lat, req.Lon)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid coordinates")
		return
	}
	z, err := a.zones.GetOrCreateByCell(r.Context(), cell, req.Lat, req.Lon)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "zone lookup failed")
		return
	}
	d, err := a.devices.Enroll(r.Context(), req.FingerprintHash, z.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "enrollment failed")
		return
	}

	resp := map[string]any{
		"token":   d.Token,
		"zone_id": z.ID,
		"status":  string(d.Status),
	}
	if token, err := session.Issue(d.Token, z.ID, a.sessionTTL); err == nil {
		resp["session_token"] = token
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleZoneResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/zones/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/seed") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/seed"), "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "zone not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getSeed(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	z, err := a.zones.Get(r.Context(), path)
	if errors.Is(err, zone.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "zone not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "zone lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, z)
}

func (a *API) getSeed(w http.ResponseWriter, r *http.Request, zoneID string) {
	ctx := r.Context()

	if a.seedCache != nil {
		if seed, ok, err := a.seedCache.GetSeed(ctx, zoneID); err == nil && ok && seed.Active(time.Now()) {
			writeSeed(w, seed)
			return
		}
	}

	seed, err := a.engine.GetOrCreateSeed(ctx, zoneID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "seed derivation failed")
		return
	}
	if a.seedCache != nil {
		_ = a.seedCache.SetSeed(ctx, seed)
	}
	writeSeed(w, seed)
}

func writeSeed(w http.ResponseWriter, seed badge.Seed) {
	writeJSON(w, http.StatusOK, map[string]any{
		"seed":        seed.Value,
		"valid_from":  seed.ValidFrom.Format(time.RFC3339),
		"valid_until": seed.ValidUntil.Format(time.RFC3339),
		"animation":   badge.AnimationParameters(seed.Value),
	})
}

type decodeRequest struct {
	Samples []float64 `json:"samples"`
}

func (a *API) handleDecode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req decodeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	decoded, err := badge.DecodePattern(req.Samples)
	if errors.Is(err, badge.ErrNoPattern) {
		// insufficient evidence: a null result, safe to retry next cycle
		obs.PatternDecodes.WithLabelValues("no_pattern").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"pattern": nil})
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "decode failed")
		return
	}

	token, err := badge.VerifyDecoded(r.Context(), decoded, a.devices, a.secret)
	switch {
	case errors.Is(err, badge.ErrNoPrefixMatch):
		obs.PatternDecodes.WithLabelValues("no_prefix").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"pattern": decoded, "token": nil})
		return
	case errors.Is(err, badge.ErrChecksum):
		// integrity failure, escalate for telemetry
		obs.PatternDecodes.WithLabelValues("checksum_mismatch").Inc()
		_ = a.threats.Report(r.Context(), "pattern_checksum_mismatch", "", clientIP(r), threat.SeverityMedium)
		writeJSON(w, http.StatusOK, map[string]any{"pattern": decoded, "token": nil})
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "verification failed")
		return
	}

	obs.PatternDecodes.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"pattern": decoded, "token": token})
}

type verifySeedRequest struct {
	ZoneID     string                `json:"zone_id"`
	Observed   badge.AnimationParams `json:"observed"`
	CapturedAt time.Time             `json:"captured_at"`
	Tolerance  float64               `json:"tolerance,omitempty"`
}

func (a *API) handleVerifySeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifySeedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ZoneID == "" {
		writeError(w, r, http.StatusBadRequest, "zone_id is required")
		return
	}
	at := req.CapturedAt
	if at.IsZero() {
		at = time.Now()
	}
	// the timestamp is client-supplied: never derive a seed for a window the
	// capture could not have been made in
	if !badge.CaptureFresh(at, time.Now()) {
		writeError(w, r, http.StatusForbidden, "capture window expired, rescan the badge")
		return
	}
	tolerance := req.Tolerance
	if tolerance <= 0 {
		tolerance = badge.DefaultTolerance
	}

	expected := badge.AnimationParameters(a.engine.SeedAt(req.ZoneID, at).Value)
	writeJSON(w, http.StatusOK, map[string]any{
		"match": badge.VerifySeedMatch(req.Observed, expected, tolerance),
	})
}

type matchColorRequest struct {
	Samples []badge.RGB `json:"samples"`
}

func (a *API) handleMatchColor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req matchColorRequest
	if !decodeBody(w, r, &req) {
		return
	}

	zones, err := a.zones.ListAll(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "zone listing failed")
		return
	}
	candidates := make([]badge.ZoneColors, 0, len(zones))
	for _, z := range zones {
		zc := badge.ZoneColors{ZoneID: z.ID, Colors: make([]badge.RGB, len(z.ThemeColors))}
		for i, c := range z.ThemeColors {
			zc.Colors[i] = badge.RGB(c)
		}
		candidates = append(candidates, zc)
	}
	match, ok := badge.MatchZoneColor(req.Samples, candidates)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"match": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"match": match})
}

// requireDeviceToken resolves the acting device: a session bearer wins, a
// body token is accepted for the out-of-scope page layer.
func (a *API) requireDeviceToken(w http.ResponseWriter, r *http.Request, bodyToken string) (string, bool) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		claims, err := session.ParseAndValidate(strings.TrimPrefix(authz, "Bearer "))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid session token")
			return "", false
		}
		if bodyToken != "" && bodyToken != claims.Subject {
			writeError(w, r, http.StatusForbidden, "token does not match session")
			return "", false
		}
		return claims.Subject, true
	}
	if bodyToken == "" {
		writeError(w, r, http.StatusBadRequest, "device token is required")
		return "", false
	}
	return bodyToken, true
}

func mapDeviceErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, device.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "device not found")
	case errors.Is(err, device.ErrNotAuthorized):
		writePaywall(w, "device is not authorized")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
