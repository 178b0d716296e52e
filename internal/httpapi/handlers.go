package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"hearth.zone/internal/badge"
	"hearth.zone/internal/device"
	"hearth.zone/internal/obs"
	"hearth.zone/internal/threat"
	"hearth.zone/internal/vouch"
	"hearth.zone/internal/zone"
)

// ReadyProbe checks dependencies for /readyz (DB ping when configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// SeedCache is an optional read-through cache for active seeds.
type SeedCache interface {
	GetSeed(ctx context.Context, zoneID string) (badge.Seed, bool, error)
	SetSeed(ctx context.Context, seed badge.Seed) error
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	zones   *zone.Service
	devices *device.Service
	engine  *badge.Engine
	vouches *vouch.Service
	threats *threat.Service

	seedCache  SeedCache
	secret     []byte
	sessionTTL time.Duration
}

// Services bundles the domain dependencies of the API.
type Services struct {
	Zones   *zone.Service
	Devices *device.Service
	Engine  *badge.Engine
	Vouches *vouch.Service
	Threats *threat.Service

	SeedCache  SeedCache
	Secret     []byte
	SessionTTL time.Duration
}

func New(rp ReadyProbe, version string, svc Services) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		zones:      svc.Zones,
		devices:    svc.Devices,
		engine:     svc.Engine,
		vouches:    svc.Vouches,
		threats:    svc.Threats,
		seedCache:  svc.SeedCache,
		secret:     svc.Secret,
		sessionTTL: svc.SessionTTL,
	}
	if a.sessionTTL <= 0 {
		a.sessionTTL = 30 * 24 * time.Hour
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// domain
	a.mux.HandleFunc("/v1/devices/enroll", a.handleEnroll)
	a.mux.HandleFunc("/v1/zones/", a.handleZoneResource)
	a.mux.HandleFunc("/v1/badge/decode", a.handleDecode)
	a.mux.HandleFunc("/v1/badge/verify-seed", a.handleVerifySeed)
	a.mux.HandleFunc("/v1/badge/match-color", a.handleMatchColor)
	a.mux.HandleFunc("/v1/presence", a.handlePresence)
	a.mux.HandleFunc("/v1/movement", a.handleMovement)
	a.mux.HandleFunc("/v1/vouches", a.handleVouches)
	a.mux.HandleFunc("/v1/vouches/scan", a.handleScanVouch)
	a.mux.HandleFunc("/v1/subsidy", a.handleSubsidyCollection)
	a.mux.HandleFunc("/v1/subsidy/", a.handleSubsidyResource)
	a.mux.HandleFunc("/v1/threats", a.handleThreats)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.mux)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "hearth-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "hearth-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// writePaywall signals an authorization failure the client should route to
// remediation (billing / status screen), distinct from generic errors.
func writePaywall(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"error": msg,
		"code":  "paywall",
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
