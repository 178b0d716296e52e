package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"hearth.zone/internal/badge"
	"hearth.zone/internal/device"
	"hearth.zone/internal/obs"
	"hearth.zone/internal/vouch"
)

type vouchRequest struct {
	VoucherToken string `json:"voucher_token,omitempty"`
	VoucheeToken string `json:"vouchee_token"`
	ZoneID       string `json:"zone_id"`
}

func (a *API) handleVouches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req vouchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	voucher, ok := a.requireDeviceToken(w, r, req.VoucherToken)
	if !ok {
		return
	}
	if req.VoucheeToken == "" || req.ZoneID == "" {
		writeError(w, r, http.StatusBadRequest, "vouchee_token and zone_id are required")
		return
	}

	err := a.vouches.Record(r.Context(), voucher, req.VoucheeToken, req.ZoneID)
	if err != nil {
		mapVouchErr(w, r, err)
		return
	}
	obs.VouchesRecorded.Inc()

	req2, err := a.vouches.Request(r.Context(), req.VoucheeToken)
	if err != nil {
		writeJSON(w, http.StatusCreated, map[string]any{"recorded": true})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"recorded":    true,
		"vouch_count": req2.VouchCount,
		"status":      req2.Status,
	})
}

// scanVouchRequest carries a scanned verification pattern plus the seed
// parameters observed alongside it. The voucher is whichever eligible active
// resident is picked server side, so a passerby scan needs no login.
type scanVouchRequest struct {
	VoucheeToken string                `json:"vouchee_token"`
	ZoneID       string                `json:"zone_id"`
	Observed     badge.AnimationParams `json:"observed"`
	CapturedAt   time.Time             `json:"captured_at"`
}

func (a *API) handleScanVouch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req scanVouchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.VoucheeToken == "" || req.ZoneID == "" {
		writeError(w, r, http.StatusBadRequest, "vouchee_token and zone_id are required")
		return
	}

	// The scan is only trusted while the seed it captured is still fresh; a
	// backdated timestamp must not resurrect an expired window.
	at := req.CapturedAt
	if at.IsZero() {
		at = time.Now()
	}
	if !badge.CaptureFresh(at, time.Now()) {
		writeError(w, r, http.StatusForbidden, "capture window expired, rescan the badge")
		return
	}
	expected := badge.AnimationParameters(a.engine.SeedAt(req.ZoneID, at).Value)
	if !badge.VerifySeedMatch(req.Observed, expected, badge.DefaultTolerance) {
		writeError(w, r, http.StatusForbidden, "seed mismatch, rescan the badge")
		return
	}

	voucher, err := a.vouches.RecordBlind(r.Context(), req.VoucheeToken, req.ZoneID)
	if err != nil {
		mapVouchErr(w, r, err)
		return
	}
	obs.VouchesRecorded.Inc()
	writeJSON(w, http.StatusCreated, map[string]any{
		"recorded":       true,
		"voucher_prefix": voucher[:min(8, len(voucher))],
	})
}

type subsidyRequestBody struct {
	Token     string `json:"token,omitempty"`
	ZoneID    string `json:"zone_id"`
	QRPayload string `json:"qr_payload"`
}

func (a *API) handleSubsidyCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req subsidyRequestBody
	if !decodeBody(w, r, &req) {
		return
	}
	token, ok := a.requireDeviceToken(w, r, req.Token)
	if !ok {
		return
	}
	if req.ZoneID == "" {
		writeError(w, r, http.StatusBadRequest, "zone_id is required")
		return
	}

	sr, err := a.vouches.RequestSubsidy(r.Context(), token, req.ZoneID, req.QRPayload)
	if errors.Is(err, vouch.ErrRequestExists) {
		writeError(w, r, http.StatusConflict, "a pending subsidy request already exists")
		return
	}
	if err != nil {
		mapDeviceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sr)
}

func (a *API) handleSubsidyResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, "/v1/subsidy/")
	if token == "" || strings.Contains(token, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	sr, err := a.vouches.Request(r.Context(), token)
	if errors.Is(err, vouch.ErrNoPendingRequest) {
		writeError(w, r, http.StatusNotFound, "no subsidy request for this device")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vouch_count": sr.VouchCount,
		"needed":      max(0, vouch.VouchThreshold-sr.VouchCount),
		"status":      sr.Status,
		"expires_at":  sr.ExpiresAt,
	})
}

func mapVouchErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, vouch.ErrSelfVouch):
		writeError(w, r, http.StatusBadRequest, "cannot vouch for yourself")
	case errors.Is(err, vouch.ErrNotEligible):
		writeError(w, r, http.StatusForbidden, "voucher is not eligible")
	case errors.Is(err, vouch.ErrDuplicateVouch):
		writeError(w, r, http.StatusConflict, "vouch already recorded")
	case errors.Is(err, vouch.ErrNoPendingRequest):
		writeError(w, r, http.StatusNotFound, "no pending subsidy request")
	case errors.Is(err, vouch.ErrNoVoucher):
		writeError(w, r, http.StatusConflict, "no eligible voucher available")
	case errors.Is(err, device.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "device not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
