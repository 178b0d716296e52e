package httpapi

import (
	"errors"
	"net/http"
	"time"

	"hearth.zone/internal/device"
	"hearth.zone/internal/geo"
	"hearth.zone/internal/obs"
)

type presenceRequest struct {
	Token        string    `json:"token,omitempty"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	LocationHash string    `json:"location_hash,omitempty"`
	LocalTime    time.Time `json:"local_time,omitempty"`
}

func (a *API) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req presenceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, ok := a.requireDeviceToken(w, r, req.Token)
	if !ok {
		return
	}

	ev := device.PresenceEvidence{LocationHash: req.LocationHash, LocalTime: req.LocalTime}
	if req.Lat != 0 || req.Lon != 0 {
		cell, err := geo.CellOf(req.Lat, req.Lon)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid coordinates")
			return
		}
		ev.Cell = cell
	}

	before, err := a.devices.Get(r.Context(), token)
	if err != nil {
		mapDeviceErr(w, r, err)
		return
	}

	nights, err := a.devices.RecordPresence(r.Context(), token, ev)
	switch {
	case errors.Is(err, device.ErrOutsideNightWindow):
		obs.PresenceChecks.WithLabelValues("outside_window").Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"counted": false,
			"reason":  "outside_night_window",
			"nights":  nights,
		})
		return
	case err != nil:
		obs.PresenceChecks.WithLabelValues("error").Inc()
		mapDeviceErr(w, r, err)
		return
	}

	d, err := a.devices.Get(r.Context(), token)
	if err != nil {
		mapDeviceErr(w, r, err)
		return
	}
	obs.PresenceChecks.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"counted":       nights > before.NightsConfirmed,
		"nights":        nights,
		"movement_days": d.MovementDays,
		"status":        string(d.Status),
	})
}

type movementRequest struct {
	Token   string               `json:"token,omitempty"`
	Samples []device.AccelSample `json:"samples"`
}

func (a *API) handleMovement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req movementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, ok := a.requireDeviceToken(w, r, req.Token)
	if !ok {
		return
	}
	if len(req.Samples) == 0 {
		writeError(w, r, http.StatusBadRequest, "samples are required")
		return
	}

	days, res, err := a.devices.RecordMovement(r.Context(), token, req.Samples)
	if err != nil {
		obs.MovementChecks.WithLabelValues("error").Inc()
		mapDeviceErr(w, r, err)
		return
	}

	obs.MovementChecks.WithLabelValues(string(res.Class)).Inc()
	d, err := a.devices.Get(r.Context(), token)
	if err != nil {
		mapDeviceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"classification": res,
		"movement_days":  days,
		"nights":         d.NightsConfirmed,
		"status":         string(d.Status),
	})
}
