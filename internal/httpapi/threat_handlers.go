package httpapi

import (
	"errors"
	"net/http"

	"hearth.zone/internal/obs"
	"hearth.zone/internal/threat"
)

// threatReport accepts either a pre-classified severity or raw detector
// signals; signals win when both are present so clients cannot understate
// their own risk.
type threatReport struct {
	ThreatType      string          `json:"threat_type"`
	FingerprintHash string          `json:"fingerprint_hash,omitempty"`
	Severity        threat.Severity `json:"severity,omitempty"`
	Signals         *threat.Signals `json:"signals,omitempty"`
}

func (a *API) handleThreats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req threatReport
	if !decodeBody(w, r, &req) {
		return
	}

	severity := req.Severity
	if req.Signals != nil {
		severity = threat.Classify(*req.Signals)
	}
	if severity == "" {
		severity = threat.SeverityLow
	}

	err := a.threats.Report(r.Context(), req.ThreatType, req.FingerprintHash, clientIP(r), severity)
	if errors.Is(err, threat.ErrInvalidReport) {
		writeError(w, r, http.StatusBadRequest, "threat_type is required")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	obs.ThreatReports.WithLabelValues(string(severity)).Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"severity": severity})
}
