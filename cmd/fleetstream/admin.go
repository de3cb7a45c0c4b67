package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/provision"
	"github.com/c360/fleetstream/sink/deadletter"
)

// adminAPI exposes provisioning and dead-letter inspection over HTTP.
// It shares the metrics listener; operator-facing, not device-facing.
type adminAPI struct {
	provisioner *provision.Service
	deadLetter  *deadletter.Store
	logger      *slog.Logger
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/claims", a.handleRegisterClaim)
	mux.HandleFunc("POST /v1/enroll", a.handleEnroll)
	mux.HandleFunc("POST /v1/devices/{id}/revoke", a.handleRevoke)
	mux.HandleFunc("GET /v1/devices", a.handleListDevices)
	mux.HandleFunc("GET /v1/deadletters", a.handleDeadLetters)
}

func (a *adminAPI) handleRegisterClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClaimID string `json:"claim_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.provisioner.RegisterClaim(r.Context(), body.ClaimID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"claim_id": body.ClaimID})
}

func (a *adminAPI) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req provision.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	enrollment, err := a.provisioner.Claim(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, enrollment)
}

func (a *adminAPI) handleRevoke(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if err := a.provisioner.Revoke(r.Context(), deviceID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "status": "revoked"})
}

func (a *adminAPI) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.provisioner.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (a *adminAPI) handleDeadLetters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.deadLetter.Entries())
}

func statusFor(err error) int {
	switch {
	case errors.IsAlreadyClaimed(err):
		return http.StatusConflict
	case errors.IsMalformed(err):
		return http.StatusBadRequest
	case errors.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errors.IsForbidden(err):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
