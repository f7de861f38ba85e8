package http

import (
	"net/http"

	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/dto"
	"e2ee-keys/internal/observability/logging"
	"e2ee-keys/internal/service"

	"github.com/google/uuid"
)

func (h *handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req dto.RegisterDeviceRequest
	if !decode(w, r, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid userId")
		return
	}
	d, err := h.svc.Trust.RegisterDevice(r.Context(), service.RegisterDeviceInput{
		UserID:            userID,
		Name:              req.Name,
		Platform:          req.Platform,
		PublicKeyPEM:      req.PublicKey,
		Fingerprint:       req.Fingerprint,
		Capabilities:      req.Capabilities,
		SecurityLevel:     req.SecurityLevel,
		EncryptionVersion: req.EncryptionVersion,
	})
	if err != nil {
		fail(w, r, "device registration failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *handler) getDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "deviceID")
	if !ok {
		return
	}
	d, err := h.svc.Trust.GetDevice(r.Context(), id)
	if err != nil {
		fail(w, r, "device lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) listDevices(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	devices, err := h.svc.Trust.ListDevices(r.Context(), userID)
	if err != nil {
		fail(w, r, "list devices failed", err)
		return
	}
	if devices == nil {
		devices = []domain.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *handler) markTrusted(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "deviceID")
	if !ok {
		return
	}
	d, err := h.svc.Trust.MarkAsTrusted(r.Context(), id)
	if err != nil {
		fail(w, r, "mark trusted failed", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) issuePairingToken(w http.ResponseWriter, r *http.Request) {
	target, ok := pathUUID(w, r, "deviceID")
	if !ok {
		return
	}
	var req dto.PairingTokenRequest
	if !decode(w, r, &req) {
		return
	}
	sponsor, err := uuid.Parse(req.SponsorDeviceID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid sponsorDeviceId")
		return
	}
	token, exp, err := h.svc.Trust.IssuePairingToken(r.Context(), sponsor, target)
	if err != nil {
		fail(w, r, "pairing token issue failed", err)
		return
	}
	logging.FromContext(r.Context()).Info("pairing token issued", "sponsor_device_id", sponsor, "device_id", target, "expires_at", exp)
	writeJSON(w, http.StatusCreated, dto.PairingTokenResponse{Token: token, ExpiresAt: exp})
}

func (h *handler) completePairing(w http.ResponseWriter, r *http.Request) {
	var req dto.CompletePairingRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.svc.Trust.CompletePairing(r.Context(), req.Token)
	if err != nil {
		fail(w, r, "pairing failed", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) revokeDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "deviceID")
	if !ok {
		return
	}
	var req dto.RevokeDeviceRequest
	if !decode(w, r, &req) {
		return
	}
	reason, err := domain.ParseRevocationReason(req.Reason)
	if err != nil {
		fail(w, r, "revocation failed", err)
		return
	}
	res, err := h.svc.Trust.RevokeTrust(r.Context(), id, reason, req.Detail)
	if err != nil {
		fail(w, r, "revocation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
