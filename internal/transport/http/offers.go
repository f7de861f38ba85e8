package http

import (
	"encoding/base64"
	"net/http"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/dto"

	"github.com/google/uuid"
)

func (h *handler) pendingOffers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "deviceID")
	if !ok {
		return
	}
	offers, err := h.svc.Sync.PendingOffers(r.Context(), id)
	if err != nil {
		fail(w, r, "pending offers lookup failed", err)
		return
	}
	if offers == nil {
		offers = []domain.KeyShareOffer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

func (h *handler) acceptOffer(w http.ResponseWriter, r *http.Request) {
	offerID, ok := pathUUID(w, r, "offerID")
	if !ok {
		return
	}
	var req dto.AcceptOfferRequest
	if !decode(w, r, &req) {
		return
	}
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid deviceId")
		return
	}
	key, err := base64.StdEncoding.DecodeString(req.SymmetricKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "symmetricKey must be base64")
		return
	}
	defer cryptocore.Zero(key)

	rec, err := h.svc.Sync.AcceptKeyShare(r.Context(), deviceID, offerID, key)
	if err != nil {
		fail(w, r, "accept key share failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) cleanupOffers(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Sync.CleanupExpiredKeyShares(r.Context())
	if err != nil {
		fail(w, r, "key share cleanup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, dto.CleanupResponse{Expired: n})
}
