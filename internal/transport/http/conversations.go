package http

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/dto"
	"e2ee-keys/internal/observability/logging"
	"e2ee-keys/internal/service"

	"github.com/google/uuid"
)

func (h *handler) registerConversation(w http.ResponseWriter, r *http.Request) {
	var req dto.RegisterConversationRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := uuid.Parse(req.ConversationID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid conversationId")
		return
	}
	participants, err := parseUUIDs(req.Participants)
	if err != nil {
		fail(w, r, "conversation registration failed", err)
		return
	}
	conv, err := h.svc.Registry.RegisterConversation(r.Context(), id, participants...)
	if err != nil {
		fail(w, r, "conversation registration failed", err)
		return
	}
	logging.FromContext(r.Context()).Info("conversation registered", "conversation_id", conv.ID, "participants", len(participants))
	writeJSON(w, http.StatusCreated, conv)
}

func (h *handler) getConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	v, err := h.svc.Registry.CurrentVersion(r.Context(), id)
	if err != nil {
		fail(w, r, "conversation lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": id, "currentKeyVersion": v})
}

func (h *handler) rotate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	var req dto.RotateRequest
	if !decode(w, r, &req) {
		return
	}
	initiator, err := parseOptionalUUID(req.InitiatorDeviceID)
	if err != nil {
		fail(w, r, "rotation failed", err)
		return
	}
	exclude, err := parseUUIDs(req.ExcludeUserIDs)
	if err != nil {
		fail(w, r, "rotation failed", err)
		return
	}
	res, err := h.svc.Rotation.Rotate(r.Context(), service.RotateRequest{
		ConversationID:    id,
		InitiatorDeviceID: initiator,
		Reason:            service.RotationReason(req.Reason),
		ExcludeUserIDs:    exclude,
	})
	writeRotation(w, r, res, err)
}

func (h *handler) addParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	var req dto.ParticipantRequest
	if !decode(w, r, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid userId")
		return
	}
	initiator, err := parseOptionalUUID(req.InitiatorDeviceID)
	if err != nil {
		fail(w, r, "add participant failed", err)
		return
	}
	res, err := h.svc.Rotation.AddParticipant(r.Context(), id, userID, initiator)
	writeRotation(w, r, res, err)
}

func (h *handler) removeParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	initiator, err := parseOptionalUUID(r.URL.Query().Get("initiatorDeviceId"))
	if err != nil {
		fail(w, r, "remove participant failed", err)
		return
	}
	res, err := h.svc.Rotation.RemoveParticipant(r.Context(), id, userID, initiator)
	writeRotation(w, r, res, err)
}

// writeRotation returns the per-device report even when every wrap failed.
func writeRotation(w http.ResponseWriter, r *http.Request, res *service.RotationResult, err error) {
	if err != nil {
		if res != nil {
			logging.FromContext(r.Context()).Warn("rotation failed", "err", err, "conversation_id", res.ConversationID, "failed_devices", len(res.FailedDevices))
			writeJSON(w, statusFor(err), res)
			return
		}
		fail(w, r, "rotation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) createKeyRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	var req dto.CreateKeyRecordRequest
	if !decode(w, r, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid userId")
		return
	}
	var deviceID *uuid.UUID
	if req.DeviceID != "" {
		d, err := uuid.Parse(req.DeviceID)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid deviceId")
			return
		}
		deviceID = &d
	}
	key, err := base64.StdEncoding.DecodeString(req.SymmetricKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "symmetricKey must be base64")
		return
	}
	defer cryptocore.Zero(key)

	rec, err := h.svc.Registry.CreateWrappedKeyRecord(r.Context(), service.CreateRecordInput{
		ConversationID: id,
		UserID:         userID,
		DeviceID:       deviceID,
		SymmetricKey:   key,
		PublicKeyPEM:   req.PublicKey,
		Version:        req.KeyVersion,
	})
	if err != nil {
		fail(w, r, "create key record failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) activeKey(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	deviceID, ok := pathUUID(w, r, "deviceID")
	if !ok {
		return
	}
	rec, err := h.svc.Registry.ActiveRecord(r.Context(), convID, deviceID)
	if err != nil {
		fail(w, r, "active key lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) keyHistory(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	deviceID, ok := pathUUID(w, r, "deviceID")
	if !ok {
		return
	}
	recs, err := h.svc.Registry.DeviceHistory(r.Context(), convID, deviceID)
	if err != nil {
		fail(w, r, "key history lookup failed", err)
		return
	}
	if recs == nil {
		recs = []domain.WrappedKey{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) storeMessage(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	var req dto.StoreMessageRequest
	if !decode(w, r, &req) {
		return
	}
	sender, err := uuid.Parse(req.SenderDeviceID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid senderDeviceId")
		return
	}
	env, err := cryptocore.ParseEnvelope(req.Envelope)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := h.svc.Messages.Store(r.Context(), service.StoreMessageInput{
		ConversationID: convID,
		SenderDeviceID: sender,
		Envelope:       *env,
	})
	if err != nil {
		fail(w, r, "store message failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	q := r.URL.Query()
	var before time.Time
	if s := q.Get("before"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "before must be RFC 3339")
			return
		}
		before = t
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.svc.Messages.List(r.Context(), convID, before, limit)
	if err != nil {
		fail(w, r, "list messages failed", err)
		return
	}
	res := dto.MessageListResponse{Messages: msgs}
	if res.Messages == nil {
		res.Messages = []domain.Message{}
	}
	if n := len(msgs); n > 0 {
		next := msgs[n-1].CreatedAt
		res.NextBefore = &next
	}
	writeJSON(w, http.StatusOK, res)
}
