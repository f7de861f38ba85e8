package dto

type RegisterConversationRequest struct {
	ConversationID string   `json:"conversationId"`
	Participants   []string `json:"participants"`
}

type ParticipantRequest struct {
	UserID            string `json:"userId"`
	InitiatorDeviceID string `json:"initiatorDeviceId,omitempty"`
}

type RotateRequest struct {
	InitiatorDeviceID string   `json:"initiatorDeviceId,omitempty"`
	Reason            string   `json:"reason,omitempty"`
	ExcludeUserIDs    []string `json:"excludeUserIds,omitempty"`
}

// CreateKeyRecordRequest registers a client-wrapped key. SymmetricKey is
// base64; DeviceID empty selects legacy per-user mode.
type CreateKeyRecordRequest struct {
	UserID       string `json:"userId"`
	DeviceID     string `json:"deviceId,omitempty"`
	SymmetricKey string `json:"symmetricKey"`
	PublicKey    string `json:"publicKey,omitempty"`
	KeyVersion   int    `json:"keyVersion,omitempty"`
}
