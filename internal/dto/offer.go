package dto

// AcceptOfferRequest presents the unwrapped key (base64) so it can be
// checked against the offer's commitment.
type AcceptOfferRequest struct {
	DeviceID     string `json:"deviceId"`
	SymmetricKey string `json:"symmetricKey"`
}

type CleanupResponse struct {
	Expired int64 `json:"expired"`
}
