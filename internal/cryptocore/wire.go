package cryptocore

import (
	"encoding/json"
	"fmt"
)

type envelopeWire struct {
	Algorithm   *string `json:"alg"`
	KeyVersion  *int    `json:"keyVersion"`
	Ciphertext  *[]byte `json:"data"`
	IV          *[]byte `json:"iv"`
	Tag         *[]byte `json:"tag"`
	AuthData    *[]byte `json:"authData"`
	Timestamp   *int64  `json:"timestamp"`
	Nonce       *[]byte `json:"nonce"`
	ContentHash *string `json:"contentHash"`
}

// UnmarshalJSON refuses envelopes with absent fields instead of leaving them
// zero valued.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	missing := func(name string) error {
		return fmt.Errorf("%w: missing field %q", ErrMalformedEnvelope, name)
	}
	switch {
	case w.Algorithm == nil:
		return missing("alg")
	case w.KeyVersion == nil:
		return missing("keyVersion")
	case w.Ciphertext == nil:
		return missing("data")
	case w.IV == nil:
		return missing("iv")
	case w.Tag == nil:
		return missing("tag")
	case w.AuthData == nil:
		return missing("authData")
	case w.Timestamp == nil:
		return missing("timestamp")
	case w.Nonce == nil:
		return missing("nonce")
	case w.ContentHash == nil:
		return missing("contentHash")
	}
	*e = Envelope{
		Algorithm:   *w.Algorithm,
		KeyVersion:  *w.KeyVersion,
		Ciphertext:  *w.Ciphertext,
		IV:          *w.IV,
		Tag:         *w.Tag,
		AuthData:    *w.AuthData,
		Timestamp:   *w.Timestamp,
		Nonce:       *w.Nonce,
		ContentHash: *w.ContentHash,
	}
	return nil
}

// ParseEnvelope decodes and validates the JSON form of an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
