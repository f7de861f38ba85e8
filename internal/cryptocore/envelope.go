package cryptocore

import (
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ContentAlgorithm names the content cipher: XChaCha20-Poly1305 under a
// per-message key derived with HKDF-SHA256 from the conversation key.
const ContentAlgorithm = "xchacha20poly1305+hkdf-sha256"

const (
	ivSize    = chacha20poly1305.NonceSizeX
	nonceSize = 16
	tagSize   = chacha20poly1305.Overhead
	hashSize  = sha256.Size
)

var contentInfo = []byte("e2ee-keys/content/v1")

// AuthData is bound to an envelope without being encrypted.
type AuthData struct {
	SenderID       string `json:"senderId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	KeyVersion     int    `json:"keyVersion,omitempty"`
	Field          string `json:"field,omitempty"`
}

// Envelope is the sealed form of one message, file or field. All fields are
// mandatory; decoding rejects envelopes missing any of them.
type Envelope struct {
	Algorithm   string `json:"alg"`
	KeyVersion  int    `json:"keyVersion"`
	Ciphertext  []byte `json:"data"`
	IV          []byte `json:"iv"`
	Tag         []byte `json:"tag"`
	AuthData    []byte `json:"authData"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       []byte `json:"nonce"`
	ContentHash string `json:"contentHash"`
}

// Encrypt seals plaintext under a 256-bit conversation key. Every call draws
// a fresh IV and nonce.
func Encrypt(plaintext, key []byte, ad AuthData) (*Envelope, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	if ad.KeyVersion < 0 {
		return nil, fmt.Errorf("%w: negative key version", ErrEncryption)
	}
	authData, err := json.Marshal(ad)
	if err != nil {
		return nil, fmt.Errorf("%w: encode auth data: %v", ErrEncryption, err)
	}

	env := &Envelope{
		Algorithm:  ContentAlgorithm,
		KeyVersion: ad.KeyVersion,
		IV:         make([]byte, ivSize),
		Nonce:      make([]byte, nonceSize),
		AuthData:   authData,
		Timestamp:  nowFunc().UnixMilli(),
	}
	if err := readRandom(env.IV); err != nil {
		return nil, fmt.Errorf("%w: read iv: %v", ErrEncryption, err)
	}
	if err := readRandom(env.Nonce); err != nil {
		return nil, fmt.Errorf("%w: read nonce: %v", ErrEncryption, err)
	}
	sum := sha256.Sum256(plaintext)
	env.ContentHash = hex.EncodeToString(sum[:])

	aead, err := contentAEAD(key, env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	sealed := aead.Seal(nil, env.IV, plaintext, env.additionalData())
	split := len(sealed) - tagSize
	env.Ciphertext = sealed[:split:split]
	env.Tag = append([]byte(nil), sealed[split:]...)
	return env, nil
}

// Decrypt verifies and opens env. It never returns partial plaintext.
func Decrypt(env *Envelope, key []byte) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: symmetric key must be %d bytes", ErrDecryption, KeySize)
	}
	aead, err := contentAEAD(key, env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+tagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)
	plaintext, err := aead.Open(nil, env.IV, sealed, env.additionalData())
	if err != nil {
		return nil, ErrAuthentication
	}
	want, _ := hex.DecodeString(env.ContentHash)
	sum := sha256.Sum256(plaintext)
	if subtle.ConstantTimeCompare(sum[:], want) != 1 {
		Zero(plaintext)
		return nil, ErrContentHashMismatch
	}
	return plaintext, nil
}

// Validate checks presence and shape of every field.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}
	if e.Algorithm != ContentAlgorithm {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, e.Algorithm)
	}
	switch {
	case e.KeyVersion < 0:
		return fmt.Errorf("%w: negative key version", ErrMalformedEnvelope)
	case len(e.Ciphertext) == 0:
		return fmt.Errorf("%w: empty ciphertext", ErrMalformedEnvelope)
	case len(e.IV) != ivSize:
		return fmt.Errorf("%w: iv must be %d bytes", ErrMalformedEnvelope, ivSize)
	case len(e.Nonce) != nonceSize:
		return fmt.Errorf("%w: nonce must be %d bytes", ErrMalformedEnvelope, nonceSize)
	case len(e.Tag) != tagSize:
		return fmt.Errorf("%w: tag must be %d bytes", ErrMalformedEnvelope, tagSize)
	case len(e.AuthData) == 0:
		return fmt.Errorf("%w: missing auth data", ErrMalformedEnvelope)
	case e.Timestamp <= 0:
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEnvelope)
	}
	if raw, err := hex.DecodeString(e.ContentHash); err != nil || len(raw) != hashSize {
		return fmt.Errorf("%w: content hash must be %d hex bytes", ErrMalformedEnvelope, hashSize)
	}
	return nil
}

// Metadata decodes the authenticated metadata. It does not verify the tag.
func (e *Envelope) Metadata() (AuthData, error) {
	var ad AuthData
	if e == nil || len(e.AuthData) == 0 {
		return ad, fmt.Errorf("%w: missing auth data", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(e.AuthData, &ad); err != nil {
		return ad, fmt.Errorf("%w: auth data: %v", ErrMalformedEnvelope, err)
	}
	return ad, nil
}

// additionalData is the AEAD associated data: every envelope field except
// the ciphertext, IV and tag, length-prefixed.
func (e *Envelope) additionalData() []byte {
	b := make([]byte, 0, 64+len(e.AuthData))
	b = appendField(b, []byte(e.Algorithm))
	b = binary.BigEndian.AppendUint64(b, uint64(e.KeyVersion))
	b = binary.BigEndian.AppendUint64(b, uint64(e.Timestamp))
	b = appendField(b, e.Nonce)
	b = appendField(b, e.AuthData)
	b = appendField(b, []byte(e.ContentHash))
	return b
}

func appendField(b, field []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(field)))
	return append(b, field...)
}

func contentAEAD(key, nonce []byte) (cipher.AEAD, error) {
	derived := make([]byte, chacha20poly1305.KeySize)
	defer Zero(derived)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nonce, contentInfo), derived); err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(derived)
}
