package cryptocore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

const (
	// KeySize is the length of a conversation key in bytes.
	KeySize = 32

	DefaultKeyBits = 4096
	MinKeyBits     = 2048

	// CurrentEncryptionVersion is the envelope/wrap generation produced by
	// this package. Devices advertising anything below MinEncryptionVersion
	// cannot receive wrapped keys.
	CurrentEncryptionVersion = 2
	MinEncryptionVersion     = 2
)

// KeyPair is an RSA key pair in PEM interchange form.
type KeyPair struct {
	PublicKeyPEM  string `json:"publicKey"`
	PrivateKeyPEM string `json:"privateKey"`
	Bits          int    `json:"bits"`
}

// GenerateKeyPair creates an RSA key pair. bits == 0 selects DefaultKeyBits.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < MinKeyBits {
		return nil, fmt.Errorf("%w: rsa key size %d below minimum %d", ErrInvalidKey, bits, MinKeyBits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: generate rsa key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: marshal private key: %w", err)
	}
	return &KeyPair{
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		Bits:          bits,
	}, nil
}

// GenerateSymmetricKey returns a fresh random conversation key.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if err := readRandom(key); err != nil {
		return nil, fmt.Errorf("cryptocore: read random: %w", err)
	}
	return key, nil
}

func ParsePublicKeyPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: public key is not PEM encoded", ErrInvalidKey)
	}
	var (
		parsed any
		err    error
	)
	switch block.Type {
	case "PUBLIC KEY":
		parsed, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		parsed, err = x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", ErrInvalidKey)
	}
	if pub.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("%w: rsa key size %d below minimum %d", ErrInvalidKey, pub.N.BitLen(), MinKeyBits)
	}
	return pub, nil
}

func ParsePrivateKeyPEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", ErrInvalidKey)
	}
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is not RSA", ErrInvalidKey)
		}
		return priv, nil
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
	}
}

// Fingerprint is the hex SHA-256 of the DER-encoded public key.
func Fingerprint(publicPEM string) (string, error) {
	pub, err := ParsePublicKeyPEM(publicPEM)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// KeyCommitment binds a conversation key to the conversation and version it
// belongs to without revealing it.
func KeyCommitment(key []byte, conversationID string, version int) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("e2ee-keys/commitment/v1"))
	mac.Write([]byte(conversationID))
	mac.Write(binary.BigEndian.AppendUint64(nil, uint64(version)))
	return mac.Sum(nil)
}

func VerifyKeyCommitment(key []byte, conversationID string, version int, commitment []byte) bool {
	if len(key) != KeySize {
		return false
	}
	return hmac.Equal(KeyCommitment(key, conversationID, version), commitment)
}
