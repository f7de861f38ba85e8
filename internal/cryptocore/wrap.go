package cryptocore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// WrapAlgorithm identifies the key-wrap cipher recorded next to wrapped keys.
const WrapAlgorithm = "RSA-OAEP-SHA256"

var wrapLabel = []byte("e2ee-keys/conversation-key")

// Wrap encrypts a conversation key under a PEM encoded RSA public key.
func Wrap(key []byte, publicPEM string) ([]byte, error) {
	pub, err := ParsePublicKeyPEM(publicPEM)
	if err != nil {
		return nil, err
	}
	return WrapWithKey(key, pub)
}

func WrapWithKey(key []byte, pub *rsa.PublicKey) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	blob, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, wrapLabel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return blob, nil
}

// Unwrap recovers a conversation key. An unreadable private key, a corrupted
// blob or a private key that does not match the wrapping public key all
// yield ErrUnwrapFailed.
func Unwrap(blob []byte, privatePEM string) ([]byte, error) {
	priv, err := ParsePrivateKeyPEM(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}
	return UnwrapWithKey(blob, priv)
}

func UnwrapWithKey(blob []byte, priv *rsa.PrivateKey) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, blob, wrapLabel)
	if err != nil || len(key) != KeySize {
		return nil, ErrUnwrapFailed
	}
	return key, nil
}
