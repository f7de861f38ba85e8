package cryptocore

import (
	"errors"
	"fmt"
)

// Kinds. Every error returned by this package wraps exactly one of them.
var (
	ErrEncryption = errors.New("cryptocore: encryption failed")
	ErrDecryption = errors.New("cryptocore: decryption failed")
	ErrInvalidKey = errors.New("cryptocore: invalid key material")
)

var (
	ErrEmptyPlaintext       = fmt.Errorf("%w: empty plaintext", ErrEncryption)
	ErrKeySize              = fmt.Errorf("%w: symmetric key must be %d bytes", ErrEncryption, KeySize)
	ErrMalformedEnvelope    = fmt.Errorf("%w: malformed envelope", ErrDecryption)
	ErrUnsupportedAlgorithm = fmt.Errorf("%w: unsupported algorithm", ErrDecryption)
	ErrAuthentication       = fmt.Errorf("%w: message authentication failed", ErrDecryption)
	ErrContentHashMismatch  = fmt.Errorf("%w: content hash mismatch", ErrDecryption)
	ErrFieldMismatch        = fmt.Errorf("%w: envelope bound to a different field", ErrDecryption)
	ErrUnwrapFailed         = fmt.Errorf("%w: unwrap failed", ErrDecryption)
)
