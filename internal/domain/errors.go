package domain

import (
	"errors"
	"fmt"

	"e2ee-keys/internal/cryptocore"
)

// Error kinds. Specific errors below wrap exactly one kind so callers can
// branch with errors.Is on either.
var (
	ErrEncryption               = cryptocore.ErrEncryption
	ErrDecryption               = cryptocore.ErrDecryption
	ErrNotFound                 = errors.New("not found")
	ErrInvalidArgument          = errors.New("invalid argument")
	ErrInsufficientCapabilities = errors.New("insufficient capabilities")
	ErrDeviceRevoked            = errors.New("device revoked")
	ErrConflict                 = errors.New("conflict")
)

var (
	ErrConversationNotFound = fmt.Errorf("conversation %w", ErrNotFound)
	ErrDeviceNotFound       = fmt.Errorf("device %w", ErrNotFound)
	ErrOfferNotFound        = fmt.Errorf("key share offer %w", ErrNotFound)
	ErrKeyNotFound          = fmt.Errorf("wrapped key %w", ErrNotFound)

	ErrMissingEncryption = fmt.Errorf("%w: device lacks the %q capability", ErrInsufficientCapabilities, CapabilityEncryption)

	ErrCrossUserDevices      = fmt.Errorf("%w: devices belong to different users", ErrInvalidArgument)
	ErrSecurityLevelMismatch = fmt.Errorf("%w: incompatible security levels", ErrInvalidArgument)
	ErrDeviceNotTrusted      = fmt.Errorf("%w: device is not verified", ErrInvalidArgument)
	ErrFingerprintTaken      = fmt.Errorf("%w: fingerprint registered to another user", ErrInvalidArgument)
	ErrNotEntitled           = fmt.Errorf("%w: user is not an active participant", ErrInvalidArgument)
	ErrNoEntitledDevices     = fmt.Errorf("%w: no entitled devices", ErrInvalidArgument)
	ErrOfferInactive         = fmt.Errorf("%w: key share offer cancelled", ErrInvalidArgument)
	ErrOfferExpired          = fmt.Errorf("%w: key share offer expired", ErrInvalidArgument)
	ErrOfferRecipient        = fmt.Errorf("%w: key share offer addressed to another device", ErrInvalidArgument)
	ErrKeyCommitment         = fmt.Errorf("%w: symmetric key does not match offer", ErrInvalidArgument)
	ErrInvalidPairingToken   = fmt.Errorf("%w: invalid pairing token", ErrInvalidArgument)
	ErrCompromisedKey        = fmt.Errorf("%w: public key was revoked as compromised", ErrInvalidArgument)

	ErrDuplicateKey         = fmt.Errorf("%w: duplicate key", ErrConflict)
	ErrRotationInProgress   = fmt.Errorf("%w: rotation in progress", ErrConflict)
	ErrOfferAlreadyAccepted = fmt.Errorf("%w: key share offer already accepted", ErrConflict)

	ErrRotationFailed = fmt.Errorf("%w: rotation failed for every entitled device", ErrEncryption)
)
