package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the certificate subsystem. Callers match them with
// errors.Is; concrete failures wrap one (or, for ErrSetup, two) of them.
var (
	// ErrConfiguration reports missing or invalid paths, passphrases or policy.
	ErrConfiguration = errors.New("configuration error")

	// ErrCAUnavailable reports a CA whose certificate or key is not on disk.
	// It is the only failure a caller may recover from, by creating the CA
	// and retrying once.
	ErrCAUnavailable = errors.New("certificate authority unavailable")

	// ErrCrypto reports key generation, signing, parsing or decryption failures.
	ErrCrypto = errors.New("crypto failure")

	// ErrPersistence reports filesystem write, permission or ownership failures.
	ErrPersistence = errors.New("persistence failure")

	// ErrSetup is joined with the cause when a leaf issuer cannot load its CA.
	ErrSetup = errors.New("issuer setup failure")
)

// Configuration wraps err (or creates a message) as an ErrConfiguration.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Crypto wraps err as an ErrCrypto with the failed operation.
func Crypto(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCrypto, op, err)
}

// Persistence wraps err as an ErrPersistence with the failed operation.
func Persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Unavailable reports a missing CA file.
func Unavailable(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCAUnavailable, path, err)
}

// Setup marks err as an issuer setup failure while keeping its original kind.
func Setup(err error) error {
	return fmt.Errorf("%w: %w", ErrSetup, err)
}
