package pki

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrValidation is the category of every input validation failure. Use
	// errors.As with *ValidationError to learn which field was rejected.
	ErrValidation = errors.New("validation failed")

	// ErrMissingIdentifier is returned when a subject is built without a UID.
	ErrMissingIdentifier = errors.New("missing unique identifier")

	// ErrCryptoFailure is returned when key generation, signing or encoding
	// fails. No certificate material is returned alongside it.
	ErrCryptoFailure = errors.New("cryptographic operation failed")

	// ErrMalformedSubject is returned when a configured distinguished name
	// string cannot be parsed.
	ErrMalformedSubject = errors.New("malformed subject name")

	// ErrNoCertificate is returned when certificate input is empty or too
	// short to contain a certificate.
	ErrNoCertificate = errors.New("no certificate supplied")

	// ErrInvalidPEM is returned when PEM or DER data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrRevocationDataUnavailable is returned when a CRL or OCSP response
	// could not be produced. Callers should retry later.
	ErrRevocationDataUnavailable = errors.New("revocation data unavailable")

	// ErrKeystore is returned when a keystore file cannot be read, decrypted
	// or does not hold the expected entries.
	ErrKeystore = errors.New("keystore error")
)

// ValidationError identifies the input field that failed validation.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Unwrap exposes ErrValidation and, when set, the more specific cause.
func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

func validationError(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

func cryptoFailure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCryptoFailure, err)
}
