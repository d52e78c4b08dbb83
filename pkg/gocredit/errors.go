package gocredit

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameters is returned for malformed or missing input
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrInsufficientCredits is returned when the active balance cannot cover a deduction
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrSessionNotFound is returned when no active session matches the user and session ID.
	// Absent, already finished and foreign sessions are deliberately indistinguishable.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when a session ID is reused by the same user
	ErrSessionExists = errors.New("session already exists")

	// ErrDuplicateAllocation is returned when an allocation with the same ID (idempotency key) exists
	ErrDuplicateAllocation = errors.New("allocation already exists")

	// ErrPersistenceFailure is returned when the storage layer fails
	ErrPersistenceFailure = errors.New("persistence failure")
)

// IsDomainError reports whether err is a business-rule outcome rather than a storage fault.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrInvalidParameters) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionExists) ||
		errors.Is(err, ErrDuplicateAllocation)
}

// persistenceError tags storage faults with ErrPersistenceFailure and keeps the cause.
func persistenceError(op string, err error) error {
	if err == nil || IsDomainError(err) || errors.Is(err, ErrPersistenceFailure) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistenceFailure, err)
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameters, fmt.Sprintf(format, args...))
}
