package store

import (
	"context"
	"errors"

	"github.com/knadh/otpmail/pkg/models"
)

var (
	// ErrNotExist is thrown when there's no OTP matching a lookup.
	ErrNotExist = errors.New("the OTP does not exist")

	// ErrAlreadyUsed is thrown by MarkUsed when the OTP has already been
	// consumed, possibly by a concurrent verification.
	ErrAlreadyUsed = errors.New("the OTP is already used")
)

// Store represents an append-only storage backend for OTP records.
// Records are never deleted.
type Store interface {
	// Insert creates a new unused record for otp.Email and otp.Purpose
	// with otp.Hash and otp.ExpiresAt. The store assigns the ID, the
	// ordering sequence and CreatedAt.
	Insert(ctx context.Context, otp models.OTP) (models.OTP, error)

	// FindLatestUnused returns the newest unused record for the email
	// and purpose, or ErrNotExist.
	FindLatestUnused(ctx context.Context, email string, purpose models.Purpose) (models.OTP, error)

	// MarkUsed atomically flips an OTP from unused to used. Of any number
	// of concurrent calls for the same ID, exactly one returns nil and the
	// rest get ErrAlreadyUsed.
	MarkUsed(ctx context.Context, id string) error

	// Ping checks if store is reachable.
	Ping(ctx context.Context) error
}
