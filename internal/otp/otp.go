// Package otp implements the OTP lifecycle: generating a random numeric
// code, hashing it for storage, issuing it to an address and verifying
// it exactly once.
package otp

import (
	"context"
	"errors"

	"github.com/knadh/otpmail/pkg/models"
)

var (
	// ErrNoPendingCode is returned when there's no unused (or unexpired)
	// OTP for an email and purpose.
	ErrNoPendingCode = errors.New("invalid or expired OTP")

	// ErrCodeMismatch is returned when the submitted code doesn't match
	// the pending OTP, or when the OTP was consumed concurrently.
	ErrCodeMismatch = errors.New("invalid OTP")

	// ErrHashing is returned when a code could not be hashed. Issuance
	// is aborted and nothing is stored.
	ErrHashing = errors.New("error hashing OTP")
)

// Dispatcher delivers a plaintext code to its destination.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg models.Message) error
}

// Settings looks up the branding attached to outgoing messages.
type Settings interface {
	Branding(ctx context.Context) (models.Branding, error)
}
