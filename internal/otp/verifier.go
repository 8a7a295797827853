package otp

import (
	"context"
	"errors"
	"time"

	"github.com/knadh/otpmail/internal/store"
	"github.com/knadh/otpmail/pkg/models"
	"github.com/zerodha/logf"
)

// Verifier checks submitted codes against pending OTPs and consumes
// them on a match.
type Verifier struct {
	store  store.Store
	hasher Hasher
	lo     logf.Logger
	now    func() time.Time
}

// NewVerifier returns a new Verifier.
func NewVerifier(st store.Store, h Hasher, lo logf.Logger) *Verifier {
	return &Verifier{
		store:  st,
		hasher: h,
		lo:     lo,
		now:    time.Now,
	}
}

// Verify checks code against the newest unused OTP for the email and
// purpose. A nil error means the code was correct and the OTP has now
// been consumed. It returns ErrNoPendingCode if there's no unused,
// unexpired OTP and ErrCodeMismatch if the code is wrong or the OTP was
// consumed by a concurrent Verify. A mismatch doesn't consume the OTP.
func (v *Verifier) Verify(ctx context.Context, email string, purpose models.Purpose, code string) error {
	otp, err := v.store.FindLatestUnused(ctx, email, purpose)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return ErrNoPendingCode
		}
		return err
	}

	if otp.Expired(v.now()) {
		v.lo.Debug("OTP expired", "id", otp.ID, "expires_at", otp.ExpiresAt)
		return ErrNoPendingCode
	}

	ok, err := v.hasher.Compare(ctx, code, otp.Hash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCodeMismatch
	}

	if err := v.store.MarkUsed(ctx, otp.ID); err != nil {
		if errors.Is(err, store.ErrAlreadyUsed) || errors.Is(err, store.ErrNotExist) {
			v.lo.Debug("OTP consumed concurrently", "id", otp.ID)
			return ErrCodeMismatch
		}
		return err
	}

	return nil
}
