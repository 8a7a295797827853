package otp

import (
	"context"
	"fmt"
	"time"

	"github.com/knadh/otpmail/internal/store"
	"github.com/knadh/otpmail/pkg/models"
	"github.com/zerodha/logf"
)

// Opt contains the dependencies and options of an Issuer.
type Opt struct {
	Generator  *Generator
	Hasher     Hasher
	Store      store.Store
	Settings   Settings
	Dispatcher Dispatcher

	// Branding used when the Settings lookup fails.
	Branding models.Branding

	// Lifetime of issued codes. 0 disables expiry.
	TTL time.Duration
}

// Issuer issues new OTPs: generate, hash, persist and then hand the
// plaintext to the dispatcher.
type Issuer struct {
	opt Opt
	lo  logf.Logger
	now func() time.Time
}

// NewIssuer returns a new Issuer.
func NewIssuer(o Opt, lo logf.Logger) *Issuer {
	if o.Generator == nil {
		o.Generator = NewGenerator(DefaultCodeLen)
	}

	return &Issuer{
		opt: o,
		lo:  lo,
		now: time.Now,
	}
}

// Issue generates and stores a new OTP for the email and purpose, and
// dispatches the plaintext code. The returned record is persisted
// regardless of whether delivery succeeds. Delivery errors are logged
// and never returned.
//
// The plaintext code is returned for callers that deliver it themselves
// (and for tests). It should never be exposed over a public API.
func (i *Issuer) Issue(ctx context.Context, email string, purpose models.Purpose) (models.OTP, string, error) {
	code, err := i.opt.Generator.Generate()
	if err != nil {
		return models.OTP{}, "", fmt.Errorf("error generating OTP: %w", err)
	}

	hash, err := i.opt.Hasher.Hash(ctx, code)
	if err != nil {
		return models.OTP{}, "", fmt.Errorf("%w: %v", ErrHashing, err)
	}

	rec := models.OTP{
		Email:   email,
		Purpose: purpose,
		Hash:    hash,
	}
	if i.opt.TTL > 0 {
		rec.ExpiresAt = i.now().Add(i.opt.TTL)
	}

	out, err := i.opt.Store.Insert(ctx, rec)
	if err != nil {
		return models.OTP{}, "", fmt.Errorf("error storing OTP: %w", err)
	}

	// The OTP is committed at this point. Nothing below can fail issuance.
	i.dispatch(ctx, out, code)

	return out, code, nil
}

func (i *Issuer) dispatch(ctx context.Context, otp models.OTP, code string) {
	if i.opt.Dispatcher == nil {
		return
	}

	msg := models.Message{
		To:       otp.Email,
		Code:     code,
		Purpose:  otp.Purpose,
		Branding: i.branding(ctx),
		TTL:      i.opt.TTL,
	}
	if err := i.opt.Dispatcher.Dispatch(ctx, msg); err != nil {
		i.lo.Error("error dispatching OTP", "error", err, "id", otp.ID, "purpose", otp.Purpose)
	}
}

func (i *Issuer) branding(ctx context.Context) models.Branding {
	if i.opt.Settings == nil {
		return i.opt.Branding
	}

	b, err := i.opt.Settings.Branding(ctx)
	if err != nil {
		i.lo.Warn("error looking up branding, using defaults", "error", err)
		return i.opt.Branding
	}
	return b
}
