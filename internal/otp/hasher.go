package otp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	HashBcrypt   = "bcrypt"
	HashArgon2id = "argon2id"
)

// Hasher hashes codes one-way for storage and compares submitted
// plaintext against a stored digest. The context is checked before the
// expensive work starts.
type Hasher interface {
	Hash(ctx context.Context, plaintext string) (string, error)
	Compare(ctx context.Context, plaintext, digest string) (bool, error)
}

// HasherOpt holds the hasher configuration.
type HasherOpt struct {
	Algo string `json:"algo"`

	// Optional server side secret. When set, the plaintext is replaced by
	// its hex HMAC-SHA256 keyed with the pepper before hashing, so any
	// pepper length fits within bcrypt's 72 byte input limit. It's kept
	// in config and never stored alongside the digests.
	Pepper string `json:"pepper"`

	// bcrypt work factor.
	Cost int `json:"cost"`

	// Max number of hash operations running at once. 0 = unlimited.
	Concurrency int `json:"concurrency"`
}

// NewHasher returns a Hasher for the configured algorithm.
func NewHasher(o HasherOpt) (Hasher, error) {
	switch o.Algo {
	case HashBcrypt, "":
		return NewBcrypt(o.Cost, o.Pepper, o.Concurrency), nil
	case HashArgon2id:
		return NewArgon2id(o.Pepper, o.Concurrency), nil
	}

	return nil, fmt.Errorf("unknown hash algorithm '%s'", o.Algo)
}

// Bcrypt implements Hasher using bcrypt. bcrypt salts every hash.
type Bcrypt struct {
	cost   int
	pepper string
	lim    limiter
}

// NewBcrypt returns a bcrypt based Hasher. An invalid cost falls back to
// bcrypt.DefaultCost. concurrency bounds parallel hash operations.
func NewBcrypt(cost int, pepper string, concurrency int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost, pepper: pepper, lim: newLimiter(concurrency)}
}

// Hash hashes plaintext using bcrypt.
func (h *Bcrypt) Hash(ctx context.Context, plaintext string) (string, error) {
	release, err := h.lim.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	b, err := bcrypt.GenerateFromPassword(pepper(h.pepper, plaintext), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare tells if plaintext matches the bcrypt digest.
func (h *Bcrypt) Compare(ctx context.Context, plaintext, digest string) (bool, error) {
	release, err := h.lim.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	err = bcrypt.CompareHashAndPassword([]byte(digest), pepper(h.pepper, plaintext))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}

// Argon2id implements Hasher using Argon2id with a random 16 byte salt
// per hash, encoded in the PHC string format.
type Argon2id struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
	pepper      string
	lim         limiter
}

// NewArgon2id returns an Argon2id Hasher.
func NewArgon2id(pepper string, concurrency int) *Argon2id {
	return &Argon2id{
		memory:      32 * 1024,
		iterations:  3,
		parallelism: 2,
		saltLength:  16,
		keyLength:   32,
		pepper:      pepper,
		lim:         newLimiter(concurrency),
	}
}

// Hash hashes plaintext using Argon2id.
func (a *Argon2id) Hash(ctx context.Context, plaintext string) (string, error) {
	release, err := a.lim.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	salt := make([]byte, a.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("error generating salt: %w", err)
	}

	key := argon2.IDKey(pepper(a.pepper, plaintext), salt, a.iterations, a.memory, a.parallelism, a.keyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, a.memory, a.iterations, a.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Compare tells if plaintext matches the Argon2id digest. The parameters
// are read from the digest so that older digests keep verifying after
// the defaults change.
func (a *Argon2id) Compare(ctx context.Context, plaintext, digest string) (bool, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New("invalid argon2id digest")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, errors.New("unsupported argon2id version")
	}

	var (
		memory, iterations uint32
		parallelism        uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("invalid argon2id params: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}

	release, err := a.lim.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	got := argon2.IDKey(pepper(a.pepper, plaintext), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// pepper returns the hex encoded HMAC-SHA256 of plaintext keyed with key,
// or plaintext as is if key is empty.
func pepper(key, plaintext string) []byte {
	if key == "" {
		return []byte(plaintext)
	}

	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(plaintext))
	sum := h.Sum(nil)

	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

// limiter is a counting semaphore that bounds concurrent hash operations.
// A nil limiter only checks the context.
type limiter chan struct{}

func newLimiter(n int) limiter {
	if n < 1 {
		return nil
	}
	return make(limiter, n)
}

func (l limiter) acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l == nil {
		return func() {}, nil
	}

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
