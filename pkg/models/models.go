package models

import (
	"errors"
	"regexp"
	"time"
)

// http://www.golangprograms.com/regular-expression-to-validate-email-address.html
var reMail = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")

// MaxEmailLen is the maximum accepted length of an e-mail address.
const MaxEmailLen = 254

// Purpose is the flow an OTP is issued for. A code issued for one
// purpose can never satisfy another.
type Purpose string

const (
	PurposeSignup         Purpose = "signup"
	PurposeForgotPassword Purpose = "forgot_password"
)

// ErrInvalidPurpose is returned when parsing an unknown purpose.
var ErrInvalidPurpose = errors.New("invalid purpose")

// ParsePurpose parses a purpose string. Both the stored form
// (forgot_password) and the URL form (forgot-password) are accepted.
func ParsePurpose(s string) (Purpose, error) {
	switch s {
	case "signup", "signup_verification", "signup-verification":
		return PurposeSignup, nil
	case "forgot_password", "forgot-password":
		return PurposeForgotPassword, nil
	}
	return "", ErrInvalidPurpose
}

// ValidateEmail "validates" an e-mail address.
func ValidateEmail(s string) error {
	if len(s) > MaxEmailLen || !reMail.MatchString(s) {
		return errors.New("invalid e-mail address")
	}
	return nil
}

// OTP is one issued code attempt. Hash holds the one-way digest of the
// code. The plaintext is never stored.
type OTP struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"-"`
	Email     string    `json:"email"`
	Purpose   Purpose   `json:"purpose"`
	Hash      string    `json:"-"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`

	// Zero values mean "never expires" and "not used".
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	UsedAt    time.Time `json:"used_at,omitempty"`
}

// Expired tells if the OTP has an expiry set and it has passed at t.
func (o OTP) Expired(t time.Time) bool {
	return !o.ExpiresAt.IsZero() && !t.Before(o.ExpiresAt)
}

// Branding is the presentation metadata sent along with a code.
type Branding struct {
	AppName string `json:"app_name"`
	AppLogo string `json:"app_logo"`
}

// Message is a single code delivery handed to a dispatcher.
type Message struct {
	To       string        `json:"to"`
	Code     string        `json:"code"`
	Purpose  Purpose       `json:"purpose"`
	Branding Branding      `json:"branding"`
	TTL      time.Duration `json:"-"`
}

// Provider is an interface for an e-mail messaging backend
// that delivers codes to users.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// ChannelName returns the name of the channel the provider is
	// delivering on, for example "E-mail".
	ChannelName() string

	// ValidateAddress validates the 'to' address the Provider
	// is supposed to send the OTP to.
	ValidateAddress(to string) error

	// Push pushes a rendered message out.
	Push(msg Message, subject string, body []byte) error

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Provider. 0 means no limit.
	MaxBodyLen() int
}
