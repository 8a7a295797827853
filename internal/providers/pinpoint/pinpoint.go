// Package pinpoint delivers OTP e-mails through the AWS Pinpoint
// e-mail channel.
package pinpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/knadh/otpmail/pkg/models"
)

const (
	providerID  = "pinpoint"
	channelName = "E-mail"
	charset     = "UTF-8"

	// SES, which backs the Pinpoint e-mail channel, caps messages at 10 MB.
	maxBodyLen = 10 * 1024 * 1024
)

// sender is the subset of the Pinpoint client used for sending.
type sender interface {
	SendMessages(ctx context.Context, in *pinpoint.SendMessagesInput, optFns ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error)
}

// Pinpoint implements the AWS Pinpoint e-mail provider.
type Pinpoint struct {
	cfg Config
	p   sender
}

// Config contains the Pinpoint provider configuration.
type Config struct {
	ApplicationID string        `json:"application_id"`
	AccessKey     string        `json:"access_key"`
	SecretKey     string        `json:"secret_key"`
	Region        string        `json:"region"`
	FromEmail     string        `json:"from_email"`
	Timeout       time.Duration `json:"timeout"`
}

// New returns a Pinpoint e-mail provider.
func New(cfg Config) (*Pinpoint, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	return &Pinpoint{cfg: cfg, p: pinpoint.NewFromConfig(awsCfg)}, nil
}

func (c *Config) validate() error {
	if c.ApplicationID == "" {
		return errors.New("invalid application_id")
	}
	if c.Region == "" {
		return errors.New("invalid region")
	}
	if c.AccessKey == "" {
		return errors.New("invalid access_key")
	}
	if c.SecretKey == "" {
		return errors.New("invalid secret_key")
	}
	if err := models.ValidateEmail(c.FromEmail); err != nil {
		return fmt.Errorf("invalid from_email: %v", err)
	}
	if c.Timeout.Seconds() < 1 {
		c.Timeout = time.Second * 5
	}
	return nil
}

// ID returns the Provider's ID.
func (p *Pinpoint) ID() string {
	return providerID
}

// ChannelName returns the Provider's name.
func (p *Pinpoint) ChannelName() string {
	return channelName
}

// ValidateAddress "validates" an e-mail address.
func (p *Pinpoint) ValidateAddress(to string) error {
	return models.ValidateEmail(to)
}

// Push sends the e-mail through Pinpoint.
func (p *Pinpoint) Push(msg models.Message, subject string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	out, err := p.p.SendMessages(ctx, p.makeInput(msg.To, subject, body))
	if err != nil {
		return err
	}

	// Per-address failures are reported in the response and not as errors.
	if out.MessageResponse != nil {
		if r, ok := out.MessageResponse.Result[msg.To]; ok && r.DeliveryStatus != types.DeliveryStatusSuccessful {
			return fmt.Errorf("pinpoint delivery failed: %s: %s", r.DeliveryStatus, aws.ToString(r.StatusMessage))
		}
	}

	return nil
}

// MaxBodyLen returns the max permitted body size.
func (p *Pinpoint) MaxBodyLen() int {
	return maxBodyLen
}

func (p *Pinpoint) makeInput(to, subject string, body []byte) *pinpoint.SendMessagesInput {
	return &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				to: {
					ChannelType: types.ChannelTypeEmail,
				},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{
				EmailMessage: &types.EmailMessage{
					FromAddress: aws.String(p.cfg.FromEmail),
					SimpleEmail: &types.SimpleEmail{
						Subject:  &types.SimpleEmailPart{Charset: aws.String(charset), Data: aws.String(subject)},
						HtmlPart: &types.SimpleEmailPart{Charset: aws.String(charset), Data: aws.String(string(body))},
					},
				},
			},
		},
	}
}
