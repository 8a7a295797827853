// Package settings provides the read-only branding (app name and logo)
// attached to outgoing OTP messages.
package settings

import (
	"context"
	"fmt"

	"github.com/knadh/otpmail/pkg/models"
	"github.com/redis/go-redis/v9"
)

// DefaultAppName is the app name used when none is configured.
const DefaultAppName = "otpmail"

// Static returns fixed branding, typically loaded from config.
type Static struct {
	b models.Branding
}

// NewStatic returns a Static provider. An empty app name is replaced
// with DefaultAppName. An empty logo is left empty.
func NewStatic(b models.Branding) *Static {
	if b.AppName == "" {
		b.AppName = DefaultAppName
	}
	return &Static{b: b}
}

// Branding returns the static branding.
func (s *Static) Branding(ctx context.Context) (models.Branding, error) {
	return s.b, nil
}

// Redis reads branding from a Redis hash with the fields app_name and
// app_logo so that it can be changed at runtime without a restart.
// Missing fields fall back to the defaults.
type Redis struct {
	client   *redis.Client
	key      string
	defaults models.Branding
}

// NewRedis returns a Redis backed branding provider reading from key.
func NewRedis(client *redis.Client, key string, defaults models.Branding) *Redis {
	if defaults.AppName == "" {
		defaults.AppName = DefaultAppName
	}
	return &Redis{client: client, key: key, defaults: defaults}
}

// Branding reads the branding hash.
func (r *Redis) Branding(ctx context.Context) (models.Branding, error) {
	vals, err := r.client.HMGet(ctx, r.key, "app_name", "app_logo").Result()
	if err != nil {
		return r.defaults, fmt.Errorf("error reading settings: %w", err)
	}

	out := r.defaults
	if v, ok := vals[0].(string); ok && v != "" {
		out.AppName = v
	}
	if v, ok := vals[1].(string); ok && v != "" {
		out.AppLogo = v
	}
	return out, nil
}
