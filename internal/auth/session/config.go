package session

import (
	"os"
	"time"
)

// Config defines all runtime configuration for the session subsystem.
//
// It controls token TTLs, clock skew tolerance, the sweep interval for the
// expired-session maintenance task, and the two signing secrets. Access and
// refresh tokens are signed with distinct secrets so one compromised key
// never validates the other chain.
//
// This struct is intentionally explicit and environment-driven so that
// production deployments can tune security parameters without code changes.
type Config struct {
	// Issuer is the value set in the "iss" claim of every token.
	Issuer string

	// Audience is the value set in the "aud" claim of every token.
	Audience string

	// AccessTokenTTL defines the lifetime of access tokens.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL defines the lifetime of refresh tokens and of the
	// session rows bound to them.
	RefreshTokenTTL time.Duration

	// Single-purpose token TTLs. These tokens sign with the access secret but
	// carry a distinct type marker; they are not part of the session chain.
	PasswordResetTTL time.Duration
	EmailVerifyTTL   time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// SweepInterval controls how often expired sessions are deactivated by
	// the background maintenance task.
	SweepInterval time.Duration

	// AccessSecret signs access and single-purpose tokens.
	AccessSecret string

	// RefreshSecret signs refresh tokens.
	RefreshSecret string
}

// DefaultConfig returns secure defaults. Secrets must still be provided.
func DefaultConfig() Config {
	return Config{
		Issuer:           "stride",
		Audience:         "stride-clients",
		AccessTokenTTL:   15 * time.Minute,
		RefreshTokenTTL:  30 * 24 * time.Hour,
		PasswordResetTTL: 1 * time.Hour,
		EmailVerifyTTL:   24 * time.Hour,
		ClockSkew:        30 * time.Second,
		SweepInterval:    1 * time.Hour,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - STRIDE_AUTH_ACCESS_SECRET
//   - STRIDE_AUTH_REFRESH_SECRET
//
// Optional (durations must be valid Go duration strings):
//   - STRIDE_AUTH_ISSUER
//   - STRIDE_AUTH_AUDIENCE
//   - STRIDE_AUTH_ACCESS_TTL
//   - STRIDE_AUTH_REFRESH_TTL
//   - STRIDE_AUTH_PASSWORD_RESET_TTL
//   - STRIDE_AUTH_EMAIL_VERIFY_TTL
//   - STRIDE_AUTH_CLOCK_SKEW
//   - STRIDE_AUTH_SWEEP_INTERVAL
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("STRIDE_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}
	if v := os.Getenv("STRIDE_AUTH_AUDIENCE"); v != "" {
		cfg.Audience = v
	}

	for _, f := range []struct {
		key     string
		dst     *time.Duration
		allow0  bool
	}{
		{"STRIDE_AUTH_ACCESS_TTL", &cfg.AccessTokenTTL, false},
		{"STRIDE_AUTH_REFRESH_TTL", &cfg.RefreshTokenTTL, false},
		{"STRIDE_AUTH_PASSWORD_RESET_TTL", &cfg.PasswordResetTTL, false},
		{"STRIDE_AUTH_EMAIL_VERIFY_TTL", &cfg.EmailVerifyTTL, false},
		{"STRIDE_AUTH_CLOCK_SKEW", &cfg.ClockSkew, true},
		{"STRIDE_AUTH_SWEEP_INTERVAL", &cfg.SweepInterval, false},
	} {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 || (d == 0 && !f.allow0) {
			return Config{}, ErrConfig
		}
		*f.dst = d
	}

	cfg.AccessSecret = os.Getenv("STRIDE_AUTH_ACCESS_SECRET")
	cfg.RefreshSecret = os.Getenv("STRIDE_AUTH_REFRESH_SECRET")

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.AccessSecret == "" || c.RefreshSecret == "" {
		return ErrConfig
	}
	if c.AccessSecret == c.RefreshSecret {
		// Distinct secrets are the whole point of the two-chain model.
		return ErrConfig
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= c.AccessTokenTTL {
		return ErrConfig
	}
	return nil
}
