package handlers

import (
	"fmt"
	"strconv"
	"time"

	"github.com/burgerlander/caddy-captcha/global"
	"github.com/burgerlander/caddy-captcha/internal/captcha"
	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
)

// CaptchaParams contains the challenge configuration fields and provisioning
// logic shared by the captcha handlers. Any field which is not set falls back
// to the value configured on the global captcha app, and failing that to the
// documented default.
type CaptchaParams struct {

	// Secret is used to sign each challenge. This string should never be
	// shared with clients, but _must_ be shared amongst all Caddy servers
	// which are serving the same domain, and must be at least 32 bytes long.
	//
	// Defaults to the secret of the global captcha app.
	Secret string `json:"secret,omitempty"`

	// Algorithm used to hash and sign challenges, one of "SHA-256", "SHA-384"
	// or "SHA-512".
	//
	// Defaults to "SHA-256".
	Algorithm string `json:"algorithm,omitempty"`

	// MaxNumber is the upper bound of each challenge's solution search space,
	// indicating how difficult each challenge will be to solve. A _higher_
	// MaxNumber is more difficult than a lower one.
	//
	// Defaults to 100000.
	MaxNumber int64 `json:"max_number,omitempty"`

	// SaltLength is the length of each challenge's salt, in characters.
	//
	// Defaults to 12.
	SaltLength int `json:"salt_length,omitempty"`

	// ChallengeTimeout indicates how long before challenges are considered
	// expired and cannot be solved.
	//
	// Defaults to 1h.
	ChallengeTimeout time.Duration `json:"challenge_timeout,omitempty"`

	mgr     captcha.Manager
	metrics *global.Metrics
}

func (p *CaptchaParams) provision(ctx caddy.Context, store captcha.Store) error {
	appIface, err := ctx.App("captcha")
	if err != nil {
		return fmt.Errorf("loading the captcha app: %w", err)
	}
	app := appIface.(*global.App)

	key := []byte(p.Secret)
	if len(key) == 0 {
		key = app.SigningKey()
	} else if err := global.ValidateSecret(p.Secret); err != nil {
		return err
	}

	opts := app.ManagerOpts()
	opts.Store = store

	if p.Algorithm != "" {
		if opts.Algorithm, err = captcha.ParseAlgorithm(p.Algorithm); err != nil {
			return err
		}
	}

	if p.MaxNumber != 0 {
		opts.MaxNumber = p.MaxNumber
	}

	if p.SaltLength != 0 {
		opts.SaltLength = p.SaltLength
	}

	if p.ChallengeTimeout != 0 {
		opts.ChallengeTimeout = p.ChallengeTimeout
	}

	p.mgr = captcha.NewManager(key, opts)
	p.metrics = app.Metrics()

	return nil
}

// parseCaddyfileBlock consumes the current Caddyfile token if it is one of
// the shared challenge configuration fields, returning false if the token
// was not recognized.
func (p *CaptchaParams) parseCaddyfileBlock(h httpcaddyfile.Helper) (bool, error) {
	switch h.Val() {
	case "secret":
		if !h.Args(&p.Secret) {
			return true, h.ArgErr()
		}

	case "algorithm":
		if !h.Args(&p.Algorithm) {
			return true, h.ArgErr()
		}

	case "max_number":
		if !h.NextArg() {
			return true, h.ArgErr()
		}

		maxNumber, err := strconv.ParseInt(h.Val(), 0, 64)
		if err != nil {
			return true, fmt.Errorf("parsing %q as an int64: %w", h.Val(), err)
		}

		p.MaxNumber = maxNumber

	case "salt_length":
		if !h.NextArg() {
			return true, h.ArgErr()
		}

		saltLength, err := strconv.Atoi(h.Val())
		if err != nil {
			return true, fmt.Errorf("parsing %q as an int: %w", h.Val(), err)
		}

		p.SaltLength = saltLength

	case "challenge_timeout":
		if !h.NextArg() {
			return true, h.ArgErr()
		}

		timeout, err := time.ParseDuration(h.Val())
		if err != nil {
			return true, fmt.Errorf("parsing %q as timeout: %w", h.Val(), err)
		}

		p.ChallengeTimeout = timeout

	default:
		return false, nil
	}

	return true, nil
}
