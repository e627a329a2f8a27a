// Package global is used to set up a global captcha App, which carries the
// signing secret and difficulty defaults shared by all captcha handlers, as
// well as process-wide metrics.
package global

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/burgerlander/caddy-captcha/internal/captcha"
	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
)

func init() {
	caddy.RegisterModule(App{})
	httpcaddyfile.RegisterGlobalOption("captcha", parseApp)
}

// MinSecretLength is the minimum length, in bytes, of an explicitly
// configured signing secret.
const MinSecretLength = 32

// ValidateSecret checks an explicitly configured signing secret against the
// minimum length policy.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf(
			"secret must be at least %d bytes, got %d",
			MinSecretLength, len(secret),
		)
	}
	return nil
}

// App holds the configuration shared by all captcha handlers within a running
// Caddy instance. Individual handlers inherit these values unless they set
// their own.
type App struct {

	// Secret is used to sign challenges. It should never be shared with
	// clients, but _must_ be shared amongst all Caddy servers which verify
	// each other's challenges, and must be at least 32 bytes long.
	//
	// If not given then one will be generated on startup. Note that in this
	// case restarting Caddy will invalidate all outstanding challenges.
	Secret string `json:"secret,omitempty"`

	// Algorithm used to hash and sign challenges, one of "SHA-256", "SHA-384"
	// or "SHA-512".
	//
	// Defaults to "SHA-256".
	Algorithm string `json:"algorithm,omitempty"`

	// MaxNumber is the upper bound of each challenge's solution search space.
	// A _higher_ MaxNumber is more difficult than a lower one.
	//
	// Defaults to 100000.
	MaxNumber int64 `json:"max_number,omitempty"`

	// SaltLength is the length of each challenge's salt, in characters.
	//
	// Defaults to 12.
	SaltLength int `json:"salt_length,omitempty"`

	// ChallengeTimeout indicates how long before challenges are considered
	// expired and their solutions no longer verify.
	//
	// Defaults to 1h.
	ChallengeTimeout caddy.Duration `json:"challenge_timeout,omitempty"`

	// ReplayProtection, if true, remembers every accepted payload until its
	// expiry so that it cannot be submitted twice. The memory used grows with
	// the rate of accepted payloads.
	ReplayProtection bool `json:"replay_protection,omitempty"`

	secret  []byte
	store   captcha.Store
	metrics Metrics
}

func (App) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "captcha",
		New: func() caddy.Module { return new(App) },
	}
}

func (a *App) Start() error { return nil }

func (a *App) Stop() error {
	if a.store == nil {
		return nil
	}

	if err := a.store.Close(); err != nil {
		return fmt.Errorf("closing the replay store: %w", err)
	}
	return nil
}

func (a *App) Provision(ctx caddy.Context) error {
	a.secret = []byte(a.Secret)
	if len(a.secret) == 0 {
		a.secret = make([]byte, MinSecretLength)
		if _, err := rand.Read(a.secret); err != nil {
			return fmt.Errorf("generating secret value: %w", err)
		}
	} else if err := ValidateSecret(a.Secret); err != nil {
		return err
	}

	if a.Algorithm != "" {
		if _, err := captcha.ParseAlgorithm(a.Algorithm); err != nil {
			return err
		}
	}

	if a.ReplayProtection {
		a.store = captcha.NewMemoryStore(nil)
	}

	if err := a.metrics.provision(ctx); err != nil {
		return fmt.Errorf("provisioning metrics: %w", err)
	}

	return nil
}

// SigningKey returns the secret all handlers should sign and verify with.
func (a *App) SigningKey() []byte {
	return a.secret
}

// ManagerOpts returns a fresh ManagerOpts filled with the app-wide defaults.
// Callers may override individual fields before constructing a Manager.
func (a *App) ManagerOpts() *captcha.ManagerOpts {
	return &captcha.ManagerOpts{
		Algorithm:        captcha.Algorithm(a.Algorithm),
		MaxNumber:        a.MaxNumber,
		SaltLength:       a.SaltLength,
		ChallengeTimeout: time.Duration(a.ChallengeTimeout),
	}
}

// Store returns the process-wide replay store, or nil if replay protection is
// not enabled.
func (a *App) Store() captcha.Store {
	return a.store
}

// Metrics returns the process-wide captcha metrics.
func (a *App) Metrics() *Metrics {
	return &a.metrics
}

func (a *App) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	d.Next() // consume directive name
	for d.NextBlock(0) {
		switch d.Val() {
		case "secret":
			if !d.Args(&a.Secret) {
				return d.ArgErr()
			}

		case "algorithm":
			if !d.Args(&a.Algorithm) {
				return d.ArgErr()
			}

		case "max_number":
			if !d.NextArg() {
				return d.ArgErr()
			}

			maxNumber, err := strconv.ParseInt(d.Val(), 0, 64)
			if err != nil {
				return fmt.Errorf("parsing %q as an int64: %w", d.Val(), err)
			}

			a.MaxNumber = maxNumber

		case "salt_length":
			if !d.NextArg() {
				return d.ArgErr()
			}

			saltLength, err := strconv.Atoi(d.Val())
			if err != nil {
				return fmt.Errorf("parsing %q as an int: %w", d.Val(), err)
			}

			a.SaltLength = saltLength

		case "challenge_timeout":
			if !d.NextArg() {
				return d.ArgErr()
			}

			timeout, err := time.ParseDuration(d.Val())
			if err != nil {
				return fmt.Errorf("parsing %q as timeout: %w", d.Val(), err)
			}

			a.ChallengeTimeout = caddy.Duration(timeout)

		case "replay_protection":
			a.ReplayProtection = true

		default:
			return d.ArgErr()
		}
	}
	return nil
}

// parseApp is used to parse an App from a Caddyfile in the context of a
// global option. Syntax:
//
//	captcha {
//		# all parameters are optional
//		secret "some secret value"
//		algorithm SHA-256
//		max_number 100000
//		salt_length 12
//		challenge_timeout 1h
//		replay_protection
//	}
func parseApp(d *caddyfile.Dispenser, existingVal any) (any, error) {
	if existingVal != nil {
		return nil, errors.New("captcha app previously defined")
	}

	a := new(App)
	if err := a.UnmarshalCaddyfile(d); err != nil {
		return nil, err
	}

	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("json marshaling App %+v: %w", a, err)
	}

	return httpcaddyfile.App{
		Name:  "captcha",
		Value: json.RawMessage(b),
	}, nil
}
