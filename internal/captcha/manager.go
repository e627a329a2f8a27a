package captcha

import (
	"time"

	"github.com/tilinna/clock"
)

// Manager is used to both produce CAPTCHA challenges and verify submitted
// solutions, with difficulty and expiry settings fixed at construction.
type Manager interface {
	NewChallenge() (Challenge, error)

	// Will produce one of the Err* values if the payload does not verify.
	VerifySolution(payload string) error
}

// ManagerOpts are optional parameters to the NewManager function. A nil value
// is equivalent to a zero value.
type ManagerOpts struct {

	// Algorithm used for hashing and signing.
	//
	// Defaults to SHA-256.
	Algorithm Algorithm

	// MaxNumber is the upper bound of the solution search space. A _higher_
	// MaxNumber is more difficult than a lower one.
	//
	// Defaults to 100000.
	MaxNumber int64

	// SaltLength is the length of each challenge's salt, in hex characters.
	//
	// Defaults to 12.
	SaltLength int

	// ChallengeTimeout indicates how long before challenges are considered
	// expired and their solutions no longer verify.
	//
	// Defaults to 1 hour.
	ChallengeTimeout time.Duration

	// Store, if given, is consulted after a payload verifies so that the same
	// payload cannot be accepted twice. Verification itself never reads it.
	Store Store

	// Clock is used for controlling the view of time.
	//
	// Defaults to clock.Realtime().
	Clock clock.Clock
}

func (o *ManagerOpts) withDefaults() *ManagerOpts {
	if o == nil {
		o = new(ManagerOpts)
	}

	if o.Algorithm == "" {
		o.Algorithm = SHA256
	}

	if o.MaxNumber == 0 {
		o.MaxNumber = 100000
	}

	if o.SaltLength == 0 {
		o.SaltLength = 12
	}

	if o.ChallengeTimeout == 0 {
		o.ChallengeTimeout = 1 * time.Hour
	}

	if o.Clock == nil {
		o.Clock = clock.Realtime()
	}

	return o
}

type manager struct {
	key  []byte
	opts *ManagerOpts
}

// NewManager initializes and returns a Manager instance using the given
// parameters.
//
// The key is used to sign challenges and should never be shared with clients.
func NewManager(key []byte, opts *ManagerOpts) Manager {
	return &manager{key, opts.withDefaults()}
}

func (m *manager) NewChallenge() (Challenge, error) {
	return CreateChallenge(ChallengeOptions{
		Key:        m.key,
		Algorithm:  m.opts.Algorithm,
		MaxNumber:  m.opts.MaxNumber,
		SaltLength: m.opts.SaltLength,
		Expires:    m.opts.Clock.Now().Add(m.opts.ChallengeTimeout),
	})
}

func (m *manager) VerifySolution(payload string) error {
	now := m.opts.Clock.Now()

	p, err := verifySolution(m.key, payload, now)
	if err != nil {
		return err
	}

	if m.opts.Store != nil {
		expiresAt, _ := p.expiresAt()
		if expiresAt.IsZero() {
			expiresAt = now.Add(m.opts.ChallengeTimeout)
		}

		if !m.opts.Store.MarkUsed(p.Signature, expiresAt) {
			return ErrReplayed
		}
	}

	return nil
}
