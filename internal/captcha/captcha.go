// Package captcha creates stateless proof-of-work CAPTCHA challenges and
// verifies their solutions.
//
// A challenge is a target hash which the client must match by brute-forcing
// numbers in a known range, plus an HMAC signature binding the challenge
// parameters to a server-held secret. Verification recomputes everything from
// the payload the client echoes back, so no record of an issued challenge is
// kept anywhere.
package captcha

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/burgerlander/caddy-captcha/internal/toolkit"
)

// Algorithm identifies the hash function used for both the challenge target
// hash and the HMAC signature.
type Algorithm string

// Supported algorithms. Anything else is rejected at challenge creation.
const (
	SHA256 Algorithm = "SHA-256"
	SHA384 Algorithm = "SHA-384"
	SHA512 Algorithm = "SHA-512"
)

// ParseAlgorithm validates s against the supported algorithm enumeration.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(s)
	if _, ok := a.hashNew(); !ok {
		return "", fmt.Errorf("unsupported algorithm %q", s)
	}
	return a, nil
}

func (a Algorithm) hashNew() (func() hash.Hash, bool) {
	switch a {
	case SHA256:
		return sha256.New, true
	case SHA384:
		return sha512.New384, true
	case SHA512:
		return sha512.New, true
	default:
		return nil, false
	}
}

// ChallengeOptions are the parameters to CreateChallenge. All fields except
// Expires are required.
type ChallengeOptions struct {

	// Key is used to sign the challenge. It should never be shared with
	// clients, but must be shared amongst all servers which verify each
	// other's challenges. Callers should enforce a sensible minimum length,
	// 32 bytes or more.
	Key []byte

	// Algorithm to hash and sign with.
	Algorithm Algorithm

	// MaxNumber is the upper bound (inclusive) of the solution search space.
	// A higher value means more work for the solver.
	MaxNumber int64

	// SaltLength is the length, in hex characters, of the random salt.
	SaltLength int

	// Expires, if non-zero, is baked into the signature; payloads submitted
	// after this moment will not verify.
	Expires time.Time
}

// Challenge is the set of fields presented to a client, with which it must
// produce a solution.
//
// Producing a solution is done by hashing Salt concatenated with the decimal
// representation of each candidate number from 0 through MaxNumber until the
// hex digest equals Challenge. The matching number, repackaged together with
// the echoed challenge fields into a Payload, is the solution.
type Challenge struct {
	Algorithm Algorithm `json:"algorithm"`
	Challenge string    `json:"challenge"`
	Salt      string    `json:"salt"`
	Signature string    `json:"signature"`
	MaxNumber int64     `json:"maxnumber"`
	Expires   string    `json:"expires,omitempty"`
}

// hashHex returns the hex digest of salt+number under the given algorithm.
// The caller has already checked that the algorithm is supported.
func hashHex(algorithm Algorithm, salt string, number int64) string {
	hashNew, _ := algorithm.hashNew()
	h := hashNew()
	h.Write([]byte(salt))
	h.Write([]byte(strconv.FormatInt(number, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// The signed form takes the shape:
//
//	(version)|(algorithm)|(challenge hash)|(salt)|(expiry)
//
// Version is currently always 1. Expiry is the RFC 3339 UTC timestamp, or
// empty when the challenge never expires. The field order and separator are
// fixed so that independent generators and verifiers agree byte-for-byte on
// what was signed.
func writeCanonical(buf *bytes.Buffer, algorithm Algorithm, challenge, salt, expires string) {
	buf.WriteString("1|")
	buf.WriteString(string(algorithm))
	buf.WriteByte('|')
	buf.WriteString(challenge)
	buf.WriteByte('|')
	buf.WriteString(salt)
	buf.WriteByte('|')
	buf.WriteString(expires)
}

func sign(key []byte, algorithm Algorithm, challenge, salt, expires string) string {
	buf, done := toolkit.GetBuffer()
	defer done()

	writeCanonical(buf, algorithm, challenge, salt, expires)

	hashNew, _ := algorithm.hashNew()
	h := hmac.New(hashNew, key)
	h.Write(buf.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}

func newSalt(length int) (string, error) {
	b := make([]byte, (length+1)/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b)[:length], nil
}

// CreateChallenge generates a fresh Challenge from the given options. The
// secret number chosen during generation is discarded; only its hash leaves
// this function.
//
// An error is only returned for invalid options or if the system's random
// source fails, never as a function of prior state.
func CreateChallenge(opts ChallengeOptions) (Challenge, error) {
	if len(opts.Key) == 0 {
		return Challenge{}, errors.New("key is required")
	}

	if _, ok := opts.Algorithm.hashNew(); !ok {
		return Challenge{}, fmt.Errorf("unsupported algorithm %q", opts.Algorithm)
	}

	// The upper bound is excluded so that MaxNumber+1, the size of the
	// search space, stays representable.
	if opts.MaxNumber <= 0 || opts.MaxNumber == math.MaxInt64 {
		return Challenge{}, fmt.Errorf("max number out of range, got %d", opts.MaxNumber)
	}

	if opts.SaltLength <= 0 {
		return Challenge{}, fmt.Errorf("salt length must be positive, got %d", opts.SaltLength)
	}

	salt, err := newSalt(opts.SaltLength)
	if err != nil {
		return Challenge{}, fmt.Errorf("generating salt: %w", err)
	}

	number, err := rand.Int(rand.Reader, big.NewInt(opts.MaxNumber+1))
	if err != nil {
		return Challenge{}, fmt.Errorf("choosing secret number: %w", err)
	}

	var expires string
	if !opts.Expires.IsZero() {
		expires = opts.Expires.UTC().Format(time.RFC3339)
	}

	challenge := hashHex(opts.Algorithm, salt, number.Int64())

	return Challenge{
		Algorithm: opts.Algorithm,
		Challenge: challenge,
		Salt:      salt,
		Signature: sign(opts.Key, opts.Algorithm, challenge, salt, expires),
		MaxNumber: opts.MaxNumber,
		Expires:   expires,
	}, nil
}

// Solve brute-forces a solution to the given Challenge and returns the
// Payload which should verify against it. This may take a while. Solving is
// normally the client's job; this helper exists for tests and local tooling.
func Solve(c Challenge) (Payload, bool) {
	hashNew, ok := c.Algorithm.hashNew()
	if !ok {
		return Payload{}, false
	}

	var (
		h   = hashNew()
		sum = make([]byte, 0, h.Size())
	)

	for n := int64(0); n <= c.MaxNumber; n++ {
		h.Reset()
		h.Write([]byte(c.Salt))
		h.Write([]byte(strconv.FormatInt(n, 10)))
		sum = h.Sum(sum[:0])

		if hex.EncodeToString(sum) == c.Challenge {
			return Payload{
				Algorithm: c.Algorithm,
				Challenge: c.Challenge,
				Number:    n,
				Salt:      c.Salt,
				Signature: c.Signature,
				Expires:   c.Expires,
			}, true
		}
	}

	return Payload{}, false
}
