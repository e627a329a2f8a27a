package captcha

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// Payload is the self-contained proof a client submits for verification: the
// challenge fields it was handed, echoed back unchanged, plus the number it
// found. It travels as base64-encoded JSON.
type Payload struct {
	Algorithm Algorithm `json:"algorithm"`
	Challenge string    `json:"challenge"`
	Number    int64     `json:"number"`
	Salt      string    `json:"salt"`
	Signature string    `json:"signature"`
	Expires   string    `json:"expires,omitempty"`
}

// Each way verification can fail gets its own error value. All of them mean
// "not valid"; the distinction exists for server-side logs only and must
// never be echoed to clients, who could otherwise tell a rejected forgery
// apart from a wrong answer.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrExpired          = errors.New("challenge expired")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrWrongSolution    = errors.New("wrong solution")
	ErrReplayed         = errors.New("payload already used")
)

// decodePayload decodes and structurally validates a base64 payload string.
// Any defect is ErrMalformedPayload; bad input from clients is an expected
// outcome, not a fault.
func decodePayload(payload string) (Payload, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Payload{}, ErrMalformedPayload
	}

	// Number is decoded through a pointer so that a payload which omits the
	// field entirely is diagnosed as malformed, not as a wrong answer of 0.
	var raw struct {
		Algorithm Algorithm `json:"algorithm"`
		Challenge string    `json:"challenge"`
		Number    *int64    `json:"number"`
		Salt      string    `json:"salt"`
		Signature string    `json:"signature"`
		Expires   string    `json:"expires"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Payload{}, ErrMalformedPayload
	}

	if _, ok := raw.Algorithm.hashNew(); !ok {
		return Payload{}, ErrMalformedPayload
	}

	if raw.Challenge == "" || raw.Salt == "" || raw.Signature == "" ||
		raw.Number == nil || *raw.Number < 0 {
		return Payload{}, ErrMalformedPayload
	}

	return Payload{
		Algorithm: raw.Algorithm,
		Challenge: raw.Challenge,
		Number:    *raw.Number,
		Salt:      raw.Salt,
		Signature: raw.Signature,
		Expires:   raw.Expires,
	}, nil
}

// expiresAt returns the parsed expiry, or the zero time when the payload
// carries none.
func (p Payload) expiresAt() (time.Time, error) {
	if p.Expires == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, p.Expires)
	if err != nil {
		return time.Time{}, ErrMalformedPayload
	}

	return t, nil
}

// Encode renders the Payload the way clients are expected to submit it.
func (p Payload) Encode() string {
	b, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

// VerifySolution checks a client-submitted payload against the signing key.
// A nil return means the payload is a valid solution to a challenge this key
// signed; otherwise one of the Err* values above is returned.
//
// Verification is a pure function of its arguments. The signature is checked
// before the solution so that a forged payload is never diagnosed as merely
// wrong, and both comparisons are constant-time.
func VerifySolution(key []byte, payload string, now time.Time) error {
	_, err := verifySolution(key, payload, now)
	return err
}

func verifySolution(key []byte, payload string, now time.Time) (Payload, error) {
	p, err := decodePayload(payload)
	if err != nil {
		return Payload{}, err
	}

	expiresAt, err := p.expiresAt()
	if err != nil {
		return Payload{}, err
	}

	if !expiresAt.IsZero() && now.After(expiresAt) {
		return Payload{}, ErrExpired
	}

	expectedSig := sign(key, p.Algorithm, p.Challenge, p.Salt, p.Expires)
	if !hmac.Equal([]byte(expectedSig), []byte(p.Signature)) {
		return Payload{}, ErrBadSignature
	}

	expectedHash := hashHex(p.Algorithm, p.Salt, p.Number)
	if subtle.ConstantTimeCompare([]byte(expectedHash), []byte(p.Challenge)) != 1 {
		return Payload{}, ErrWrongSolution
	}

	return p, nil
}
