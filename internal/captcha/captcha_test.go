package captcha

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-key-minimum-32-characters-long")

func testChallengeOptions() ChallengeOptions {
	return ChallengeOptions{
		Key:        testKey,
		Algorithm:  SHA256,
		MaxNumber:  100000,
		SaltLength: 12,
	}
}

// flipHexChar returns s with the hex character at i replaced by a different
// one.
func flipHexChar(s string, i int) string {
	b := []byte(s)
	if b[i] == '0' {
		b[i] = '1'
	} else {
		b[i] = '0'
	}
	return string(b)
}

func TestCreateChallenge(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		c, err := CreateChallenge(testChallengeOptions())
		require.NoError(t, err)

		assert.Equal(t, SHA256, c.Algorithm)
		assert.Len(t, c.Salt, 12)
		assert.Len(t, c.Challenge, 64) // hex sha256
		assert.Len(t, c.Signature, 64)
		assert.Equal(t, int64(100000), c.MaxNumber)
		assert.Empty(t, c.Expires)
	})

	t.Run("salt is unique per challenge", func(t *testing.T) {
		t.Parallel()
		a, err := CreateChallenge(testChallengeOptions())
		require.NoError(t, err)

		b, err := CreateChallenge(testChallengeOptions())
		require.NoError(t, err)

		assert.NotEqual(t, a.Salt, b.Salt)
	})

	t.Run("expiry is carried and signed", func(t *testing.T) {
		t.Parallel()
		opts := testChallengeOptions()
		opts.Expires = time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

		c, err := CreateChallenge(opts)
		require.NoError(t, err)
		assert.Equal(t, "2030-01-02T03:04:05Z", c.Expires)
	})

	t.Run("error/invalid options", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name   string
			mutate func(*ChallengeOptions)
		}{
			{"empty key", func(o *ChallengeOptions) { o.Key = nil }},
			{"unsupported algorithm", func(o *ChallengeOptions) { o.Algorithm = "MD5" }},
			{"zero max number", func(o *ChallengeOptions) { o.MaxNumber = 0 }},
			{"negative max number", func(o *ChallengeOptions) { o.MaxNumber = -1 }},
			{"max number whose search space overflows", func(o *ChallengeOptions) { o.MaxNumber = math.MaxInt64 }},
			{"zero salt length", func(o *ChallengeOptions) { o.SaltLength = 0 }},
		}

		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				opts := testChallengeOptions()
				test.mutate(&opts)

				_, err := CreateChallenge(opts)
				assert.Error(t, err)
			})
		}
	})
}

func TestHashDeterminism(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		hashHex(SHA256, "somesalt", 1234),
		hashHex(SHA256, "somesalt", 1234),
	)

	assert.Equal(t,
		sign(testKey, SHA256, "somechallenge", "somesalt", ""),
		sign(testKey, SHA256, "somechallenge", "somesalt", ""),
	)

	assert.NotEqual(t,
		sign(testKey, SHA256, "somechallenge", "somesalt", ""),
		sign(testKey, SHA256, "somechallenge", "somesalt", "2030-01-02T03:04:05Z"),
	)
}

func TestVerifySolution(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	solvedPayload := func(t *testing.T, opts ChallengeOptions) Payload {
		c, err := CreateChallenge(opts)
		require.NoError(t, err)

		p, ok := Solve(c)
		require.True(t, ok, "challenge must be solvable within its own bounds")
		return p
	}

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		p := solvedPayload(t, testChallengeOptions())
		assert.NoError(t, VerifySolution(testKey, p.Encode(), now))
	})

	t.Run("success/all algorithms", func(t *testing.T) {
		t.Parallel()
		for _, algorithm := range []Algorithm{SHA256, SHA384, SHA512} {
			t.Run(string(algorithm), func(t *testing.T) {
				opts := testChallengeOptions()
				opts.Algorithm = algorithm
				opts.MaxNumber = 1000

				p := solvedPayload(t, opts)
				assert.NoError(t, VerifySolution(testKey, p.Encode(), now))
			})
		}
	})

	t.Run("success/with future expiry", func(t *testing.T) {
		t.Parallel()
		opts := testChallengeOptions()
		opts.Expires = now.Add(time.Hour)

		p := solvedPayload(t, opts)
		assert.NoError(t, VerifySolution(testKey, p.Encode(), now))
	})

	t.Run("error/ErrExpired", func(t *testing.T) {
		t.Parallel()
		opts := testChallengeOptions()
		opts.Expires = now.Add(-time.Minute)

		p := solvedPayload(t, opts)
		assert.ErrorIs(t, VerifySolution(testKey, p.Encode(), now), ErrExpired)
	})

	t.Run("error/ErrBadSignature/different key", func(t *testing.T) {
		t.Parallel()
		p := solvedPayload(t, testChallengeOptions())

		otherKey := []byte("other-key-minimum-32-characters-long")
		assert.ErrorIs(t, VerifySolution(otherKey, p.Encode(), now), ErrBadSignature)
	})

	t.Run("error/ErrBadSignature/flipped hex character", func(t *testing.T) {
		t.Parallel()
		p := solvedPayload(t, testChallengeOptions())
		p.Signature = flipHexChar(p.Signature, 3)

		assert.ErrorIs(t, VerifySolution(testKey, p.Encode(), now), ErrBadSignature)
	})

	t.Run("error/ErrWrongSolution", func(t *testing.T) {
		t.Parallel()
		p := solvedPayload(t, testChallengeOptions())
		p.Number++

		assert.ErrorIs(t, VerifySolution(testKey, p.Encode(), now), ErrWrongSolution)
	})

	t.Run("error/any altered field fails", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name   string
			mutate func(*Payload)
		}{
			{"algorithm", func(p *Payload) { p.Algorithm = SHA512 }},
			{"challenge", func(p *Payload) { p.Challenge = flipHexChar(p.Challenge, 0) }},
			{"number", func(p *Payload) { p.Number = p.Number + 1 }},
			{"salt", func(p *Payload) { p.Salt = flipHexChar(p.Salt, 0) }},
			{"signature", func(p *Payload) { p.Signature = flipHexChar(p.Signature, 0) }},
			{"expires added", func(p *Payload) { p.Expires = "2030-01-02T03:04:05Z" }},
		}

		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				p := solvedPayload(t, testChallengeOptions())
				test.mutate(&p)

				assert.Error(t, VerifySolution(testKey, p.Encode(), now))
			})
		}
	})

	t.Run("error/ErrMalformedPayload", func(t *testing.T) {
		t.Parallel()

		goodPayload := solvedPayload(t, testChallengeOptions())

		tests := []struct {
			name    string
			payload string
		}{
			{"empty", ""},
			{"not base64", "not-base64!@#"},
			{"not json", Payload{}.Encode()[:8]},
			{"missing fields", encodeJSON(t, map[string]any{"number": 5})},
			{"missing number", encodeJSON(t, map[string]any{
				"algorithm": "SHA-256",
				"challenge": goodPayload.Challenge,
				"salt":      goodPayload.Salt,
				"signature": goodPayload.Signature,
			})},
			{"negative number", encodeJSON(t, map[string]any{
				"algorithm": "SHA-256",
				"challenge": goodPayload.Challenge,
				"number":    -1,
				"salt":      goodPayload.Salt,
				"signature": goodPayload.Signature,
			})},
			{"unsupported algorithm", encodeJSON(t, map[string]any{
				"algorithm": "MD5",
				"challenge": goodPayload.Challenge,
				"number":    goodPayload.Number,
				"salt":      goodPayload.Salt,
				"signature": goodPayload.Signature,
			})},
			{"bad expiry format", encodeJSON(t, map[string]any{
				"algorithm": "SHA-256",
				"challenge": goodPayload.Challenge,
				"number":    goodPayload.Number,
				"salt":      goodPayload.Salt,
				"signature": goodPayload.Signature,
				"expires":   "tomorrow",
			})},
		}

		for i, test := range tests {
			t.Run(strconv.Itoa(i)+"/"+test.name, func(t *testing.T) {
				assert.ErrorIs(
					t,
					VerifySolution(testKey, test.payload, now),
					ErrMalformedPayload,
				)
			})
		}
	})
}

// The full documented scenario: issue a challenge, recover the secret number
// by exhaustive search, submit it, then tamper with the signature.
func TestChallengeRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := CreateChallenge(ChallengeOptions{
		Key:        testKey,
		Algorithm:  SHA256,
		MaxNumber:  100000,
		SaltLength: 12,
	})
	require.NoError(t, err)

	p, ok := Solve(c)
	require.True(t, ok)
	require.NoError(t, VerifySolution(testKey, p.Encode(), time.Now()))

	p.Signature = flipHexChar(p.Signature, 10)
	require.Error(t, VerifySolution(testKey, p.Encode(), time.Now()))
}

func encodeJSON(t *testing.T, v map[string]any) string {
	t.Helper()

	b, err := json.Marshal(v)
	require.NoError(t, err)

	return base64.StdEncoding.EncodeToString(b)
}
