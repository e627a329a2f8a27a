package global

import (
	"errors"
	"fmt"

	"github.com/burgerlander/caddy-captcha/internal/captcha"
	"github.com/caddyserver/caddy/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "captcha"

// Metrics tracks challenge issuance and verification outcomes across all
// captcha handlers in a running Caddy instance.
type Metrics struct {
	challengesIssued prometheus.Counter
	verifications    *prometheus.CounterVec
}

func (m *Metrics) provision(ctx caddy.Context) error {
	m.challengesIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "challenges_issued_total",
		Help:      "Number of proof-of-work challenges which have been issued.",
	})

	m.verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "verifications_total",
			Help:      "Number of payload verifications, by result.",
		},
		[]string{"result"},
	)

	for _, collector := range []prometheus.Collector{
		m.challengesIssued, m.verifications,
	} {
		if err := ctx.GetMetricsRegistry().Register(collector); err != nil {
			return fmt.Errorf("registering collector: %w", err)
		}
	}

	return nil
}

// ChallengeIssued records that a new challenge has been handed to a client.
func (m *Metrics) ChallengeIssued() {
	m.challengesIssued.Inc()
}

// VerificationResult records the outcome of a payload verification. A nil
// error counts as "ok".
func (m *Metrics) VerificationResult(err error) {
	m.verifications.WithLabelValues(verificationResultLabel(err)).Inc()
}

// The label space is kept coarse on purpose. Specifically there is no
// distinction between a wrong solution and a tampered signature, mirroring
// what clients are told.
func verificationResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, captcha.ErrExpired):
		return "expired"
	case errors.Is(err, captcha.ErrReplayed):
		return "replayed"
	default:
		return "invalid"
	}
}
