package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/burgerlander/caddy-captcha/global"
	"github.com/burgerlander/caddy-captcha/internal/toolkit"
	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(CaptchaAPI{})
	httpcaddyfile.RegisterHandlerDirective("captcha_api", captchaAPIParseCaddyfile)
}

// CaptchaAPI is an HTTP handler module exposing the CAPTCHA protocol as a
// JSON API, for clients which perform the challenge round trip themselves
// rather than through the challenge page served by the captcha middleware.
//
// A GET request returns a fresh challenge document. A POST request with a
// body of the form
//
//	{"payload": "<base64 payload>"}
//
// verifies the payload, responding 200 if it is a valid solution and 403
// otherwise. The response body never says why a payload was rejected; the
// specific reason is only logged server-side.
type CaptchaAPI struct {
	CaptchaParams

	logger *zap.Logger
}

var _ caddyhttp.MiddlewareHandler = (*CaptchaAPI)(nil)

func (CaptchaAPI) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.captcha_api",
		New: func() caddy.Module { return new(CaptchaAPI) },
	}
}

func (c *CaptchaAPI) Provision(ctx caddy.Context) error {
	// Verification through the API is a one-shot operation, so the replay
	// store applies here if the global app has one configured.
	appIface, err := ctx.App("captcha")
	if err != nil {
		return fmt.Errorf("loading the captcha app: %w", err)
	}

	if err := c.provision(ctx, appIface.(*global.App).Store()); err != nil {
		return err
	}

	c.logger = ctx.Logger()

	return nil
}

func (c *CaptchaAPI) ServeHTTP(
	rw http.ResponseWriter, r *http.Request, _ caddyhttp.Handler,
) error {
	switch r.Method {
	case http.MethodGet:
		return c.serveChallenge(rw)
	case http.MethodPost:
		return c.serveVerify(rw, r)
	default:
		rw.Header().Set("Allow", "GET, POST")
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
}

func (c *CaptchaAPI) serveChallenge(rw http.ResponseWriter) error {
	challenge, err := c.mgr.NewChallenge()
	if err != nil {
		return fmt.Errorf("creating a new challenge: %w", err)
	}
	c.metrics.ChallengeIssued()

	return writeJSON(rw, http.StatusOK, challenge)
}

func (c *CaptchaAPI) serveVerify(rw http.ResponseWriter, r *http.Request) error {
	var body struct {
		Payload string `json:"payload"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return writeJSON(rw, http.StatusBadRequest, verifyResponse{
			Error: "invalid request body",
		})
	}

	err := c.mgr.VerifySolution(body.Payload)
	c.metrics.VerificationResult(err)

	if err != nil {
		c.logger.Debug(
			"CAPTCHA payload failed verification",
			zap.String("remoteAddr", r.RemoteAddr),
			zap.Error(err),
		)

		// All failure modes get the same generic response, so that clients
		// cannot tell a rejected forgery apart from a wrong answer.
		return writeJSON(rw, http.StatusForbidden, verifyResponse{
			Error: "invalid captcha solution",
		})
	}

	return writeJSON(rw, http.StatusOK, verifyResponse{Verified: true})
}

type verifyResponse struct {
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
}

func writeJSON(rw http.ResponseWriter, status int, body any) error {
	buf, done := toolkit.GetBuffer()
	defer done()

	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return fmt.Errorf("json encoding response body: %w", err)
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	if _, err := rw.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing response body: %w", err)
	}

	return nil
}

// captchaAPIParseCaddyfile sets up the handler from Caddyfile tokens. Syntax:
//
//	captcha_api [matcher] {
//		# all parameters are optional
//		secret "some secret value"
//		algorithm SHA-256
//		max_number 100000
//		salt_length 12
//		challenge_timeout 1h
//	}
func captchaAPIParseCaddyfile(
	h httpcaddyfile.Helper,
) (
	caddyhttp.MiddlewareHandler, error,
) {
	h.Next() // consume directive name
	c := new(CaptchaAPI)
	for h.NextBlock(0) {
		ok, err := c.parseCaddyfileBlock(h)
		if err != nil {
			return nil, err
		} else if !ok {
			return nil, h.ArgErr()
		}
	}

	return c, nil
}
