package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"os"

	"github.com/burgerlander/caddy-captcha/internal/captcha"
	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	_ "embed"
)

func init() {
	caddy.RegisterModule(Captcha{})
	httpcaddyfile.RegisterHandlerDirective("captcha", captchaParseCaddyfile)
	httpcaddyfile.RegisterDirectiveOrder(
		"captcha", httpcaddyfile.Before, "basicauth",
	)
}

var (
	//go:embed captcha.js
	captchaJS string

	//go:embed captcha.html
	captchaHTML string
)

// Captcha is an HTTP middleware module which will intercept all requests and
// check that they were made by a client which has solved a proof-of-work
// CAPTCHA challenge in the recent past.
//
// Any requests which lack a solved challenge payload will instead be served a
// page where a challenge is automatically solved. The payload is stored in a
// cookie, and then the browser reloads the page it was originally trying to
// get to.
//
// A challenge is entirely self-contained: its parameters are signed with the
// server secret and echoed back by the client, so no record of issued
// challenges is kept on the server.
type Captcha struct {
	CaptchaParams

	// PayloadCookie indicates the name of the cookie which should be used to
	// store the solved challenge payload.
	//
	// Defaults to "__captcha_payload".
	PayloadCookie string `json:"payload_cookie,omitempty"`

	// Path to HTML template to render in the browser when it is being
	// challenged. If not given then a simple default is shown.
	//
	// The template file should include the line
	// `<script>{{ template "captcha.js" . }}</script>` at the end of the
	// `body` tag. This script will solve the challenge, set the resulting
	// payload to a cookie, and reload the page.
	TemplatePath string `json:"template"`

	logger *zap.Logger
}

var _ caddyhttp.MiddlewareHandler = (*Captcha)(nil)

func (Captcha) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.captcha",
		New: func() caddy.Module { return new(Captcha) },
	}
}

func (c *Captcha) Provision(ctx caddy.Context) error {
	if c.PayloadCookie == "" {
		c.PayloadCookie = "__captcha_payload"
	}

	// The middleware re-verifies the payload cookie on every request, so it
	// never uses the replay store.
	if err := c.provision(ctx, nil); err != nil {
		return err
	}

	c.logger = ctx.Logger()

	return nil
}

func (c *Captcha) loadTemplate(path string) (*template.Template, error) {
	tpl, err := template.New("captcha.js").Parse(captchaJS)
	if err != nil {
		return nil, fmt.Errorf("parsing captcha.js: %w", err)
	}

	var (
		htmlBody = captchaHTML
		htmlName = "captcha.html"
	)

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}

		htmlBody = string(b)
		htmlName = path
	}

	if tpl, err = tpl.New("").Parse(htmlBody); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", htmlName, err)
	}

	return tpl, nil
}

func (c *Captcha) checkPayload(r *http.Request) error {
	cookie, err := r.Cookie(c.PayloadCookie)
	if err != nil {
		return errors.New("payload not given")
	}

	// The cookie value is written by the browser with encodeURIComponent,
	// since base64 contains characters which are not cookie-safe.
	payload, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return captcha.ErrMalformedPayload
	}

	err = c.mgr.VerifySolution(payload)
	c.metrics.VerificationResult(err)
	return err
}

func (c *Captcha) ServeHTTP(
	rw http.ResponseWriter, r *http.Request, next caddyhttp.Handler,
) error {
	err := c.checkPayload(r)
	if err == nil {
		return next.ServeHTTP(rw, r)
	}

	c.logger.Warn(
		"CAPTCHA payload not present or not valid, will force a challenge",
		zap.String("userAgent", r.UserAgent()),
		zap.String("url", r.URL.String()),
		zap.Error(err),
	)

	tplPath := ""
	if c.TemplatePath != "" {
		repl := r.Context().Value(caddy.ReplacerCtxKey).(*caddy.Replacer)
		tplPath = repl.ReplaceAll(c.TemplatePath, ".")
	}

	tpl, err := c.loadTemplate(tplPath)
	if err != nil {
		return fmt.Errorf("loading template from %q: %w", tplPath, err)
	}

	challenge, err := c.mgr.NewChallenge()
	if err != nil {
		return fmt.Errorf("creating a new challenge: %w", err)
	}
	c.metrics.ChallengeIssued()

	challengeJSON, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("json marshaling challenge: %w", err)
	}

	tplData := struct {
		ChallengeJSON template.JS
		PayloadCookie string
	}{
		ChallengeJSON: template.JS(challengeJSON),
		PayloadCookie: c.PayloadCookie,
	}

	if err := tpl.Execute(rw, tplData); err != nil {
		return fmt.Errorf("executing CAPTCHA template failed: %w", err)
	}

	return nil
}

// captchaParseCaddyfile sets up the handler from Caddyfile tokens. Syntax:
//
//	captcha [matcher] {
//		# all parameters are optional
//		secret "some secret value"
//		algorithm SHA-256
//		max_number 100000
//		salt_length 12
//		challenge_timeout 1h
//		payload_cookie "__captcha_payload"
//		template "{http.vars.root}/tpl.html"
//	}
func captchaParseCaddyfile(
	h httpcaddyfile.Helper,
) (
	caddyhttp.MiddlewareHandler, error,
) {
	h.Next() // consume directive name
	c := new(Captcha)
	for h.NextBlock(0) {
		ok, err := c.parseCaddyfileBlock(h)
		if err != nil {
			return nil, err
		} else if ok {
			continue
		}

		switch h.Val() {
		case "payload_cookie":
			if !h.Args(&c.PayloadCookie) {
				return nil, h.ArgErr()
			}

		case "template":
			if !h.Args(&c.TemplatePath) {
				return nil, h.ArgErr()
			}
		}
	}

	return c, nil
}
