// Package caddycaptcha is an index package which automatically imports and
// registers all plugins defined in this module.
package caddycaptcha

import (
	_ "github.com/burgerlander/caddy-captcha/global"
	_ "github.com/burgerlander/caddy-captcha/http/handlers"
)
