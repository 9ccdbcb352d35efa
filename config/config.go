// Package config validates the settings a session context is built from.
//
// Settings arrive as a loosely typed map, from a host program, a YAML file or
// the environment. Validate either accepts all of them or returns a
// *ConfigurationError and nothing else.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings keys.
const (
	KeyClientID    = "clientId"
	KeyDomain      = "domain"
	KeyBranding    = "branding"
	KeyRedirectURL = "redirectUrl"
	KeyBaseURL     = "baseUrl"
	KeyAuthToken   = "authToken"

	KeyLogo  = "logo"
	KeyTitle = "title"
	KeyColor = "color"
)

// BaseURLAliases maps the short environment names accepted for baseUrl to
// their API base URLs.
var BaseURLAliases = map[string]string{
	"localhost":  "http://localhost:8080",
	"staging":    "https://api.staging.openlattice.com",
	"production": "https://api.openlattice.com",
}

// Branding customizes the login widget.
type Branding struct {
	Logo  string `env:"AUTHSESSION_BRANDING_LOGO" yaml:"logo,omitempty"`
	Title string `env:"AUTHSESSION_BRANDING_TITLE" yaml:"title,omitempty"`
	Color string `env:"AUTHSESSION_BRANDING_COLOR" yaml:"color,omitempty"`
}

// Config is a validated configuration.
type Config struct {
	ClientID    string   `env:"AUTHSESSION_CLIENT_ID" yaml:"clientId,omitempty"`
	Domain      string   `env:"AUTHSESSION_DOMAIN" yaml:"domain,omitempty"`
	Branding    Branding `yaml:"branding,omitempty"`
	RedirectURL string   `env:"AUTHSESSION_REDIRECT_URL" yaml:"redirectUrl,omitempty"`
	BaseURL     string   `env:"AUTHSESSION_BASE_URL" yaml:"baseUrl,omitempty"`
	AuthToken   string   `env:"AUTHSESSION_AUTH_TOKEN" yaml:"authToken,omitempty"`
}

// ConfigurationError reports a malformed setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

type options struct {
	defaults Config
}

// Option configures Validate.
type Option func(*options)

// WithDefaults fills fields that are absent from the settings. Defaults are
// not validated.
func WithDefaults(c Config) Option {
	return func(o *options) {
		o.defaults = c
	}
}

// Validate checks settings and returns the configuration they describe. Every
// field is optional, but a field that is present and not nil must be a
// non-empty string, and branding must be a map of such strings. baseUrl is
// either one of BaseURLAliases or an absolute http(s) URL.
func Validate(settings map[string]any, opts ...Option) (*Config, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if len(settings) == 0 {
		return nil, &ConfigurationError{Reason: "settings must be a non-empty map"}
	}

	c := o.defaults
	for _, f := range []struct {
		key string
		dst *string
	}{
		{KeyClientID, &c.ClientID},
		{KeyDomain, &c.Domain},
		{KeyRedirectURL, &c.RedirectURL},
		{KeyAuthToken, &c.AuthToken},
	} {
		if err := optionalString(settings, f.key, f.key, f.dst); err != nil {
			return nil, err
		}
	}

	if raw, ok := settings[KeyBranding]; ok && raw != nil {
		b, ok := brandingMap(raw)
		if !ok {
			return nil, &ConfigurationError{Field: KeyBranding, Reason: "must be a map"}
		}
		for _, f := range []struct {
			key string
			dst *string
		}{
			{KeyLogo, &c.Branding.Logo},
			{KeyTitle, &c.Branding.Title},
			{KeyColor, &c.Branding.Color},
		} {
			if err := optionalString(b, f.key, KeyBranding+"."+f.key, f.dst); err != nil {
				return nil, err
			}
		}
	}

	var base string
	if err := optionalString(settings, KeyBaseURL, KeyBaseURL, &base); err != nil {
		return nil, err
	}
	if base != "" {
		u, err := resolveBaseURL(base)
		if err != nil {
			return nil, err
		}
		c.BaseURL = u
	}
	return &c, nil
}

// brandingMap accepts the map shapes hosts and decoders produce.
func brandingMap(raw any) (map[string]any, bool) {
	switch b := raw.(type) {
	case map[string]any:
		return b, true
	case map[string]string:
		m := make(map[string]any, len(b))
		for k, v := range b {
			m[k] = v
		}
		return m, true
	}
	return nil, false
}

func optionalString(m map[string]any, key, field string, dst *string) error {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return &ConfigurationError{Field: field, Reason: "must be a non-empty string"}
	}
	*dst = s
	return nil
}

func resolveBaseURL(s string) (string, error) {
	if u, ok := BaseURLAliases[s]; ok {
		return u, nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", &ConfigurationError{Field: KeyBaseURL, Reason: "must be an absolute http(s) URL or one of localhost, staging, production"}
	}
	return strings.TrimSuffix(s, "/"), nil
}

// ReadFile reads a YAML settings file into a settings map without
// validating it.
func ReadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var settings map[string]any
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return settings, nil
}

// LoadFile reads a YAML settings file and validates it.
func LoadFile(path string, opts ...Option) (*Config, error) {
	settings, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Validate(settings, opts...)
}

// Settings returns c as a settings map holding its non-empty fields, so a
// Config can be layered under other settings and validated again.
func (c Config) Settings() map[string]any {
	m := map[string]any{}
	put := func(dst map[string]any, key, v string) {
		if v != "" {
			dst[key] = v
		}
	}
	put(m, KeyClientID, c.ClientID)
	put(m, KeyDomain, c.Domain)
	put(m, KeyRedirectURL, c.RedirectURL)
	put(m, KeyBaseURL, c.BaseURL)
	put(m, KeyAuthToken, c.AuthToken)
	b := map[string]any{}
	put(b, KeyLogo, c.Branding.Logo)
	put(b, KeyTitle, c.Branding.Title)
	put(b, KeyColor, c.Branding.Color)
	if len(b) > 0 {
		m[KeyBranding] = b
	}
	return m
}

// FromEnv reads defaults from AUTHSESSION_* environment variables, after
// loading a .env file from the working directory if there is one. Unset
// variables leave fields empty.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var c Config
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, err
	}
	return c, nil
}
