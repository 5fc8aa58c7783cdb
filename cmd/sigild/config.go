package main

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the config file format for the main application.
type Config struct {
	// BaseURL is the absolute HTTPS URL the provider is mounted under.
	// It becomes the issuer of every ID token.
	BaseURL string `yaml:"base_url"`

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string `yaml:"database_url"`

	// RootKeys is the colon-separated list of root-key passphrases. The
	// first encrypts; all of them decrypt.
	RootKeys string `yaml:"root_keys"`

	EnablePasswordAuth bool `yaml:"enable_password_auth"`

	// Upstream OAuth credentials, each in "<id>:<secret>" form. A
	// provider with no credentials configured is simply not offered.
	GitHubOAuthCreds string `yaml:"github_oauth_creds"`
	GitLabOAuthCreds string `yaml:"gitlab_oauth_creds"`
	GoogleOAuthCreds string `yaml:"google_oauth_creds"`

	FrontendCSSURL string `yaml:"frontend_css_url"`

	// ListenAddress is "host:port", or "unix:/path" for a unix socket.
	ListenAddress string `yaml:"listen_address"`

	// RootCAs are extra CA certificates trusted for outbound HTTPS, each
	// a path, a PEM string, or base64 of one.
	RootCAs []string `yaml:"root_cas"`

	Logger    Logger    `yaml:"logger"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Logger holds the process logging options.
type Logger struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// Telemetry holds the metrics/health listener address. Empty disables
// it.
type Telemetry struct {
	HTTP string `yaml:"http"`
}

// loadConfig reads, env-expands, and validates the config file at path.
func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := replaceEnvKeys(&c, os.Getenv); err != nil {
		return Config{}, fmt.Errorf("expanding environment references: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate covers the fail-at-startup configuration class: anything
// wrong here is an operator mistake that must stop the process before
// it serves a single request.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.BaseURL == "", "no base_url specified"},
		{c.DatabaseURL == "", "no database_url specified"},
		{c.RootKeys == "", "no root_keys specified"},
		{c.ListenAddress == "", "no listen_address specified"},
	}
	var errs []string
	for _, check := range checks {
		if check.bad {
			errs = append(errs, check.errMsg)
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, ", "))
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("invalid config: base_url %q is not an absolute URL", c.BaseURL)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("invalid config: base_url must use https, got %q", c.BaseURL)
	}

	for _, creds := range []struct{ name, value string }{
		{"github_oauth_creds", c.GitHubOAuthCreds},
		{"gitlab_oauth_creds", c.GitLabOAuthCreds},
		{"google_oauth_creds", c.GoogleOAuthCreds},
	} {
		if creds.value == "" {
			continue
		}
		if _, _, err := splitCreds(creds.value); err != nil {
			return fmt.Errorf("invalid config: %s: %v", creds.name, err)
		}
	}
	return nil
}

// BaseURLParsed returns the validated base URL.
func (c Config) BaseURLParsed() *url.URL {
	u, _ := url.Parse(c.BaseURL)
	return u
}

// splitCreds splits an "<id>:<secret>" credential pair.
func splitCreds(v string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(v, ":")
	if !ok || id == "" || secret == "" {
		return "", "", fmt.Errorf("expected \"<id>:<secret>\"")
	}
	return id, secret, nil
}

// rootKeyList splits the colon-separated root_keys value.
func (c Config) rootKeyList() []string {
	return strings.Split(c.RootKeys, ":")
}
