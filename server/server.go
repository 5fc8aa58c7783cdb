// Package server implements the HTTP surface of the identity provider:
// the OIDC authorize and token endpoints, the interactive password and
// upstream-OAuth authentication flows, discovery and JWKS documents, and
// the periodic maintenance tasks.
package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"

	"github.com/sigilid/sigil/authcontext"
	"github.com/sigilid/sigil/keyvault"
	"github.com/sigilid/sigil/oauthbroker"
	"github.com/sigilid/sigil/signing"
	"github.com/sigilid/sigil/storage"
)

type contextKey string

// Context keys the request middleware stamps onto every request context.
// The slog handler in cmd/sigild picks these up so every log line made
// while serving a request carries them.
const (
	RequestKeyRequestID contextKey = "request_id"
	RequestKeyRemoteIP  contextKey = "remote_ip"
)

// DummyHashTarget is the minimum wall time a password hash should take
// on this host. The bcrypt cost is raised at startup until a single
// hash crosses it.
const DummyHashTarget = 200 * time.Millisecond

// Config holds everything a Server needs, assembled by cmd/sigild and
// immutable once New has returned.
type Config struct {
	// Issuer is the absolute URL this provider is mounted under. It
	// becomes the iss claim and the base of every generated link.
	Issuer *url.URL

	Storage      storage.Storage
	KeyVault     *keyvault.Stem
	SigningStore *signing.Store
	Broker       *oauthbroker.Broker

	EnablePasswordAuth bool

	// FrontendCSSURL overrides the stylesheet linked from the rendered
	// pages.
	FrontendCSSURL string

	// Client is the shared outbound HTTP client used to fetch relying
	// parties' JWK sets. It should disable redirect following and wrap
	// a caching transport so RP Cache-Control headers are honored.
	Client *http.Client

	Logger *slog.Logger

	// PrometheusRegistry receives the request metrics. Optional.
	PrometheusRegistry *prometheus.Registry

	// Now overrides the clock, for tests.
	Now func() time.Time

	// BcryptCost overrides the startup calibration, for tests. Zero
	// means calibrate against DummyHashTarget.
	BcryptCost int

	// PasswordWorkers bounds how many bcrypt verifications run at once.
	// Zero means a small default.
	PasswordWorkers int
}

// Server is the assembled identity provider. It is immutable after New;
// handlers hold it by pointer and share no other state.
type Server struct {
	issuerURL url.URL

	storage      storage.Storage
	codec        *authcontext.Codec
	signingStore *signing.Store
	broker       *oauthbroker.Broker

	enablePasswordAuth bool
	cssURL             string

	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	// dummyPwHash is verified against whenever there is no real hash to
	// check, so the work done by the email and password steps does not
	// depend on whether the account exists.
	dummyPwHash []byte
	bcryptCost  int

	hashSem *semaphore.Weighted

	requestCounter *prometheus.CounterVec
}

// New assembles a Server from c. It calibrates the bcrypt cost for this
// host unless c.BcryptCost pins one, which takes a few hundred
// milliseconds by design.
func New(c Config) (*Server, error) {
	if c.Issuer == nil || !c.Issuer.IsAbs() || c.Issuer.Host == "" {
		return nil, fmt.Errorf("server: issuer must be an absolute URL, got %v", c.Issuer)
	}
	if c.Storage == nil || c.KeyVault == nil || c.SigningStore == nil || c.Broker == nil {
		return nil, fmt.Errorf("server: storage, key vault, signing store, and broker are all required")
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}
	workers := c.PasswordWorkers
	if workers <= 0 {
		workers = 4
	}

	cost := c.BcryptCost
	if cost == 0 {
		cost = calibrateBcryptCost(DummyHashTarget)
		logger.Info("calibrated bcrypt cost", "cost", cost)
	}
	dummy, err := newDummyHash(cost)
	if err != nil {
		return nil, fmt.Errorf("server: computing dummy password hash: %w", err)
	}

	s := &Server{
		issuerURL:          *c.Issuer,
		storage:            c.Storage,
		codec:              authcontext.NewCodec(c.KeyVault),
		signingStore:       c.SigningStore,
		broker:             c.Broker,
		enablePasswordAuth: c.EnablePasswordAuth,
		cssURL:             c.FrontendCSSURL,
		client:             client,
		logger:             logger,
		now:                now,
		dummyPwHash:        dummy,
		bcryptCost:         cost,
		hashSem:            semaphore.NewWeighted(int64(workers)),
	}

	s.requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sigil_http_requests_total",
		Help: "Count of HTTP requests by handler, method, and response code.",
	}, []string{"handler", "method", "code"})
	if c.PrometheusRegistry != nil {
		if err := c.PrometheusRegistry.Register(s.requestCounter); err != nil {
			return nil, fmt.Errorf("server: registering metrics: %w", err)
		}
	}

	return s, nil
}

// absPath joins p onto the issuer's mount path.
func (s *Server) absPath(pathItems ...string) string {
	paths := make([]string, 0, len(pathItems)+1)
	paths = append(paths, s.issuerURL.Path)
	paths = append(paths, pathItems...)
	return path.Join(paths...)
}

// absURL is absPath as a full URL on the issuer host.
func (s *Server) absURL(pathItems ...string) string {
	u := s.issuerURL
	u.Path = s.absPath(pathItems...)
	return u.String()
}

// Handler builds the provider's complete HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	handle := func(p, name string, h http.HandlerFunc, methods ...string) {
		r.Handle(s.absPath(p), s.instrument(name, h)).Methods(methods...)
	}
	handleCORS := func(p, name string, h http.HandlerFunc, methods ...string) {
		wrapped := s.cors(h, methods...)
		r.Handle(s.absPath(p), s.instrument(name, wrapped)).Methods(append(methods, http.MethodOptions)...)
	}

	handleCORS("/.well-known/openid-configuration", "discovery", s.handleDiscovery, http.MethodGet, http.MethodHead)
	handleCORS("/oidc/jwks.json", "jwks", s.handleJWKS, http.MethodGet, http.MethodHead)
	handleCORS("/oidc/token", "token", s.handleToken, http.MethodPost)

	handle("/oidc/authorize", "authorize", s.handleAuthorize, http.MethodGet, http.MethodPost)
	r.Handle(s.absPath("/oidc/cookie_check"), s.instrument("cookie_check", s.handleCookieCheck))

	handle("/authenticate", "authenticate", s.handleAuthenticate, http.MethodGet)
	handle("/authenticate/pw", "password_form", s.handlePasswordForm, http.MethodGet)
	handle("/authenticate/submit_email", "submit_email", s.handleSubmitEmail, http.MethodPost)
	handle("/authenticate/submit_password", "submit_password", s.handleSubmitPassword, http.MethodPost)
	handle("/authenticate/oauth_callback", "oauth_callback", s.handleOAuthCallback, http.MethodGet)

	return s.requestContext(frameDeny(r))
}

// csrfCookieName is the cookie every interactive flow hangs its CSRF
// binding off.
const csrfCookieName = "csrf_token"

// issueCSRFCookie sets a fresh csrf_token cookie scoped to the issuer's
// host and mount path and returns its value.
func (s *Server) issueCSRFCookie(w http.ResponseWriter) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	value := base64URL(buf)

	cookiePath := s.issuerURL.Path
	if cookiePath == "" {
		cookiePath = "/"
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    value,
		Domain:   s.issuerURL.Hostname(),
		Path:     cookiePath,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return value, nil
}

func calibrateBcryptCost(target time.Duration) int {
	probe := []byte("sigil cost calibration probe")
	for cost := bcrypt.DefaultCost; cost < bcrypt.MaxCost; cost++ {
		start := time.Now()
		if _, err := bcrypt.GenerateFromPassword(probe, cost); err != nil {
			break
		}
		if time.Since(start) >= target {
			return cost
		}
	}
	return bcrypt.DefaultCost
}

func newDummyHash(cost int) ([]byte, error) {
	// Hash a random password nobody knows, so verifying against the
	// dummy can never accidentally succeed.
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return bcrypt.GenerateFromPassword(buf, cost)
}

// verifyPassword runs a bcrypt comparison on the bounded worker pool so
// a burst of login attempts saturates the pool, not the scheduler.
func (s *Server) verifyPassword(ctx context.Context, hash []byte, password string) (bool, error) {
	if err := s.hashSem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer s.hashSem.Release(1)
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	return err == nil, nil
}

func base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
