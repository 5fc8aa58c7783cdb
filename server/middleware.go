package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// corsMaxAge is how long browsers may cache the preflight answer for
// the three CORS-enabled endpoints. They are static surfaces; a week is
// fine.
const corsMaxAge = 604800

// frameDeny stamps X-Frame-Options on every response. Nothing this
// provider serves is ever legitimate inside a frame, and the login form
// especially must not be clickjackable.
func frameDeny(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// cors wraps h with the wide-open CORS policy the machine-facing
// endpoints use: any origin, the given methods, no credentials. OPTIONS
// preflights short-circuit with 204.
func (s *Server) cors(h http.HandlerFunc, methods ...string) http.HandlerFunc {
	allowMethods := strings.Join(append(append([]string(nil), methods...), http.MethodOptions), ", ")
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", allowMethods)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h(w, r)
	}
}

// requestContext stamps a request ID and the remote IP onto the request
// context, where the process logger's handler picks them up.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err == nil {
			ctx = context.WithValue(ctx, RequestKeyRequestID, hex.EncodeToString(buf))
		}
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ctx = context.WithValue(ctx, RequestKeyRemoteIP, host)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per handler, method, and response code.
func (s *Server) instrument(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.requestCounter.WithLabelValues(name, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}
