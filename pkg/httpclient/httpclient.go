// Package httpclient builds the outbound HTTP clients the provider
// uses to talk to relying parties and upstream OAuth providers.
package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gregjones/httpcache"
)

func extractCAs(input []string) [][]byte {
	result := make([][]byte, 0, len(input))
	for _, ca := range input {
		if ca == "" {
			continue
		}

		pemData, err := os.ReadFile(ca)
		if err != nil {
			pemData, err = base64.StdEncoding.DecodeString(ca)
			if err != nil {
				pemData = []byte(ca)
			}
		}

		result = append(result, pemData)
	}
	return result
}

// newTransport builds the shared transport: system roots plus any
// operator-supplied CAs, with conservative dial and handshake timeouts.
func newTransport(rootCAs []string) (*http.Transport, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, err
	}

	tlsConfig := tls.Config{RootCAs: pool}
	for index, rootCABytes := range extractCAs(rootCAs) {
		if !tlsConfig.RootCAs.AppendCertsFromPEM(rootCABytes) {
			return nil, fmt.Errorf("rootCAs.%d is not in PEM format, certificate must be "+
				"a PEM encoded string, a base64 encoded bytes that contain PEM encoded string, "+
				"or a path to a PEM encoded certificate", index)
		}
	}

	return &http.Transport{
		TLSClientConfig: &tlsConfig,
		Proxy:           http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}, nil
}

// New builds the provider's shared outbound client. Redirects are never
// followed: everything this process fetches (relying-party JWK sets,
// upstream token and user-info endpoints) is a direct resource, and a
// redirect from any of them is treated as the error it almost certainly
// is. Responses are cached in memory according to their cache headers,
// so a relying party that serves its JWKS with a sane Cache-Control
// doesn't get re-fetched on every token exchange.
func New(rootCAs []string) (*http.Client, error) {
	transport, err := newTransport(rootCAs)
	if err != nil {
		return nil, err
	}

	cache := httpcache.NewMemoryCacheTransport()
	cache.Transport = transport

	return &http.Client{
		Transport: cache,
		Timeout:   30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}
