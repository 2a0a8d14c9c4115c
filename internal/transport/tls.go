// Package transport builds the TLS verification policy shared by every
// outbound HTTP call the engine makes (OAuth, model provider, probes).
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finsight/finsight/engine/internal/config"
)

// Policy is a reusable TLS verification policy: verify on/off plus an
// optional trust bundle. Built once per process and shared.
type Policy struct {
	verify bool
	pool   *x509.CertPool
}

// NewPolicy builds a Policy from configuration. A missing or unreadable CA
// bundle is an error; an empty path means the system roots are used.
func NewPolicy(cfg config.TLSConfig) (*Policy, error) {
	p := &Policy{verify: cfg.Verify}

	if cfg.CABundlePath != "" {
		pem, err := os.ReadFile(cfg.CABundlePath)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %s contains no usable certificates", cfg.CABundlePath)
		}
		p.pool = pool
		log.Info().Str("bundle", cfg.CABundlePath).Msg("Custom trust bundle loaded")
	}

	if !p.verify {
		log.Warn().Msg("TLS verification disabled")
	}

	return p, nil
}

// TLSConfig returns a fresh *tls.Config honoring the policy.
func (p *Policy) TLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: !p.verify,
		RootCAs:            p.pool,
	}
}

// HTTPClient returns a client whose transport honors the policy.
func (p *Policy) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: p.TLSConfig(),
		},
	}
}
