// Package auth acquires and caches the credential every outbound call
// depends on.
//
// Two sources ship today:
//   - api_key: returned straight from configuration, no network involved
//   - oauth: client-credentials exchange against a configured token
//     endpoint, cached process-wide until shortly before expiry
//
// Failure never aborts the pipeline: on exhausted retries or a permanent
// rejection the provider degrades to an unauthenticated credential and the
// downstream calls fail on their own terms if auth was actually required.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/finsight/finsight/engine/internal/config"
	"github.com/finsight/finsight/engine/internal/monitor"
	"github.com/finsight/finsight/engine/internal/transport"
	"github.com/finsight/finsight/engine/pkg/models"
)

// StageName is the telemetry stage every acquisition records under.
const StageName = "Authentication"

// expiryMargin is subtracted from a token's lifetime so a token about to
// expire mid-call is refreshed early.
const expiryMargin = 60 * time.Second

// CredentialProvider produces the AuthConfig for an execution. The token
// cache is the one piece of intentionally shared cross-execution state;
// a single mutex serializes check-then-exchange so concurrent executions
// do not race duplicate refreshes.
type CredentialProvider struct {
	cfg    config.AuthConfig
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	cached *models.AuthConfig
}

// NewCredentialProvider builds a provider using the shared TLS policy.
func NewCredentialProvider(cfg config.AuthConfig, policy *transport.Policy) *CredentialProvider {
	return &CredentialProvider{
		cfg:    cfg,
		client: policy.HTTPClient(30 * time.Second),
		now:    time.Now,
	}
}

// Acquire returns the current credential for an execution, recording the
// attempt as an Authentication stage on the given accumulator. It never
// returns an error: exhausted or rejected exchanges yield CredentialNone.
func (p *CredentialProvider) Acquire(ctx context.Context, acc *monitor.Accumulator) models.AuthConfig {
	stage := acc.StartStage(StageName)

	switch p.cfg.Method {
	case "api_key":
		if p.cfg.APIKey == "" {
			stage.End(models.StageFailure, monitor.WithError(fmt.Errorf("api_key method selected but AUTH_API_KEY is empty")))
			return models.AuthConfig{Kind: models.CredentialNone}
		}
		stage.End(models.StageSuccess, monitor.WithDecision("api key from configuration"))
		return models.AuthConfig{Kind: models.CredentialAPIKey, Value: p.cfg.APIKey}

	case "oauth":
		return p.acquireOAuth(ctx, stage)

	default:
		stage.End(models.StageSuccess, monitor.WithDecision("authentication disabled"))
		return models.AuthConfig{Kind: models.CredentialNone}
	}
}

func (p *CredentialProvider) acquireOAuth(ctx context.Context, stage *monitor.Stage) models.AuthConfig {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && !p.cached.Expired(p.now(), expiryMargin) {
		stage.End(models.StageSuccess,
			monitor.WithDecision("cached token reused"),
			monitor.WithMetadata(map[string]any{"cache_hit": true}))
		return *p.cached
	}

	token, attempts, err := p.exchange(ctx)
	if err != nil {
		log.Warn().Err(err).Int("attempts", attempts).Msg("OAuth token exchange failed, proceeding unauthenticated")
		stage.End(models.StageFailure,
			monitor.WithError(err),
			monitor.WithMetadata(map[string]any{"retries": attempts - 1}))
		return models.AuthConfig{Kind: models.CredentialNone}
	}

	p.cached = token
	log.Info().Time("expires_at", token.ExpiresAt).Msg("OAuth token refreshed")
	stage.End(models.StageSuccess,
		monitor.WithDecision("token exchanged"),
		monitor.WithMetadata(map[string]any{"retries": attempts - 1, "cache_hit": false}))
	return *token
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// exchange performs the client-credentials POST, retrying transient
// failures with exponential backoff up to the configured attempt ceiling.
func (p *CredentialProvider) exchange(ctx context.Context) (*models.AuthConfig, int, error) {
	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), ctx)

	attempts := 0
	var token *models.AuthConfig

	err := backoff.Retry(func() error {
		attempts++
		t, err := p.requestToken(ctx)
		if err != nil {
			return err // already wrapped Permanent where applicable
		}
		token = t
		return nil
	}, policy)
	if err != nil {
		return nil, attempts, err
	}
	return token, attempts, nil
}

func (p *CredentialProvider) requestToken(ctx context.Context) (*models.AuthConfig, error) {
	form := url.Values{"grant_type": {p.cfg.GrantType}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		// Network errors are transient; retry.
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("token endpoint rejected exchange: %d: %s", resp.StatusCode, string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode token response: %w", err))
	}
	if tr.AccessToken == "" {
		return nil, backoff.Permanent(fmt.Errorf("token response missing access_token"))
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	return &models.AuthConfig{
		Kind:      models.CredentialBearerToken,
		Value:     tr.AccessToken,
		ExpiresAt: p.now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// Invalidate drops the cached token. The next Acquire will re-exchange.
func (p *CredentialProvider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}
