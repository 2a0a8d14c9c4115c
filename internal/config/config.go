package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/finsight/finsight/engine/pkg/models"
)

// Config holds all configuration for the FinSight analysis engine.
// Built once at process start and passed down explicitly.
type Config struct {
	Port         int
	Version      string
	Auth         AuthConfig
	Database     DatabaseConfig
	LLM          LLMConfig
	TLS          TLSConfig
	Conversation ConversationConfig
	Telemetry    TelemetryConfig
}

// AuthConfig selects and parameterizes the credential source.
type AuthConfig struct {
	// Method is "api_key", "oauth" or "none".
	Method string
	APIKey string

	TokenURL     string
	ClientID     string
	ClientSecret string
	GrantType    string
	// MaxAttempts caps OAuth token exchange attempts (initial try included).
	MaxAttempts int
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	// AcquireTimeout bounds how long an execution waits for a pooled
	// connection before failing with a pool-exhaustion error.
	AcquireTimeout time.Duration
}

// LLMConfig parameterizes the model provider client.
type LLMConfig struct {
	Endpoint    string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	// TierModels maps a tier to the provider model identifier.
	TierModels map[models.Tier]string
	// Pricing is the fixed per-tier rate table used for cost accounting.
	Pricing map[models.Tier]models.TierPricing
}

type TLSConfig struct {
	Verify       bool
	CABundlePath string
}

type ConversationConfig struct {
	AllowedRoles          []models.Role
	IncludeSystemMessages bool
	MaxHistoryLength      int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("FINSIGHT_PORT", 8080),
		Version: envStr("FINSIGHT_VERSION", "0.2.0"),
		Auth: AuthConfig{
			Method:       envStr("AUTH_METHOD", "none"),
			APIKey:       envStr("AUTH_API_KEY", ""),
			TokenURL:     envStr("OAUTH_TOKEN_URL", ""),
			ClientID:     envStr("OAUTH_CLIENT_ID", ""),
			ClientSecret: envStr("OAUTH_CLIENT_SECRET", ""),
			GrantType:    envStr("OAUTH_GRANT_TYPE", "client_credentials"),
			MaxAttempts:  envInt("OAUTH_MAX_ATTEMPTS", 3),
		},
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
			AcquireTimeout: time.Duration(envInt("DATABASE_ACQUIRE_TIMEOUT_SECONDS", 5)) * time.Second,
		},
		LLM: LLMConfig{
			Endpoint:    envStr("LLM_ENDPOINT", "https://api.openai.com/v1"),
			Timeout:     time.Duration(envInt("LLM_TIMEOUT_SECONDS", 120)) * time.Second,
			Temperature: envFloat("LLM_TEMPERATURE", 0.2),
			MaxTokens:   envInt("LLM_MAX_TOKENS", 4096),
			TierModels: map[models.Tier]string{
				models.TierLow:    envStr("LLM_MODEL_LOW", "gpt-4o-mini"),
				models.TierMedium: envStr("LLM_MODEL_MEDIUM", "gpt-4o"),
				models.TierHigh:   envStr("LLM_MODEL_HIGH", "o1"),
			},
			Pricing: map[models.Tier]models.TierPricing{
				models.TierLow: {
					InputPer1K:  envFloat("LLM_PRICE_LOW_INPUT", 0.00015),
					OutputPer1K: envFloat("LLM_PRICE_LOW_OUTPUT", 0.0006),
				},
				models.TierMedium: {
					InputPer1K:  envFloat("LLM_PRICE_MEDIUM_INPUT", 0.0025),
					OutputPer1K: envFloat("LLM_PRICE_MEDIUM_OUTPUT", 0.01),
				},
				models.TierHigh: {
					InputPer1K:  envFloat("LLM_PRICE_HIGH_INPUT", 0.015),
					OutputPer1K: envFloat("LLM_PRICE_HIGH_OUTPUT", 0.06),
				},
			},
		},
		TLS: TLSConfig{
			Verify:       envBool("SSL_VERIFY", true),
			CABundlePath: envStr("SSL_CA_BUNDLE", ""),
		},
		Conversation: ConversationConfig{
			AllowedRoles:          envRoles("ALLOWED_ROLES", []models.Role{models.RoleUser, models.RoleAssistant}),
			IncludeSystemMessages: envBool("INCLUDE_SYSTEM_MESSAGES", false),
			MaxHistoryLength:      envInt("MAX_HISTORY_LENGTH", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "finsight-engine"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envRoles(key string, fallback []models.Role) []models.Role {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var roles []models.Role
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			roles = append(roles, models.Role(part))
		}
	}
	if len(roles) == 0 {
		return fallback
	}
	return roles
}
