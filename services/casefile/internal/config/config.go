// Package config loads the casefile service settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/domain"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port     string `env:"SERVICE_PORT" envDefault:"8090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// DatabaseURL selects PostgreSQL. Without it the embedded SQLite store at
	// SQLitePath is used.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"caselane.db"`

	S3Bucket            string `env:"S3_BUCKET"`
	AWSRegion           string `env:"AWS_REGION" envDefault:"eu-west-3"`
	AWSEndpointURL      string `env:"AWS_ENDPOINT_URL"`
	S3UsePathStyle      bool   `env:"S3_USE_PATH_STYLE"`
	ObjectPublicBaseURL string `env:"OBJECT_PUBLIC_BASE_URL"`
	LocalStorageRoot    string `env:"LOCAL_STORAGE_ROOT" envDefault:"./data/uploads"`
	PortalBaseURL       string `env:"PORTAL_BASE_URL" envDefault:"http://localhost:8090/portal"`
	MailerBaseURL       string `env:"MAILER_BASE_URL"`
	MailerSigningSecret string `env:"MAILER_SIGNING_SECRET"`
	AgentAPIToken       string `env:"AGENT_API_TOKEN"`
	PortalRatePerMinute int    `env:"PORTAL_RATE_LIMIT_PER_MINUTE" envDefault:"120"`

	RequiredDocumentTypes []string      `env:"REQUIRED_DOCUMENT_TYPES" envSeparator:"," envDefault:"identity_front,identity_back,insurance_contract"`
	RequiredTemplates     []string      `env:"REQUIRED_TEMPLATES" envSeparator:"," envDefault:"termination_letter,advisor_mandate"`
	FetchConcurrency      int           `env:"FETCH_CONCURRENCY" envDefault:"4"`
	FetchTimeout          time.Duration `env:"FETCH_TIMEOUT" envDefault:"20s"`
	SignatureMinBytes     int           `env:"SIGNATURE_MIN_BYTES" envDefault:"1000"`
	MaxUploadBytes        int64         `env:"MAX_UPLOAD_BYTES" envDefault:"20971520"`
	CaseExpiry            time.Duration `env:"CASE_EXPIRY" envDefault:"720h"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	for _, t := range c.DocumentTypes() {
		if !t.Uploadable() {
			return fmt.Errorf("REQUIRED_DOCUMENT_TYPES: %q is not an uploadable document type", t)
		}
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("FETCH_CONCURRENCY must be at least 1, got %d", c.FetchConcurrency)
	}
	if c.SignatureMinBytes < 1 {
		return fmt.Errorf("SIGNATURE_MIN_BYTES must be positive, got %d", c.SignatureMinBytes)
	}
	if c.MaxUploadBytes < 1 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	return nil
}

// DocumentTypes returns the configured required types, skipping blanks.
func (c Config) DocumentTypes() []domain.DocumentType {
	out := make([]domain.DocumentType, 0, len(c.RequiredDocumentTypes))
	for _, raw := range c.RequiredDocumentTypes {
		if v := strings.TrimSpace(raw); v != "" {
			out = append(out, domain.DocumentType(v))
		}
	}
	return out
}

func (c Config) Templates() []string {
	out := make([]string, 0, len(c.RequiredTemplates))
	for _, raw := range c.RequiredTemplates {
		if v := strings.TrimSpace(raw); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// NewLogger builds the JSON slog logger for LOG_LEVEL.
func (c Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
