package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every knob the gateway reads from the environment. The
// Volcengine credentials are optional at startup so the server can still run
// as an upload-only service; the relay and file endpoints report a
// configuration error per request when they are missing.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`
	Dev  bool   `env:"DEV_MODE" envDefault:"false"`

	VolcAppID            string `env:"VOLCENGINE_APP_ID"`
	VolcAccessToken      string `env:"VOLCENGINE_ACCESS_TOKEN"`
	VolcResourceID       string `env:"VOLCENGINE_RESOURCE_ID" envDefault:"volc.bigasr.sauc.duration"`
	VolcFileResourceID   string `env:"VOLCENGINE_FILE_RESOURCE_ID" envDefault:"volc.bigasr.auc"`
	VolcRealtimeEndpoint string `env:"VOLCENGINE_REALTIME_ENDPOINT" envDefault:"wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"`
	VolcFileEndpoint     string `env:"VOLCENGINE_FILE_ENDPOINT" envDefault:"https://openspeech.bytedance.com/api/v3/auc/bigmodel"`

	// JWTSecret enables session-token auth on the relay endpoint when set.
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"12h"`

	StorageBucket          string `env:"OBJECT_STORAGE_BUCKET"`
	StorageRegion          string `env:"OBJECT_STORAGE_REGION" envDefault:"cn-shanghai"`
	StorageEndpoint        string `env:"OBJECT_STORAGE_ENDPOINT"`
	StorageAccessKeyID     string `env:"OBJECT_STORAGE_ACCESS_KEY_ID"`
	StorageSecretAccessKey string `env:"OBJECT_STORAGE_SECRET_ACCESS_KEY"`
	StorageKeyPrefix       string `env:"OBJECT_STORAGE_KEY_PREFIX" envDefault:"volcengine-file-asr"`
	StoragePublicBaseURL   string `env:"OBJECT_STORAGE_PUBLIC_BASE_URL"`
	StorageForcePathStyle  bool   `env:"OBJECT_STORAGE_FORCE_PATH_STYLE" envDefault:"false"`
	StorageSignedURLTTLSec int    `env:"OBJECT_STORAGE_SIGNED_URL_TTL_SEC" envDefault:"3600"`
}

const (
	minSignedURLTTLSec = 60
	maxSignedURLTTLSec = 86400
)

// Load parses the environment into a Config and applies bounds.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.StorageSignedURLTTLSec < minSignedURLTTLSec {
		cfg.StorageSignedURLTTLSec = minSignedURLTTLSec
	}
	if cfg.StorageSignedURLTTLSec > maxSignedURLTTLSec {
		cfg.StorageSignedURLTTLSec = maxSignedURLTTLSec
	}
	if cfg.StorageEndpoint == "" && cfg.StorageBucket != "" {
		cfg.StorageEndpoint = fmt.Sprintf("https://tos-s3-%s.volces.com", cfg.StorageRegion)
	}

	return cfg, nil
}

// HasVolcCredentials reports whether the Volcengine speech APIs can be used.
func (c *Config) HasVolcCredentials() bool {
	return c.VolcAppID != "" && c.VolcAccessToken != ""
}

// HasStorage reports whether the object-storage uploader is configured.
func (c *Config) HasStorage() bool {
	return c.StorageBucket != "" && c.StorageAccessKeyID != "" && c.StorageSecretAccessKey != ""
}
