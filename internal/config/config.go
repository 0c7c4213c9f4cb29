// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the bridge configuration. Values come
// from an optional YAML file overlaid by TWIDM_* environment variables, so a
// containerized deployment can run without any file at all.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Homeserver describes the Matrix homeserver the appservice talks to.
type Homeserver struct {
	Address string `yaml:"address" validate:"required,url"`
	Domain  string `yaml:"domain" validate:"required,hostname_rfc1123"`
}

// Appservice describes the inbound appservice listener and its credentials.
type Appservice struct {
	ID     string `yaml:"id" validate:"required"`
	Listen string `yaml:"listen" validate:"required,hostname_port"`
	// Tokens are minted by registration generation when unset; their presence
	// is enforced at daemon startup, not here.
	ASToken      string `yaml:"as_token"`
	HSToken      string `yaml:"hs_token"`
	BotLocalpart string `yaml:"bot_localpart" validate:"required"`
}

// Bridge holds bridge-level behavior settings.
type Bridge struct {
	// UsernameTemplate mints ghost user localparts; %d is the Twitter ID.
	UsernameTemplate string `yaml:"username_template" validate:"required,contains=%d"`
	// DisplaynameTemplate renders ghost displaynames; %s is the Twitter name.
	DisplaynameTemplate string `yaml:"displayname_template" validate:"required"`
	// InitialConversationSync bounds how many conversations get a Matrix
	// room proactively created after login. -1 means unlimited.
	InitialConversationSync int `yaml:"initial_conversation_sync" validate:"gte=-1"`
	// Permissions maps mxid, homeserver domain, or "*" to a permission level.
	Permissions map[string]string `yaml:"permissions" validate:"required,dive,oneof=relaybot user admin"`
}

// Twitter configures the upstream DM client.
type Twitter struct {
	BaseURL        string        `yaml:"base_url" validate:"required,url"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gt=0"`
	ErrorSleep     time.Duration `yaml:"error_sleep" validate:"gt=0"`
	MaxErrorSleep  time.Duration `yaml:"max_error_sleep" validate:"gtefield=ErrorSleep"`
	RequestsPerSec float64       `yaml:"requests_per_sec" validate:"gt=0"`
}

// Store configures the persistence backend.
type Store struct {
	Backend string `yaml:"backend" validate:"oneof=sqlite memory badger"`
	Path    string `yaml:"path" validate:"required_unless=Backend memory"`
}

// Cache configures the profile cache. Redis is optional; the in-memory cache
// is used when Addr is empty.
type Cache struct {
	RedisAddr string        `yaml:"redis_addr" validate:"omitempty,hostname_port"`
	RedisDB   int           `yaml:"redis_db" validate:"gte=0"`
	TTL       time.Duration `yaml:"ttl" validate:"gt=0"`
}

// Telemetry configures the optional OTLP trace exporter.
type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=grpc http"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Enabled true"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// Config is the root configuration object.
type Config struct {
	Homeserver Homeserver `yaml:"homeserver"`
	Appservice Appservice `yaml:"appservice"`
	Bridge     Bridge     `yaml:"bridge"`
	Twitter    Twitter    `yaml:"twitter"`
	Store      Store      `yaml:"store"`
	Cache      Cache      `yaml:"cache"`
	Telemetry  Telemetry  `yaml:"telemetry"`
	Metrics    struct {
		Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
	} `yaml:"metrics"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default returns the built-in configuration baseline.
func Default() Config {
	var cfg Config
	cfg.Homeserver.Address = "http://localhost:8008"
	cfg.Homeserver.Domain = "example.com"
	cfg.Appservice.ID = "twidm"
	cfg.Appservice.Listen = "0.0.0.0:29327"
	cfg.Appservice.BotLocalpart = "twitterbot"
	cfg.Bridge.UsernameTemplate = "twitter_%d"
	cfg.Bridge.DisplaynameTemplate = "%s (Twitter)"
	cfg.Bridge.InitialConversationSync = 10
	cfg.Bridge.Permissions = map[string]string{"*": "relaybot"}
	cfg.Twitter.BaseURL = "https://twitter.com/i/api/1.1"
	cfg.Twitter.PollInterval = 3 * time.Second
	cfg.Twitter.ErrorSleep = 5 * time.Second
	cfg.Twitter.MaxErrorSleep = 5 * time.Minute
	cfg.Twitter.RequestsPerSec = 1
	cfg.Store.Backend = "sqlite"
	cfg.Store.Path = "twidm.db"
	cfg.Cache.TTL = 10 * time.Minute
	cfg.Telemetry.SamplingRate = 0.1
	cfg.Metrics.Listen = "127.0.0.1:9327"
	cfg.Logging.Level = "info"
	return cfg
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Homeserver.Address = ParseString("TWIDM_HOMESERVER_ADDRESS", cfg.Homeserver.Address)
	cfg.Homeserver.Domain = ParseString("TWIDM_HOMESERVER_DOMAIN", cfg.Homeserver.Domain)
	cfg.Appservice.ID = ParseString("TWIDM_APPSERVICE_ID", cfg.Appservice.ID)
	cfg.Appservice.Listen = ParseString("TWIDM_APPSERVICE_LISTEN", cfg.Appservice.Listen)
	cfg.Appservice.ASToken = ParseString("TWIDM_AS_TOKEN", cfg.Appservice.ASToken)
	cfg.Appservice.HSToken = ParseString("TWIDM_HS_TOKEN", cfg.Appservice.HSToken)
	cfg.Appservice.BotLocalpart = ParseString("TWIDM_BOT_LOCALPART", cfg.Appservice.BotLocalpart)
	cfg.Bridge.UsernameTemplate = ParseString("TWIDM_USERNAME_TEMPLATE", cfg.Bridge.UsernameTemplate)
	cfg.Bridge.InitialConversationSync = ParseInt("TWIDM_INITIAL_CONVERSATION_SYNC", cfg.Bridge.InitialConversationSync)
	cfg.Twitter.BaseURL = ParseString("TWIDM_TWITTER_BASE_URL", cfg.Twitter.BaseURL)
	cfg.Twitter.PollInterval = ParseDuration("TWIDM_POLL_INTERVAL", cfg.Twitter.PollInterval)
	cfg.Twitter.ErrorSleep = ParseDuration("TWIDM_ERROR_SLEEP", cfg.Twitter.ErrorSleep)
	cfg.Twitter.MaxErrorSleep = ParseDuration("TWIDM_MAX_ERROR_SLEEP", cfg.Twitter.MaxErrorSleep)
	cfg.Store.Backend = ParseString("TWIDM_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = ParseString("TWIDM_STORE_PATH", cfg.Store.Path)
	cfg.Cache.RedisAddr = ParseString("TWIDM_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisDB = ParseInt("TWIDM_REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.TTL = ParseDuration("TWIDM_CACHE_TTL", cfg.Cache.TTL)
	cfg.Telemetry.Enabled = ParseBool("TWIDM_TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = ParseString("TWIDM_TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = ParseString("TWIDM_TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Metrics.Listen = ParseString("TWIDM_METRICS_LISTEN", cfg.Metrics.Listen)
	cfg.Logging.Level = ParseString("TWIDM_LOG_LEVEL", cfg.Logging.Level)
}
