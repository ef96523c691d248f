// Package config loads server configuration from an optional YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stores   StoresConfig   `yaml:"stores"`
	Identity IdentityConfig `yaml:"identity"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Limits   LimitsConfig   `yaml:"limits"`
}

type ServerConfig struct {
	// MainAddr serves the public WebSocket endpoint.
	MainAddr string `yaml:"main_addr"`
	// InternalAddr serves the broadcast/admin API and metrics.
	InternalAddr string `yaml:"internal_addr"`
	Env          string `yaml:"env"`
	// SharedSecret guards the internal broadcast API (x-internal-auth).
	SharedSecret   string   `yaml:"shared_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StoresConfig struct {
	// Backend selects "postgres" or "memory".
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`

	// Redis relay for cross-pod broadcast delivery; empty addr disables it.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RelayPrefix   string `yaml:"relay_prefix"`
}

type IdentityConfig struct {
	// APIURL is the JSON-RPC endpoint resolving account keys.
	APIURL string `yaml:"api_url"`
	// ChallengeMaxAgeSec bounds how old a login challenge may be.
	ChallengeMaxAgeSec int `yaml:"challenge_max_age_sec"`
	// ChallengeMaxSkewSec tolerates clients ahead of server clock.
	ChallengeMaxSkewSec int `yaml:"challenge_max_skew_sec"`
}

type TimeoutsConfig struct {
	HandshakeSec  int `yaml:"handshake_sec"`
	LoadSec       int `yaml:"load_sec"`
	IdleSec       int `yaml:"idle_sec"`
	DebounceMs    int `yaml:"debounce_ms"`
	MaxDebounceMs int `yaml:"max_debounce_ms"`
	GraceSec      int `yaml:"grace_sec"`
}

type LimitsConfig struct {
	MaxFrameBytes    int `yaml:"max_frame_bytes"`
	MaxClassifyBytes int `yaml:"max_classify_bytes"`
	SendWatermark    int `yaml:"send_watermark"`
}

// Default returns the documented defaults: public port 1234, internal 1235,
// handshake 10s, load 30s, idle 30s, debounce 2s/10s, grace 10s, challenge
// window 24h with 5m future skew, 1 MiB classifier cap.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MainAddr:     ":1234",
			InternalAddr: ":1235",
			Env:          "development",
		},
		Stores: StoresConfig{
			Backend:     "memory",
			RelayPrefix: "collab:relay:",
		},
		Identity: IdentityConfig{
			ChallengeMaxAgeSec:  24 * 60 * 60,
			ChallengeMaxSkewSec: 5 * 60,
		},
		Timeouts: TimeoutsConfig{
			HandshakeSec:  10,
			LoadSec:       30,
			IdleSec:       30,
			DebounceMs:    2000,
			MaxDebounceMs: 10000,
			GraceSec:      10,
		},
		Limits: LimitsConfig{
			MaxFrameBytes:    2 << 20,
			MaxClassifyBytes: 1 << 20,
			SendWatermark:    128,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.MainAddr, "COLLAB_MAIN_ADDR")
	setString(&c.Server.InternalAddr, "COLLAB_INTERNAL_ADDR")
	setString(&c.Server.Env, "COLLAB_ENV")
	setString(&c.Server.SharedSecret, "COLLAB_SHARED_SECRET")
	if v := os.Getenv("COLLAB_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.AllowedOrigins = origins
	}
	setString(&c.Stores.Backend, "COLLAB_STORE_BACKEND")
	setString(&c.Stores.DatabaseURL, "DATABASE_URL")
	setString(&c.Stores.RedisAddr, "REDIS_ADDR")
	setString(&c.Stores.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.Stores.RedisDB, "REDIS_DB")
	setString(&c.Identity.APIURL, "IDENTITY_API_URL")
	setInt(&c.Identity.ChallengeMaxAgeSec, "CHALLENGE_MAX_AGE")
	setInt(&c.Identity.ChallengeMaxSkewSec, "CHALLENGE_MAX_SKEW")
	setInt(&c.Timeouts.GraceSec, "COLLAB_GRACE_SEC")
	setInt(&c.Limits.MaxClassifyBytes, "COLLAB_MAX_CLASSIFY_BYTES")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Duration accessors keep call sites free of unit arithmetic.

func (t TimeoutsConfig) Handshake() time.Duration { return time.Duration(t.HandshakeSec) * time.Second }
func (t TimeoutsConfig) Load() time.Duration      { return time.Duration(t.LoadSec) * time.Second }
func (t TimeoutsConfig) Idle() time.Duration      { return time.Duration(t.IdleSec) * time.Second }
func (t TimeoutsConfig) Debounce() time.Duration {
	return time.Duration(t.DebounceMs) * time.Millisecond
}
func (t TimeoutsConfig) MaxDebounce() time.Duration {
	return time.Duration(t.MaxDebounceMs) * time.Millisecond
}
func (t TimeoutsConfig) Grace() time.Duration { return time.Duration(t.GraceSec) * time.Second }

func (i IdentityConfig) ChallengeMaxAge() time.Duration {
	return time.Duration(i.ChallengeMaxAgeSec) * time.Second
}
func (i IdentityConfig) ChallengeMaxSkew() time.Duration {
	return time.Duration(i.ChallengeMaxSkewSec) * time.Second
}
