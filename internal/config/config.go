// Package config loads the gateway and agent configuration from YAML
// with environment overrides. A .env file, when present, is folded into
// the environment before overrides apply.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// GatewayConfig is the control-plane process configuration.
type GatewayConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Token     TokenConfig     `yaml:"token"`
	Signaling SignalingConfig `yaml:"signaling"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audit     AuditConfig     `yaml:"audit"`
	Admin     AdminConfig     `yaml:"admin"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	Env  string `yaml:"env"`
}

type TokenConfig struct {
	Issuer        string        `yaml:"issuer"`
	TTL           time.Duration `yaml:"ttl"`
	MaxTTL        time.Duration `yaml:"max_ttl"`
	RegistryGrace time.Duration `yaml:"registry_grace"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type SignalingConfig struct {
	PublicURL  string   `yaml:"public_url"`
	ICEServers []string `yaml:"ice_servers"`
}

type PolicyConfig struct {
	Path string `yaml:"path"`
}

type AuditConfig struct {
	Capacity     int           `yaml:"capacity"`
	CriticalWait time.Duration `yaml:"critical_wait"`
	Adapter      string        `yaml:"adapter"` // http or redis
	LedgerURL    string        `yaml:"ledger_url"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisStream  string        `yaml:"redis_stream"`
}

type AdminConfig struct {
	APIKey string `yaml:"api_key"`
}

// AgentConfig is the robot-side process configuration.
type AgentConfig struct {
	RobotID   string          `yaml:"robot_id"`
	Gateway   GatewayEndpoint `yaml:"gateway"`
	Session   SessionJoin     `yaml:"session"`
	Safety    SafetyConfig    `yaml:"safety"`
	Control   ControlConfig   `yaml:"control"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Transport TransportConfig `yaml:"transport"`
}

// SessionJoin carries the provisioned session binding the agent joins
// with. Delivered out of band by the operator tooling.
type SessionJoin struct {
	ID    string `yaml:"id"`
	Token string `yaml:"token"`
}

type GatewayEndpoint struct {
	SignalURL string        `yaml:"signal_url"`
	JWKSURL   string        `yaml:"jwks_url"`
	JWKSStale time.Duration `yaml:"jwks_stale"`
}

type SafetyConfig struct {
	ControlLossTimeout time.Duration `yaml:"control_loss_timeout"`
	CheckInterval      time.Duration `yaml:"check_interval"`
	InvalidThreshold   int           `yaml:"invalid_threshold"`
	InvalidWindow      time.Duration `yaml:"invalid_window"`
}

type ControlConfig struct {
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	RateHz         float64       `yaml:"rate_hz"`
	RateBurst      int           `yaml:"rate_burst"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TransportConfig struct {
	ICEServers []string `yaml:"ice_servers"`
}

// LoadGateway reads the gateway config, applying defaults and env
// overrides for secrets and endpoints.
func LoadGateway(path string) (*GatewayConfig, error) {
	_ = godotenv.Load()

	cfg := &GatewayConfig{}
	if err := decode(path, cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Token.Issuer == "" {
		cfg.Token.Issuer = "teleop-gateway"
	}
	if cfg.Token.TTL <= 0 {
		cfg.Token.TTL = time.Hour
	}
	if cfg.Token.MaxTTL <= 0 {
		cfg.Token.MaxTTL = 4 * time.Hour
	}
	if cfg.Token.RegistryGrace <= 0 {
		cfg.Token.RegistryGrace = 5 * time.Minute
	}
	if cfg.Token.SweepInterval <= 0 {
		cfg.Token.SweepInterval = time.Minute
	}
	if cfg.Audit.Capacity <= 0 {
		cfg.Audit.Capacity = 1024
	}
	if cfg.Audit.CriticalWait <= 0 {
		cfg.Audit.CriticalWait = 50 * time.Millisecond
	}
	if cfg.Audit.RedisStream == "" {
		cfg.Audit.RedisStream = "teleop:audit"
	}

	overrideString(&cfg.Server.Addr, "TELEOP_ADDR")
	overrideString(&cfg.Admin.APIKey, "TELEOP_ADMIN_API_KEY")
	overrideString(&cfg.Audit.LedgerURL, "TELEOP_LEDGER_URL")
	overrideString(&cfg.Audit.RedisAddr, "TELEOP_REDIS_ADDR")
	overrideString(&cfg.Signaling.PublicURL, "TELEOP_SIGNALING_URL")
	return cfg, nil
}

// LoadAgent reads the agent config with defaults and env overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	_ = godotenv.Load()

	cfg := &AgentConfig{}
	if err := decode(path, cfg); err != nil {
		return nil, err
	}

	if cfg.Safety.ControlLossTimeout <= 0 {
		cfg.Safety.ControlLossTimeout = 500 * time.Millisecond
	}
	if cfg.Safety.CheckInterval <= 0 {
		cfg.Safety.CheckInterval = 100 * time.Millisecond
	}
	if cfg.Safety.InvalidThreshold <= 0 {
		cfg.Safety.InvalidThreshold = 5
	}
	if cfg.Control.StaleThreshold <= 0 {
		cfg.Control.StaleThreshold = 500 * time.Millisecond
	}
	if cfg.Control.RateHz <= 0 {
		cfg.Control.RateHz = 30
	}
	if cfg.Control.RateBurst <= 0 {
		cfg.Control.RateBurst = 1
	}
	if cfg.Gateway.JWKSStale <= 0 {
		cfg.Gateway.JWKSStale = 30 * time.Second
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}

	overrideString(&cfg.RobotID, "TELEOP_ROBOT_ID")
	overrideString(&cfg.Gateway.SignalURL, "TELEOP_SIGNAL_URL")
	overrideString(&cfg.Gateway.JWKSURL, "TELEOP_JWKS_URL")
	overrideString(&cfg.Session.ID, "TELEOP_SESSION_ID")
	overrideString(&cfg.Session.Token, "TELEOP_SESSION_TOKEN")
	overrideFloat(&cfg.Control.RateHz, "TELEOP_RATE_HZ")
	return cfg, nil
}

func decode(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(out)
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
