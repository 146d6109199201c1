package config

import (
	"time"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/pipeline"
)

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Log       LogConfig
	// Events lists the modifiers that run before an event's built-in action,
	// keyed by event name.
	Events map[string]EventConfig `mapstructure:"events"`

	// Pipelines is filled by CompilePipelines.
	Pipelines map[string][]pipeline.Step `mapstructure:"-"`
}

type ServerConfig struct {
	Address string
	// OriginPatterns are the hosts allowed to open a websocket from a
	// browser. Empty disables the origin check.
	OriginPatterns  []string `mapstructure:"originPatterns"`
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"` // 0 is unlimited
	Mode     string `mapstructure:"mode"`     // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	PingInterval    time.Duration `mapstructure:"pingInterval"`
	SendBuffer      int           `mapstructure:"sendBuffer"`
	MaxMessageBytes int64         `mapstructure:"maxMessageBytes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EventConfig struct {
	Modifiers []StepConfig `mapstructure:"modifiers"`
}

type StepConfig struct {
	Name   string   `mapstructure:"name"`
	Params []string `mapstructure:"params"`
}

const (
	LimitModeReject = "reject"
	LimitModeCycle  = "cycle"
)
