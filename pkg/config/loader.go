package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/logging"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/transport"
)

const (
	DefaultConfigName = "fleetsync"
	EnvPrefix         = "FLEETSYNC"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.originPatterns", []string{})
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.jwtSecret", "")
	v.SetDefault("server.connectionLimit.maxPerIP", 0)
	v.SetDefault("server.connectionLimit.mode", LimitModeReject)
	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.pingInterval", "30s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.maxMessageBytes", transport.DefaultMaxMessageBytes)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from defaults, an optional YAML file and
// FLEETSYNC_* environment variables, in increasing precedence. An empty
// path looks for fleetsync.yaml in the working directory.
func Load(logger *slog.Logger, path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	} else {
		logger.Info("Config file loaded", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	switch c.Server.ConnectionLimit.Mode {
	case LimitModeReject, LimitModeCycle:
	default:
		errs = append(errs, fmt.Errorf("server.connectionLimit.mode must be %q or %q, got %q",
			LimitModeReject, LimitModeCycle, c.Server.ConnectionLimit.Mode))
	}
	if c.Server.ConnectionLimit.MaxPerIP < 0 {
		errs = append(errs, errors.New("server.connectionLimit.maxPerIP cannot be negative"))
	}
	if c.Server.Auth.Enabled && c.Server.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("server.auth.jwtSecret is required when auth is enabled"))
	}
	if c.Transport.ReadTimeout < 0 || c.Transport.PingInterval < 0 {
		errs = append(errs, errors.New("transport timeouts cannot be negative"))
	}
	if c.Transport.SendBuffer <= 0 {
		errs = append(errs, errors.New("transport.sendBuffer must be positive"))
	}
	if c.Transport.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("transport.maxMessageBytes must be positive"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}
