/*
 *	cborpc speaks CBOR-encoded RPC to a remote database over WebSocket.
 *	Copyright (C) 2022 Arsen Musayelyan
 *
 *	This program is free software: you can redistribute it and/or modify
 *	it under the terms of the GNU General Public License as published by
 *	the Free Software Foundation, either version 3 of the License, or
 *	(at your option) any later version.
 *
 *	This program is distributed in the hope that it will be useful,
 *	but WITHOUT ANY WARRANTY; without even the implied warranty of
 *	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *	GNU General Public License for more details.
 *
 *	You should have received a copy of the GNU General Public License
 *	along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package config loads connection profiles for the cborpc command
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.arsenm.dev/cborpc/client"
	"gopkg.in/yaml.v3"
)

var ErrUnknownFormat = errors.New("unknown config format")

// AuthConfig contains the credentials used to sign in
type AuthConfig struct {
	Namespace string `toml:"namespace" yaml:"namespace"`
	Database  string `toml:"database" yaml:"database"`
	Access    string `toml:"access" yaml:"access"`
	Username  string `toml:"username" yaml:"username"`
	Password  string `toml:"password" yaml:"password"`
}

// ReconnectConfig controls reconnection. Durations use
// Go duration syntax, such as "500ms".
type ReconnectConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	MaxAttempts int    `toml:"maxAttempts" yaml:"maxAttempts"`
	Backoff     string `toml:"backoff" yaml:"backoff"`
	MaxBackoff  string `toml:"maxBackoff" yaml:"maxBackoff"`

	backoff, maxBackoff time.Duration
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Config is a connection profile
type Config struct {
	URL            string          `toml:"url" yaml:"url"`
	Namespace      string          `toml:"namespace" yaml:"namespace"`
	Database       string          `toml:"database" yaml:"database"`
	RequestTimeout string          `toml:"requestTimeout" yaml:"requestTimeout"`
	Auth           AuthConfig      `toml:"auth" yaml:"auth"`
	Reconnect      ReconnectConfig `toml:"reconnect" yaml:"reconnect"`
	Logging        LoggingConfig   `toml:"logging" yaml:"logging"`

	requestTimeout time.Duration
}

// Load reads a profile from path. The format is chosen by the
// file extension: .toml, .yaml or .yml. As with Parse, the profile
// is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// Parse decodes a profile in the given format. The profile is not
// validated, so that values such as the URL may be overridden before
// calling Validate.
func Parse(data []byte, format string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(format) {
	case "toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return &cfg, nil
}

// Validate checks the profile and fills in defaults. It must be
// called before ClientConfig.
func (cfg *Config) Validate() error {
	if cfg.URL == "" {
		return fmt.Errorf("url required")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	var err error
	if cfg.requestTimeout, err = parseDuration("requestTimeout", cfg.RequestTimeout, 0); err != nil {
		return err
	}
	if cfg.Reconnect.backoff, err = parseDuration("reconnect.backoff", cfg.Reconnect.Backoff, time.Second); err != nil {
		return err
	}
	if cfg.Reconnect.maxBackoff, err = parseDuration("reconnect.maxBackoff", cfg.Reconnect.MaxBackoff, 0); err != nil {
		return err
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.maxAttempts must not be negative")
	}
	return nil
}

func parseDuration(name, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return d, nil
}

// ClientConfig returns the client configuration described by the
// profile. Validate must have succeeded first.
func (cfg *Config) ClientConfig(log *slog.Logger) client.Config {
	out := client.Config{
		URL:            cfg.URL,
		Namespace:      cfg.Namespace,
		Database:       cfg.Database,
		RequestTimeout: cfg.requestTimeout,
		Logger:         log,
		Reconnect: client.ReconnectPolicy{
			Enabled:     cfg.Reconnect.Enabled,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			Backoff:     client.FixedBackoff(cfg.Reconnect.backoff),
		},
	}

	if cfg.Reconnect.maxBackoff > 0 {
		out.Reconnect.Backoff = client.ExponentialBackoff(cfg.Reconnect.backoff, cfg.Reconnect.maxBackoff)
	}

	if cfg.Auth != (AuthConfig{}) {
		out.Auth = &client.Auth{
			Namespace: cfg.Auth.Namespace,
			Database:  cfg.Auth.Database,
			Access:    cfg.Auth.Access,
			Username:  cfg.Auth.Username,
			Password:  cfg.Auth.Password,
		}
	}

	return out
}
