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

package client

import (
	"log/slog"
	"time"

	"go.arsenm.dev/cborpc/codec"
	"go.arsenm.dev/cborpc/models"
	"go.arsenm.dev/cborpc/transport"
)

// Config configures a client
type Config struct {
	// URL of the server. Addresses such as localhost:8000
	// are converted to their RPC endpoint.
	URL string

	// Dialer opens the transport. Defaults to a WebSocketDialer.
	Dialer transport.Dialer

	// Auth is used to sign in after every connection, if set
	Auth *Auth

	// Namespace and Database are selected after signing in.
	// A later call to Use replaces them.
	Namespace string
	Database  string

	Reconnect ReconnectPolicy

	// RequestTimeout bounds every request when non-zero
	RequestTimeout time.Duration

	// Logger defaults to slog.Default()
	Logger *slog.Logger

	// Tags converts domain values to and from CBOR tags.
	// Defaults to models.Tags.
	Tags codec.TagCodec
}

func (cfg Config) withDefaults() (Config, error) {
	url, err := transport.RPCURL(cfg.URL)
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.Dialer == nil {
		cfg.Dialer = transport.WebSocketDialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tags == nil {
		cfg.Tags = models.Tags
	}
	if cfg.Reconnect.Backoff == nil {
		cfg.Reconnect.Backoff = FixedBackoff(time.Second)
	}
	return cfg, nil
}

// Auth contains credentials used to sign in
type Auth struct {
	Namespace string
	Database  string
	Access    string
	Username  string
	Password  string
}

// Value returns the credentials in the form the signin
// method expects. Empty fields are left out.
func (a Auth) Value() *codec.Map {
	out := codec.NewMap(5)
	for _, kv := range [...]struct{ k, v string }{
		{"NS", a.Namespace},
		{"DB", a.Database},
		{"AC", a.Access},
		{"user", a.Username},
		{"pass", a.Password},
	} {
		if kv.v != "" {
			out.Set(kv.k, kv.v)
		}
	}
	return out
}

// ReconnectPolicy controls what happens when an established
// connection fails
type ReconnectPolicy struct {
	Enabled bool
	// Backoff returns how long to wait before the given attempt,
	// starting at 1. Defaults to one second for every attempt.
	Backoff func(attempt int) time.Duration
	// MaxAttempts limits reconnection attempts. Zero means unlimited.
	MaxAttempts int
}

// FixedBackoff waits the same amount of time before every attempt
func FixedBackoff(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration {
		return d
	}
}

// ExponentialBackoff doubles the wait after every attempt,
// starting at base and never exceeding limit
func ExponentialBackoff(base, limit time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		delay := base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= limit || delay <= 0 {
				return limit
			}
		}
		return min(delay, limit)
	}
}
