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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.arsenm.dev/cborpc/client"
	"go.arsenm.dev/cborpc/internal/config"
	"go.arsenm.dev/cborpc/internal/logging"
)

var version = "dev"

// connFlags are the connection settings shared by every
// command that talks to a server
type connFlags struct {
	configPath string
	url        string
	namespace  string
	database   string
	username   string
	password   string
	logLevel   string
	logFormat  string
}

func main() {
	var flags connFlags

	rootCmd := &cobra.Command{
		Use:           "cborpc",
		Short:         "Talk to a database over CBOR-encoded RPC",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "connection profile (.toml, .yaml or .yml)")
	pf.StringVar(&flags.url, "url", "", "server address (default localhost:8000)")
	pf.StringVar(&flags.namespace, "ns", "", "namespace to use")
	pf.StringVar(&flags.database, "db", "", "database to use")
	pf.StringVarP(&flags.username, "user", "u", "", "username to sign in with")
	pf.StringVarP(&flags.password, "pass", "p", "", "password to sign in with")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn or error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format (text or json)")

	rootCmd.AddCommand(newQueryCommand(&flags))
	rootCmd.AddCommand(newLiveCommand(&flags))
	rootCmd.AddCommand(newCBORCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// profile returns the connection profile, with any flags
// overriding the values from the profile file
func (f *connFlags) profile() (*config.Config, error) {
	cfg := &config.Config{}
	if f.configPath != "" {
		var err error
		cfg, err = config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
	}

	override := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	override(&cfg.URL, f.url)
	override(&cfg.Namespace, f.namespace)
	override(&cfg.Database, f.database)
	override(&cfg.Auth.Username, f.username)
	override(&cfg.Auth.Password, f.password)
	override(&cfg.Logging.Level, f.logLevel)
	override(&cfg.Logging.Format, f.logFormat)

	if cfg.URL == "" {
		cfg.URL = "localhost:8000"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// dial connects to the server described by the flags
func (f *connFlags) dial(ctx context.Context) (*client.Client, error) {
	cfg, err := f.profile()
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return nil, err
	}

	return client.Dial(ctx, cfg.ClientConfig(log))
}
