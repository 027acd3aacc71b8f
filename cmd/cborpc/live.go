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
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.arsenm.dev/cborpc/client"
	"go.arsenm.dev/cborpc/models"
)

func newLiveCommand(flags *connFlags) *cobra.Command {
	var (
		diff   bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "live TABLE",
		Short: "Print live updates for a table until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var writeMtx sync.Mutex
			killed := make(chan struct{})
			var killOnce sync.Once

			id, err := c.Subscribe(ctx, models.Table(args[0]), diff, func(_ context.Context, u client.LiveUpdate) error {
				if u.Action == client.ActionKilled {
					killOnce.Do(func() { close(killed) })
				}

				writeMtx.Lock()
				defer writeMtx.Unlock()
				return writeValue(os.Stdout, map[string]any{
					"id":     u.ID,
					"action": string(u.Action),
					"result": u.Result,
				}, format)
			})
			if err != nil {
				return err
			}

			select {
			case <-ctx.Done():
			case <-killed:
				return nil
			}

			killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return c.Kill(killCtx, id)
		},
	}

	cmd.Flags().BoolVar(&diff, "diff", false, "receive JSON Patch diffs instead of records")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json or yaml)")
	return cmd
}
