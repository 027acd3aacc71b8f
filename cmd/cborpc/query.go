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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newQueryCommand(flags *connFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "query SQL...",
		Short: "Run a query and print the result of each statement",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			results, err := c.Query(ctx, strings.Join(args, " "), nil)
			if err != nil {
				return err
			}

			out := make([]any, len(results))
			failed := 0
			for i, res := range results {
				if err := res.Err(); err != nil {
					failed++
				}
				out[i] = map[string]any{
					"status": res.Status,
					"time":   res.Time,
					"result": res.Result,
				}
			}

			if err := writeValue(os.Stdout, out, format); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d statements failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json or yaml)")
	return cmd
}
