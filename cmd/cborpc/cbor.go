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
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
	"go.arsenm.dev/cborpc/codec"
	"go.arsenm.dev/cborpc/models"
	"gopkg.in/yaml.v3"
)

var (
	tagEncoder = &codec.Encoder{Tags: models.Tags}
	tagDecoder = &codec.Decoder{Tags: models.Tags}
)

func newCBORCommand() *cobra.Command {
	var hexIO bool

	cmd := &cobra.Command{
		Use:   "cbor",
		Short: "Inspect and produce CBOR data",
		Long: `Tools for working with CBOR data outside of a connection.

Every subcommand reads from the file given as its only argument, or from
stdin if there is none. With --hex, CBOR input and output are hex-encoded.`,
	}
	cmd.PersistentFlags().BoolVarP(&hexIO, "hex", "x", false, "hex-encoded input and output")

	cmd.AddCommand(newDiagCommand(&hexIO))
	cmd.AddCommand(newDecodeCommand(&hexIO))
	cmd.AddCommand(newEncodeCommand(&hexIO))
	return cmd
}

func newDiagCommand(hexIO *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "diag [FILE]",
		Short: "Print the diagnostic notation of a CBOR sequence",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args, *hexIO)
			if err != nil {
				return err
			}
			return diagnose(data, cmd.OutOrStdout())
		},
	}
}

// diagnose writes one line of diagnostic notation for every
// data item in data
func diagnose(data []byte, w io.Writer) error {
	for len(data) > 0 {
		diag, rest, err := codec.DiagnoseFirst(data)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, diag)
		data = rest
	}
	return nil
}

func newDecodeCommand(hexIO *bool) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "decode [FILE]",
		Short: "Convert a CBOR sequence to JSON, YAML or MessagePack",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args, *hexIO)
			if err != nil {
				return err
			}
			return decodeSequence(data, cmd.OutOrStdout(), format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, yaml or msgpack)")
	return cmd
}

// decodeSequence decodes every data item in data and writes
// each one to w in the given format
func decodeSequence(data []byte, w io.Writer, format string) error {
	for len(data) > 0 {
		v, rest, err := tagDecoder.DecodeFirst(data)
		if err != nil {
			return err
		}
		if err := writeValue(w, v, format); err != nil {
			return err
		}
		data = rest
	}
	return nil
}

func newEncodeCommand(hexIO *bool) *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "encode [FILE]",
		Short: "Convert JSON, YAML or MessagePack to CBOR",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args, false)
			if err != nil {
				return err
			}

			out, err := encodeFrom(data, from)
			if err != nil {
				return err
			}

			if *hexIO {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(out))
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().StringVar(&from, "from", "json", "input format (json, yaml or msgpack)")
	return cmd
}

// encodeFrom converts a document in the given format to CBOR
func encodeFrom(data []byte, format string) ([]byte, error) {
	var v any
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		v = fromJSON(v)
	case "yaml":
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	case "msgpack":
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown input format %q", format)
	}
	return tagEncoder.Encode(v)
}

// fromJSON converts JSON numbers to integers where possible
func fromJSON(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, elem := range val {
			val[k] = fromJSON(elem)
		}
	case []any:
		for i, elem := range val {
			val[i] = fromJSON(elem)
		}
	}
	return v
}

// readInput reads the file named by args, or stdin if there is none
func readInput(args []string, hexInput bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if len(args) > 0 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return nil, err
	}

	if hexInput {
		return decodeHex(string(data))
	}
	return data, nil
}

// decodeHex decodes hex, ignoring any whitespace
func decodeHex(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(s)
}
