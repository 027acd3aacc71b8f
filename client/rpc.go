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
	"context"
	"fmt"

	"go.arsenm.dev/cborpc/codec"
)

// QueryResult is the result of a single statement in a query
type QueryResult struct {
	Status string
	Time   string
	Result any
}

// Err returns an error if the statement failed
func (qr QueryResult) Err() error {
	if qr.Status == "OK" {
		return nil
	}
	msg, _ := qr.Result.(string)
	return &QueryError{Message: msg}
}

// PatchOp is a JSON Patch operation
type PatchOp struct {
	Op    string
	Path  string
	Value any
}

func (po PatchOp) value() *codec.Map {
	m := codec.MapOf("op", po.Op, "path", po.Path)
	if po.Value != nil {
		m.Set("value", po.Value)
	}
	return m
}

// Use selects the namespace and database. They are selected again
// automatically after reconnecting.
func (c *Client) Use(ctx context.Context, ns, db string) error {
	_, err := c.Send(ctx, "use", nilIfEmpty(ns), nilIfEmpty(db))
	if err != nil {
		return err
	}

	c.mtx.Lock()
	c.ns, c.db = ns, db
	c.mtx.Unlock()
	return nil
}

// Info returns information about the signed in user
func (c *Client) Info(ctx context.Context) (any, error) {
	return c.Send(ctx, "info")
}

// Version returns the server's version
func (c *Client) Version(ctx context.Context) (string, error) {
	res, err := c.Send(ctx, "version")
	if err != nil {
		return "", err
	}
	s, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected version type %T", res)
	}
	return s, nil
}

// Let defines a variable for the rest of the session
func (c *Client) Let(ctx context.Context, key string, val any) error {
	_, err := c.Send(ctx, "let", key, val)
	return err
}

// Unset removes a variable defined with Let
func (c *Client) Unset(ctx context.Context, key string) error {
	_, err := c.Send(ctx, "unset", key)
	return err
}

// Query runs a query and returns the result of each statement.
// vars may be nil.
func (c *Client) Query(ctx context.Context, sql string, vars map[string]any) ([]QueryResult, error) {
	params := []any{sql}
	if vars != nil {
		params = append(params, vars)
	}

	res, err := c.Send(ctx, "query", params...)
	if err != nil {
		return nil, err
	}

	list, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected query result type %T", res)
	}

	out := make([]QueryResult, len(list))
	for i, elem := range list {
		m, ok := elem.(*codec.Map)
		if !ok {
			return nil, fmt.Errorf("unexpected statement result type %T", elem)
		}
		status, _ := m.Get("status")
		out[i].Status, _ = status.(string)
		t, _ := m.Get("time")
		out[i].Time, _ = t.(string)
		out[i].Result, _ = m.Get("result")
	}
	return out, nil
}

// Run runs a function. version may be empty.
func (c *Client) Run(ctx context.Context, fn, version string, args ...any) (any, error) {
	var argList any
	if args != nil {
		argList = args
	}
	return c.Send(ctx, "run", fn, nilIfEmpty(version), argList)
}

// Select selects a table or record
func (c *Client) Select(ctx context.Context, what any) (any, error) {
	return c.Send(ctx, "select", what)
}

// Create creates a record in a table
func (c *Client) Create(ctx context.Context, what, data any) (any, error) {
	return c.Send(ctx, "create", withData(what, data)...)
}

// Insert inserts one or more records into a table
func (c *Client) Insert(ctx context.Context, table, data any) (any, error) {
	return c.Send(ctx, "insert", table, data)
}

// Update replaces the contents of a table or record
func (c *Client) Update(ctx context.Context, what, data any) (any, error) {
	return c.Send(ctx, "update", withData(what, data)...)
}

// Upsert replaces or creates a record
func (c *Client) Upsert(ctx context.Context, what, data any) (any, error) {
	return c.Send(ctx, "upsert", withData(what, data)...)
}

// Merge merges data into a table or record
func (c *Client) Merge(ctx context.Context, what, data any) (any, error) {
	return c.Send(ctx, "merge", what, data)
}

// Patch applies JSON Patch operations to a table or record.
// If diff is true, the changes are returned instead of the
// resulting records.
func (c *Client) Patch(ctx context.Context, what any, ops []PatchOp, diff bool) (any, error) {
	patches := make([]any, len(ops))
	for i, op := range ops {
		patches[i] = op.value()
	}
	return c.Send(ctx, "patch", what, patches, diff)
}

// Delete deletes a table or record
func (c *Client) Delete(ctx context.Context, what any) (any, error) {
	return c.Send(ctx, "delete", what)
}

// Relate creates a relation between two records. data may be nil.
func (c *Client) Relate(ctx context.Context, in, relation, out, data any) (any, error) {
	params := []any{in, relation, out}
	if data != nil {
		params = append(params, data)
	}
	return c.Send(ctx, "relate", params...)
}

// Signin signs in and returns a token
func (c *Client) Signin(ctx context.Context, auth Auth) (string, error) {
	res, err := c.Send(ctx, "signin", auth.Value())
	if err != nil {
		return "", err
	}
	token, _ := res.(string)
	return token, nil
}

// Signup signs up a record user and returns a token. vars are sent
// alongside the namespace, database and access method in auth.
func (c *Client) Signup(ctx context.Context, auth Auth, vars map[string]any) (string, error) {
	params := auth.Value()
	for k, v := range vars {
		params.Set(k, v)
	}

	res, err := c.Send(ctx, "signup", params)
	if err != nil {
		return "", err
	}
	token, _ := res.(string)
	return token, nil
}

// Authenticate authenticates the session with a token
func (c *Client) Authenticate(ctx context.Context, token string) error {
	_, err := c.Send(ctx, "authenticate", token)
	return err
}

// Invalidate signs the session out
func (c *Client) Invalidate(ctx context.Context) error {
	_, err := c.Send(ctx, "invalidate")
	return err
}

func withData(what, data any) []any {
	if data == nil {
		return []any{what}
	}
	return []any{what, data}
}
