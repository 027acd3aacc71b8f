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

// Package memory implements a small in-memory record store on top of
// a server. It supports enough of the database's methods to exercise
// clients without a real database.
package memory

import (
	"fmt"
	"strings"
	"sync"

	"go.arsenm.dev/cborpc/codec"
	"go.arsenm.dev/cborpc/internal/types"
	"go.arsenm.dev/cborpc/models"
	"go.arsenm.dev/cborpc/server"
)

// Version is returned by the version method
const Version = "cborpc-memory-1.0.0"

// Store is an in-memory record store
type Store struct {
	srv      *server.Server
	username string
	password string

	mtx    sync.Mutex
	tables map[string]*table
	live   map[string]map[string]struct{}
}

type table struct {
	nextID  int64
	records *codec.Map
}

// New creates a store and registers its methods on srv. If username
// is empty, any credentials are accepted by signin.
func New(srv *server.Server, username, password string) *Store {
	st := &Store{
		srv:      srv,
		username: username,
		password: password,
		tables:   map[string]*table{},
		live:     map[string]map[string]struct{}{},
	}

	srv.Register("signin", st.signin)
	srv.Register("use", func(*server.Context) (any, error) { return nil, nil })
	srv.Register("version", func(*server.Context) (any, error) { return Version, nil })
	srv.Register("create", st.createRecord)
	srv.Register("select", st.selectRecords)
	srv.Register("update", st.updateRecord)
	srv.Register("delete", st.deleteRecords)
	srv.Register("live", st.liveQuery)

	return st
}

func (st *Store) signin(ctx *server.Context) (any, error) {
	creds, ok := ctx.Param(0).(*codec.Map)
	if !ok {
		return nil, fmt.Errorf("%w: expected credentials", server.ErrInvalidParams)
	}

	if st.username != "" {
		user, _ := creds.Get("user")
		pass, _ := creds.Get("pass")
		if user != st.username || pass != st.password {
			return nil, &types.RPCError{
				Code:    types.CodeServerError,
				Message: "There was a problem with authentication",
			}
		}
	}

	return "token", nil
}

// target interprets the first parameter as a table or a record id
func target(ctx *server.Context) (string, *models.RecordID, error) {
	switch what := ctx.Param(0).(type) {
	case models.Table:
		return string(what), nil, nil
	case models.RecordID:
		return what.Table, &what, nil
	case string:
		if strings.Contains(what, ":") {
			rid, err := models.ParseRecordID(what)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %v", server.ErrInvalidParams, err)
			}
			return rid.Table, &rid, nil
		}
		return what, nil, nil
	default:
		return "", nil, fmt.Errorf("%w: expected table or record id, got %T", server.ErrInvalidParams, what)
	}
}

// record copies data into a new record with the given id
func record(id models.RecordID, data any) (*codec.Map, error) {
	out := codec.NewMap(0)
	switch data := data.(type) {
	case nil:
	case *codec.Map:
		data.Range(func(k, v any) bool {
			out.Set(k, v)
			return true
		})
	default:
		return nil, fmt.Errorf("%w: record content must be a map, got %T", server.ErrInvalidParams, data)
	}
	out.Set("id", id)
	return out, nil
}

func (st *Store) tableLocked(name string) *table {
	t, ok := st.tables[name]
	if !ok {
		t = &table{records: codec.NewMap(0)}
		st.tables[name] = t
	}
	return t
}

func (st *Store) createRecord(ctx *server.Context) (any, error) {
	name, rid, err := target(ctx)
	if err != nil {
		return nil, err
	}

	st.mtx.Lock()
	t := st.tableLocked(name)
	if rid == nil {
		t.nextID++
		id := models.NewRecordID(name, t.nextID)
		rid = &id
	}

	key := rid.String()
	if _, ok := t.records.Get(key); ok {
		st.mtx.Unlock()
		return nil, &types.RPCError{
			Code:    types.CodeServerError,
			Message: fmt.Sprintf("Database record `%s` already exists", key),
		}
	}

	rec, err := record(*rid, ctx.Param(1))
	if err != nil {
		st.mtx.Unlock()
		return nil, err
	}
	t.records.Set(key, rec)
	st.mtx.Unlock()

	st.notify(name, server.ActionCreate, rec)
	return rec, nil
}

func (st *Store) selectRecords(ctx *server.Context) (any, error) {
	name, rid, err := target(ctx)
	if err != nil {
		return nil, err
	}

	st.mtx.Lock()
	defer st.mtx.Unlock()

	t := st.tableLocked(name)
	if rid != nil {
		rec, _ := t.records.Get(rid.String())
		return rec, nil
	}
	return t.records.Values(), nil
}

func (st *Store) updateRecord(ctx *server.Context) (any, error) {
	name, rid, err := target(ctx)
	if err != nil {
		return nil, err
	}
	if rid == nil {
		return nil, fmt.Errorf("%w: update requires a record id", server.ErrInvalidParams)
	}

	rec, err := record(*rid, ctx.Param(1))
	if err != nil {
		return nil, err
	}

	st.mtx.Lock()
	st.tableLocked(name).records.Set(rid.String(), rec)
	st.mtx.Unlock()

	st.notify(name, server.ActionUpdate, rec)
	return rec, nil
}

func (st *Store) deleteRecords(ctx *server.Context) (any, error) {
	name, rid, err := target(ctx)
	if err != nil {
		return nil, err
	}

	st.mtx.Lock()
	t := st.tableLocked(name)
	var deleted []any
	if rid != nil {
		if rec, ok := t.records.Get(rid.String()); ok {
			t.records.Delete(rid.String())
			deleted = append(deleted, rec)
		}
	} else {
		deleted = t.records.Values()
		t.records = codec.NewMap(0)
	}
	st.mtx.Unlock()

	for _, rec := range deleted {
		st.notify(name, server.ActionDelete, rec)
	}

	if rid != nil {
		if len(deleted) == 0 {
			return nil, nil
		}
		return deleted[0], nil
	}
	return deleted, nil
}

func (st *Store) liveQuery(ctx *server.Context) (any, error) {
	name, rid, err := target(ctx)
	if err != nil {
		return nil, err
	}
	if rid != nil {
		return nil, fmt.Errorf("%w: live queries require a table", server.ErrInvalidParams)
	}

	l, err := ctx.MakeLive()
	if err != nil {
		return nil, err
	}
	id := l.ID.String()

	st.mtx.Lock()
	if st.live[name] == nil {
		st.live[name] = map[string]struct{}{}
	}
	st.live[name][id] = struct{}{}
	st.mtx.Unlock()

	// Forget the query once it is killed or its connection closes
	go func() {
		<-l.Done()
		st.mtx.Lock()
		delete(st.live[name], id)
		st.mtx.Unlock()
	}()

	return nil, nil
}

// notify sends an update to every live query on the table
func (st *Store) notify(name, action string, rec any) {
	st.mtx.Lock()
	ids := make([]string, 0, len(st.live[name]))
	for id := range st.live[name] {
		ids = append(ids, id)
	}
	st.mtx.Unlock()

	for _, id := range ids {
		// The query may have ended since the ids were collected
		st.srv.Notify(id, action, rec)
	}
}
