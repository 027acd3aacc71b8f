package reflectutil

import (
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
	"go.arsenm.dev/cborpc/codec"
)

func TestPlain(t *testing.T) {
	in := codec.MapOf(
		"a", []any{codec.MapOf(int64(1), "x")},
		"b", int64(2),
	)

	require.Equal(t, map[string]any{
		"a": []any{map[any]any{int64(1): "x"}},
		"b": int64(2),
	}, Plain(in))
}

type person struct {
	Name    string        `json:"name"`
	Age     int           `json:"age"`
	ID      uuid.UUID     `json:"id"`
	Created time.Time     `json:"created"`
	Timeout time.Duration `json:"timeout"`
	Tags    []string      `json:"tags"`
}

func TestConvertStruct(t *testing.T) {
	id := uuid.Must(uuid.NewV4())
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	in := codec.MapOf(
		"name", "tobie",
		"age", int64(30),
		"id", id,
		"created", created,
		"timeout", "1m30s",
		"tags", []any{"a", "b"},
		"extra", true,
	)

	var out person
	require.NoError(t, Convert(in, &out))
	require.Equal(t, person{
		Name:    "tobie",
		Age:     30,
		ID:      id,
		Created: created,
		Timeout: 90 * time.Second,
		Tags:    []string{"a", "b"},
	}, out)
}

func TestConvertDirect(t *testing.T) {
	var s string
	require.NoError(t, Convert("hello", &s))
	require.Equal(t, "hello", s)

	var n int
	require.NoError(t, Convert(int64(5), &n))
	require.Equal(t, 5, n)

	var list []person
	require.NoError(t, Convert([]any{codec.MapOf("name", "a")}, &list))
	require.Equal(t, []person{{Name: "a"}}, list)

	var m map[string]any
	require.NoError(t, Convert(codec.MapOf("k", "v"), &m))
	require.Equal(t, map[string]any{"k": "v"}, m)

	// Text is parsed through encoding.TextUnmarshaler
	var id uuid.UUID
	require.NoError(t, Convert("6ba7b810-9dad-11d1-80b4-00c04fd430c8", &id))
	require.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", id.String())

	s = "old"
	require.NoError(t, Convert(nil, &s))
	require.Equal(t, "", s)
}

func TestConvertInvalidTarget(t *testing.T) {
	require.ErrorIs(t, Convert(1, nil), ErrInvalidTarget)

	var s string
	require.ErrorIs(t, Convert(1, s), ErrInvalidTarget)
}
