package codec

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func quietDecoder() *Decoder {
	return &Decoder{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestEncode(t *testing.T) {
	type named string

	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "f6"},
		{"false", false, "f4"},
		{"true", true, "f5"},
		{"undefined", Undefined{}, "f7"},
		{"simple small", Simple(16), "f0"},
		{"simple large", Simple(255), "f8ff"},
		{"zero", 0, "00"},
		{"inline", 23, "17"},
		{"one byte", 24, "1818"},
		{"two bytes", 500, "1901f4"},
		{"four bytes", 1000000, "1a000f4240"},
		{"eight bytes", int64(1000000000000), "1b000000e8d4a51000"},
		{"max uint64", uint64(math.MaxUint64), "1bffffffffffffffff"},
		{"negative", -1, "20"},
		{"negative two bytes", -500, "3901f3"},
		{"min int64", int64(math.MinInt64), "c3487fffffffffffffff"},
		{"float32", float32(1.5), "fa3fc00000"},
		{"float64", 1.5, "fb3ff8000000000000"},
		{"text", "Hello", "6548656c6c6f"},
		{"named text", named("a"), "6161"},
		{"bytes", []byte{1, 2}, "420102"},
		{"nil bytes", []byte(nil), "f6"},
		{"array", []any{int64(1), "a"}, "82016161"},
		{"typed slice", []int{1, 2, 3}, "83010203"},
		{"byte array", [2]byte{1, 2}, "420102"},
		{"map", MapOf("a", 1, "b", []any{}), "a2616101616280"},
		{"bignum", new(big.Int).Lsh(big.NewInt(1), 64), "c249010000000000000000"},
		{"negative bignum", big.NewInt(-2), "c34101"},
		{"tag", Tag{Number: 1000, Content: "x"}, "d903e86178"},
		{"time", time.Date(2013, 3, 21, 20, 4, 0, 0, time.UTC), "c074323031332d30332d32315432303a30343a30305a"},
		{"nil pointer", (*int)(nil), "f6"},
		{"pointer", ptr(5), "05"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.in)
			require.NoError(t, err)
			require.Equal(t, mustHex(t, tt.want), got)
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestEncodeGoMapSorted(t *testing.T) {
	got, err := Encode(map[string]int{"b": 1, "a": 2})
	require.NoError(t, err)
	require.Equal(t, mustHex(t, "a2616102616201"), got)
}

func TestEncodeStruct(t *testing.T) {
	type inner struct {
		Flag bool `json:"flag"`
	}
	type item struct {
		ID      int    `json:"id"`
		Name    string `json:"name,omitempty"`
		Ignored string `json:"-"`
		private string
		inner
	}

	got, err := Encode(item{ID: 1, Ignored: "x", private: "y"})
	require.NoError(t, err)

	v, err := Decode(got)
	require.NoError(t, err)
	m := v.(*Map)
	require.Equal(t, 2, m.Len())
	id, _ := m.Get("id")
	require.Equal(t, int64(1), id)
	flag, _ := m.Get("flag")
	require.Equal(t, false, flag)
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode(string([]byte{0xff, 0xfe}))
	require.ErrorIs(t, err, ErrInvalidUTF8)

	_, err = Encode(make(chan int))
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Encode(Simple(24))
	require.ErrorIs(t, err, ErrUnsupportedType)

	cyclic := []any{nil}
	cyclic[0] = cyclic
	_, err = Encode(cyclic)
	require.ErrorIs(t, err, ErrMaxDepth)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"uint", "1901f4", int64(500)},
		{"negint", "3901f3", int64(-500)},
		{"large uint", "1bffffffffffffffff", new(big.Int).SetUint64(math.MaxUint64)},
		{"large negint", "3bffffffffffffffff", new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 64))},
		{"bignum", "c249010000000000000000", new(big.Int).Lsh(big.NewInt(1), 64)},
		{"negative bignum", "c34101", big.NewInt(-2)},
		{"half", "f93c00", float32(1)},
		{"half negative", "f9c400", float32(-4)},
		{"half infinity", "f97c00", float32(math.Inf(1))},
		{"half negative infinity", "f9fc00", float32(math.Inf(-1))},
		{"half smallest subnormal", "f90001", float32(1.0 / (1 << 24))},
		{"half largest subnormal", "f903ff", float32(1023.0 / (1 << 24))},
		{"half nan", "f97e00", math.Float32frombits(0x7fc00000)},
		{"half zero", "f90000", float32(0)},
		{"half negative zero", "f98000", float32(math.Copysign(0, -1))},
		{"float32", "fa3fc00000", float32(1.5)},
		{"float64", "fb3ff8000000000000", 1.5},
		{"false", "f4", false},
		{"true", "f5", true},
		{"null", "f6", nil},
		{"undefined", "f7", Undefined{}},
		{"simple", "f0", Simple(16)},
		{"simple two byte", "f8ff", Simple(255)},
		{"bytes", "420102", []byte{1, 2}},
		{"text", "6548656c6c6f", "Hello"},
		{"indefinite text", "7f6548656c6c6f65576f726c64ff", "HelloWorld"},
		{"indefinite bytes", "5f4101420203ff", []byte{1, 2, 3}},
		{"empty indefinite text", "7fff", ""},
		{"indefinite array", "9f010203ff", []any{int64(1), int64(2), int64(3)}},
		{"nested indefinite", "9f9f01ff02ff", []any{[]any{int64(1)}, int64(2)}},
		{"map", "a2616101616202", MapOf("a", int64(1), "b", int64(2))},
		{"indefinite map", "bf616101ff", MapOf("a", int64(1))},
		{"integer keys", "a201020304", MapOf(int64(1), int64(2), int64(3), int64(4))},
		{"datetime", "c074323031332d30332d32315432303a30343a30305a", time.Date(2013, 3, 21, 20, 4, 0, 0, time.UTC)},
		{"epoch", "c11a514b67b0", time.Unix(1363896240, 0).UTC()},
		{"epoch float", "c1fb41d452d9ec200000", time.Unix(1363896240, 500000000).UTC()},
		{"unknown tag", "d903e801", int64(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(mustHex(t, tt.in))
			require.NoError(t, err)
			require.True(t, Equal(tt.want, got), "want %#v, got %#v", tt.want, got)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		err  error
	}{
		{"empty", "", ErrTruncated},
		{"reserved ai", "1c", ErrMalformedHeader},
		{"reserved ai 30", "fe", ErrMalformedHeader},
		{"short argument", "1901", ErrTruncated},
		{"short string", "6548656c", ErrTruncated},
		{"huge string", "7bffffffffffffffff", ErrTruncated},
		{"short array", "830102", ErrTruncated},
		{"unterminated indefinite", "9f0102", ErrTruncated},
		{"invalid utf8", "62fffe", ErrInvalidUTF8},
		{"mixed chunk", "7f4161ff", ErrMalformedHeader},
		{"nested indefinite chunk", "5f5f4101ffff", ErrMalformedHeader},
		{"odd map", "bf6161ff", ErrOddLengthMap},
		{"stray break", "ff", ErrMalformedHeader},
		{"indefinite integer", "1f", ErrMalformedHeader},
		{"indefinite tag", "df", ErrMalformedHeader},
		{"bad two byte simple", "f810", ErrMalformedHeader},
		{"datetime not text", "c001", ErrTagPayloadMismatch},
		{"datetime unparseable", "c06178", ErrTagPayloadMismatch},
		{"bignum not bytes", "c201", ErrTagPayloadMismatch},
		{"epoch not number", "c16161", ErrTagPayloadMismatch},
		{"epoch float32 nan", "c1fa7fc00000", ErrTagPayloadMismatch},
		{"epoch float32 infinity", "c1fa7f800000", ErrTagPayloadMismatch},
		{"epoch half infinity", "c1f97c00", ErrTagPayloadMismatch},
		{"epoch float64 nan", "c1fb7ff8000000000000", ErrTagPayloadMismatch},
		{"epoch float64 out of range", "c1fb7fefffffffffffff", ErrTagPayloadMismatch},
		{"epoch float64 2^63", "c1fb43e0000000000000", ErrTagPayloadMismatch},
		{"trailing", "0102", ErrTrailingData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(mustHex(t, tt.in))
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDecodeTextChunksValidatedTogether(t *testing.T) {
	// Neither chunk is valid on its own, together they form é
	v, err := Decode(mustHex(t, "7f61c361a9ff"))
	require.NoError(t, err)
	require.Equal(t, "é", v)

	_, err = Decode(mustHex(t, "7f61c3ff"))
	require.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestDecodeFirst(t *testing.T) {
	v, rest, err := DecodeFirst(mustHex(t, "0102"))
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
	require.Equal(t, []byte{0x02}, rest)
}

func TestDecodeMaxDepth(t *testing.T) {
	d := &Decoder{MaxDepth: 2}
	_, err := d.Decode(mustHex(t, "81818101"))
	require.ErrorIs(t, err, ErrMaxDepth)

	v, err := d.Decode(mustHex(t, "818101"))
	require.NoError(t, err)
	require.True(t, Equal([]any{[]any{int64(1)}}, v))
}

func TestDecodeDuplicateKeys(t *testing.T) {
	var dups []any
	d := quietDecoder()
	d.OnDuplicateKey = func(key any) { dups = append(dups, key) }

	v, err := d.Decode(mustHex(t, "a2616101616102"))
	require.NoError(t, err)

	m := v.(*Map)
	require.Equal(t, 1, m.Len())
	got, _ := m.Get("a")
	require.Equal(t, int64(2), got)
	require.Equal(t, []any{"a"}, dups)
}

func TestDecodeCopiesInput(t *testing.T) {
	data := mustHex(t, "420102")
	v, err := Decode(data)
	require.NoError(t, err)
	data[1] = 0xff
	require.Equal(t, []byte{1, 2}, v)
}

type celsius float64

func TestTagCodec(t *testing.T) {
	tags := TagFuncs{
		Encode: func(v any) (Tag, bool, error) {
			if c, ok := v.(celsius); ok {
				return Tag{Number: 100, Content: float64(c)}, true, nil
			}
			return Tag{}, false, nil
		},
		Decode: func(number uint64, content any) (any, bool, error) {
			if number != 100 {
				return nil, false, nil
			}
			f, ok := content.(float64)
			if !ok {
				return nil, false, ErrTagPayloadMismatch
			}
			return celsius(f), true, nil
		},
	}

	enc := &Encoder{Tags: tags}
	data, err := enc.Encode([]any{celsius(21.5), &[]celsius{3}})
	require.NoError(t, err)
	require.Equal(t, mustHex(t, "82d864fb403580000000000081d864fb4008000000000000"), data)

	dec := &Decoder{Tags: tags}
	v, err := dec.Decode(data)
	require.NoError(t, err)
	require.Equal(t, []any{celsius(21.5), []any{celsius(3)}}, v)

	// Payload mismatches from the codec are reported
	_, err = dec.Decode(mustHex(t, "d86401"))
	require.ErrorIs(t, err, ErrTagPayloadMismatch)

	// Tags the codec declines pass through
	v, err = dec.Decode(mustHex(t, "d86501"))
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestTagChain(t *testing.T) {
	never := TagFuncs{}
	always := TagFuncs{
		Decode: func(number uint64, content any) (any, bool, error) {
			return number, true, nil
		},
	}

	dec := &Decoder{Tags: TagChain{never, always}}
	v, err := dec.Decode(mustHex(t, "d86401"))
	require.NoError(t, err)
	require.Equal(t, uint64(100), v)

	broken := TagFuncs{
		Encode: func(any) (Tag, bool, error) {
			return Tag{}, false, errors.New("broken")
		},
	}
	_, err = (&Encoder{Tags: TagChain{never, broken}}).Encode(1)
	require.EqualError(t, err, "broken")
}

func TestRoundTrip(t *testing.T) {
	values := []any{
		nil,
		true,
		int64(0),
		int64(-1),
		int64(math.MaxInt64),
		big.NewInt(math.MinInt64),
		new(big.Int).Lsh(big.NewInt(1), 100),
		float32(3.25),
		math.NaN(),
		math.Copysign(0, -1),
		"",
		"héllo",
		[]byte{},
		[]any{},
		[]any{int64(1), []any{"a", nil}},
		MapOf(),
		MapOf("id", int64(7), int64(2), []byte{1}, "nested", MapOf("x", false)),
		Undefined{},
		Simple(99),
		time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC),
	}

	for _, v := range values {
		data, err := Encode(v)
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		require.True(t, Equal(v, got), "want %#v, got %#v", v, got)
	}
}

func TestInteropWithFxamacker(t *testing.T) {
	type record struct {
		ID    uint64   `cbor:"id"`
		Name  string   `cbor:"name"`
		Tags  []string `cbor:"tags"`
		Score float64  `cbor:"score"`
	}

	// Their encoding, our decoding
	data, err := cbor.Marshal(record{ID: 3, Name: "x", Tags: []string{"a"}, Score: 0.5})
	require.NoError(t, err)

	v, err := Decode(data)
	require.NoError(t, err)
	m := v.(*Map)
	id, _ := m.Get("id")
	require.Equal(t, int64(3), id)
	tags, _ := m.Get("tags")
	require.Equal(t, []any{"a"}, tags)

	// Our encoding, their decoding
	data, err = Encode(MapOf("id", 9, "name", "y", "tags", []any{"b", "c"}, "score", 1.25))
	require.NoError(t, err)

	var out record
	require.NoError(t, cbor.Unmarshal(data, &out))
	require.Equal(t, record{ID: 9, Name: "y", Tags: []string{"b", "c"}, Score: 1.25}, out)

	diag, err := Diagnose(data)
	require.NoError(t, err)
	require.Equal(t, `{"id": 9, "name": "y", "tags": ["b", "c"], "score": 1.25}`, diag)
}

func TestMap(t *testing.T) {
	m := NewMap(0)
	require.False(t, m.Set("a", 1))
	require.False(t, m.Set(int64(2), "two"))
	require.True(t, m.Set("a", 3))

	require.Equal(t, []any{"a", int64(2)}, m.Keys())
	require.Equal(t, []any{3, "two"}, m.Values())

	v, ok := m.Get(int64(2))
	require.True(t, ok)
	require.Equal(t, "two", v)

	require.True(t, m.Delete("a"))
	require.False(t, m.Delete("a"))
	require.Equal(t, 1, m.Len())

	var nilMap *Map
	require.Equal(t, 0, nilMap.Len())
	_, ok = nilMap.Get("a")
	require.False(t, ok)

	require.Panics(t, func() { MapOf("a") })

	require.True(t, Equal(MapOf("a", 1, "b", 2), MapOf("b", 2, "a", 1)))
	require.False(t, Equal(MapOf("a", 1), MapOf("a", 2)))
}

func TestMapKeys(t *testing.T) {
	m := MapOf(
		"a", 1,
		[]any{int64(1)}, 2,
		math.NaN(), 3,
		0.0, 4,
		int64(5), 5,
		[]byte{1}, 6,
	)

	// Lookups after a delete still find the shifted entries
	require.True(t, m.Delete("a"))
	for i, key := range []any{[]any{int64(1)}, math.NaN(), 0.0, int64(5), []byte{1}} {
		v, ok := m.Get(key)
		require.True(t, ok, "key %#v", key)
		require.Equal(t, i+2, v)
	}

	_, ok := m.Get(math.Copysign(0, -1))
	require.False(t, ok)
	_, ok = m.Get(5)
	require.False(t, ok, "int and int64 keys are distinct")

	require.True(t, m.Set(math.NaN(), 7))
	require.True(t, m.Set([]any{int64(1)}, 8))
	require.Equal(t, 5, m.Len())
	v, _ := m.Get(math.NaN())
	require.Equal(t, 7, v)
	v, _ = m.Get([]any{int64(1)})
	require.Equal(t, 8, v)

	var zero Map
	require.False(t, zero.Set("x", 1))
	v, ok = zero.Get("x")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestDecodeLargeMap(t *testing.T) {
	const n = 50000

	data := []byte{0xba, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(data[1:], n)
	for i := uint32(0); i < n; i++ {
		data = append(data, 0x1a, 0, 0, 0, 0, 0x00)
		binary.BigEndian.PutUint32(data[len(data)-5:], i)
	}

	start := time.Now()
	v, err := quietDecoder().Decode(data)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)

	m, ok := v.(*Map)
	require.True(t, ok)
	require.Equal(t, n, m.Len())
	got, ok := m.Get(int64(n - 1))
	require.True(t, ok)
	require.Equal(t, int64(0), got)
}
