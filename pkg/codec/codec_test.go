package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := map[string]map[string]Value{
		"empty": {},
		"string": {
			"greeting": String("hello"),
			"empty":    String(""),
			"unicode":  String("héllo wörld ✓"),
		},
		"int": {
			"zero": Int(0),
			"neg":  Int(-42),
			"max":  Int(1<<63 - 1),
			"min":  Int(-1 << 63),
		},
		"float": {
			"pi":   Float(3.14159265358979),
			"neg":  Float(-0.5),
			"tiny": Float(5e-324),
		},
		"bool": {
			"yes": Bool(true),
			"no":  Bool(false),
		},
		"bytes": {
			"blob":  Bytes([]byte{0x00, 0xFF, 0x7F, 0x80}),
			"empty": Bytes([]byte{}),
		},
		"nested": {
			"outer": Map(map[string]Value{
				"inner": Map(map[string]Value{
					"leaf": Int(7),
				}),
				"sibling": String("x"),
			}),
		},
		"mixed": {
			"s": String("v"),
			"i": Int(1),
			"f": Float(1.5),
			"b": Bool(true),
			"z": Bytes([]byte("raw")),
		},
	}

	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			image, err := Encode(m)
			require.NoError(t, err)
			got, err := Decode(image)
			require.NoError(t, err)
			assert.True(t, EqualMaps(m, got), "decode(encode(m)) != m")
		})
	}
}

func TestTypeFidelity(t *testing.T) {
	// An integer 1 and a float 1.0 must come back as distinct kinds.
	image, err := Encode(map[string]Value{"i": Int(1), "f": Float(1)})
	require.NoError(t, err)
	m, err := Decode(image)
	require.NoError(t, err)

	_, isInt := m["i"].IntValue()
	assert.True(t, isInt)
	_, isFloat := m["f"].FloatValue()
	assert.True(t, isFloat)
	assert.False(t, m["i"].Equal(m["f"]))

	// Strings and blobs with identical bytes stay distinct.
	image, err = Encode(map[string]Value{"s": String("abc"), "b": Bytes([]byte("abc"))})
	require.NoError(t, err)
	m, err = Decode(image)
	require.NoError(t, err)
	assert.Equal(t, KindString, m["s"].Kind())
	assert.Equal(t, KindBytes, m["b"].Kind())
}

func TestEncodeUnsupported(t *testing.T) {
	_, err := Encode(map[string]Value{"bad": {}})
	assert.ErrorIs(t, err, ErrUnsupportedValue)

	_, err = Encode(map[string]Value{strings.Repeat("k", maxKeyLen+1): Int(1)})
	assert.ErrorIs(t, err, ErrUnsupportedValue)

	deep := Int(1)
	wrap := map[string]Value{"v": deep}
	for i := 0; i <= maxDepth; i++ {
		wrap = map[string]Value{"v": Map(wrap)}
	}
	_, err = Encode(wrap)
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestDecodeEmptyImage(t *testing.T) {
	m, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestDecodeInvalid(t *testing.T) {
	valid, err := Encode(map[string]Value{"key": String("value"), "n": Int(3)})
	require.NoError(t, err)

	t.Run("truncated anywhere", func(t *testing.T) {
		// Every proper prefix must fail with ErrInvalidImage, never
		// panic or return partial data.
		for i := 1; i < len(valid); i++ {
			_, err := Decode(valid[:i])
			assert.ErrorIs(t, err, ErrInvalidImage, "prefix of %d bytes", i)
		}
	})

	t.Run("trailing garbage", func(t *testing.T) {
		_, err := Decode(append(append([]byte{}, valid...), 0xAA))
		assert.ErrorIs(t, err, ErrInvalidImage)
	})

	t.Run("tag out of range", func(t *testing.T) {
		image, err := Encode(map[string]Value{"k": Bool(true)})
		require.NoError(t, err)
		image[4] = 0xEE // first entry's kind byte
		_, err = Decode(image)
		assert.ErrorIs(t, err, ErrInvalidImage)
	})

	t.Run("length exceeds buffer", func(t *testing.T) {
		image, err := Encode(map[string]Value{"k": String("v")})
		require.NoError(t, err)
		// String length field directly after kind+keyLen+key.
		off := 4 + 1 + 2 + 1
		image[off] = 0xFF
		image[off+1] = 0xFF
		_, err = Decode(image)
		assert.ErrorIs(t, err, ErrInvalidImage)
	})

	t.Run("count exceeds buffer", func(t *testing.T) {
		// A 4-byte image whose header claims 4 billion entries must be
		// rejected before anything is allocated for them.
		_, err := Decode([]byte{0xFF, 0xFF, 0xFF, 0xFF})
		assert.ErrorIs(t, err, ErrInvalidImage)
	})

	t.Run("nested count exceeds buffer", func(t *testing.T) {
		image, err := Encode(map[string]Value{"m": Map(map[string]Value{})})
		require.NoError(t, err)
		// The nested map's count field sits after kind+keyLen+key.
		off := 4 + 1 + 2 + 1
		for i := 0; i < 4; i++ {
			image[off+i] = 0xFF
		}
		_, err = Decode(image)
		assert.ErrorIs(t, err, ErrInvalidImage)
	})

	t.Run("bad bool byte", func(t *testing.T) {
		image, err := Encode(map[string]Value{"k": Bool(true)})
		require.NoError(t, err)
		image[len(image)-1] = 7
		_, err = Decode(image)
		assert.ErrorIs(t, err, ErrInvalidImage)
	})
}

func TestValueAccessors(t *testing.T) {
	v := String("s")
	s, ok := v.StringValue()
	assert.True(t, ok)
	assert.Equal(t, "s", s)
	_, ok = v.IntValue()
	assert.False(t, ok)

	assert.Equal(t, "string", KindString.String())
	assert.Equal(t, "invalid", KindInvalid.String())
}
