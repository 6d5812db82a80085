package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"uint64", uint64(7), "7"},
		{"bool", true, "true"},
		{"empty array", []any{}, "[]"},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
		{"empty object", map[string]any{}, "{}"},
		{"html is not escaped", "<a&b>", `"<a&b>"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalSortsNestedKeys(t *testing.T) {
	out, err := Marshal(map[string]any{
		"z": map[string]any{"b": 1, "a": 2},
		"a": []any{"x", map[string]any{"d": true, "c": false}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x",{"c":false,"d":true}],"z":{"a":2,"b":1}}`, string(out))
}

func TestMarshalUTF16Ordering(t *testing.T) {
	// UTF-8 byte order would put U+E000 first; UTF-16 puts the surrogate
	// pair of U+10000 (0xD800) first.
	out, err := Marshal(map[string]any{
		"\uE000":     1,
		"\U00010000": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(out))
}

func TestMarshalNFC(t *testing.T) {
	out, err := Marshal("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(out))
}

func TestMarshalLineSeparators(t *testing.T) {
	out, err := Marshal("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(out))

	out, err = Marshal(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(out))
}

func TestMarshalRejects(t *testing.T) {
	_, err := Marshal(nil)
	assert.Error(t, err)

	_, err = Marshal(1.5)
	assert.Error(t, err)

	_, err = Marshal(map[string]any{"price": 2.5})
	assert.ErrorContains(t, err, "price")

	_, err = Marshal(struct{}{})
	assert.Error(t, err)
}
