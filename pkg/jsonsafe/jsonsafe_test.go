package jsonsafe

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanDepth(t *testing.T) {
	depth, ok := ScanDepth([]byte(`{"a":[1,{"b":[]}]}`), 10)
	assert.True(t, ok)
	assert.Equal(t, 4, depth)

	_, ok = ScanDepth([]byte(`[[[`), 2)
	assert.False(t, ok)

	depth, ok = ScanDepth([]byte(`"[[[[\"]]"`), 1)
	assert.True(t, ok)
	assert.Equal(t, 0, depth)
}

func TestDecode(t *testing.T) {
	v, err := Decode([]byte(` {"n": 12345678901234567890, "s": "x"} `), 8)
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, json.Number("12345678901234567890"), m["n"])

	v, err = Decode([]byte("  \n"), 8)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte{0xc3, 0x28}, 8)
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	_, err = Decode([]byte(strings.Repeat("[", 20)+strings.Repeat("]", 20)), 8)
	var depthErr *DepthError
	require.True(t, errors.As(err, &depthErr))
	assert.Equal(t, 8, depthErr.Limit)
	assert.Equal(t, 9, depthErr.Reached)

	for _, raw := range []string{`{`, `[1,]`, `1 2`, `{"a":1}]`} {
		_, err = Decode([]byte(raw), 8)
		var syntaxErr *SyntaxError
		assert.True(t, errors.As(err, &syntaxErr), "input %q: %v", raw, err)
		assert.True(t, strings.HasPrefix(err.Error(), "malformed JSON: "))
	}
}

func TestStripReserved(t *testing.T) {
	v, err := Decode([]byte(`{"__proto__":{"x":1},"a":[{"constructor":1,"keep":2}],"b":{"prototype":true}}`), 8)
	require.NoError(t, err)
	require.True(t, ContainsReserved(v))

	clean, found := StripReserved(v)
	assert.Equal(t, []string{"__proto__", "a[0].constructor", "b.prototype"}, found)
	assert.False(t, ContainsReserved(clean))
	assert.Equal(t, map[string]any{"keep": json.Number("2")}, clean.(map[string]any)["a"].([]any)[0])

	// original is untouched
	assert.True(t, ContainsReserved(v))
}

func TestIsReservedKey(t *testing.T) {
	assert.True(t, IsReservedKey("__proto__"))
	assert.True(t, IsReservedKey("constructor"))
	assert.True(t, IsReservedKey("prototype"))
	assert.False(t, IsReservedKey("Constructor"))
	assert.False(t, IsReservedKey("proto"))
}

func TestContextVariantsStopWhenDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	raw := []byte(`[` + strings.Repeat(`{"a":1},`, 100_000) + `1]`)

	_, _, err := ScanDepthContext(ctx, raw, 8)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = DecodeContext(ctx, raw, 8)
	assert.ErrorIs(t, err, context.Canceled)

	v, err := Decode(raw, 8)
	require.NoError(t, err)
	_, _, err = StripReservedContext(ctx, v)
	assert.ErrorIs(t, err, context.Canceled)

	// A live context changes nothing.
	clean, found, err := StripReservedContext(context.Background(), v)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Len(t, clean, 100_001)
}
