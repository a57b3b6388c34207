package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": "<", "y": 5}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"nested":{"y":5,"z":"<"}}`, string(out))
}

func TestCanonicalHash_StableAcrossFieldOrder(t *testing.T) {
	type left struct {
		A string `json:"a"`
		B string `json:"b"`
	}
	type right struct {
		B string `json:"b"`
		A string `json:"a"`
	}

	h1, err := CanonicalHash(left{A: "x", B: "y"})
	require.NoError(t, err)
	h2, err := CanonicalHash(right{A: "x", B: "y"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, len(HashPrefix)+64)
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", HashBytes([]byte("hello")))
}
