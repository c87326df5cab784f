package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeysAndKeepsNumbers(t *testing.T) {
	v, err := canonicalValue([]byte(`{"b":1.50,"a":[true,null,"x"],"c":{"z":1,"y":2}}`))
	require.NoError(t, err)

	out, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[true,null,"x"],"b":1.50,"c":{"y":2,"z":1}}`, string(out))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{"k": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a&b>"}`, string(out))
}

func TestMarshalCanonical_NFCNormalizes(t *testing.T) {
	decomposed := "Zoe\u0301"
	composed := "Zo\u00e9"

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestMarshalCanonical_LineSeparatorsLiteral(t *testing.T) {
	out, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(out))

	// A literal backslash followed by "u2028" stays escaped.
	out, err = MarshalCanonical(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(out))
}

func TestMarshalCanonical_RejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(1.5)
	assert.Error(t, err)
}

func TestCompareKeysUTF16(t *testing.T) {
	// U+1F600 sorts after U+FF61 in UTF-8 but before it in UTF-16.
	assert.Equal(t, -1, compareKeysUTF16("\U0001F600", "\uFF61"))
	assert.Equal(t, 0, compareKeysUTF16("a", "a"))
	assert.Equal(t, -1, compareKeysUTF16("a", "ab"))
}

func TestPayloadHash_StableAndSensitiveToChange(t *testing.T) {
	r := FormRecord{ID: 1, PatientName: "Jane", CreatedAt: t0, LastModified: t0}
	require.NoError(t, r.SetExtra("consents", map[string]bool{"treatment": true}))

	h1, err := PayloadHash(r)
	require.NoError(t, err)
	h2, err := PayloadHash(r.Clone())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	changed := r.Clone()
	changed.LastModified = t0.Add(time.Second)
	h3, err := PayloadHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestPayloadHash_IndependentOfExtraKeyOrder(t *testing.T) {
	var a, b FormRecord
	require.NoError(t, json.Unmarshal([]byte(`{"x":1,"y":2}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"y":2,"x":1}`), &b))

	ha, err := PayloadHash(a)
	require.NoError(t, err)
	hb, err := PayloadHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}
