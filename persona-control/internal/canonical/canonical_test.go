package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/joi/persona-control/internal/canonical"
)

func TestMarshalCanonicalSortsKeysAtEveryDepth(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1, "nested": map[string]interface{}{"z": true, "y": nil}}
	b := map[string]interface{}{"nested": map[string]interface{}{"y": nil, "z": true}, "a": 1, "b": 2}

	ca, err := canonical.MarshalCanonical(a)
	require.NoError(t, err)
	cb, err := canonical.MarshalCanonical(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
	assert.Equal(t, `{"a":1,"b":2,"nested":{"y":null,"z":true}}`, string(ca))
}

func TestMarshalCanonicalStructsAndRawMessage(t *testing.T) {
	type rolloutMeta struct {
		PolicyVersion string          `json:"policyVersion"`
		Decision      json.RawMessage `json:"decision"`
	}
	out, err := canonical.MarshalCanonical(rolloutMeta{
		PolicyVersion: "default-v1",
		Decision:      json.RawMessage(`{"reason":"ok","candidateRate":0.9800,"samples":[50,51]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"decision":{"candidateRate":0.9800,"reason":"ok","samples":[50,51]},"policyVersion":"default-v1"}`, string(out))
}

func TestMarshalCanonicalKeepsPersonaMarkup(t *testing.T) {
	out, err := canonical.MarshalCanonical(map[string]string{"content": "Use <b>bold</b> & \"quotes\"\n"})
	require.NoError(t, err)
	assert.Equal(t, `{"content":"Use <b>bold</b> & \"quotes\"\n"}`, string(out))
}

func TestMarshalCanonicalRejectsUnencodable(t *testing.T) {
	_, err := canonical.MarshalCanonical(map[string]interface{}{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestContentChecksumStable(t *testing.T) {
	a := canonical.ContentChecksum("You are a helpful assistant.")
	b := canonical.ContentChecksum("You are a helpful assistant.")
	c := canonical.ContentChecksum("You are a terse assistant.")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
