package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/qwen/pkg/modeladapter"
)

func TestEmbed_JSON(t *testing.T) {
	env := newTestEnv(t)

	out, _, err := env.execute(t, "", "embed", "--json", "the", "fox")
	require.NoError(t, err)
	assert.Equal(t, "[0.5,-0.25,1]\n", out)

	calls := env.api.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "text-embedding-v2", calls[0]["model"])

	input, ok := calls[0]["input"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"the fox"}, input["texts"])
}

func TestEmbed_Preview(t *testing.T) {
	env := newTestEnv(t)

	out, _, err := env.execute(t, "", "embed", "-n", "2", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "[0.500000, -0.250000, ... (3 dims)]")
	assert.Contains(t, out, "3 dimensions")
	assert.Contains(t, out, "1 embedding calls")
}

func TestEmbed_Stdin(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.execute(t, "from stdin\n", "embed", "--json")
	require.NoError(t, err)

	calls := env.api.calls()
	require.Len(t, calls, 1)
	input, ok := calls[0]["input"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"from stdin"}, input["texts"])
}

func TestEmbed_EmptyInput(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.execute(t, "", "embed")
	require.ErrorIs(t, err, modeladapter.ErrEmptyInput)
	assert.Empty(t, env.api.calls())
}
