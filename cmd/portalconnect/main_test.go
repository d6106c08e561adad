package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"migrate"},
		{"version"},
		{"tokens", "list"},
		{"tokens", "clear"},
		{"tokens", "force-reauth"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestTokensRequiresProvider(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"tokens", "clear"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "provider" not set`)
}
