package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellcache/internal/shellcache"
)

func TestRenderGenerations(t *testing.T) {
	var buf bytes.Buffer
	gens := []shellcache.GenerationInfo{
		{Tag: "egoos-cache-v0", Entries: 3, Bytes: 900},
		{Tag: "egoos-cache-v1", Entries: 4, Bytes: 1200, CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
	require.NoError(t, renderGenerations(&buf, gens, "egoos-cache-v1"))

	out := buf.String()
	assert.Contains(t, out, "egoos-cache-v0")
	assert.Contains(t, out, "egoos-cache-v1")
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
	assert.Contains(t, out, "*")
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "install", "caches", "purge"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
