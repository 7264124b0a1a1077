package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"verdict/internal/moderation"
	"verdict/internal/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pk(c string) string {
	return strings.Repeat(c, 64)
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadPubkeys(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "labelers.txt")

	content := `# Trusted labelers
` + pk("a") + `
` + strings.ToUpper(pk("b")) + `

# Invalid lines below
not-a-pubkey
` + pk("z") + `

# Valid key after invalid ones
` + pk("c") + `
`
	require.NoError(t, os.WriteFile(testFile, []byte(content), 0644))

	keys, err := loadPubkeys(testFile)
	require.NoError(t, err)
	assert.Equal(t, []string{pk("a"), pk("b"), pk("c")}, keys)
}

func TestLoadPubkeys_EmptyFile(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(testFile, []byte(""), 0644))

	keys, err := loadPubkeys(testFile)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLoadPubkeys_MissingFile(t *testing.T) {
	_, err := loadPubkeys(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestLoadEnv_Defaults(t *testing.T) {
	cfg, err := loadEnv(envMap(map[string]string{"XDG_DATA_HOME": "/data"}))
	require.NoError(t, err)

	assert.Equal(t, "18920", cfg.Port)
	assert.Equal(t, "bolt", cfg.DBBackend)
	assert.Equal(t, filepath.Join("/data", "verdict", "verdict.db"), cfg.DBPath)
	assert.Equal(t, relay.DefaultRelays, cfg.Relays)
	assert.Empty(t, cfg.Labelers)
}

func TestLoadEnv_Overrides(t *testing.T) {
	file := filepath.Join(t.TempDir(), "labelers.txt")
	require.NoError(t, os.WriteFile(file, []byte(pk("b")+"\n"+pk("c")+"\n"), 0644))

	cfg, err := loadEnv(envMap(map[string]string{
		"PORT":                  "9000",
		"VERDICT_DB_BACKEND":    "sqlite",
		"XDG_DATA_HOME":         "/data",
		"VERDICT_RELAYS":        "wss://one.example, wss://two.example",
		"VERDICT_LABELERS":      pk("a") + "," + pk("b"),
		"VERDICT_LABELERS_FILE": file,
		"VERDICT_REPORTERS":     pk("d"),
	}))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, filepath.Join("/data", "verdict", "verdict.sqlite"), cfg.DBPath)
	assert.Equal(t, []string{"wss://one.example", "wss://two.example"}, cfg.Relays)
	assert.Equal(t, []string{pk("a"), pk("b"), pk("c")}, cfg.Labelers)
	assert.Equal(t, []string{pk("d")}, cfg.Reporters)
}

func TestLoadEnv_Invalid(t *testing.T) {
	_, err := loadEnv(envMap(map[string]string{"VERDICT_DB_BACKEND": "postgres", "XDG_DATA_HOME": "/data"}))
	assert.ErrorContains(t, err, "VERDICT_DB_BACKEND")

	_, err = loadEnv(envMap(map[string]string{"VERDICT_MUTE_LISTS": "npub1xyz", "XDG_DATA_HOME": "/data"}))
	assert.ErrorContains(t, err, "VERDICT_MUTE_LISTS")
}

func TestOpenStoreAndSubscribe(t *testing.T) {
	for _, backend := range []string{"bolt", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cache, audit, closeStore, err := openStore(ctx, backend, filepath.Join(t.TempDir(), "nested", "verdict.db"))
			require.NoError(t, err)
			defer closeStore()

			engineCfg := moderation.DefaultConfig()
			engineCfg.LabelerCap = 1
			c, err := moderation.NewCoordinator(engineCfg, moderation.WithCache(cache), moderation.WithAuditLog(audit))
			require.NoError(t, err)
			defer c.Close()

			// the second labeler exceeds the cap and is skipped
			err = subscribe(ctx, c, envConfig{
				Reporters: []string{pk("d")},
				Labelers:  []string{pk("a"), pk("b")},
				MuteLists: []string{pk("c")},
			})
			require.NoError(t, err)

			stats := c.Stats()
			assert.Equal(t, []string{pk("a")}, stats.Labelers)
			assert.Equal(t, []string{pk("c")}, stats.MuteLists)

			entries, err := c.AuditLog(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, entries, 3)
		})
	}
}
