package main

import (
	"context"
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/config"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// loadTestConfig installs the default configuration.
func loadTestConfig(t *testing.T) {
	t.Helper()
	c, err := config.Load("")
	require.NoError(t, err)
	cfg = c
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"migrate", "ban", "classify", "score", "portaildf", "version"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "zlv-address", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "db-url", "verbose", "dry-run", "limit", "batch-size", "num-workers"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "missing --%s", name)
	}
}

func TestBANCommand_Flags(t *testing.T) {
	for _, name := range []string{"scope", "work-dir", "force-unlock", "include-missing", "input"} {
		assert.NotNil(t, banResolveCmd.Flags().Lookup(name), "ban resolve should have --%s", name)
	}
	for _, name := range []string{"aggregate", "scope"} {
		assert.NotNil(t, banReplayCmd.Flags().Lookup(name), "ban replay should have --%s", name)
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	loadTestConfig(t)
	cmd := banResolveCmd
	require.NoError(t, cmd.ParseFlags([]string{"--db-url", "postgres://u@h/db", "--batch-size", "250", "--num-workers", "8", "--verbose"}))
	t.Cleanup(func() {
		flagDBURL, flagBatchSize, flagNumWorkers, flagVerbose = "", 0, 0, false
		for _, n := range []string{"db-url", "batch-size", "num-workers", "verbose"} {
			if f := cmd.Flags().Lookup(n); f != nil {
				f.Changed = false
			}
		}
	})

	applyFlagOverrides(cmd, cfg)
	assert.Equal(t, "postgres://u@h/db", cfg.Store.DatabaseURL)
	assert.Equal(t, 250, cfg.BAN.ChunkSize)
	assert.Equal(t, 250, cfg.Batch.Size)
	assert.Equal(t, 8, cfg.Batch.NumWorkers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		interrupted bool
		want        int
	}{
		{"success", nil, false, exitOK},
		{"unexpected", errors.New("boom"), false, exitUnexpected},
		{"config", resilience.NewConfigError("store.database_url", errors.New("required")), false, exitConfig},
		{"wrapped config", eris.Wrap(resilience.NewConfigError("x", errors.New("bad")), "ban resolve"), false, exitConfig},
		{"rate limit", &resilience.RateLimitError{Err: errors.New("429")}, false, exitRetriable},
		{"circuit open", resilience.ErrCircuitOpen, false, exitRetriable},
		{"incomplete", eris.Wrap(errIncomplete, "ban resolve: 1 chunks failed"), false, exitRetriable},
		{"cancelled", context.Canceled, false, exitInterrupted},
		{"interrupted", errors.New("write failed"), true, exitInterrupted},
		{"permanent", &resilience.PermanentError{Err: errors.New("400")}, false, exitUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err, tt.interrupted))
		})
	}
}

func TestExecute_MissingRequiredFlagIsConfigError(t *testing.T) {
	rootCmd.SetArgs([]string{"ban", "resolve"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"scope"`)
	assert.Equal(t, exitConfig, exitCode(err, false))
}

func TestCheckRequiredFlags(t *testing.T) {
	err := checkRequiredFlags(banReplayCmd)
	var ce *resilience.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "flags", ce.Setting)
	assert.Contains(t, err.Error(), `aggregate", "scope`)

	assert.NoError(t, checkRequiredFlags(versionCmd))
}

func TestLazyPool_NoDSN(t *testing.T) {
	loadTestConfig(t)
	cfg.Store.DatabaseURL = ""

	var lp lazyPool
	defer lp.close()
	pool, err := lp.get(context.Background())
	assert.Nil(t, pool)
	var ce *resilience.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "store.database_url is required")
}
