package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 0.60, cfg.Scoring.SemanticWeight, 1e-9)
	assert.InDelta(t, 0.25, cfg.Scoring.ResponsivenessWeight, 1e-9)
	assert.InDelta(t, 0.15, cfg.Scoring.TrustWeight, 1e-9)
	assert.Equal(t, 10, cfg.Scoring.MinCategoryCandidates)
	assert.Equal(t, 5, cfg.Scoring.TopN)
	assert.Equal(t, 180, cfg.Agent.LivenessWindowSecs)
	assert.Equal(t, 60, cfg.Agent.SweepIntervalSecs)
	assert.Equal(t, 50, cfg.Agent.MaxPendingTasks)
	assert.Equal(t, 3, cfg.Queues.Fulfillment.Retries)
	assert.Equal(t, 5, cfg.Queues.Fulfillment.Concurrency)
	assert.Equal(t, 100, cfg.Queues.Matching.HistorySize)
	assert.Equal(t, 300, cfg.Monitor.SweepIntervalSecs)
	assert.Equal(t, 30, cfg.Monitor.TimeoutMins)
	assert.Equal(t, 3, cfg.Monitor.DegradationThreshold)
	assert.Equal(t, 5, cfg.Orchestrator.InlineTimeoutSecs)
	assert.Equal(t, 60, cfg.Orchestrator.ParkSecs)
	assert.Equal(t, 90, cfg.Sources.StaleAfterDays)
}

func TestLoad_YAMLOverride(t *testing.T) {
	dir := chdirTemp(t)

	yml := `
store:
  driver: sqlite
  database_url: quotes.db
scoring:
  top_n: 8
queues:
  fulfillment:
    concurrency: 7
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "quotes.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 8, cfg.Scoring.TopN)
	assert.Equal(t, 7, cfg.Queues.Fulfillment.Concurrency)
	// Untouched queue fields keep defaults.
	assert.Equal(t, 3, cfg.Queues.Fulfillment.Retries)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("QUOTE_SERVER_PORT", "9191")
	t.Setenv("QUOTE_CALLBACK_SECRET", "s3cret")
	t.Setenv("QUOTE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Callback.Secret)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	assert.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))

	err := InitLogger(LogConfig{Level: "loud", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}

func validDefaults() *Config {
	q := QueueConfig{Retries: 3, Concurrency: 2, HistorySize: 100}
	return &Config{
		Store:    StoreConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/quotes"},
		Server:   ServerConfig{Port: 8080},
		Callback: CallbackConfig{Secret: "secret"},
		Scoring: ScoringConfig{
			SemanticWeight:       0.60,
			ResponsivenessWeight: 0.25,
			TrustWeight:          0.15,
			TopN:                 5,
		},
		Queues:  QueuesConfig{Matching: q, Embedding: q, Fulfillment: q, Expiry: q},
		Monitor: MonitorConfig{DegradationThreshold: 3},
	}
}

func TestValidate_Valid(t *testing.T) {
	for _, mode := range []string{"serve", "worker", "match", "migrate"} {
		assert.NoError(t, validDefaults().Validate(mode), mode)
	}
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_ServeRequirements(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	cfg.Callback.Secret = ""

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "callback.secret is required")

	// Match mode does not need the server.
	assert.NoError(t, cfg.Validate("match"))
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "sqlite"
	assert.NoError(t, cfg.Validate("migrate"))

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestValidate_Weights(t *testing.T) {
	cfg := validDefaults()
	cfg.Scoring.TrustWeight = 0.5

	err := cfg.Validate("match")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must sum to 1")
}

func TestValidate_QueueConcurrency(t *testing.T) {
	cfg := validDefaults()
	cfg.Queues.Expiry.Concurrency = 0

	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queues.expiry.concurrency")
}
