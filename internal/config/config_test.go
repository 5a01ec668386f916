package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "formextract.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "none", cfg.Tagger.Provider)
	assert.Equal(t, 4, cfg.Extraction.MaxConcurrentFields)
	assert.InDelta(t, 0.1, cfg.Extraction.AgreementBonus, 0.001)
	assert.InDelta(t, 0.8, cfg.Extraction.MinorThreshold, 0.001)
	assert.InDelta(t, 0.5, cfg.Extraction.ModerateThreshold, 0.001)
	assert.Equal(t, "hybrid", cfg.Extraction.Metric)
	assert.InDelta(t, 0.3, cfg.Learning.MinMatchRate, 0.001)
	assert.Equal(t, 10, cfg.Learning.FeedbackThreshold)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
	assert.Equal(t, 900, cfg.Jobs.StaleAfterSecs)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/formextract
log:
  level: debug
  format: console
server:
  port: 9090
extraction:
  metric: token
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/formextract", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "token", cfg.Extraction.Metric)
	// Defaults still apply for unset values
	assert.Equal(t, 4, cfg.Extraction.MaxConcurrentFields)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("FORMEXTRACT_STORE_DRIVER", "postgres")
	t.Setenv("FORMEXTRACT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("FORMEXTRACT_SERVER_PORT", "3000")
	t.Setenv("FORMEXTRACT_JOBS_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Jobs.Workers)
}

func TestLoadInvalidFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "formextract.db"
	cfg.Tagger.Provider = "none"
	cfg.Extraction.AgreementBonus = 0.1
	cfg.Extraction.MinorThreshold = 0.8
	cfg.Extraction.ModerateThreshold = 0.5
	cfg.Extraction.Metric = "hybrid"
	cfg.Learning.MinMatchRate = 0.3
	cfg.Jobs.Workers = 2
	cfg.Jobs.MaxAttempts = 3
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModesPassWithDefaults(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "worker", "extract", "cli"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	// Port only matters when serving.
	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidateWorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Jobs.Workers = 0
	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "jobs.workers must be between 1 and 64")

	cfg.Jobs.Workers = 65
	assert.Error(t, cfg.Validate("serve"))

	cfg.Jobs.Workers = 64
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Jobs.Workers = 0
	assert.NoError(t, cfg.Validate("extract"), "extract does not run workers")
}

func TestValidateTaggerProvider(t *testing.T) {
	cfg := validDefaults()

	cfg.Tagger.Provider = "http"
	err := cfg.Validate("extract")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "tagger.base_url is required")
	cfg.Tagger.BaseURL = "http://tagger:9000"
	assert.NoError(t, cfg.Validate("extract"))

	cfg.Tagger.Provider = "anthropic"
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	cfg.Anthropic.Key = "sk-ant-key"
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Tagger.Provider = "crf"
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "tagger.provider must be")
}

func TestValidateThresholds(t *testing.T) {
	cfg := validDefaults()

	cfg.Extraction.MinorThreshold = 1.1
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "extraction.minor_threshold must be between 0 and 1")

	cfg.Extraction.MinorThreshold = 0.4
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "moderate_threshold must not exceed")

	cfg.Extraction.MinorThreshold = 0.8
	cfg.Learning.MinMatchRate = -0.1
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "learning.min_match_rate")

	cfg.Learning.MinMatchRate = 0.3
	cfg.Extraction.Metric = "cosine"
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "extraction.metric must be")
}
