package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/aegis/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))
	return dir
}

func TestInitializeDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Incident.DedupWindow)
	assert.Equal(t, 0.85, cfg.Consensus.Threshold)
	assert.Equal(t, 10, cfg.Hub.Batch.MaxSize)
	assert.Equal(t, OverflowDropOldest, cfg.Hub.Queue.OverflowPolicy)
}

func TestInitializeMergesUserOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
workers:
  max: 4
consensus:
  threshold: 0.9
hub:
  queue:
    depth: 64
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Workers.Max)
	assert.Equal(t, 0.9, cfg.Consensus.Threshold)
	assert.Equal(t, 64, cfg.Hub.Queue.Depth)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.6, cfg.Consensus.AgreeThreshold)
	assert.Equal(t, 16, cfg.Workers.Stripes)
	assert.Equal(t, 10, cfg.Hub.Batch.MaxSize)
}

func TestInitializePartialWeightsKeepDefaults(t *testing.T) {
	dir := writeConfig(t, `
agents:
  weights:
    diagnosis: 0.5
    detection: 0.1
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Agents.Weights[models.RoleDiagnosis])
	assert.Equal(t, 0.1, cfg.Agents.Weights[models.RoleDetection])
	// Unmentioned roles stay at their defaults; the sum still validates.
	assert.Equal(t, 0.3, cfg.Agents.Weights[models.RolePrediction])
	assert.Equal(t, 0.1, cfg.Agents.Weights[models.RoleResolution])
}

func TestInitializeRejectsInvalidWeights(t *testing.T) {
	dir := writeConfig(t, `
agents:
  weights:
    detection: 0.9
    diagnosis: 0.9
    prediction: 0.3
    resolution: 0.1
    communication: 0
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "weights")
}

func TestInitializeRejectsUnknownBackend(t *testing.T) {
	dir := writeConfig(t, `
store:
  backend: dynamo
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestInitializeRejectsBadYAML(t *testing.T) {
	dir := writeConfig(t, "workers: [not: a: mapping")
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)

	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestInitializeProviderReferenceChecked(t *testing.T) {
	dir := writeConfig(t, `
agents:
  providers:
    detection: nonexistent
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "not declared")
}

func TestInitializeProvidersReplaceNotMerge(t *testing.T) {
	dir := writeConfig(t, `
providers:
  - id: main
    type: stub
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 1)
	p, ok := cfg.Provider("main")
	require.True(t, ok)
	assert.Equal(t, TransportStub, p.Type)
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("AEGIS_TEST_ADDR", ":7070")
	dir := writeConfig(t, `
server:
  rpc_addr: "{{.AEGIS_TEST_ADDR}}"
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.RPCAddr)
}

func TestExpandEnvPreservesDollarLiterals(t *testing.T) {
	out := ExpandEnv([]byte(`pattern: "^secret.*$"`))
	assert.Equal(t, `pattern: "^secret.*$"`, string(out))
}

func TestValidatorTLSPairing(t *testing.T) {
	cfg := Defaults()
	cfg.Server.TLSCertFile = "/tmp/cert.pem"
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.ErrorContains(t, err, "tls_key_file")
}

func TestValidatorProviderRequiredFields(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*ProviderConfig)
		wantErr  string
	}{
		{"missing id", func(p *ProviderConfig) { p.ID = "" }, "field 'id'"},
		{"bad type", func(p *ProviderConfig) { p.Type = "soap" }, "field 'type'"},
		{"missing model", func(p *ProviderConfig) { p.Model = "" }, "field 'model'"},
		{"missing secret", func(p *ProviderConfig) { p.SecretName = "" }, "field 'secret_name'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			p := ProviderConfig{
				ID: "claude", Type: TransportAnthropic,
				Model: "claude-sonnet-4-5", SecretName: "ANTHROPIC_API_KEY",
			}
			tt.mutate(&p)
			cfg.Providers = []ProviderConfig{p}
			err := NewValidator(cfg).ValidateAll()
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
