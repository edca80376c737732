package cli

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/portal"
	"github.com/ramiqadoumi/go-case-flow/services/orchestrator/config"
)

func TestBuildRegistry_SimulatedByDefault(t *testing.T) {
	registry, connectors := buildRegistry(config.Config{}, domain.NewStateMachine(), nil, slog.Default())

	assert.Equal(t,
		[]domain.Category{domain.CategoryFiscal, domain.CategoryHealth, domain.CategoryMobility},
		registry.Categories())
	require.Len(t, connectors, 3)
	for _, c := range connectors {
		assert.IsType(t, &portal.SimulatedConnector{}, c)
	}
}

func TestQueueKey_PerInstance(t *testing.T) {
	a := queueKey("caseflow:queue", "caseflow-1a2b3c4d")
	b := queueKey("caseflow:queue", "caseflow-5e6f7a8b")

	assert.Equal(t, "caseflow:queue:caseflow-1a2b3c4d", a)
	assert.NotEqual(t, a, b)
}

func TestBuildRegistry_HTTPWhenURLSet(t *testing.T) {
	cfg := config.Config{Ameli: config.Portal{URL: "https://ameli.example", Token: "t"}}
	_, connectors := buildRegistry(cfg, domain.NewStateMachine(), nil, slog.Default())

	byName := map[string]portal.Connector{}
	for _, c := range connectors {
		byName[c.Name()] = c
	}
	assert.IsType(t, &portal.HTTPConnector{}, byName["ameli"])
	assert.IsType(t, &portal.SimulatedConnector{}, byName["impots"])
	assert.IsType(t, &portal.SimulatedConnector{}, byName["ants"])
}

func TestWriteConfig(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "caseflow.yaml")

	require.NoError(t, writeConfig(dest, defaultCaseflowYAML, false))
	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "redis_queue_key")

	err = writeConfig(dest, "x", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, writeConfig(dest, "x", true))
	raw, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "x", string(raw))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "caseflow dev")
	assert.Contains(t, out.String(), "go version:")
}

func TestBuildLogger_Levels(t *testing.T) {
	assert.True(t, buildLogger("debug", "caseflow").Enabled(t.Context(), slog.LevelDebug))
	assert.False(t, buildLogger("warn", "caseflow").Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, buildLogger("bogus", "caseflow").Enabled(t.Context(), slog.LevelInfo))
}
