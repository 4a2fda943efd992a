package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-orchestrator/pkg/config"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
)

const testConfig = `
orchestrator:
  initial_href: "http://shell.local/app1"
  start_on_load: false

admin:
  enabled: false

units:
  - name: "navbar"
    active_when: ["/"]
  - name: "app1"
    active_when: ["/app1"]
    custom_props:
      title: "App 1"
  - name: "broken"
    active_when: ["/app1"]
    lifecycle:
      fail_phase: "bootstrap"
  - name: "off"
    enabled: false
    active_when: ["/"]
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSetup(t *testing.T) {
	cfg, err := ValidateConfigFile(writeConfig(t, testConfig))
	require.NoError(t, err)

	reg := metrics.NewRegistry()
	o, err := Setup(cfg, reg, logging.NewNopLogger())
	require.NoError(t, err)
	defer o.Close()

	assert.Equal(t, []string{"navbar", "app1", "broken"}, o.ListAllNames())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	active, err := o.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"navbar", "app1"}, active)

	status, _ := o.GetStatus("broken")
	assert.Equal(t, lifecycle.StatusSkipBecauseBroken, status)

	count, err := testutil.GatherAndCount(reg, "hsu_orchestrator_unit_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestValidateConfigFile(t *testing.T) {
	_, err := ValidateConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, errors.IsIOError(err))

	_, err = ValidateConfigFile(writeConfig(t, "control:\n  port: 99999\n"))
	assert.True(t, errors.IsValidationError(err))
}

func TestGetConfigSummary(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)

	summary := GetConfigSummary(cfg)
	assert.Equal(t, config.DefaultControlPort, summary.ControlPort)
	assert.Empty(t, summary.AdminAddress)
	assert.False(t, summary.StartOnLoad)
	assert.Equal(t, 4, summary.TotalUnits)
	assert.Equal(t, 3, summary.EnabledUnits)
	assert.Equal(t, "bootstrap", summary.Units[2].FailPhase)

	assert.Equal(t, "configuration is nil", GetConfigSummary(nil).Error)
}
