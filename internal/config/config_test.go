package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/ris-dicom-connector/internal/config"
)

const validYAML = `
telemetry:
  log-level: INFO
server:
  calling-aet: GATEWAY
  http:
    interface: 0.0.0.0
    port: 8080
    max-upload-size: 104857600
    request-timeout: 30000
    graceful-shutdown: true
  listeners:
    - aet: GATEWAY_SCP
      interface: 0.0.0.0
      port: 11112
aets:
  - aet: ORTHANC
    host: 127.0.0.1
    port: 4242
    backend: DIMSE
    pool:
      size: 5
      timeout-ms: 5000
    qido-rs:
      timeout-ms: 10000
    wado-rs:
      timeout-ms: 60000
      mode: concurrent
      receivers:
        - GATEWAY_SCP
    stow-rs:
      timeout-ms: 30000
  - aet: ARCHIVE
    backend: disabled
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "GATEWAY", cfg.Server.CallingAET)
	require.Len(t, cfg.Server.Listeners, 1)
	assert.Equal(t, "GATEWAY_SCP", cfg.Server.Listeners[0].AET)

	aet, ok := cfg.ByAET("ORTHANC")
	require.True(t, ok)
	assert.Equal(t, config.BackendDIMSE, aet.Backend)
	assert.Equal(t, 5, aet.Pool.Size)

	_, ok = cfg.ByAET("NOBODY")
	assert.False(t, ok)
}

func TestRequestTimeoutConvertsMillisecondsToDuration(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "30s", cfg.Server.HTTP.RequestTimeout().String())
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
telemetry:
  log-level: INFO
server:
  http:
    interface: 0.0.0.0
    port: 8080
    max-upload-size: 1024
    request-timeout: 1000
aets: []
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
telemetry:
  log-level: VERBOSE
server:
  calling-aet: GATEWAY
  http:
    interface: 0.0.0.0
    port: 8080
    max-upload-size: 1024
    request-timeout: 1000
aets: []
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestValidateRequiresPoolSizeForDIMSEBackend(t *testing.T) {
	path := writeConfig(t, `
telemetry:
  log-level: INFO
server:
  calling-aet: GATEWAY
  http:
    interface: 0.0.0.0
    port: 8080
    max-upload-size: 1024
    request-timeout: 1000
aets:
  - aet: ORTHANC
    host: 127.0.0.1
    port: 4242
    backend: DIMSE
    pool:
      size: 0
      timeout-ms: 5000
    qido-rs:
      timeout-ms: 1000
    wado-rs:
      timeout-ms: 1000
      mode: concurrent
      receivers: [GATEWAY_SCP]
    stow-rs:
      timeout-ms: 1000
`)
	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool.size")
}

func TestDisabledBackendDoesNotRequireHostOrPort(t *testing.T) {
	path := writeConfig(t, `
telemetry:
  log-level: INFO
server:
  calling-aet: GATEWAY
  http:
    interface: 0.0.0.0
    port: 8080
    max-upload-size: 1024
    request-timeout: 1000
aets:
  - aet: ARCHIVE
    backend: disabled
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	aet, ok := cfg.ByAET("ARCHIVE")
	require.True(t, ok)
	assert.Equal(t, config.BackendDisabled, aet.Backend)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
