package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func driveYAML(name string) string {
	return `
  - id: ` + uuid.New().String() + `
    alias: ` + uuid.New().String() + `
    type: ` + uuid.New().String() + `
    name: ` + name + `
    long_term_root: /var/lib/haven/` + name + `/longterm
    temp_root: /var/lib/haven/` + name + `/temp
`
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: debug
  format: json
server:
  listen_address: "127.0.0.1:9000"
  shutdown_timeout: 5s
index:
  db_path: /var/lib/haven/index
transit:
  max_payload_bytes: 1048576
  require_connected_sender: true
  rate_limit:
    requests_per_second: 20
drives:`+driveYAML("chat"))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level, "level is normalized to uppercase")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddress)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/var/lib/haven/index", cfg.Index.DBPath)
	assert.Equal(t, int64(1048576), cfg.Transit.MaxPayloadBytes)
	assert.True(t, cfg.Transit.RequireConnectedSender)
	assert.Equal(t, uint(20), cfg.Transit.RateLimit.RequestsPerSecond)
	assert.Equal(t, uint(20), cfg.Transit.RateLimit.Burst, "burst defaults to the rate")

	require.Len(t, cfg.Drives, 1)
	assert.Equal(t, "chat", cfg.Drives[0].Name)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `drives:` + driveYAML("notes"))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, ":8765", cfg.Server.ListenAddress)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "filesystem", cfg.Quarantine.Type)
	assert.Equal(t, "./data/quarantine", cfg.Quarantine.Filesystem["root"])
	assert.Equal(t, int64(4<<20), cfg.Transit.MaxMetadataBytes)
	assert.Equal(t, int64(1<<30), cfg.Transit.MaxPayloadBytes)
	assert.Zero(t, cfg.Transit.RateLimit.RequestsPerSecond, "throttling is opt-in")
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("HAVEN_LOGGING_LEVEL", "ERROR")
	path := writeConfigFile(t, `
logging:
  level: info
drives:`+driveYAML("mail"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfigFile(t, `
drives:
  - id: not-a-uuid
    alias: also-not
    type: nope
    name: broken
    long_term_root: /data/longterm
    temp_root: /data/temp
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfigFile(t, "drives: [unterminated")

	_, err := Load(path)
	assert.Error(t, err)
}
