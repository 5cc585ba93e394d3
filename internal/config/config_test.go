package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const minimalConfig = `version: "1.0"
worklist:
  path: worklist.csv
server:
  command: [python3, server.py]
client:
  command: [python3, client.py]
reference:
  program: reference_agent.py
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gauntlet.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_MinimalConfigGetsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Parallel)
	assert.Equal(t, 9500, cfg.BasePort)
	assert.Equal(t, 32, cfg.PortRange)
	assert.Equal(t, 300*time.Second, cfg.TimeoutPerGame.Std())
	assert.Equal(t, "results.csv", cfg.Results.Path)
	assert.Nil(t, cfg.Results.Redis)
	assert.Equal(t, "agent.py", cfg.Worklist.ProgramFile)
	assert.Equal(t, []string{"python"}, cfg.Worklist.EligibleTypes)
	assert.Equal(t, []string{"small", "medium", "large"}, cfg.Worklist.BoardSizes)
	assert.Equal(t, 10*time.Second, cfg.Server.StartTimeout.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Server.PollInterval.Std())
	assert.Equal(t, 2*time.Second, cfg.Client.GracePeriod.Std())
	assert.Equal(t, "circle", cfg.Submission.Role)
	assert.Equal(t, "square", cfg.Reference.Role)
	assert.Equal(t, 1, cfg.Runtime.Threads)
	assert.Equal(t, 5*time.Second, cfg.Runtime.KillGracePeriod.Std())

	assert.Equal(t, map[string]int{"small": 120, "medium": 240, "large": 360}, cfg.TimePerPlayer())
	assert.Equal(t, map[string]time.Duration{
		"small":  300 * time.Second,
		"medium": 600 * time.Second,
		"large":  900 * time.Second,
	}, cfg.BoardTimeouts())
}

func TestLoad_FullConfig(t *testing.T) {
	refDir := t.TempDir()
	content := `version: "1.0"
parallel: 4
base_port: 12000
port_range: 10
timeout_per_game: 90
worklist:
  path: list.csv
  submissions_dir: subs
  program_file: main.py
  board_sizes: [tiny]
results:
  path: out.csv
  redis:
    addr: localhost:6379
    namespace: batch
server:
  command: [./server]
  start_timeout: 1.5
  poll_interval: 50ms
client:
  command: [./client]
  grace_period: 500ms
reference:
  dir: ` + refDir + `
  program: ref.py
  role: red
submission:
  role: blue
boards:
  tiny:
    time_per_player: 30
runtime:
  threads: 2
  device: "1"
  keep_scratch: true
monitor:
  addr: ":9090"
`
	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Parallel)
	assert.Equal(t, 12000, cfg.BasePort)
	assert.Equal(t, 10, cfg.PortRange)
	assert.Equal(t, 90*time.Second, cfg.TimeoutPerGame.Std())
	assert.Equal(t, 1500*time.Millisecond, cfg.Server.StartTimeout.Std())
	assert.Equal(t, 50*time.Millisecond, cfg.Server.PollInterval.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Client.GracePeriod.Std())
	assert.Equal(t, "batch", cfg.Results.Redis.Namespace)
	assert.Equal(t, map[string]int{"tiny": 30}, cfg.TimePerPlayer())
	assert.Empty(t, cfg.BoardTimeouts())
	assert.Equal(t, "blue", cfg.Submission.Role)
	assert.Equal(t, "1", cfg.Runtime.Device)
	assert.True(t, cfg.Runtime.KeepScratch)
	assert.Equal(t, ":9090", cfg.Monitor.Addr)
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/gauntlet.yml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "version: \"1.0\"\nserver:\n  - this is invalid\n    yaml syntax\n"))
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+"timeout_per_game: soon\n"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		var c Config
		require.NoError(t, yaml.Unmarshal([]byte(minimalConfig), &c))
		return &c
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"unsupported version", func(c *Config) { c.Version = "2.0" }, "unsupported version: 2.0"},
		{"negative parallel", func(c *Config) { c.Parallel = -1 }, "parallel must be >= 1"},
		{"port range smaller than parallel", func(c *Config) { c.Parallel = 8; c.PortRange = 4 }, "port_range"},
		{"privileged ports", func(c *Config) { c.BasePort = 80 }, "outside 1024-65535"},
		{"ports past 65535", func(c *Config) { c.BasePort = 65530; c.PortRange = 10 }, "outside 1024-65535"},
		{"missing worklist", func(c *Config) { c.Worklist.Path = "" }, "worklist.path is required"},
		{"missing server command", func(c *Config) { c.Server.Command = nil }, "server.command is required"},
		{"missing client command", func(c *Config) { c.Client.Command = nil }, "client.command is required"},
		{"missing reference program", func(c *Config) { c.Reference.Program = "" }, "reference.program is required"},
		{"missing reference dir", func(c *Config) { c.Reference.Dir = "/nonexistent/ref" }, "reference.dir does not exist"},
		{"same roles", func(c *Config) { c.Submission.Role = "square" }, "different roles"},
		{"unknown board", func(c *Config) { c.Worklist.BoardSizes = []string{"huge"} }, "board size 'huge'"},
		{"bad board clock", func(c *Config) {
			c.Boards = map[string]BoardConfig{"small": {}}
			c.Worklist.BoardSizes = []string{"small"}
		}, "time_per_player must be > 0"},
		{"redis without namespace", func(c *Config) { c.Results.Redis = &RedisConfig{Addr: "x:1"} }, "namespace is required"},
		{"redis without addr", func(c *Config) { c.Results.Redis = &RedisConfig{Namespace: "n"} }, "addr is required"},
		{"negative threads", func(c *Config) { c.Runtime.Threads = -2 }, "runtime.threads"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("minimal config is valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})
}

func TestDurationMarshal(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration(90 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "d: 1m30s\n", string(out))
}

func TestParseDoesNotApplyDefaults(t *testing.T) {
	cfg, err := Parse(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Zero(t, cfg.Parallel)
	assert.Zero(t, cfg.PortRange)

	cfg.Parallel = 3
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 12, cfg.PortRange, "port range follows the overridden parallelism")
}

func TestOverrideTimeout(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.NotEmpty(t, cfg.BoardTimeouts())

	cfg.OverrideTimeout(45 * time.Second)
	assert.Equal(t, 45*time.Second, cfg.TimeoutPerGame.Std())
	assert.Empty(t, cfg.BoardTimeouts())
	assert.Equal(t, 120, cfg.TimePerPlayer()["small"], "clocks are untouched")
}
