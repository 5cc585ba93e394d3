package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads from YAML as either a Go duration string ("90s")
// or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the top-level gauntlet.yml configuration
type Config struct {
	Version  string `yaml:"version"`
	Parallel int    `yaml:"parallel"`
	BasePort int    `yaml:"base_port"`
	// PortRange is the number of ports above base_port the allocator may use (default: 4 x parallel)
	PortRange      int      `yaml:"port_range,omitempty"`
	TimeoutPerGame Duration `yaml:"timeout_per_game"`

	Worklist   WorklistConfig         `yaml:"worklist"`
	Results    ResultsConfig          `yaml:"results"`
	Server     ServerConfig           `yaml:"server"`
	Client     ClientConfig           `yaml:"client"`
	Reference  ReferenceConfig        `yaml:"reference"`
	Submission SubmissionConfig       `yaml:"submission"`
	Boards     map[string]BoardConfig `yaml:"boards,omitempty"`
	Runtime    RuntimeConfig          `yaml:"runtime"`
	Monitor    MonitorConfig          `yaml:"monitor,omitempty"`
}

// WorklistConfig locates the submissions to evaluate
type WorklistConfig struct {
	Path           string   `yaml:"path"`
	SubmissionsDir string   `yaml:"submissions_dir,omitempty"`
	ProgramFile    string   `yaml:"program_file,omitempty"`
	EligibleTypes  []string `yaml:"eligible_types,omitempty"`
	BoardSizes     []string `yaml:"board_sizes,omitempty"`
}

// ResultsConfig selects the result store
type ResultsConfig struct {
	Path  string       `yaml:"path"`
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig enables the shared Redis result store
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	Namespace string `yaml:"namespace"`
}

// ServerConfig describes the game server process
type ServerConfig struct {
	Command       []string `yaml:"command"`
	StartTimeout  Duration `yaml:"start_timeout,omitempty"`
	PollInterval  Duration `yaml:"poll_interval,omitempty"`
}

// ClientConfig describes the client launcher used for both sides
type ClientConfig struct {
	Command     []string `yaml:"command"`
	GracePeriod Duration `yaml:"grace_period,omitempty"`
}

// ReferenceConfig describes the fixed opponent
type ReferenceConfig struct {
	Dir     string `yaml:"dir,omitempty"`
	Program string `yaml:"program"`
	Role    string `yaml:"role,omitempty"`
}

// SubmissionConfig describes how submissions play
type SubmissionConfig struct {
	Role string `yaml:"role,omitempty"`
}

// BoardConfig holds per-board clocks
type BoardConfig struct {
	TimePerPlayer int      `yaml:"time_per_player"`
	Timeout       Duration `yaml:"timeout,omitempty"`
}

// RuntimeConfig holds process environment and cleanup settings
type RuntimeConfig struct {
	Threads         int      `yaml:"threads,omitempty"`
	Device          string   `yaml:"device,omitempty"`
	KillGracePeriod Duration `yaml:"kill_grace_period,omitempty"`
	ScratchRoot     string   `yaml:"scratch_root,omitempty"`
	KeepScratch     bool     `yaml:"keep_scratch,omitempty"`
}

// MonitorConfig enables the health and metrics endpoint
type MonitorConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// DefaultBoards are the board sizes and clocks used when the config names none
func DefaultBoards() map[string]BoardConfig {
	return map[string]BoardConfig{
		"small":  {TimePerPlayer: 120, Timeout: Duration(300 * time.Second)},
		"medium": {TimePerPlayer: 240, Timeout: Duration(600 * time.Second)},
		"large":  {TimePerPlayer: 360, Timeout: Duration(900 * time.Second)},
	}
}

// Validate applies defaults and performs strict validation on the configuration
func (c *Config) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Parallel == 0 {
		c.Parallel = 8
	}
	if c.Parallel < 1 {
		return fmt.Errorf("parallel must be >= 1, got %d", c.Parallel)
	}

	if c.BasePort == 0 {
		c.BasePort = 9500
	}
	if c.PortRange == 0 {
		c.PortRange = 4 * c.Parallel
	}
	if c.PortRange < c.Parallel {
		return fmt.Errorf("port_range (%d) must be >= parallel (%d)", c.PortRange, c.Parallel)
	}
	if c.BasePort < 1024 || c.BasePort+c.PortRange-1 > 65535 {
		return fmt.Errorf("ports %d-%d are outside 1024-65535", c.BasePort, c.BasePort+c.PortRange-1)
	}

	if c.TimeoutPerGame == 0 {
		c.TimeoutPerGame = Duration(300 * time.Second)
	}
	if c.TimeoutPerGame < 0 {
		return fmt.Errorf("timeout_per_game must be positive")
	}

	if err := c.validateWorklist(); err != nil {
		return err
	}

	if c.Results.Path == "" {
		c.Results.Path = "results.csv"
	}
	if r := c.Results.Redis; r != nil {
		if r.Addr == "" {
			return fmt.Errorf("results.redis.addr is required when redis is configured")
		}
		if r.Namespace == "" {
			return fmt.Errorf("results.redis.namespace is required when redis is configured")
		}
	}

	// Required: process commands
	if len(c.Server.Command) == 0 {
		return fmt.Errorf("server.command is required")
	}
	if c.Server.StartTimeout == 0 {
		c.Server.StartTimeout = Duration(10 * time.Second)
	}
	if c.Server.PollInterval == 0 {
		c.Server.PollInterval = Duration(100 * time.Millisecond)
	}
	if c.Server.StartTimeout < 0 || c.Server.PollInterval < 0 {
		return fmt.Errorf("server.start_timeout and server.poll_interval must be positive")
	}

	if len(c.Client.Command) == 0 {
		return fmt.Errorf("client.command is required")
	}
	if c.Client.GracePeriod == 0 {
		c.Client.GracePeriod = Duration(2 * time.Second)
	}

	if c.Reference.Program == "" {
		return fmt.Errorf("reference.program is required")
	}
	if c.Reference.Dir != "" {
		if info, err := os.Stat(c.Reference.Dir); err != nil || !info.IsDir() {
			return fmt.Errorf("reference.dir does not exist: %s", c.Reference.Dir)
		}
	}
	if c.Submission.Role == "" {
		c.Submission.Role = "circle"
	}
	if c.Reference.Role == "" {
		c.Reference.Role = "square"
	}
	if c.Submission.Role == c.Reference.Role {
		return fmt.Errorf("submission and reference must play different roles, both are '%s'", c.Submission.Role)
	}

	if len(c.Boards) == 0 {
		c.Boards = DefaultBoards()
	}
	for _, size := range c.Worklist.BoardSizes {
		board, ok := c.Boards[size]
		if !ok {
			return fmt.Errorf("board size '%s' has no entry under boards", size)
		}
		if board.TimePerPlayer <= 0 {
			return fmt.Errorf("boards.%s.time_per_player must be > 0", size)
		}
	}

	if c.Runtime.Threads == 0 {
		c.Runtime.Threads = 1
	}
	if c.Runtime.Threads < 0 {
		return fmt.Errorf("runtime.threads must be >= 1, got %d", c.Runtime.Threads)
	}
	if c.Runtime.KillGracePeriod == 0 {
		c.Runtime.KillGracePeriod = Duration(5 * time.Second)
	}

	return nil
}

func (c *Config) validateWorklist() error {
	if c.Worklist.Path == "" {
		return fmt.Errorf("worklist.path is required")
	}
	if c.Worklist.ProgramFile == "" {
		c.Worklist.ProgramFile = "agent.py"
	}
	if len(c.Worklist.EligibleTypes) == 0 {
		c.Worklist.EligibleTypes = []string{"python"}
	}
	if len(c.Worklist.BoardSizes) == 0 {
		c.Worklist.BoardSizes = []string{"small", "medium", "large"}
	}
	return nil
}

// BoardTimeouts returns the per-board match timeouts that differ from zero
func (c *Config) BoardTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for name, b := range c.Boards {
		if b.Timeout > 0 {
			out[name] = b.Timeout.Std()
		}
	}
	return out
}

// TimePerPlayer returns the per-board clocks handed to the server
func (c *Config) TimePerPlayer() map[string]int {
	out := make(map[string]int, len(c.Boards))
	for name, b := range c.Boards {
		out[name] = b.TimePerPlayer
	}
	return out
}

// Load reads and validates gauntlet.yml from the specified path
func Load(path string) (*Config, error) {
	config, err := Parse(path)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Parse reads gauntlet.yml without applying defaults, so callers can override
// fields before calling Validate.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &config, nil
}

// OverrideTimeout sets timeout_per_game and drops the per-board timeouts so d
// applies to every board.
func (c *Config) OverrideTimeout(d time.Duration) {
	c.TimeoutPerGame = Duration(d)
	if len(c.Boards) == 0 {
		c.Boards = DefaultBoards()
	}
	for name, b := range c.Boards {
		b.Timeout = 0
		c.Boards[name] = b
	}
}
