package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory, socket, and bind address configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	ArtifactDir string `toml:"artifact_dir"`
	LogDir      string `toml:"log_dir"`
	SocketPath  string `toml:"socket_path"`
	APIBind     string `toml:"api_bind"`
	APIToken    string `toml:"api_token"`
}

// Workflow contains execution engine tuning.
type Workflow struct {
	WorkerCount          int `toml:"worker_count"`
	PollInterval         int `toml:"poll_interval"`
	ErrorRetryInterval   int `toml:"error_retry_interval"`
	StageTimeout         int `toml:"stage_timeout"`
	MaxAttempts          int `toml:"max_attempts"`
	RetryBaseDelayMillis int `toml:"retry_base_delay_ms"`
	HeartbeatInterval    int `toml:"heartbeat_interval"`
	HeartbeatTimeout     int `toml:"heartbeat_timeout"`
}

// Scheduler contains deferred-run scheduling configuration.
type Scheduler struct {
	TickInterval  int    `toml:"tick_interval"`
	CatchUpPolicy string `toml:"catch_up_policy"`
}

// LLM contains configuration for the chat-completion service backing the
// research, planning, and script stages.
type LLM struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	Timeout int    `toml:"timeout"`
}

// ElevenLabs contains configuration for the voice synthesis service.
type ElevenLabs struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	ModelID string `toml:"model_id"`
	Timeout int    `toml:"timeout"`
}

// S3 contains the object storage binding used when storage.backend = "s3".
type S3 struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Storage selects where stage artifacts are written.
type Storage struct {
	Backend string `toml:"backend"`
	S3      S3     `toml:"s3"`
}

// Logging contains log output configuration.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Paths      Paths      `toml:"paths"`
	Workflow   Workflow   `toml:"workflow"`
	Scheduler  Scheduler  `toml:"scheduler"`
	LLM        LLM        `toml:"llm"`
	ElevenLabs ElevenLabs `toml:"elevenlabs"`
	Storage    Storage    `toml:"storage"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the standard location of the config file.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "dopcast", "config.toml"), nil
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist. Environment variables override embedded secrets.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		decoder := toml.NewDecoder(strings.NewReader(string(data)))
		decoder.DisallowUnknownFields()
		if decodeErr := decoder.Decode(&cfg); decodeErr != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, decodeErr)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Defaults plus env overrides are enough for read-only commands.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	cfg.normalize()
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DOPCAST_LLM_API_KEY")); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DOPCAST_ELEVENLABS_API_KEY")); v != "" {
		cfg.ElevenLabs.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DOPCAST_API_TOKEN")); v != "" {
		cfg.Paths.APIToken = v
	}
}

func (c *Config) normalize() {
	c.Paths.DataDir = expandPath(c.Paths.DataDir)
	c.Paths.ArtifactDir = expandPath(c.Paths.ArtifactDir)
	c.Paths.LogDir = expandPath(c.Paths.LogDir)
	c.Paths.SocketPath = expandPath(c.Paths.SocketPath)
	c.Scheduler.CatchUpPolicy = strings.ToLower(strings.TrimSpace(c.Scheduler.CatchUpPolicy))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir}
	if c.Storage.Backend == BackendLocal {
		dirs = append(dirs, c.Paths.ArtifactDir)
	}
	if c.Paths.SocketPath != "" {
		dirs = append(dirs, filepath.Dir(c.Paths.SocketPath))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteSample writes the embedded sample config to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}
