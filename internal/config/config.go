package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
		// PublicURL is the externally reachable base URL, used to build remote callback addresses
		PublicURL string `yaml:"public_url"`
	} `yaml:"server"`

	Worker struct {
		Mode       types.Strategy `yaml:"mode"`
		Count      int            `yaml:"count"`
		JobTimeout time.Duration  `yaml:"job_timeout"`
	} `yaml:"worker"`

	Engine struct {
		Kind       string `yaml:"kind"`
		Command    string `yaml:"command"`
		ModelDir   string `yaml:"model_dir"`
		Threads    int    `yaml:"threads"`
		Device     string `yaml:"device"`
		Language   string `yaml:"language"`
		FFmpegPath string `yaml:"ffmpeg_path"`
		FFprobe    string `yaml:"ffprobe_path"`
	} `yaml:"engine"`

	Storage struct {
		TempDir  string `yaml:"temp_dir"`
		Database string `yaml:"database"`
		Backend  string `yaml:"backend"`
		// OutputDir is used by the local object store backend
		OutputDir string `yaml:"output_dir"`
		S3        struct {
			Bucket         string        `yaml:"bucket"`
			Region         string        `yaml:"region"`
			Endpoint       string        `yaml:"endpoint"`
			AccessKey      string        `yaml:"access_key"`
			SecretKey      string        `yaml:"secret_key"`
			ForcePathStyle bool          `yaml:"force_path_style"`
			PresignTTL     time.Duration `yaml:"presign_ttl"`
		} `yaml:"s3"`
		GoogleDrive struct {
			CredentialsFile string `yaml:"credentials_file"`
			TokenFile       string `yaml:"token_file"`
			FolderName      string `yaml:"folder_name"`
		} `yaml:"google_drive"`
	} `yaml:"storage"`

	Queue struct {
		Backend  string `yaml:"backend"`
		RedisURL string `yaml:"redis_url"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"queue"`

	Remote struct {
		Endpoint    string        `yaml:"endpoint"`
		HealthURL   string        `yaml:"health_url"`
		Mode        string        `yaml:"mode"`
		Token       string        `yaml:"token"`
		MaxInFlight int64         `yaml:"max_in_flight"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"remote"`

	Retry struct {
		MaxAttempts    uint          `yaml:"max_attempts"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
	} `yaml:"retry"`

	Cleanup struct {
		Interval time.Duration `yaml:"interval"`
		MaxAge   time.Duration `yaml:"max_age"`
		// Grace is added to the job timeout before the reaper fails an overdue job
		Grace time.Duration `yaml:"grace"`
	} `yaml:"cleanup"`

	Limits struct {
		// MaxFileSizeMB caps uploads and request bodies
		MaxFileSizeMB int `yaml:"max_file_size_mb"`
	} `yaml:"limits"`

	Auth struct {
		CallbackToken string `yaml:"callback_token"`
		AdminToken    string `yaml:"admin_token"`
	} `yaml:"auth"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		BufferSize int    `yaml:"buffer_size"`
	} `yaml:"logging"`
}

// Engine kinds
const (
	EngineOpenAIWhisper = "openai-whisper"
	EngineWhisperCpp    = "whisper-cpp"
)

// Remote invocation modes
const (
	RemoteSync     = "sync"
	RemoteCallback = "callback"
)

// Load reads configuration from a YAML file and applies defaults
func Load(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(file)
}

// Parse decodes YAML bytes into a validated Config
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Worker.Mode == "" {
		c.Worker.Mode = types.StrategyLocal
	}
	if c.Worker.Count <= 0 {
		c.Worker.Count = 2
	}
	if c.Worker.JobTimeout <= 0 {
		c.Worker.JobTimeout = 30 * time.Minute
	}
	if c.Engine.Kind == "" {
		c.Engine.Kind = EngineOpenAIWhisper
	}
	if c.Engine.Command == "" {
		if c.Engine.Kind == EngineWhisperCpp {
			c.Engine.Command = "whisper-cli"
		} else {
			c.Engine.Command = "python"
		}
	}
	if c.Engine.Threads <= 0 {
		c.Engine.Threads = 4
	}
	if c.Engine.FFmpegPath == "" {
		c.Engine.FFmpegPath = "ffmpeg"
	}
	if c.Engine.FFprobe == "" {
		c.Engine.FFprobe = "ffprobe"
	}
	if c.Storage.TempDir == "" {
		c.Storage.TempDir = "temp"
	}
	if c.Storage.Database == "" {
		c.Storage.Database = "data/whisperq.db"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.OutputDir == "" {
		c.Storage.OutputDir = "outputs"
	}
	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = "us-east-1"
	}
	if c.Storage.S3.PresignTTL <= 0 {
		c.Storage.S3.PresignTTL = 15 * time.Minute
	}
	if c.Storage.GoogleDrive.FolderName == "" {
		c.Storage.GoogleDrive.FolderName = "Transcripts"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.Queue.Prefix == "" {
		c.Queue.Prefix = "whisperq"
	}
	if c.Remote.Mode == "" {
		c.Remote.Mode = RemoteSync
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = c.Worker.JobTimeout
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = time.Second
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = 30 * time.Second
	}
	if c.Cleanup.Interval <= 0 {
		c.Cleanup.Interval = 10 * time.Minute
	}
	if c.Cleanup.MaxAge <= 0 {
		c.Cleanup.MaxAge = 24 * time.Hour
	}
	if c.Cleanup.Grace <= 0 {
		c.Cleanup.Grace = 5 * time.Minute
	}
	if c.Limits.MaxFileSizeMB <= 0 {
		c.Limits.MaxFileSizeMB = 500
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.BufferSize <= 0 {
		c.Logging.BufferSize = 1000
	}
}

// Validate rejects unknown enum values and missing required settings
func (c *Config) Validate() error {
	switch c.Worker.Mode {
	case types.StrategyLocal, types.StrategyRemote:
	default:
		return fmt.Errorf("config: worker.mode must be local or remote, got %q", c.Worker.Mode)
	}
	switch c.Engine.Kind {
	case EngineOpenAIWhisper, EngineWhisperCpp:
	default:
		return fmt.Errorf("config: unknown engine.kind %q", c.Engine.Kind)
	}
	switch c.Storage.Backend {
	case "local", "s3", "gdrive":
	default:
		return fmt.Errorf("config: unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("config: storage.s3.bucket is required for the s3 backend")
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("config: queue.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown queue.backend %q", c.Queue.Backend)
	}
	// a running job's scratch dir stops being touched once the engine starts
	if c.Cleanup.MaxAge <= c.Worker.JobTimeout {
		return fmt.Errorf("config: cleanup.max_age (%s) must exceed worker.job_timeout (%s)",
			c.Cleanup.MaxAge, c.Worker.JobTimeout)
	}
	if c.Worker.Mode == types.StrategyRemote {
		if c.Remote.Endpoint == "" {
			return fmt.Errorf("config: remote.endpoint is required in remote mode")
		}
		switch c.Remote.Mode {
		case RemoteSync:
		case RemoteCallback:
			if c.Server.PublicURL == "" {
				return fmt.Errorf("config: server.public_url is required for remote callbacks")
			}
		default:
			return fmt.Errorf("config: remote.mode must be sync or callback, got %q", c.Remote.Mode)
		}
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CallbackURL returns the address the remote backend posts terminal updates to
func (c *Config) CallbackURL() string {
	return c.Server.PublicURL + "/v1/callbacks/transcription"
}
