package common

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ValidStorageDrivers are the job queue backends that can be configured.
var ValidStorageDrivers = []string{"sqlite", "postgres"}

// ValidStreamers are the live event streaming backends that can be configured.
var ValidStreamers = []string{"memory", "redis", "jetstream"}

// ValidLogFormats are the console output formats of the process logger.
var ValidLogFormats = []string{"console", "json"}

// ValidSessionLockers are the session lock implementations that can be configured.
var ValidSessionLockers = []string{"local", "redis"}

type Config struct {
	Storage     StorageConfig     `koanf:"storage"`
	Redis       RedisConfig       `koanf:"redis"`
	Nats        NatsConfig        `koanf:"nats"`
	Worker      WorkerConfig      `koanf:"worker"`
	Memory      MemoryConfig      `koanf:"memory"`
	Summarizer  SummarizerConfig  `koanf:"summarizer"`
	Interaction InteractionConfig `koanf:"interaction"`
	LLM         LLMConfig         `koanf:"llm"`
	API         APIConfig         `koanf:"api"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Log         LogConfig         `koanf:"log"`
}

type StorageConfig struct {
	// SqlitePath is the sqlite database file. Defaults to agentflow.db under the
	// data home.
	SqlitePath string `koanf:"sqlite_path"`
	// QueueDriver selects where jobs are claimed from: sqlite or postgres.
	QueueDriver string `koanf:"queue_driver"`
	PostgresURL string `koanf:"postgres_url"`
	Streamer    string `koanf:"streamer"`
	Locker      string `koanf:"locker"`
}

type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type NatsConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Embedded bool   `koanf:"embedded"`

	// Embedded server settings. StoreDir defaults to nats-jetstream under
	// the data home; zero limits leave the server's own defaults.
	StoreDir  string `koanf:"store_dir"`
	MaxMemory int64  `koanf:"max_memory"`
	MaxStore  int64  `koanf:"max_store"`
}

type WorkerConfig struct {
	Count          int           `koanf:"count"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	ReleaseDelay   time.Duration `koanf:"release_delay"`
	InvokeTimeout  time.Duration `koanf:"invoke_timeout"`
	ExpirySweep    bool          `koanf:"expiry_sweep"`
	ExpiryBatch    int           `koanf:"expiry_batch"`
	LockRetryDelay time.Duration `koanf:"lock_retry_delay"`
	LockTTL        time.Duration `koanf:"lock_ttl"`

	// ClaimTimeout is how long a claim survives without renewal before the
	// job is handed to another worker. Workers renew claims while processing.
	ClaimTimeout time.Duration `koanf:"claim_timeout"`

	// MaxJobClaims bounds how often a job whose processing errored is retried
	// before it is failed.
	MaxJobClaims int `koanf:"max_job_claims"`

	// StallTimeout is how long a running session may sit without a live job
	// before a new one is queued for it.
	StallTimeout time.Duration `koanf:"stall_timeout"`
}

type MemoryConfig struct {
	RetentionVersions int      `koanf:"retention_versions"`
	RetentionDays     int      `koanf:"retention_days"`
	DefaultChannels   []string `koanf:"default_channels"`
}

type SummarizerConfig struct {
	Enabled           bool     `koanf:"enabled"`
	Channels          []string `koanf:"channels"`
	TriggerTokenLimit int      `koanf:"trigger_token_limit"`
	TailWindow        int      `koanf:"tail_window"`
	MaxConcurrent     int      `koanf:"max_concurrent"`
	QueueSize         int      `koanf:"queue_size"`
	Tokenizer         string   `koanf:"tokenizer"`
	FailureAlertAfter int      `koanf:"failure_alert_after"`
}

type InteractionConfig struct {
	// FailOnExpiry fails the waiting step when a request passes its due date.
	FailOnExpiry bool `koanf:"fail_on_expiry"`
}

type LLMConfig struct {
	Provider     string   `koanf:"provider"`
	Model        string   `koanf:"model"`
	BaseURL      string   `koanf:"base_url"`
	APIKey       string   `koanf:"api_key"`
	Temperature  *float64 `koanf:"temperature"`
	TopP         *float64 `koanf:"top_p"`
	MaxTokens    *int     `koanf:"max_tokens"`
	SummaryModel string   `koanf:"summary_model"`
	// SecretManager lists where the API key is looked up when APIKey and
	// OPENAI_API_KEY are both unset, eg "env,keyring".
	SecretManager string `koanf:"secret_manager"`

	// Pricing prices models that neither the step nor the agent catalog
	// price.
	Pricing []ModelPricing `koanf:"pricing"`
}

// ModelPricing is the price of one model per thousand tokens.
type ModelPricing struct {
	Model       string  `koanf:"model"`
	InputPer1K  float64 `koanf:"input_per_1k"`
	OutputPer1K float64 `koanf:"output_per_1k"`
	Currency    string  `koanf:"currency"`
}

// PricingFor returns the configured price of model.
func (c LLMConfig) PricingFor(model string) (ModelPricing, bool) {
	for _, p := range c.Pricing {
		if p.Model == model {
			return p, true
		}
	}
	return ModelPricing{}, false
}

// TelemetryConfig controls tracing and metrics export. Spans go to Endpoint
// over OTLP when it is set, otherwise to JSON files under TraceDir; metrics
// are only exported over OTLP.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	// TraceDir defaults to the traces directory under the state home.
	TraceDir           string  `koanf:"trace_dir"`
	TraceRetentionDays int     `koanf:"trace_retention_days"`
	SampleRatio        float64 `koanf:"sample_ratio"`
}

// LogConfig controls the process logger. AGENTFLOW_LOG_LEVEL overrides Level
// and AGENTFLOW_LOG_FILE=false turns off file output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   bool   `koanf:"file"`
	// Dir holds one log file per day. Defaults to the state home.
	Dir           string `koanf:"dir"`
	RetentionDays int    `koanf:"retention_days"`
}

type APIConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// AllowedOrigins lists browser origins allowed to call the API. Empty
	// means loopback origins of Port only.
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			QueueDriver: "sqlite",
			Streamer:    "memory",
			Locker:      "local",
		},
		Redis: RedisConfig{Address: GetRedisAddress()},
		Nats: NatsConfig{
			Host: GetNatsServerHost(),
			Port: GetNatsServerPort(),
		},
		Worker: WorkerConfig{
			Count:          1,
			PollInterval:   time.Second,
			ReleaseDelay:   2 * time.Second,
			InvokeTimeout:  2 * time.Minute,
			ExpirySweep:    true,
			ExpiryBatch:    50,
			LockRetryDelay: 50 * time.Millisecond,
			LockTTL:        5 * time.Minute,
			ClaimTimeout:   5 * time.Minute,
			MaxJobClaims:   10,
			StallTimeout:   time.Minute,
		},
		Memory: MemoryConfig{
			RetentionVersions: 10,
			RetentionDays:     30,
			DefaultChannels:   []string{"conversation", "shared"},
		},
		Summarizer: SummarizerConfig{
			Enabled:           true,
			Channels:          []string{"conversation"},
			TriggerTokenLimit: 6000,
			TailWindow:        4,
			MaxConcurrent:     2,
			QueueSize:         32,
			Tokenizer:         "chars",
			FailureAlertAfter: 3,
		},
		LLM: LLMConfig{
			Provider:      "openai",
			Model:         "gpt-4o-mini",
			SecretManager: "env,keyring",
		},
		API: APIConfig{
			Host: GetServerHost(),
			Port: GetServerPort(),
		},
		Telemetry: TelemetryConfig{
			Enabled:            true,
			TraceRetentionDays: 7,
			SampleRatio:        1,
		},
		Log: LogConfig{
			Level:         "info",
			Format:        "console",
			File:          true,
			RetentionDays: 7,
		},
	}
}

// Validate ensures the Config is valid
func (c Config) Validate() error {
	if !slices.Contains(ValidStorageDrivers, c.Storage.QueueDriver) {
		return fmt.Errorf("invalid storage.queue_driver: %s", c.Storage.QueueDriver)
	}
	if c.Storage.QueueDriver == "postgres" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("storage.postgres_url is required for the postgres queue driver")
	}
	if !slices.Contains(ValidStreamers, c.Storage.Streamer) {
		return fmt.Errorf("invalid storage.streamer: %s", c.Storage.Streamer)
	}
	if !slices.Contains(ValidSessionLockers, c.Storage.Locker) {
		return fmt.Errorf("invalid storage.locker: %s", c.Storage.Locker)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be at least 1")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if c.Worker.ClaimTimeout <= 0 {
		return fmt.Errorf("worker.claim_timeout must be positive")
	}
	if c.Worker.MaxJobClaims < 1 {
		return fmt.Errorf("worker.max_job_claims must be at least 1")
	}
	for _, p := range c.LLM.Pricing {
		if p.Model == "" {
			return fmt.Errorf("llm.pricing entries need a model")
		}
		if p.InputPer1K < 0 || p.OutputPer1K < 0 {
			return fmt.Errorf("llm.pricing for %s must not be negative", p.Model)
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	if !slices.Contains(ValidLogFormats, c.Log.Format) {
		return fmt.Errorf("invalid log.format: %s", c.Log.Format)
	}
	if c.Log.RetentionDays < 0 {
		return fmt.Errorf("log.retention_days must not be negative")
	}
	if c.Memory.RetentionVersions < 1 {
		return fmt.Errorf("memory.retention_versions must be at least 1")
	}
	if c.Summarizer.Enabled {
		if c.Summarizer.TailWindow < 0 {
			return fmt.Errorf("summarizer.tail_window must not be negative")
		}
		if c.Summarizer.MaxConcurrent < 1 {
			return fmt.Errorf("summarizer.max_concurrent must be at least 1")
		}
		if c.Summarizer.TriggerTokenLimit < 1 {
			return fmt.Errorf("summarizer.trigger_token_limit must be at least 1")
		}
	}
	return nil
}

// LoadConfig loads the agentflow configuration from the given file path over
// DefaultConfig. The parser is picked from the file extension (yaml, yml,
// toml or json). A missing file yields the defaults.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()
	if configPath == "" {
		return config, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config, nil
	}

	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".toml":
		parser = toml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", configPath)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(configPath), parser); err != nil {
		return Config{}, fmt.Errorf("error loading config: %w", err)
	}

	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}
