package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/egress/gateway/internal/tts"
)

// Config configures the gateway. Zero values take the defaults.
type Config struct {
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	GlobalConcurrency int           `yaml:"global_concurrency"`
	HostConcurrency   int           `yaml:"host_concurrency"`
	MaxRedirects      int           `yaml:"max_redirects"`
	UserAgent         string        `yaml:"user_agent"`

	// DocumentMaxBytes caps feed and HTML bodies.
	DocumentMaxBytes int64 `yaml:"document_max_bytes"`

	ImageMaxBytes      int64         `yaml:"image_max_bytes"`
	ImageCacheTTL      time.Duration `yaml:"image_cache_ttl"`
	ImageCacheCapacity int           `yaml:"image_cache_capacity"`

	TTSAudioMaxBytes int64  `yaml:"tts_audio_max_bytes"`
	TTSJSONMaxBytes  int64  `yaml:"tts_json_max_bytes"`
	TTSAPIBase       string `yaml:"tts_api_base"`
	TTSModel         string `yaml:"tts_model"`
	TTSVoice         string `yaml:"tts_voice"`

	// AIMaxRetries of 0 uses the default; negative disables retries.
	AIMaxRetries     int           `yaml:"ai_max_retries"`
	AIAttemptTimeout time.Duration `yaml:"ai_attempt_timeout"`
}

func (c *Config) defaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 8
	}
	if c.HostConcurrency <= 0 {
		c.HostConcurrency = 3
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = "egress/1.0"
	}
	if c.DocumentMaxBytes <= 0 {
		c.DocumentMaxBytes = 10 * 1024 * 1024
	}
	if c.ImageMaxBytes <= 0 {
		c.ImageMaxBytes = 6 * 1024 * 1024
	}
	if c.ImageCacheTTL <= 0 {
		c.ImageCacheTTL = 15 * time.Minute
	}
	if c.ImageCacheCapacity <= 0 {
		c.ImageCacheCapacity = 200
	}
	if c.TTSAudioMaxBytes <= 0 {
		c.TTSAudioMaxBytes = 25 * 1024 * 1024
	}
	if c.TTSJSONMaxBytes <= 0 {
		c.TTSJSONMaxBytes = 64 * 1024
	}
	if c.TTSAPIBase == "" {
		c.TTSAPIBase = tts.DefaultBase
	}
	if c.TTSModel == "" {
		c.TTSModel = tts.DefaultModel
	}
	if c.TTSVoice == "" {
		c.TTSVoice = tts.DefaultVoice
	}
	if c.AIMaxRetries == 0 {
		c.AIMaxRetries = 2
	}
	if c.AIAttemptTimeout <= 0 {
		c.AIAttemptTimeout = 45 * time.Second
	}
}

// AIRetries is the retry count handed to the task runner: AIMaxRetries, or
// 0 when retries are disabled.
func (c Config) AIRetries() int {
	return max(c.AIMaxRetries, 0)
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var c Config
	c.defaults()
	return c
}

// LoadConfig reads a YAML configuration file and applies defaults.
// Durations use Go syntax ("15s", "45s", "15m").
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("gateway: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("gateway: parse config %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}
