package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"safeaudio/pkg/version"
)

// Config holds the application configuration.
type Config struct {
	Player  PlayerConfig  `yaml:"player"`
	Preload PreloadConfig `yaml:"preload"`
	Network NetworkConfig `yaml:"network"`
	Request RequestConfig `yaml:"request"`
	Speech  SpeechConfig  `yaml:"speech"`
	Log     LogConfig     `yaml:"log"`
	DB      DBConfig      `yaml:"db"`
}

// PlayerConfig holds settings for the playback decision engine.
type PlayerConfig struct {
	LoadTimeout   Duration `yaml:"load_timeout"`   // Budget for a direct URL load before falling back
	DefaultAccent string   `yaml:"default_accent"` // US, GB, AU, IN
	AutoPlay      bool     `yaml:"autoplay"`
	Volume        float64  `yaml:"volume"`
}

// PreloadConfig holds settings for the audio preloader.
type PreloadConfig struct {
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	MaxRetries  int      `yaml:"max_retries"` // Retries after the first failed fetch
	Concurrency int      `yaml:"concurrency"`
	MaxBytes    ByteSize `yaml:"max_bytes"` // Largest clip accepted, e.g. 50MiB
	Persist     bool     `yaml:"persist"` // Write fetched audio through to the sqlite cache
}

// NetworkConfig holds settings for the connectivity monitor.
type NetworkConfig struct {
	ProbeURL         string   `yaml:"probe_url"` // Empty disables monitoring (always online)
	Interval         Duration `yaml:"interval"`
	Timeout          Duration `yaml:"timeout"`
	FailureThreshold int      `yaml:"failure_threshold"`
}

// RequestConfig holds HTTP request settings.
type RequestConfig struct {
	Timeout     Duration `yaml:"timeout"`
	UserAgent   string   `yaml:"user_agent"`
	RatePerHost float64  `yaml:"rate_per_host"` // Requests per second, 0 disables limiting
	Burst       int      `yaml:"burst"`
}

// SpeechConfig holds speech synthesis settings.
type SpeechConfig struct {
	Engine         string  `yaml:"engine"` // espeak, windows-sapi, mock, none
	EspeakBinary   string  `yaml:"espeak_binary"`
	WordsPerMinute int     `yaml:"words_per_minute"` // Speaking speed at rate 1.0
	Rate           float64 `yaml:"rate"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Server   LogSettings `yaml:"server"`
	Requests LogSettings `yaml:"requests"`
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// DBConfig holds database settings.
type DBConfig struct {
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"` // Persisted clips older than this are pruned at startup
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Player: PlayerConfig{
			LoadTimeout:   Duration(2 * time.Second),
			DefaultAccent: "US",
			AutoPlay:      true,
			Volume:        1.0,
		},
		Preload: PreloadConfig{
			BaseDelay:   Duration(1 * time.Second),
			MaxDelay:    Duration(16 * time.Second),
			MaxRetries:  5,
			Concurrency: 4,
			MaxBytes:    50 << 20,
			Persist:     true,
		},
		Network: NetworkConfig{
			ProbeURL:         "",
			Interval:         Duration(5 * time.Second),
			Timeout:          Duration(2 * time.Second),
			FailureThreshold: 2,
		},
		Request: RequestConfig{
			Timeout:     Duration(30 * time.Second),
			UserAgent:   version.UserAgent(),
			RatePerHost: 10,
			Burst:       4,
		},
		Speech: SpeechConfig{
			Engine:         defaultSpeechEngine(),
			EspeakBinary:   "espeak-ng",
			WordsPerMinute: 175,
			Rate:           1.0,
		},
		Log: LogConfig{
			Server: LogSettings{
				Path:  "./logs/server.log",
				Level: "INFO",
			},
			Requests: LogSettings{
				Path:  "./logs/requests.log",
				Level: "INFO",
			},
		},
		DB: DBConfig{
			Path:      "./data/safeaudio.db",
			Retention: Duration(30 * Day),
		},
	}
}

// Load loads the configuration from the given path.
// If the file does not exist, it creates it with default values.
// Existing files are merged over defaults and never written back.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to save config file: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets environment variables (usually from .env) override a few settings
// without touching the file on disk.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SAFEAUDIO_PROBE_URL"); v != "" {
		cfg.Network.ProbeURL = v
	}
	if v := os.Getenv("SAFEAUDIO_LOG_LEVEL"); v != "" {
		cfg.Log.Server.Level = v
	}
	if v := os.Getenv("SAFEAUDIO_SPEECH_ENGINE"); v != "" {
		cfg.Speech.Engine = v
	}
	if v := os.Getenv("SAFEAUDIO_ESPEAK_BINARY"); v != "" {
		cfg.Speech.EspeakBinary = v
	}
}

var accentRe = regexp.MustCompile(`^(US|GB|AU|IN)$`)

// Validate checks value ranges that would otherwise break playback silently.
func (c *Config) Validate() error {
	if !accentRe.MatchString(strings.ToUpper(c.Player.DefaultAccent)) {
		return fmt.Errorf("invalid default_accent '%s': must be one of US, GB, AU, IN", c.Player.DefaultAccent)
	}
	if c.Player.LoadTimeout <= 0 {
		return fmt.Errorf("player.load_timeout must be positive")
	}
	if c.Preload.MaxRetries < 0 {
		return fmt.Errorf("preload.max_retries must not be negative")
	}
	if c.Preload.BaseDelay <= 0 || c.Preload.MaxDelay < c.Preload.BaseDelay {
		return fmt.Errorf("preload delays invalid: base=%v max=%v", time.Duration(c.Preload.BaseDelay), time.Duration(c.Preload.MaxDelay))
	}
	if c.Speech.Rate < 0.5 || c.Speech.Rate > 2 {
		return fmt.Errorf("speech.rate %.2f out of range [0.5, 2]", c.Speech.Rate)
	}
	return nil
}

// Save writes the configuration to the path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# SafeAudio Configuration
# ---------------------
# Supported Units:
#   Duration: ns, us (or µs), ms, s, m, h, d (day), w (week)

`)
	data = append(header, data...)

	reEngine := regexp.MustCompile(`(?m)^(\s+)engine:`)
	data = reEngine.ReplaceAll(data, []byte("${1}# Options: espeak, windows-sapi, mock, none\n${1}engine:"))

	reAccent := regexp.MustCompile(`(?m)^(\s+)default_accent:`)
	data = reAccent.ReplaceAll(data, []byte("${1}# Options: US, GB, AU, IN\n${1}default_accent:"))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return Save(path, DefaultConfig())
}
