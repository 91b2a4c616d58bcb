package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables holding service credentials.
const (
	EnvDeepgramAPIKey = "DEEPGRAM_API_KEY"
	EnvOpenAIAPIKey   = "OPENAI_API_KEY"
)

// Transcription providers.
const (
	ProviderDeepgram = "deepgram"
	ProviderOpenAI   = "openai"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Session       SessionConfig       `yaml:"session" json:"session"`
	Audio         AudioConfig         `yaml:"audio" json:"audio"`
	VAD           VADConfig           `yaml:"vad" json:"vad"`
	Macros        MacroConfig         `yaml:"macros" json:"macros"`
	Catalog       CatalogConfig       `yaml:"catalog" json:"catalog"`
	Transcription TranscriptionConfig `yaml:"transcription" json:"transcription"`
	Refine        RefineConfig        `yaml:"refine" json:"refine"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`

	Credentials Credentials `yaml:"-" json:"credentials"`
}

// Credentials are read from the environment, never from the config file.
type Credentials struct {
	DeepgramAPIKey string `json:"deepgram_api_key"`
	OpenAIAPIKey   string `json:"openai_api_key"`
}

// ServerConfig contains the HTTP and WebSocket listener configuration
type ServerConfig struct {
	BindAddress     string   `yaml:"bind_address" json:"bind_address"`
	Port            int      `yaml:"port" json:"port"`
	MaxConnections  int      `yaml:"max_connections" json:"max_connections"`
	MaxMessageSize  int64    `yaml:"max_message_size" json:"max_message_size"` // bytes per WebSocket message
	ReadTimeout     int      `yaml:"read_timeout" json:"read_timeout"`         // seconds, 0 disables
	IdleTimeout     int      `yaml:"idle_timeout" json:"idle_timeout"`         // seconds without client messages, 0 disables
	ShutdownTimeout int      `yaml:"shutdown_timeout" json:"shutdown_timeout"` // seconds
	AllowedOrigins  []string `yaml:"allowed_origins" json:"allowed_origins"`   // empty allows any
}

// SessionConfig contains per-connection dictation settings
type SessionConfig struct {
	Mode              string `yaml:"mode" json:"mode"`
	AllowModeOverride bool   `yaml:"allow_mode_override" json:"allow_mode_override"`
	Language          string `yaml:"language" json:"language"`
	PreContextFrames  int    `yaml:"pre_context_frames" json:"pre_context_frames"`
}

// AudioConfig contains audio format and turn recording parameters
type AudioConfig struct {
	SampleRate    int    `yaml:"sample_rate" json:"sample_rate"`
	Channels      int    `yaml:"channels" json:"channels"`
	BitDepth      int    `yaml:"bit_depth" json:"bit_depth"`
	FrameDuration int    `yaml:"frame_duration" json:"frame_duration"` // milliseconds
	SaveTurns     bool   `yaml:"save_turns" json:"save_turns"`
	OutputDir     string `yaml:"output_dir" json:"output_dir"`
	QueueSize     int    `yaml:"queue_size" json:"queue_size"`
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	EnergyThreshold float64 `yaml:"energy_threshold" json:"energy_threshold"`
	StartFrames     int     `yaml:"start_frames" json:"start_frames"`
	EndFrames       int     `yaml:"end_frames" json:"end_frames"`
	BufferCap       int     `yaml:"buffer_cap" json:"buffer_cap"`
	BufferKeep      int     `yaml:"buffer_keep" json:"buffer_keep"`
}

// MacroConfig contains macro table sources and matching parameters
type MacroConfig struct {
	Files    []string   `yaml:"files" json:"files"`
	Keywords [][]string `yaml:"keywords" json:"keywords"` // empty uses the built-in families
	MinRatio float64    `yaml:"min_ratio" json:"min_ratio"`
}

// CatalogConfig points at the study type list
type CatalogConfig struct {
	File string `yaml:"file" json:"file"`
}

// TranscriptionConfig contains speech-to-text configuration
type TranscriptionConfig struct {
	Provider      string         `yaml:"provider" json:"provider"`
	MaxConcurrent int            `yaml:"max_concurrent" json:"max_concurrent"`
	Deepgram      DeepgramConfig `yaml:"deepgram" json:"deepgram"`
	OpenAI        OpenAIConfig   `yaml:"openai" json:"openai"`
}

// DeepgramConfig contains Deepgram streaming parameters
type DeepgramConfig struct {
	URL         string `yaml:"url" json:"url"`
	Model       string `yaml:"model" json:"model"`
	SmartFormat bool   `yaml:"smart_format" json:"smart_format"`
	Endpointing int    `yaml:"endpointing" json:"endpointing"`   // milliseconds
	DialTimeout int    `yaml:"dial_timeout" json:"dial_timeout"` // seconds
}

// OpenAIConfig contains per-turn OpenAI transcription parameters
type OpenAIConfig struct {
	BaseURL    string  `yaml:"base_url" json:"base_url"`
	Model      string  `yaml:"model" json:"model"`
	Timeout    int     `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries int     `yaml:"max_retries" json:"max_retries"`
	RetryDelay float64 `yaml:"retry_delay" json:"retry_delay"` // seconds
}

// RefineConfig contains transcript polishing configuration
type RefineConfig struct {
	BaseURL     string  `yaml:"base_url" json:"base_url"`
	Model       string  `yaml:"model" json:"model"`
	Temperature float32 `yaml:"temperature" json:"temperature"`
	Timeout     int     `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries  int     `yaml:"max_retries" json:"max_retries"`
	RetryDelay  float64 `yaml:"retry_delay" json:"retry_delay"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:     "0.0.0.0",
			Port:            8765,
			MaxConnections:  100,
			MaxMessageSize:  1 << 20,
			ShutdownTimeout: 30,
		},
		Session: SessionConfig{
			Mode:             "append",
			Language:         "de-DE",
			PreContextFrames: 5,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			Channels:      1,
			BitDepth:      16,
			FrameDuration: 30,
			OutputDir:     "./recordings",
			QueueSize:     16,
		},
		VAD: VADConfig{
			EnergyThreshold: 0.01,
			StartFrames:     3,
			EndFrames:       7,
			BufferCap:       100,
			BufferKeep:      50,
		},
		Macros: MacroConfig{
			MinRatio: 0.84,
		},
		Transcription: TranscriptionConfig{
			Provider:      ProviderDeepgram,
			MaxConcurrent: 10,
			Deepgram: DeepgramConfig{
				URL:         "wss://api.deepgram.com/v1/listen",
				Model:       "nova-3",
				SmartFormat: true,
				DialTimeout: 10,
			},
			OpenAI: OpenAIConfig{
				Model:      "whisper-1",
				Timeout:    30,
				MaxRetries: 3,
				RetryDelay: 1,
			},
		},
		Refine: RefineConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.1,
			Timeout:     30,
			MaxRetries:  2,
			RetryDelay:  1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults and validates it
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadEnv loads variables from the given .env files (".env" when none are
// given) without overriding variables already set. It returns an error
// wrapping os.ErrNotExist when a file is missing.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("env file %s: %w", f, err)
		}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// ApplyEnv reads credentials from the environment.
func (c *Config) ApplyEnv() {
	c.Credentials.DeepgramAPIKey = os.Getenv(EnvDeepgramAPIKey)
	c.Credentials.OpenAIAPIKey = os.Getenv(EnvOpenAIAPIKey)
}

// ValidateCredentials checks that every credential the configured features
// need is present.
func (c *Config) ValidateCredentials() error {
	var errs []error

	switch c.Transcription.Provider {
	case ProviderDeepgram:
		if c.Credentials.DeepgramAPIKey == "" {
			errs = append(errs, fmt.Errorf("%s is required for the deepgram provider", EnvDeepgramAPIKey))
		}
	case ProviderOpenAI:
		if c.Credentials.OpenAIAPIKey == "" {
			errs = append(errs, fmt.Errorf("%s is required for the openai provider", EnvOpenAIAPIKey))
		}
	}

	if c.RefineEnabled() && c.Credentials.OpenAIAPIKey == "" && c.Transcription.Provider != ProviderOpenAI {
		errs = append(errs, fmt.Errorf("%s is required when refine mode is available", EnvOpenAIAPIKey))
	}

	return errors.Join(errs...)
}

// RefineEnabled reports whether any connection may run in refine mode.
func (c *Config) RefineEnabled() bool {
	return c.Session.Mode == "refine" || c.Session.AllowModeOverride
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Macros.Validate(); err != nil {
		return fmt.Errorf("macros config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Refine.Validate(); err != nil {
		return fmt.Errorf("refine config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", s.MaxConnections)
	}

	if s.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1024 bytes, got %d", s.MaxMessageSize)
	}

	if s.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout cannot be negative, got %d", s.ReadTimeout)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.Mode != "append" && s.Mode != "refine" {
		return fmt.Errorf("mode must be 'append' or 'refine', got '%s'", s.Mode)
	}

	if s.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}

	if s.PreContextFrames < 0 {
		return fmt.Errorf("pre_context_frames cannot be negative, got %d", s.PreContextFrames)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.FrameDuration < 10 || a.FrameDuration > 100 {
		return fmt.Errorf("frame_duration must be between 10 and 100 ms, got %d", a.FrameDuration)
	}

	if a.SaveTurns && a.OutputDir == "" {
		return fmt.Errorf("output_dir cannot be empty when save_turns is enabled")
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.EnergyThreshold <= 0 || v.EnergyThreshold >= 1 {
		return fmt.Errorf("energy_threshold must be between 0 and 1 (exclusive), got %f", v.EnergyThreshold)
	}

	if v.StartFrames < 1 {
		return fmt.Errorf("start_frames must be at least 1, got %d", v.StartFrames)
	}

	if v.EndFrames < 1 {
		return fmt.Errorf("end_frames must be at least 1, got %d", v.EndFrames)
	}

	if v.BufferCap < 1 {
		return fmt.Errorf("buffer_cap must be at least 1, got %d", v.BufferCap)
	}

	if v.BufferKeep < 1 || v.BufferKeep > v.BufferCap {
		return fmt.Errorf("buffer_keep must be between 1 and buffer_cap (%d), got %d", v.BufferCap, v.BufferKeep)
	}

	return nil
}

// Validate validates macro configuration
func (m *MacroConfig) Validate() error {
	if m.MinRatio <= 0 || m.MinRatio > 1 {
		return fmt.Errorf("min_ratio must be in (0, 1], got %f", m.MinRatio)
	}

	for i, family := range m.Keywords {
		if len(family) == 0 {
			return fmt.Errorf("keyword family %d is empty", i)
		}
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Provider != ProviderDeepgram && t.Provider != ProviderOpenAI {
		return fmt.Errorf("provider must be '%s' or '%s', got '%s'", ProviderDeepgram, ProviderOpenAI, t.Provider)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.Provider == ProviderDeepgram && t.Deepgram.URL == "" {
		return fmt.Errorf("deepgram url cannot be empty")
	}

	if t.OpenAI.MaxRetries < 0 {
		return fmt.Errorf("openai max_retries cannot be negative, got %d", t.OpenAI.MaxRetries)
	}

	return nil
}

// Validate validates refine configuration
func (r *RefineConfig) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", r.Temperature)
	}

	if r.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", r.Timeout)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", r.MaxRetries)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Any other output value is a file path.
	return nil
}

// GetReadTimeout returns the per-message read deadline, 0 when disabled
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetShutdownTimeout returns the graceful shutdown timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetDialTimeout returns the Deepgram dial timeout as a time.Duration
func (d *DeepgramConfig) GetDialTimeout() time.Duration {
	return time.Duration(d.DialTimeout) * time.Second
}

// GetTimeout returns the OpenAI transcription timeout as a time.Duration
func (o *OpenAIConfig) GetTimeout() time.Duration {
	return time.Duration(o.Timeout) * time.Second
}

// GetRetryDelay returns the OpenAI transcription retry delay as a time.Duration
func (o *OpenAIConfig) GetRetryDelay() time.Duration {
	return time.Duration(o.RetryDelay * float64(time.Second))
}

// GetTimeout returns the refine timeout as a time.Duration
func (r *RefineConfig) GetTimeout() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GetRetryDelay returns the refine retry delay as a time.Duration
func (r *RefineConfig) GetRetryDelay() time.Duration {
	return time.Duration(r.RetryDelay * float64(time.Second))
}
