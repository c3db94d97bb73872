package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/voice-tutor/internal/audio"
	"github.com/lexiqai/voice-tutor/internal/capture"
)

// Config holds all configuration for the voice tutor service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service, used only for logging the stream endpoint.
	// Optional; if unset, logs ws://localhost:PORT/streams/mic.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Remote tutoring service
	TutorAPIURL  string        `envconfig:"TUTOR_API_URL" default:"http://localhost:8036"`
	TutorTimeout time.Duration `envconfig:"TUTOR_TIMEOUT" default:"30s"`

	// Voice activity detection. Levels are on the 0-255 analyser scale.
	SilenceThreshold   float64 `envconfig:"SILENCE_THRESHOLD" default:"40"`
	SpeechThreshold    float64 `envconfig:"SPEECH_THRESHOLD" default:"70"`
	SilenceDurationMs  int     `envconfig:"SILENCE_DURATION_MS" default:"1500"`
	MinRecordingTimeMs int     `envconfig:"MIN_RECORDING_TIME_MS" default:"500"`
	SampleIntervalMs   int     `envconfig:"SAMPLE_INTERVAL_MS" default:"50"`
	SafetyBufferMs     int     `envconfig:"SAFETY_BUFFER_MS" default:"500"` // added to the silence duration for the fallback timer
	FFTSize            int     `envconfig:"FFT_SIZE" default:"128"`
	AnalyserSmoothing  float64 `envconfig:"ANALYSER_SMOOTHING" default:"0.1"`
	HistorySize        int     `envconfig:"HISTORY_SIZE" default:"50"`

	// How long the browser gets to answer a microphone request
	MicGrantTimeout time.Duration `envconfig:"MIC_GRANT_TIMEOUT" default:"30s"`

	// Conversation defaults for new streams
	DefaultTempo      float64 `envconfig:"DEFAULT_TEMPO" default:"0.75"`
	DefaultDifficulty string  `envconfig:"DEFAULT_DIFFICULTY" default:"beginner"` // beginner, intermediate, advanced
	NativeLanguage    string  `envconfig:"NATIVE_LANGUAGE" default:"en"`
	TargetLanguage    string  `envconfig:"TARGET_LANGUAGE" default:"es"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int           `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`    // Failures before opening circuit
	CircuitBreakerResetTimeout time.Duration `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30s"` // Wait before attempting recovery
	RetryMaxAttempts           int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        time.Duration `envconfig:"RETRY_INITIAL_BACKOFF" default:"200ms"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	LogFile        string `envconfig:"LOG_FILE" default:""`            // Also write logs to this rotated file
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := cfg.Recorder(); err != nil {
		return nil, err
	}
	if cfg.MicGrantTimeout <= 0 {
		return nil, fmt.Errorf("MIC_GRANT_TIMEOUT must be positive")
	}

	return &cfg, nil
}

// Recorder builds the capture settings from the environment values.
func (c *Config) Recorder() (capture.RecorderConfig, error) {
	rc := capture.RecorderConfig{
		SilenceThreshold: c.SilenceThreshold,
		SpeechThreshold:  c.SpeechThreshold,
		SilenceDuration:  time.Duration(c.SilenceDurationMs) * time.Millisecond,
		MinRecordingTime: time.Duration(c.MinRecordingTimeMs) * time.Millisecond,
		SampleInterval:   time.Duration(c.SampleIntervalMs) * time.Millisecond,
		Resolution: audio.Resolution{
			FFTSize:     c.FFTSize,
			Smoothing:   c.AnalyserSmoothing,
			MinDecibels: audio.DefaultResolution().MinDecibels,
			MaxDecibels: audio.DefaultResolution().MaxDecibels,
		},
		HistorySize:  c.HistorySize,
		SafetyBuffer: time.Duration(c.SafetyBufferMs) * time.Millisecond,
	}
	if err := rc.Validate(); err != nil {
		return capture.RecorderConfig{}, err
	}
	return rc, nil
}
