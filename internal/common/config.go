package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Decoders DecoderConfig  `yaml:"decoders"`
	Insights InsightsConfig `yaml:"insights"`
}

// ServerConfig holds HTTP boundary configuration.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// StorageConfig holds the mounted volume layout configuration.
type StorageConfig struct {
	Root string `yaml:"root"` // artifacts/, results/ and the job index live under here
}

// PipelineConfig holds coordinator and pipeline configuration.
type PipelineConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	Workers       int           `yaml:"workers"` // deployment fixes this at 1
	JobTimeout    time.Duration `yaml:"job_timeout"`
}

// DecoderConfig holds native decoder binaries and tuning.
type DecoderConfig struct {
	Pdftotext     string        `yaml:"pdftotext"`
	Tesseract     string        `yaml:"tesseract"`
	FFprobe       string        `yaml:"ffprobe"`
	FFmpeg        string        `yaml:"ffmpeg"`
	EnableOCR     bool          `yaml:"enable_ocr"`
	TesseractLang string        `yaml:"tesseract_lang"`
	MaxPages      int           `yaml:"max_pages"` // 0 = no limit
	AudioWindow   time.Duration `yaml:"audio_window"`
	FrameInterval time.Duration `yaml:"frame_interval"`
}

// InsightsConfig holds the optional summarizer configuration.
type InsightsConfig struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoadConfig loads configuration from an optional YAML file (EXTRACTD_CONFIG)
// with environment variables taking precedence over file values.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			MaxUploadBytes: 128 << 20,
		},
		Storage: StorageConfig{
			Root: "./data",
		},
		Pipeline: PipelineConfig{
			QueueCapacity: 64,
			Workers:       1,
			JobTimeout:    3 * time.Minute,
		},
		Decoders: DecoderConfig{
			Pdftotext:     "pdftotext",
			Tesseract:     "tesseract",
			FFprobe:       "ffprobe",
			FFmpeg:        "ffmpeg",
			TesseractLang: "eng",
			AudioWindow:   time.Second,
			FrameInterval: 5 * time.Second,
		},
		Insights: InsightsConfig{
			Model:   "gpt-4o-mini",
			Timeout: 45 * time.Second,
		},
	}

	if path := os.Getenv("EXTRACTD_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Server.Addr = getEnv("HTTP_ADDR", cfg.Server.Addr)
	cfg.Server.MaxUploadBytes = getEnvAsInt64("MAX_UPLOAD_BYTES", cfg.Server.MaxUploadBytes)
	cfg.Storage.Root = getEnv("STORAGE_ROOT", cfg.Storage.Root)
	cfg.Pipeline.QueueCapacity = getEnvAsInt("QUEUE_CAPACITY", cfg.Pipeline.QueueCapacity)
	cfg.Pipeline.Workers = getEnvAsInt("WORKER_COUNT", cfg.Pipeline.Workers)
	cfg.Pipeline.JobTimeout = getEnvAsDuration("JOB_TIMEOUT", cfg.Pipeline.JobTimeout)
	cfg.Decoders.Pdftotext = getEnv("PDFTOTEXT_BIN", cfg.Decoders.Pdftotext)
	cfg.Decoders.Tesseract = getEnv("TESSERACT_BIN", cfg.Decoders.Tesseract)
	cfg.Decoders.FFprobe = getEnv("FFPROBE_BIN", cfg.Decoders.FFprobe)
	cfg.Decoders.FFmpeg = getEnv("FFMPEG_BIN", cfg.Decoders.FFmpeg)
	cfg.Decoders.EnableOCR = getEnvAsBool("ENABLE_OCR", cfg.Decoders.EnableOCR)
	cfg.Decoders.TesseractLang = getEnv("TESSERACT_LANG", cfg.Decoders.TesseractLang)
	cfg.Decoders.MaxPages = getEnvAsInt("MAX_PAGES", cfg.Decoders.MaxPages)
	cfg.Insights.APIKey = getEnv("OPENAI_API_KEY", cfg.Insights.APIKey)
	cfg.Insights.Model = getEnv("INSIGHTS_MODEL", cfg.Insights.Model)
	cfg.Insights.Timeout = getEnvAsDuration("INSIGHTS_TIMEOUT", cfg.Insights.Timeout)

	return cfg, nil
}

// Validate validates the loaded configuration.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return E(KindInternal, "STORAGE_ROOT is required", nil)
	}
	if c.Pipeline.QueueCapacity <= 0 {
		return E(KindInternal, "QUEUE_CAPACITY must be positive", nil)
	}
	if c.Pipeline.Workers <= 0 {
		return E(KindInternal, "WORKER_COUNT must be positive", nil)
	}
	if c.Pipeline.JobTimeout <= 0 {
		return E(KindInternal, "JOB_TIMEOUT must be positive", nil)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
