package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Detection DetectionConfig `yaml:"detection"`
	OCR       OCRConfig       `yaml:"ocr"`
	Backend   BackendConfig   `yaml:"backend"`
	Session   SessionConfig   `yaml:"session"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ModelConfig struct {
	Path        string `yaml:"path"`
	LibraryPath string `yaml:"library_path"`
	InputName   string `yaml:"input_name"`
	OutputName  string `yaml:"output_name"`
	PoolSize    int    `yaml:"pool_size"`
	Threads     int    `yaml:"threads"`
}

type DetectionConfig struct {
	Threshold float32 `yaml:"threshold"`
	InputSize int     `yaml:"input_size"`
}

type OCRConfig struct {
	Provider string `yaml:"provider"` // "rekognition" or "none"
	Region   string `yaml:"region"`
}

type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type SessionConfig struct {
	// CycleTimeout bounds inference and OCR per frame. Zero means no bound.
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
	ViewWidth    int           `yaml:"view_width"`
	ViewHeight   int           `yaml:"view_height"`
	// IdleTTL is how long a finished session stays queryable, and how long
	// a live session may go without a permission answer or frame before it
	// is cancelled.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8080",
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Model: ModelConfig{
			Path:       "../models/license-plate-finetune-v1n.onnx",
			InputName:  "images",
			OutputName: "output0",
			PoolSize:   2,
		},
		Detection: DetectionConfig{
			Threshold: 0.4,
			InputSize: 640,
		},
		OCR: OCRConfig{
			Provider: "rekognition",
			Region:   "ap-southeast-1",
		},
		Backend: BackendConfig{
			Timeout: 5 * time.Second,
		},
		Session: SessionConfig{
			ViewWidth:  1080,
			ViewHeight: 1920,
			IdleTTL:    5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads path over the defaults, then applies .env and PLATE_*
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "PLATE_SERVER_ADDR")
	setString(&c.Model.Path, "PLATE_MODEL_PATH")
	setString(&c.Model.LibraryPath, "PLATE_ORT_LIBRARY")
	setString(&c.OCR.Provider, "PLATE_OCR_PROVIDER")
	setString(&c.OCR.Region, "PLATE_OCR_REGION")
	setString(&c.Backend.BaseURL, "PLATE_BACKEND_URL")
	setString(&c.Backend.Token, "PLATE_BACKEND_TOKEN")
	setString(&c.Log.Level, "PLATE_LOG_LEVEL")

	if v, ok := os.LookupEnv("PLATE_POOL_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PLATE_POOL_SIZE: %w", err)
		}
		c.Model.PoolSize = n
	}
	if v, ok := os.LookupEnv("PLATE_DETECTION_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("PLATE_DETECTION_THRESHOLD: %w", err)
		}
		c.Detection.Threshold = float32(f)
	}
	if v, ok := os.LookupEnv("PLATE_CYCLE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PLATE_CYCLE_TIMEOUT: %w", err)
		}
		c.Session.CycleTimeout = d
	}
	if v, ok := os.LookupEnv("PLATE_LOG_DEVELOPMENT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PLATE_LOG_DEVELOPMENT: %w", err)
		}
		c.Log.Development = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if c.Model.InputName == "" || c.Model.OutputName == "" {
		errs = append(errs, errors.New("model.input_name and model.output_name are required"))
	}
	if c.Model.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("model.pool_size must not be negative, got %d", c.Model.PoolSize))
	}
	// Zero means unset to sessions, so it cannot be configured explicitly.
	if !(c.Detection.Threshold > 0 && c.Detection.Threshold <= 1) {
		errs = append(errs, fmt.Errorf("detection.threshold must be in (0,1], got %v", c.Detection.Threshold))
	}
	if c.Detection.InputSize != 640 {
		errs = append(errs, fmt.Errorf("detection.input_size must be 640 for this detector, got %d", c.Detection.InputSize))
	}
	switch c.OCR.Provider {
	case "rekognition", "none":
	default:
		errs = append(errs, fmt.Errorf("ocr.provider %q is not supported", c.OCR.Provider))
	}
	if c.Session.CycleTimeout < 0 {
		errs = append(errs, errors.New("session.cycle_timeout must not be negative"))
	}
	if c.Session.ViewWidth <= 0 || c.Session.ViewHeight <= 0 {
		errs = append(errs, errors.New("session.view_width and session.view_height must be positive"))
	}
	return errors.Join(errs...)
}
