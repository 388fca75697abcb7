package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/mtarikucar/kds/server/calib"
	"gopkg.in/yaml.v3"
)

// Device configuration, loaded from config/config.yaml and overridable via
// KDS_* environment variables (a .env file in the working directory is honored).

type CameraConfig struct {
	URL              string `yaml:"url"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	FPS              int    `yaml:"fps"`
	ReconnectDelayMS int    `yaml:"reconnect_delay_ms"`
	BufferSize       int    `yaml:"buffer_size"` // Frames held between capture and processing
}

type DetectionConfig struct {
	ModelPath           string  `yaml:"model_path"`
	EnginePath          string  `yaml:"engine_path"`
	InputSize           int     `yaml:"input_size"`
	ConfidenceThreshold float32 `yaml:"confidence_threshold"`
	NMSThreshold        float32 `yaml:"nms_threshold"`
}

type TrackerConfig struct {
	MaxAge       int     `yaml:"max_age"`
	MinHits      int     `yaml:"min_hits"`
	IOUThreshold float32 `yaml:"iou_threshold"`
	UseKalman    bool    `yaml:"use_kalman"`
}

type BackendConfig struct {
	URL                    string `yaml:"url"`
	AuthToken              string `yaml:"auth_token"`
	TenantID               string `yaml:"tenant_id"`
	CameraID               string `yaml:"camera_id"`
	HeartbeatIntervalMS    int    `yaml:"heartbeat_interval_ms"`
	ReconnectDelayMS       int    `yaml:"reconnect_delay_ms"`
	HealthReportIntervalMS int    `yaml:"health_report_interval_ms"`
}

type Config struct {
	DeviceID    string          `yaml:"device_id"`
	LogLevel    string          `yaml:"log_level"`
	Camera      CameraConfig    `yaml:"camera"`
	Detection   DetectionConfig `yaml:"detection"`
	Tracker     TrackerConfig   `yaml:"tracker"`
	Calibration calib.Config    `yaml:"calibration"`
	Backend     BackendConfig   `yaml:"backend"`
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		Camera: CameraConfig{
			FPS:              15,
			ReconnectDelayMS: 5000,
			BufferSize:       3,
		},
		Detection: DetectionConfig{
			InputSize:           640,
			ConfidenceThreshold: 0.5,
			NMSThreshold:        0.45,
		},
		Tracker: TrackerConfig{
			MaxAge:       30,
			MinHits:      3,
			IOUThreshold: 0.3,
			UseKalman:    true,
		},
		Calibration: calib.DefaultConfig(),
		Backend: BackendConfig{
			HeartbeatIntervalMS:    30000,
			ReconnectDelayMS:       5000,
			HealthReportIntervalMS: 60000,
		},
	}
}

// Load reads the YAML config file, then applies environment overrides.
// A missing file is not an error; you get defaults plus environment.
func Load(filename string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.mergeEnv(), nil
		}
		return nil, fmt.Errorf("error loading %v: %w", filename, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("error parsing %v: %w", filename, err)
	}
	return cfg.mergeEnv(), nil
}

// mergeEnv applies KDS_* environment variables on top of the file config.
// A .env file in the working directory is loaded first, if present.
func (c *Config) mergeEnv() *Config {
	godotenv.Load()

	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(dst *float32, key string) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 32); err == nil {
				*dst = float32(f)
			}
		}
	}

	setString(&c.DeviceID, "KDS_DEVICE_ID")
	setString(&c.LogLevel, "KDS_LOG_LEVEL")
	setString(&c.Camera.URL, "KDS_CAMERA_URL")
	setInt(&c.Camera.Width, "KDS_CAMERA_WIDTH")
	setInt(&c.Camera.Height, "KDS_CAMERA_HEIGHT")
	setInt(&c.Camera.FPS, "KDS_CAMERA_FPS")
	setString(&c.Detection.ModelPath, "KDS_MODEL_PATH")
	setString(&c.Detection.EnginePath, "KDS_ENGINE_PATH")
	setFloat(&c.Detection.ConfidenceThreshold, "KDS_CONFIDENCE_THRESHOLD")
	setString(&c.Backend.URL, "KDS_BACKEND_URL")
	setString(&c.Backend.AuthToken, "KDS_AUTH_TOKEN")
	setString(&c.Backend.TenantID, "KDS_TENANT_ID")
	setString(&c.Backend.CameraID, "KDS_CAMERA_ID")
	return c
}

// Validate fails fast on a config that cannot run. Called at startup, before
// any component is built, and again on a SIGHUP reload.
func (c *Config) Validate() error {
	if c.Camera.URL == "" {
		return fmt.Errorf("camera.url is required")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Camera.FPS <= 0 || c.Camera.FPS > 120 {
		return fmt.Errorf("camera.fps %v out of range (1-120)", c.Camera.FPS)
	}
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold %v out of range (0-1)", c.Detection.ConfidenceThreshold)
	}
	if c.Tracker.MinHits < 1 {
		return fmt.Errorf("tracker.min_hits must be at least 1")
	}
	if c.Tracker.MaxAge < 1 {
		return fmt.Errorf("tracker.max_age must be at least 1")
	}
	if c.Tracker.IOUThreshold <= 0 || c.Tracker.IOUThreshold >= 1 {
		return fmt.Errorf("tracker.iou_threshold %v out of range (0-1)", c.Tracker.IOUThreshold)
	}
	if c.Calibration.GridSize < 1 {
		return fmt.Errorf("calibration.grid_size must be at least 1")
	}
	if m := c.Calibration.HomographyMatrix; len(m) != 0 {
		if len(m) != 3 || len(m[0]) != 3 || len(m[1]) != 3 || len(m[2]) != 3 {
			return fmt.Errorf("calibration.homography_matrix must be 3x3")
		}
	}
	return nil
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Backend.HeartbeatIntervalMS) * time.Millisecond
}

func (c *Config) HealthReportInterval() time.Duration {
	return time.Duration(c.Backend.HealthReportIntervalMS) * time.Millisecond
}

func (c *Config) CameraReconnectDelay() time.Duration {
	return time.Duration(c.Camera.ReconnectDelayMS) * time.Millisecond
}

func (c *Config) BackendReconnectDelay() time.Duration {
	return time.Duration(c.Backend.ReconnectDelayMS) * time.Millisecond
}
