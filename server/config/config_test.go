package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
device_id: edge-42
log_level: debug
camera:
  url: rtsp://admin:pw@192.168.1.33:554/stream1
  fps: 10
  buffer_size: 5
tracker:
  max_age: 20
  min_hits: 2
  iou_threshold: 0.4
  use_kalman: true
calibration:
  floor_plan_width: 12.5
  floor_plan_height: 8
  grid_size: 16
  points:
    - {image_x: 0, image_y: 0, floor_x: 0, floor_z: 0}
    - {image_x: 640, image_y: 0, floor_x: 12.5, floor_z: 0}
    - {image_x: 640, image_y: 480, floor_x: 12.5, floor_z: 8}
    - {image_x: 0, image_y: 480, floor_x: 0, floor_z: 8}
backend:
  url: wss://backend.example.com/socket.io/
  auth_token: tok
  tenant_id: tenant-1
  camera_id: cam-1
  heartbeat_interval_ms: 15000
`

func writeConfig(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "edge-42", cfg.DeviceID)
	require.Equal(t, 10, cfg.Camera.FPS)
	require.Equal(t, 5, cfg.Camera.BufferSize)
	require.Equal(t, 2, cfg.Tracker.MinHits)
	require.Equal(t, float32(0.4), cfg.Tracker.IOUThreshold)
	require.Len(t, cfg.Calibration.Points, 4)
	require.Equal(t, float32(12.5), cfg.Calibration.FloorPlanWidth)
	require.Equal(t, 16, cfg.Calibration.GridSize)
	require.Equal(t, 15000, cfg.Backend.HeartbeatIntervalMS)
	// Unset fields keep defaults
	require.Equal(t, 60000, cfg.Backend.HealthReportIntervalMS)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, 15, cfg.Camera.FPS)
	// Defaults alone don't validate: no camera or backend URL
	require.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KDS_DEVICE_ID", "env-device")
	t.Setenv("KDS_CAMERA_URL", "rtsp://env/cam")
	t.Setenv("KDS_CAMERA_FPS", "25")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "env-device", cfg.DeviceID)
	require.Equal(t, "rtsp://env/cam", cfg.Camera.URL)
	require.Equal(t, 25, cfg.Camera.FPS)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, sampleYAML))
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Camera.URL = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Camera.FPS = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Detection.ConfidenceThreshold = 1.5
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Tracker.IOUThreshold = 1
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Calibration.HomographyMatrix = [][]float64{{1, 0}, {0, 1}}
	require.Error(t, cfg.Validate())
}

func TestBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "camera: ["))
	require.Error(t, err)
}
