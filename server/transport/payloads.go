package transport

import (
	"encoding/json"
	"time"

	"github.com/mtarikucar/kds/server/calib"
)

// JSON payloads exchanged with the backend. Field names follow the backend's
// camelCase schema.

type Capabilities struct {
	Yolov8   bool `json:"yolov8"`
	Pose     bool `json:"pose"`
	Tracking bool `json:"tracking"`
	GPUAccel bool `json:"gpuAccel"`
}

type RegisterPayload struct {
	DeviceID        string       `json:"deviceId"`
	TenantID        string       `json:"tenantId"`
	CameraID        string       `json:"cameraId"`
	Timestamp       int64        `json:"timestamp"` // Nanoseconds since epoch
	FirmwareVersion string       `json:"firmwareVersion"`
	HardwareType    string       `json:"hardwareType"`
	Capabilities    Capabilities `json:"capabilities"`
}

// One tracked person in an occupancy batch.
type OccupancyRecord struct {
	TrackingID string  `json:"trackingId"`
	PositionX  float32 `json:"positionX"`
	PositionZ  float32 `json:"positionZ"`
	GridX      int     `json:"gridX"`
	GridZ      int     `json:"gridZ"`
	State      string  `json:"state"`
	Confidence float32 `json:"confidence"`
	VelocityX  float32 `json:"velocityX"`
	VelocityZ  float32 `json:"velocityZ"`
}

type OccupancyBatch struct {
	CameraID   string            `json:"cameraId"`
	TenantID   string            `json:"tenantId"`
	Timestamp  string            `json:"timestamp"` // ISO 8601 UTC, millisecond precision
	Detections []OccupancyRecord `json:"detections"`
}

type HeartbeatPayload struct {
	DeviceID  string `json:"deviceId"`
	Timestamp string `json:"timestamp"`
}

type CameraHealth struct {
	State          string  `json:"state"`
	URL            string  `json:"url"`
	ReconnectCount int     `json:"reconnectCount"`
	ActualFPS      float64 `json:"actualFps"`
}

type TrackerHealth struct {
	ActiveTracks int   `json:"activeTracks"`
	TotalTracked int64 `json:"totalTracked"`
}

type HealthStatus struct {
	DeviceID        string        `json:"deviceId"`
	Timestamp       string        `json:"timestamp"`
	Uptime          int           `json:"uptime"` // Seconds
	FramesProcessed uint64        `json:"framesProcessed"`
	DetectionsTotal uint64        `json:"detectionsTotal"`
	FPS             float32       `json:"fps"`
	CPUUsage        float32       `json:"cpuUsage"`
	MemoryUsage     float32       `json:"memoryUsage"`
	GPUUsage        float32       `json:"gpuUsage"`
	Temperature     float32       `json:"temperature"`
	Camera          CameraHealth  `json:"camera"`
	Tracker         TrackerHealth `json:"tracker"`
}

// Configuration pushed by the backend via edge:config.
type EdgeDeviceConfig struct {
	CameraID            string       `json:"cameraId"`
	CameraURL           string       `json:"cameraUrl"`
	FPS                 int          `json:"fps"`
	ConfidenceThreshold float32      `json:"confidenceThreshold"`
	Calibration         calib.Config `json:"calibration"`
}

// Runtime command pushed by the backend via edge:command.
type EdgeDeviceCommand struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

const (
	CommandStart        = "START"
	CommandStop         = "STOP"
	CommandRestart      = "RESTART"
	CommandRecalibrate  = "RECALIBRATE"
	CommandUpdateConfig = "UPDATE_CONFIG"
)

// Inbound control payloads arrive wrapped as {"data": ...}.
type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// ISOTimestamp formats a time the way the backend expects occupancy and
// heartbeat timestamps: UTC, millisecond precision, "Z" suffix.
func ISOTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
