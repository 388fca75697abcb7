package camera

// FrameSource delivers decoded BGR frames from a camera.
// RTSPSource is the production implementation; tests substitute their own.
type FrameSource interface {
	// Start connects to the camera and begins capturing
	Start() error
	// Stop disconnects and stops the capture thread
	Stop()
	// Read returns a copy of the most recent frame, or nil if no frame has
	// arrived yet
	Read() *Frame
	// Reconnect tears the connection down and brings it back up
	Reconnect() error
	// SetURL changes the stream URL. If the source is running, it reconnects.
	SetURL(url string)
	// SetFrameCallback registers a function invoked from the capture thread
	// for every decoded frame. The callback must not block.
	SetFrameCallback(cb func(*Frame))
	// Stats returns a snapshot of capture statistics
	Stats() SourceStats
}

// Connection state strings, as reported to the backend in health messages.
const (
	SourceStateStopped      = "STOPPED"
	SourceStateRunning      = "RUNNING"
	SourceStateReconnecting = "RECONNECTING"
	SourceStateError        = "ERROR"
)

type SourceStats struct {
	State          string
	URL            string
	FramesCaptured int64
	FramesDropped  int64 // Declared for parity with the capture layer; the FrameBuffer keeps its own drop counter
	ReconnectCount int
	ActualFPS      float64
	LastError      string
}
