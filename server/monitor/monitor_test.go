package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/mtarikucar/kds/pkg/nn"
	"github.com/mtarikucar/kds/server/calib"
	"github.com/mtarikucar/kds/server/camera"
	"github.com/mtarikucar/kds/server/config"
	"github.com/mtarikucar/kds/server/track"
	"github.com/mtarikucar/kds/server/transport"
	"github.com/stretchr/testify/require"
)

// Frame source stub: the test is the capture thread.
type stubSource struct {
	lock sync.Mutex
	cb   func(*camera.Frame)
	url  string
}

func (s *stubSource) Start() error { return nil }
func (s *stubSource) Stop()        {}
func (s *stubSource) Read() *camera.Frame {
	return nil
}
func (s *stubSource) Reconnect() error { return nil }
func (s *stubSource) SetURL(url string) {
	s.lock.Lock()
	s.url = url
	s.lock.Unlock()
}
func (s *stubSource) SetFrameCallback(cb func(*camera.Frame)) {
	s.lock.Lock()
	s.cb = cb
	s.lock.Unlock()
}
func (s *stubSource) Stats() camera.SourceStats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return camera.SourceStats{State: camera.SourceStateRunning, URL: s.url, ActualFPS: 15}
}

func (s *stubSource) push(number int64) {
	s.lock.Lock()
	cb := s.cb
	s.lock.Unlock()
	if cb != nil {
		cb(&camera.Frame{
			Pixels: make([]byte, 2*2*3),
			Width:  2, Height: 2, NChan: 3,
			Number: number,
			PTS:    time.Now(),
		})
	}
}

type stubDetector struct {
	lock sync.Mutex
	dets []nn.Detection
}

func (d *stubDetector) Close() {}
func (d *stubDetector) DetectObjects(nchan int, pixels []byte, width, height int) ([]nn.Detection, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	out := make([]nn.Detection, len(d.dets))
	copy(out, d.dets)
	return out, nil
}

func (d *stubDetector) set(dets []nn.Detection) {
	d.lock.Lock()
	d.dets = dets
	d.lock.Unlock()
}

type stubBackend struct {
	lock       sync.Mutex
	registered bool
	batches    []*transport.OccupancyBatch
	heartbeats int
	healths    []*transport.HealthStatus
}

func (b *stubBackend) SendOccupancy(batch *transport.OccupancyBatch) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.registered {
		return false
	}
	b.batches = append(b.batches, batch)
	return true
}
func (b *stubBackend) SendHeartbeat() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.registered {
		return false
	}
	b.heartbeats++
	return true
}
func (b *stubBackend) SendHealth(status *transport.HealthStatus) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.registered {
		return false
	}
	b.healths = append(b.healths, status)
	return true
}
func (b *stubBackend) IsRegistered() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.registered
}
func (b *stubBackend) GetStats() transport.Stats { return transport.Stats{} }

func (b *stubBackend) batchCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.batches)
}

func (b *stubBackend) lastBatch() *transport.OccupancyBatch {
	b.lock.Lock()
	defer b.lock.Unlock()
	if len(b.batches) == 0 {
		return nil
	}
	return b.batches[len(b.batches)-1]
}

type testRig struct {
	monitor    *Monitor
	source     *stubSource
	detector   *stubDetector
	backend    *stubBackend
	homography *calib.Homography
	cfg        *config.Config
}

func newTestRig(t *testing.T) *testRig {
	cfg := config.Default()
	cfg.Camera.URL = "rtsp://cam/orig"
	cfg.Camera.FPS = 100
	cfg.Backend.URL = "wss://backend/socket.io"
	cfg.Backend.CameraID = "cam-1"
	cfg.Backend.TenantID = "tenant-1"
	cfg.DeviceID = "edge-test"
	require.NoError(t, cfg.Validate())

	log := logs.NewTestingLog(t)
	source := &stubSource{url: cfg.Camera.URL}
	detector := &stubDetector{}
	backend := &stubBackend{registered: true}
	homography := calib.NewHomography(log, cfg.Calibration)
	tracker := track.NewTracker(track.Config{
		MaxAge:       cfg.Tracker.MaxAge,
		MinHits:      cfg.Tracker.MinHits,
		IOUThreshold: cfg.Tracker.IOUThreshold,
		UseKalman:    cfg.Tracker.UseKalman,
	})
	collector := sysmonStub{}
	m := NewMonitor(log, cfg, source, detector, tracker, homography, backend, collector)
	return &testRig{
		monitor:    m,
		source:     source,
		detector:   detector,
		backend:    backend,
		homography: homography,
		cfg:        cfg,
	}
}

type sysmonStub struct{}

func (sysmonStub) CPUUsage() float32    { return 12.5 }
func (sysmonStub) MemoryUsage() float32 { return 40 }
func (sysmonStub) GPUUsage() float32    { return 0 }
func (sysmonStub) Temperature() float32 { return 55 }

func waitFor(t *testing.T, cond func() bool, msg string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// Frames with a stationary person flow through detector, tracker and
// homography into an occupancy batch once the track confirms.
func TestPipelineProducesOccupancy(t *testing.T) {
	rig := newTestRig(t)
	rig.detector.set([]nn.Detection{{
		Class:      nn.ClassPerson,
		Confidence: 0.9,
		Box:        nn.Rect{X: 100, Y: 100, Width: 50, Height: 150},
	}})

	rig.monitor.Start()
	defer rig.monitor.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 60; i++ {
			rig.source.push(i)
			time.Sleep(5 * time.Millisecond)
			if rig.backend.batchCount() > 0 {
				return
			}
		}
	}()
	<-done

	waitFor(t, func() bool { return rig.backend.batchCount() > 0 }, "no occupancy batch produced")
	batch := rig.backend.lastBatch()
	require.Equal(t, "cam-1", batch.CameraID)
	require.Equal(t, "tenant-1", batch.TenantID)
	require.Len(t, batch.Detections, 1)

	det := batch.Detections[0]
	require.Equal(t, "track_1", det.TrackingID)
	require.Equal(t, "STANDING", det.State)
	require.InDelta(t, 0.9, det.Confidence, 1e-6)
	// Uncalibrated fallback mapping: bottom center (125, 250) / 100
	require.InDelta(t, 1.25, det.PositionX, 1e-4)
	require.InDelta(t, 2.5, det.PositionZ, 1e-4)
}

// A STOP command from the backend raises the shutdown flag; the pipeline
// itself keeps running until the main thread acts on it.
func TestStopCommandRequestsShutdown(t *testing.T) {
	rig := newTestRig(t)

	select {
	case <-rig.monitor.ShutdownRequested():
		t.Fatal("shutdown requested before any command")
	default:
	}

	rig.monitor.OnBackendCommand(&transport.EdgeDeviceCommand{Command: transport.CommandStop})
	select {
	case <-rig.monitor.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("shutdown flag never raised")
	}

	// RESTART behaves the same, and a second request must not panic
	rig.monitor.OnBackendCommand(&transport.EdgeDeviceCommand{Command: transport.CommandRestart})
}

// A backend config update swaps the camera URL and the homography, applied
// from the processing thread at the top of the loop.
func TestConfigUpdateApplied(t *testing.T) {
	rig := newTestRig(t)
	require.False(t, rig.homography.IsCalibrated())

	rig.monitor.OnBackendConfig(&transport.EdgeDeviceConfig{
		CameraURL: "rtsp://cam/new",
		Calibration: calib.Config{
			HomographyMatrix: [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
			FloorPlanWidth:   20,
			FloorPlanHeight:  20,
			GridSize:         20,
		},
	})

	rig.monitor.Start()
	defer rig.monitor.Stop()

	waitFor(t, func() bool {
		rig.source.lock.Lock()
		defer rig.source.lock.Unlock()
		return rig.source.url == "rtsp://cam/new"
	}, "camera URL never updated")
	waitFor(t, func() bool { return rig.homography.IsCalibrated() }, "homography never calibrated")
}

// Calibration pushed via edge:calibration replaces the homography config.
func TestCalibrationUpdateApplied(t *testing.T) {
	rig := newTestRig(t)

	rig.monitor.OnBackendCalibration([]byte(`{"homographyMatrix":[[1,0,0],[0,1,0],[0,0,1]],"floorPlanWidth":10,"floorPlanHeight":10,"gridSize":10}`))
	rig.monitor.Start()
	defer rig.monitor.Stop()

	waitFor(t, func() bool { return rig.homography.IsCalibrated() }, "homography never calibrated")
}

// Heartbeats and health reports go out on their configured intervals.
func TestHeartbeatAndHealth(t *testing.T) {
	rig := newTestRig(t)
	rig.cfg.Backend.HeartbeatIntervalMS = 30
	rig.cfg.Backend.HealthReportIntervalMS = 50

	rig.monitor.Start()
	defer rig.monitor.Stop()

	stop := make(chan struct{})
	go func() {
		n := int64(0)
		for {
			select {
			case <-stop:
				return
			default:
				n++
				rig.source.push(n)
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()
	defer close(stop)

	waitFor(t, func() bool {
		rig.backend.lock.Lock()
		defer rig.backend.lock.Unlock()
		return rig.backend.heartbeats >= 2 && len(rig.backend.healths) >= 1
	}, "heartbeat or health report never sent")

	rig.backend.lock.Lock()
	health := rig.backend.healths[0]
	rig.backend.lock.Unlock()
	require.Equal(t, "edge-test", health.DeviceID)
	require.Equal(t, float32(12.5), health.CPUUsage)
	require.Equal(t, camera.SourceStateRunning, health.Camera.State)
	require.Equal(t, 15.0, health.Camera.ActualFPS)
}
