package monitor

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/mtarikucar/kds/pkg/nn"
	"github.com/mtarikucar/kds/pkg/perfstats"
	"github.com/mtarikucar/kds/pkg/sysmon"
	"github.com/mtarikucar/kds/server/calib"
	"github.com/mtarikucar/kds/server/camera"
	"github.com/mtarikucar/kds/server/config"
	"github.com/mtarikucar/kds/server/track"
	"github.com/mtarikucar/kds/server/transport"
)

// Monitor owns the frame-to-occupancy pipeline: it pulls decoded frames off
// the buffer, runs the detector, feeds the tracker, projects confirmed
// tracks onto the floor plan, and ships occupancy batches to the backend.
// One processing goroutine; control-plane events land in a mailbox that is
// drained at the top of each loop iteration.

// Backend is the slice of the transport session the pipeline needs.
type Backend interface {
	SendOccupancy(batch *transport.OccupancyBatch) bool
	SendHeartbeat() bool
	SendHealth(status *transport.HealthStatus) bool
	IsRegistered() bool
	GetStats() transport.Stats
}

type Monitor struct {
	Log logs.Log

	cfg        *config.Config
	source     camera.FrameSource
	frames     *camera.FrameBuffer
	detector   nn.ObjectDetector
	tracker    *track.Tracker
	homography *calib.Homography
	backend    Backend
	collector  sysmon.Collector

	mustStop    atomic.Bool
	loopStopped chan bool

	shutdownOnce sync.Once
	shutdownC    chan struct{}

	// Control mailbox, filled by transport callbacks, drained at loop top
	ctrlLock           sync.Mutex
	pendingConfig      *transport.EdgeDeviceConfig
	pendingCalibration json.RawMessage
	pendingRecalibrate bool

	framesProcessed atomic.Uint64
	detectionsTotal atomic.Uint64
	startTime       time.Time

	detectTime perfstats.TimeAccumulator
	lastDetErr time.Time
}

func NewMonitor(log logs.Log, cfg *config.Config, source camera.FrameSource, detector nn.ObjectDetector,
	tracker *track.Tracker, homography *calib.Homography, backend Backend, collector sysmon.Collector) *Monitor {

	bufferSize := cfg.Camera.BufferSize
	if bufferSize <= 0 {
		bufferSize = 3
	}
	m := &Monitor{
		Log:        log,
		cfg:        cfg,
		source:     source,
		frames:     camera.NewFrameBuffer(bufferSize),
		detector:   detector,
		tracker:    tracker,
		homography: homography,
		backend:    backend,
		collector:  collector,
		shutdownC:  make(chan struct{}),
	}
	source.SetFrameCallback(m.frames.Push)
	return m
}

// Start launches the processing loop.
func (m *Monitor) Start() {
	m.mustStop.Store(false)
	m.startTime = time.Now()
	m.loopStopped = make(chan bool)
	go m.loop()
}

// Stop halts the processing loop and logs the session statistics.
func (m *Monitor) Stop() {
	if m.loopStopped == nil {
		return
	}
	m.mustStop.Store(true)
	<-m.loopStopped
	m.loopStopped = nil

	elapsed := time.Since(m.startTime).Seconds()
	frames := m.framesProcessed.Load()
	fps := 0.0
	if elapsed > 0 {
		fps = float64(frames) / elapsed
	}
	tstats := m.tracker.GetStats()
	m.Log.Infof("Session statistics:")
	m.Log.Infof("  Total time: %.1fs", elapsed)
	m.Log.Infof("  Frames processed: %v", frames)
	m.Log.Infof("  Average FPS: %.1f", fps)
	m.Log.Infof("  Total detections: %v", m.detectionsTotal.Load())
	m.Log.Infof("  Tracker: active=%v total=%v", tstats.ActiveTracks, tstats.TotalTracked)
}

// ShutdownRequested is closed when the backend commands a STOP or RESTART.
// The main thread selects on this alongside OS signals.
func (m *Monitor) ShutdownRequested() <-chan struct{} {
	return m.shutdownC
}

// FrameStats exposes the frame buffer counters.
func (m *Monitor) FrameStats() camera.FrameBufferStats {
	return m.frames.Stats()
}

func (m *Monitor) loop() {
	defer close(m.loopStopped)

	targetFrameTime := time.Second / time.Duration(m.cfg.Camera.FPS)
	lastHeartbeat := time.Now()
	lastHealth := time.Now()

	for !m.mustStop.Load() {
		loopStart := time.Now()

		m.applyPendingControl()

		frame := m.frames.PopTimeout(10 * time.Millisecond)
		if frame == nil {
			continue
		}
		m.processFrame(frame)

		now := time.Now()
		if now.Sub(lastHeartbeat) >= m.cfg.HeartbeatInterval() {
			m.backend.SendHeartbeat()
			lastHeartbeat = now
		}
		if now.Sub(lastHealth) >= m.cfg.HealthReportInterval() {
			m.backend.SendHealth(m.healthStatus())
			lastHealth = now
		}

		// Pace to the target frame rate, so detector latency variance
		// doesn't turn into wall-clock drift
		elapsed := time.Since(loopStart)
		if elapsed < targetFrameTime {
			time.Sleep(targetFrameTime - elapsed)
		}
	}
}

func (m *Monitor) processFrame(frame *camera.Frame) {
	m.framesProcessed.Add(1)

	var detections []nn.Detection
	var err error
	m.detectTime.MeasureCall(func() {
		detections, err = m.detector.DetectObjects(frame.NChan, frame.Pixels, frame.Width, frame.Height)
	})
	if err != nil {
		if time.Since(m.lastDetErr) > 15*time.Second {
			m.Log.Errorf("Error detecting objects: %v", err)
			m.lastDetErr = time.Now()
		}
		// Still age the tracker, so tracks die during detector outages
		m.tracker.Update(nil)
		return
	}

	confirmed := m.tracker.Update(detections)
	if len(confirmed) == 0 {
		return
	}

	batch := &transport.OccupancyBatch{
		CameraID:   m.cfg.Backend.CameraID,
		TenantID:   m.cfg.Backend.TenantID,
		Timestamp:  transport.ISOTimestamp(time.Now()),
		Detections: make([]transport.OccupancyRecord, 0, len(confirmed)),
	}
	for _, tr := range confirmed {
		pos := m.homography.TransformBBoxBottom(tr.Box)
		batch.Detections = append(batch.Detections, transport.OccupancyRecord{
			TrackingID: fmt.Sprintf("track_%v", tr.ID),
			PositionX:  pos.X,
			PositionZ:  pos.Z,
			GridX:      pos.GridX,
			GridZ:      pos.GridZ,
			State:      tr.State.String(),
			Confidence: tr.Confidence,
			VelocityX:  tr.Velocity.X,
			VelocityZ:  tr.Velocity.Y,
		})
		m.detectionsTotal.Add(1)
	}

	if m.backend.IsRegistered() {
		m.backend.SendOccupancy(batch)
	}
}

// Transport callbacks. These run on the I/O thread, so they only post into
// the mailbox; the processing loop applies them.

func (m *Monitor) OnBackendConfig(cfg *transport.EdgeDeviceConfig) {
	m.Log.Infof("Received configuration update from backend")
	m.ctrlLock.Lock()
	m.pendingConfig = cfg
	m.ctrlLock.Unlock()
}

func (m *Monitor) OnBackendCommand(cmd *transport.EdgeDeviceCommand) {
	m.Log.Infof("Received command: %v", cmd.Command)
	switch cmd.Command {
	case transport.CommandStop, transport.CommandRestart:
		m.shutdownOnce.Do(func() { close(m.shutdownC) })
	case transport.CommandRecalibrate:
		m.ctrlLock.Lock()
		m.pendingRecalibrate = true
		m.ctrlLock.Unlock()
	default:
		m.Log.Infof("Ignoring command %v", cmd.Command)
	}
}

func (m *Monitor) OnBackendCalibration(raw json.RawMessage) {
	m.Log.Infof("Received calibration update from backend")
	m.ctrlLock.Lock()
	m.pendingCalibration = raw
	m.ctrlLock.Unlock()
}

func (m *Monitor) applyPendingControl() {
	m.ctrlLock.Lock()
	cfgUpdate := m.pendingConfig
	calRaw := m.pendingCalibration
	recalibrate := m.pendingRecalibrate
	m.pendingConfig = nil
	m.pendingCalibration = nil
	m.pendingRecalibrate = false
	m.ctrlLock.Unlock()

	if cfgUpdate != nil {
		if cfgUpdate.CameraURL != "" && cfgUpdate.CameraURL != m.cfg.Camera.URL {
			m.Log.Infof("Camera URL changed, reconnecting")
			m.cfg.Camera.URL = cfgUpdate.CameraURL
			m.source.SetURL(cfgUpdate.CameraURL)
		}
		if len(cfgUpdate.Calibration.HomographyMatrix) != 0 {
			m.homography.SetConfig(cfgUpdate.Calibration)
			m.Log.Infof("Homography calibration updated")
		}
	}
	if calRaw != nil {
		cal := calib.DefaultConfig()
		if err := json.Unmarshal(calRaw, &cal); err != nil {
			m.Log.Warnf("Dropping malformed calibration payload: %v", err)
		} else {
			m.homography.SetConfig(cal)
			m.Log.Infof("Calibration replaced from backend")
		}
	}
	if recalibrate {
		m.homography.Calibrate()
	}
}

func (m *Monitor) healthStatus() *transport.HealthStatus {
	uptime := int(time.Since(m.startTime).Seconds())
	frames := m.framesProcessed.Load()
	fps := float32(0)
	if uptime > 0 {
		fps = float32(frames) / float32(uptime)
	}
	camStats := m.source.Stats()
	trkStats := m.tracker.GetStats()
	return &transport.HealthStatus{
		DeviceID:        m.cfg.DeviceID,
		Timestamp:       transport.ISOTimestamp(time.Now()),
		Uptime:          uptime,
		FramesProcessed: frames,
		DetectionsTotal: m.detectionsTotal.Load(),
		FPS:             fps,
		CPUUsage:        m.collector.CPUUsage(),
		MemoryUsage:     m.collector.MemoryUsage(),
		GPUUsage:        m.collector.GPUUsage(),
		Temperature:     m.collector.Temperature(),
		Camera: transport.CameraHealth{
			State:          camStats.State,
			URL:            camStats.URL,
			ReconnectCount: camStats.ReconnectCount,
			ActualFPS:      camStats.ActualFPS,
		},
		Tracker: transport.TrackerHealth{
			ActiveTracks: trkStats.ActiveTracks,
			TotalTracked: trkStats.TotalTracked,
		},
	}
}
