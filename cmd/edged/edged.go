package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"github.com/mtarikucar/kds/pkg/sysmon"
	"github.com/mtarikucar/kds/server/calib"
	"github.com/mtarikucar/kds/server/camera"
	"github.com/mtarikucar/kds/server/config"
	"github.com/mtarikucar/kds/server/monitor"
	"github.com/mtarikucar/kds/server/track"
	"github.com/mtarikucar/kds/server/transport"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("edged", "Edge video analytics device")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Path to config file", Default: "config/config.yaml"})
	deviceID := parser.String("", "device-id", &argparse.Options{Help: "Device ID (overrides config)", Default: ""})
	cameraURL := parser.String("", "camera", &argparse.Options{Help: "Camera RTSP URL (overrides config)", Default: ""})
	backendURL := parser.String("", "backend", &argparse.Options{Help: "Backend websocket URL (overrides config)", Default: ""})
	testCamera := parser.Flag("", "test-camera", &argparse.Options{Help: "Test camera connection and exit", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if *cameraURL != "" {
		cfg.Camera.URL = *cameraURL
	}
	if *backendURL != "" {
		cfg.Backend.URL = *backendURL
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "edge-" + uuid.NewString()
		logger.Warnf("No device id configured, generated %v", cfg.DeviceID)
	}

	if *testCamera {
		os.Exit(runCameraTest(logger, cfg))
	}

	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	logger.Infof("edged starting")
	logger.Infof("Device ID: %v", cfg.DeviceID)
	logger.Infof("Camera URL: %v", cfg.Camera.URL)
	logger.Infof("Backend URL: %v", cfg.Backend.URL)

	// The detector is the one component whose init failure is fatal: without
	// it the device has no purpose.
	detector, err := newObjectDetector(&cfg.Detection)
	if err != nil {
		logger.Errorf("Failed to initialize detector: %v", err)
		os.Exit(1)
	}
	defer detector.Close()

	tracker := track.NewTracker(track.Config{
		MaxAge:       cfg.Tracker.MaxAge,
		MinHits:      cfg.Tracker.MinHits,
		IOUThreshold: cfg.Tracker.IOUThreshold,
		UseKalman:    cfg.Tracker.UseKalman,
	})

	homography := calib.NewHomography(logger, cfg.Calibration)
	if homography.IsCalibrated() {
		logger.Infof("Homography calibration loaded")
	} else {
		logger.Warnf("No homography calibration - using fallback mapping")
	}

	source := camera.NewRTSPSource(logger, camera.RTSPConfig{
		URL:            cfg.Camera.URL,
		FPS:            cfg.Camera.FPS,
		ReconnectDelay: cfg.CameraReconnectDelay(),
	}, newFrameDecoder)

	session := transport.NewSession(logger, transport.Config{
		URL:            cfg.Backend.URL,
		AuthToken:      cfg.Backend.AuthToken,
		DeviceID:       cfg.DeviceID,
		TenantID:       cfg.Backend.TenantID,
		CameraID:       cfg.Backend.CameraID,
		HardwareType:   "JETSON_NANO",
		ReconnectDelay: cfg.BackendReconnectDelay(),
	})

	mon := monitor.NewMonitor(logger, cfg, source, detector, tracker, homography, session, sysmon.NewProcCollector())
	session.OnConfig = mon.OnBackendConfig
	session.OnCommand = mon.OnBackendCommand
	session.OnCalibration = mon.OnBackendCalibration

	if err := source.Start(); err != nil {
		// The camera may be down right now; the source keeps reconnecting
		// once started, so a failed first connect is not fatal
		logger.Errorf("Camera start failed (will keep retrying): %v", err)
	}
	session.Start()
	mon.Start()

	daemon.SdNotify(false, daemon.SdNotifyReady)

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

run:
	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				logger.Infof("Reload signal received")
				reloadConfig(logger, *configFile, cfg, source, homography)
				continue
			}
			logger.Infof("Shutdown signal received (%v)", sig)
			break run
		case <-mon.ShutdownRequested():
			logger.Infof("Shutdown requested by backend")
			break run
		}
	}

	logger.Infof("Shutting down...")
	session.Stop()
	source.Stop()
	mon.Stop()
	logger.Infof("Shutdown complete")
}

// reloadConfig re-reads the config file and applies the pieces that can
// change at runtime: camera URL and calibration.
func reloadConfig(logger logs.Log, filename string, cfg *config.Config, source camera.FrameSource, homography *calib.Homography) {
	fresh, err := config.Load(filename)
	if err != nil {
		logger.Errorf("Failed to reload config: %v", err)
		return
	}
	if err := fresh.Validate(); err != nil {
		logger.Errorf("Reloaded config is invalid, keeping the old one: %v", err)
		return
	}
	if fresh.Camera.URL != cfg.Camera.URL {
		logger.Infof("Camera URL changed, reconnecting")
		cfg.Camera.URL = fresh.Camera.URL
		source.SetURL(fresh.Camera.URL)
	}
	homography.SetConfig(fresh.Calibration)
	logger.Infof("Configuration reloaded")
}

// runCameraTest connects to the camera, pulls 30 frames, and reports the
// measured frame rate.
func runCameraTest(logger logs.Log, cfg *config.Config) int {
	logger.Infof("Testing camera connection: %v", cfg.Camera.URL)

	source := camera.NewRTSPSource(logger, camera.RTSPConfig{
		URL:            cfg.Camera.URL,
		FPS:            cfg.Camera.FPS,
		ReconnectDelay: cfg.CameraReconnectDelay(),
	}, newFrameDecoder)

	frames := make(chan *camera.Frame, 8)
	source.SetFrameCallback(func(f *camera.Frame) {
		select {
		case frames <- f:
		default:
		}
	})
	if err := source.Start(); err != nil {
		logger.Errorf("Failed to start camera: %v", err)
		return 1
	}
	defer source.Stop()

	start := time.Now()
	count := 0
	timeout := time.After(30 * time.Second)
	for count < 30 {
		select {
		case f := <-frames:
			count++
			logger.Infof("Frame %v: %vx%v", count, f.Width, f.Height)
		case <-timeout:
			logger.Errorf("Timed out after %v frames", count)
			return 1
		}
	}
	elapsed := time.Since(start).Seconds()
	logger.Infof("Captured %v frames in %.2fs (%.1f FPS)", count, elapsed, float64(count)/elapsed)
	return 0
}
