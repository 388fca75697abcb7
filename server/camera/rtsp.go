package camera

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/cyclopcam/logs"
	"github.com/pion/rtp"
)

// FrameDecoder turns H264 access units into decoded BGR frames.
// The actual decoder (ffmpeg, NVDEC, ...) is supplied by the caller; this
// package only drives it.
type FrameDecoder interface {
	// Decode consumes one access unit, and returns a frame once a complete
	// picture is available, else nil.
	Decode(accessUnit [][]byte) (*Frame, error)
	Close()
}

// DecoderFactory creates a fresh FrameDecoder for each camera connection.
type DecoderFactory func() (FrameDecoder, error)

type RTSPConfig struct {
	URL            string
	FPS            int
	ReconnectDelay time.Duration
}

// Number of consecutive missed frame intervals before the capture thread
// assumes the stream is dead and reconnects.
const maxConsecutiveMisses = 30

// RTSPSource pulls an H264 stream off an RTSP camera, feeds access units to
// the decoder, and publishes decoded frames. It reconnects internally when
// the stream stalls; Stop() is the only way to make it give up.
type RTSPSource struct {
	log        logs.Log
	newDecoder DecoderFactory

	lock           sync.Mutex // guards everything below
	url            string
	client         *gortsplib.Client
	decoder        FrameDecoder
	latest         *Frame
	frameNumber    int64
	framesCaptured int64
	reconnectCount int
	state          string
	lastError      string

	cfg       RTSPConfig
	callback  func(*Frame)
	fps       fpsTracker
	running   atomic.Bool
	watchdog  chan bool // closed when the watchdog goroutine exits

	lastDecodeErr time.Time
}

func NewRTSPSource(log logs.Log, cfg RTSPConfig, newDecoder DecoderFactory) *RTSPSource {
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &RTSPSource{
		log:        log,
		newDecoder: newDecoder,
		url:        cfg.URL,
		state:      SourceStateStopped,
		cfg:        cfg,
	}
}

// Start connects and launches the watchdog. If the first connect fails, the
// error is returned, but the watchdog still runs and keeps reconnecting
// until Stop().
func (s *RTSPSource) Start() error {
	if s.running.Load() {
		s.log.Warnf("RTSP source already running")
		return nil
	}
	err := s.connect()
	if err != nil {
		s.setError(err.Error())
	}
	s.running.Store(true)
	s.watchdog = make(chan bool)
	go s.watchdogLoop()
	if err != nil {
		return err
	}
	s.log.Infof("RTSP source started: %v", s.currentURL())
	return nil
}

func (s *RTSPSource) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	<-s.watchdog
	s.closeConnection()
	s.setState(SourceStateStopped)
	s.log.Infof("RTSP source stopped")
}

func (s *RTSPSource) Read() *Frame {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.latest == nil {
		return nil
	}
	return s.latest.Clone()
}

func (s *RTSPSource) Reconnect() error {
	s.log.Infof("Reconnecting to camera")
	s.closeConnection()
	s.setState(SourceStateReconnecting)
	time.Sleep(s.cfg.ReconnectDelay)

	s.lock.Lock()
	s.reconnectCount++
	s.lock.Unlock()

	if err := s.connect(); err != nil {
		s.setError(err.Error())
		return err
	}
	return nil
}

func (s *RTSPSource) SetURL(url string) {
	s.lock.Lock()
	changed := s.url != url
	s.url = url
	s.lock.Unlock()
	if changed && s.running.Load() {
		if err := s.Reconnect(); err != nil {
			s.log.Errorf("Reconnect after URL change failed: %v", err)
		}
	}
}

func (s *RTSPSource) SetFrameCallback(cb func(*Frame)) {
	s.lock.Lock()
	s.callback = cb
	s.lock.Unlock()
}

func (s *RTSPSource) Stats() SourceStats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return SourceStats{
		State:          s.state,
		URL:            s.url,
		FramesCaptured: s.framesCaptured,
		ReconnectCount: s.reconnectCount,
		ActualFPS:      s.fps.Actual(),
		LastError:      s.lastError,
	}
}

func (s *RTSPSource) currentURL() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.url
}

// connect dials the camera, sets up the H264 media, and starts playing.
func (s *RTSPSource) connect() error {
	u, err := base.ParseURL(s.currentURL())
	if err != nil {
		return fmt.Errorf("invalid RTSP URL: %w", err)
	}

	client := &gortsplib.Client{}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("RTSP dial failed: %w", err)
	}

	desc, _, err := client.Describe(u)
	if err != nil {
		client.Close()
		return fmt.Errorf("RTSP describe failed: %w", err)
	}

	var forma *format.H264
	medi := desc.FindFormat(&forma)
	if medi == nil {
		client.Close()
		return fmt.Errorf("stream has no H264 media")
	}

	rtpDec, err := forma.CreateDecoder()
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create RTP decoder: %w", err)
	}

	decoder, err := s.newDecoder()
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create frame decoder: %w", err)
	}

	// If present, feed SPS and PPS from the SDP to the decoder, so it can
	// produce pictures before the first in-band parameter sets arrive.
	if forma.SPS != nil && forma.PPS != nil {
		if _, err := decoder.Decode([][]byte{forma.SPS, forma.PPS}); err != nil {
			s.log.Warnf("Decoder rejected SDP parameter sets: %v", err)
		}
	}

	if _, err := client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		decoder.Close()
		client.Close()
		return fmt.Errorf("RTSP setup failed: %w", err)
	}

	client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		au, err := rtpDec.Decode(pkt)
		if err != nil {
			// Normal at stream start (waiting for a keyframe)
			return
		}
		s.onAccessUnit(decoder, au)
	})

	if _, err := client.Play(nil); err != nil {
		decoder.Close()
		client.Close()
		return fmt.Errorf("RTSP play failed: %w", err)
	}

	s.lock.Lock()
	s.client = client
	s.decoder = decoder
	s.state = SourceStateRunning
	s.lastError = ""
	s.fps.Reset()
	s.lock.Unlock()
	return nil
}

func (s *RTSPSource) onAccessUnit(decoder FrameDecoder, au [][]byte) {
	frame, err := decoder.Decode(au)
	if err != nil {
		s.lock.Lock()
		stale := time.Since(s.lastDecodeErr) > 15*time.Second
		if stale {
			s.lastDecodeErr = time.Now()
		}
		s.lock.Unlock()
		if stale {
			s.log.Errorf("Failed to decode H264 access unit: %v", err)
		}
		return
	}
	if frame == nil {
		// Decoder is buffering; no picture yet
		return
	}

	now := time.Now()
	s.lock.Lock()
	s.frameNumber++
	frame.Number = s.frameNumber
	frame.PTS = now
	s.latest = frame
	s.framesCaptured++
	s.fps.RecordFrame(now)
	cb := s.callback
	s.lock.Unlock()

	if cb != nil {
		cb(frame)
	}
}

// watchdogLoop watches frame arrival. If maxConsecutiveMisses frame intervals
// pass without a new frame, it tears the connection down and reconnects.
func (s *RTSPSource) watchdogLoop() {
	defer close(s.watchdog)

	interval := time.Second / time.Duration(s.cfg.FPS)
	lastSeen := int64(0)
	misses := 0

	for s.running.Load() {
		time.Sleep(interval)

		s.lock.Lock()
		captured := s.framesCaptured
		s.lock.Unlock()

		if captured != lastSeen {
			lastSeen = captured
			misses = 0
			continue
		}
		misses++
		if misses < maxConsecutiveMisses {
			continue
		}
		misses = 0

		if !s.running.Load() {
			break
		}
		s.log.Errorf("No frames for %v intervals, reconnecting", maxConsecutiveMisses)
		s.closeConnection()
		s.setState(SourceStateReconnecting)
		time.Sleep(s.cfg.ReconnectDelay)
		if !s.running.Load() {
			break
		}

		s.lock.Lock()
		s.reconnectCount++
		s.lock.Unlock()

		if err := s.connect(); err != nil {
			s.setError(err.Error())
			s.log.Errorf("Reconnection failed: %v", err)
		}
	}
}

func (s *RTSPSource) closeConnection() {
	s.lock.Lock()
	client := s.client
	decoder := s.decoder
	s.client = nil
	s.decoder = nil
	s.lock.Unlock()
	if client != nil {
		client.Close()
	}
	if decoder != nil {
		decoder.Close()
	}
}

func (s *RTSPSource) setState(state string) {
	s.lock.Lock()
	s.state = state
	s.lock.Unlock()
}

func (s *RTSPSource) setError(msg string) {
	s.lock.Lock()
	s.state = SourceStateError
	s.lastError = msg
	s.lock.Unlock()
}
