package transport

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

// Session is the persistent bidirectional channel to the backend.
// It dials, opens the analytics namespace, registers the device, and then
// multiplexes outbound telemetry with inbound control events. On any
// transport failure it reconnects forever, until Stop().
//
// Telemetry is at-most-once by design: while the session is not registered,
// sends fail immediately and nothing is queued. Stale occupancy is worse
// than missing occupancy.

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRegistered
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateRegistered:
		return "REGISTERED"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	URL             string // ws:// or wss:// endpoint
	AuthToken       string
	DeviceID        string
	TenantID        string
	CameraID        string
	FirmwareVersion string
	HardwareType    string
	ReconnectDelay  time.Duration
}

type Stats struct {
	MessagesSent     int64
	MessagesReceived int64
	ReconnectCount   int64
	Connected        bool
}

type Session struct {
	// Control callbacks, set before Start. They are invoked from the
	// transport I/O thread and must not block; post into a mailbox if you
	// need to touch processing-thread state.
	OnConfig      func(*EdgeDeviceConfig)
	OnCommand     func(*EdgeDeviceCommand)
	OnCalibration func(json.RawMessage)

	log logs.Log
	cfg Config

	state   atomic.Int32
	stopped atomic.Bool

	connLock sync.Mutex // serializes writes, and guards conn swap
	conn     *websocket.Conn

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	reconnectCount   atomic.Int64

	runDone chan bool
}

func NewSession(log logs.Log, cfg Config) *Session {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.FirmwareVersion == "" {
		cfg.FirmwareVersion = "1.0.0"
	}
	return &Session{
		log: log,
		cfg: cfg,
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) IsConnected() bool {
	st := s.State()
	return st == StateConnected || st == StateRegistered
}

func (s *Session) IsRegistered() bool {
	return s.State() == StateRegistered
}

func (s *Session) GetStats() Stats {
	return Stats{
		MessagesSent:     s.messagesSent.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		ReconnectCount:   s.reconnectCount.Load(),
		Connected:        s.IsConnected(),
	}
}

// Start launches the connect/read/reconnect loop.
func (s *Session) Start() {
	if s.runDone != nil {
		s.log.Warnf("Transport session already started")
		return
	}
	s.stopped.Store(false)
	s.runDone = make(chan bool)
	go s.run()
}

// Stop closes the connection and prevents further reconnects.
func (s *Session) Stop() {
	if s.runDone == nil {
		return
	}
	s.state.Store(int32(StateClosing))
	s.stopped.Store(true)
	s.closeConn()
	<-s.runDone
	s.runDone = nil
	s.state.Store(int32(StateDisconnected))
	s.log.Infof("Transport session stopped")
}

// SendOccupancy emits one edge:occupancy batch.
// Fails without touching the wire unless the session is registered.
func (s *Session) SendOccupancy(batch *OccupancyBatch) bool {
	if !s.IsRegistered() {
		return false
	}
	return s.emit("edge:occupancy", batch)
}

func (s *Session) SendHeartbeat() bool {
	if !s.IsRegistered() {
		return false
	}
	return s.emit("edge:heartbeat", &HeartbeatPayload{
		DeviceID:  s.cfg.DeviceID,
		Timestamp: ISOTimestamp(time.Now()),
	})
}

func (s *Session) SendHealth(status *HealthStatus) bool {
	if !s.IsRegistered() {
		return false
	}
	return s.emit("edge:health", status)
}

// run is the connect / read / reconnect loop. One goroutine for the life of
// the session.
func (s *Session) run() {
	defer close(s.runDone)

	for !s.stopped.Load() {
		s.state.Store(int32(StateConnecting))
		conn, err := s.dial()
		if err != nil {
			s.state.Store(int32(StateDisconnected))
			s.log.Errorf("Backend connection failed: %v", err)
			s.sleepBeforeReconnect()
			continue
		}

		s.connLock.Lock()
		s.conn = conn
		s.connLock.Unlock()
		s.state.Store(int32(StateConnected))
		s.log.Infof("Connected to backend %v", s.cfg.URL)

		// Open our namespace, then bind (deviceId, tenantId, cameraId) to
		// this connection. The backend sends no registration ack; we assume
		// success once the frame is on the wire.
		if s.writeRaw(encodeNamespaceOpen()) && s.register() {
			s.state.Store(int32(StateRegistered))
		}

		s.readLoop(conn)

		s.closeConn()
		if s.stopped.Load() {
			break
		}
		s.state.Store(int32(StateDisconnected))
		s.log.Infof("Connection lost, reconnecting in %v", s.cfg.ReconnectDelay)
		s.sleepBeforeReconnect()
	}
}

func (s *Session) dial() (*websocket.Conn, error) {
	url := s.cfg.URL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	if strings.Contains(url, "?") {
		url += "&EIO=4&transport=websocket"
	} else {
		url += "?EIO=4&transport=websocket"
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	header := http.Header{}
	if s.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}
	conn, _, err := dialer.Dial(url, header)
	return conn, err
}

func (s *Session) register() bool {
	ok := s.emit("edge:register", &RegisterPayload{
		DeviceID:        s.cfg.DeviceID,
		TenantID:        s.cfg.TenantID,
		CameraID:        s.cfg.CameraID,
		Timestamp:       time.Now().UnixNano(),
		FirmwareVersion: s.cfg.FirmwareVersion,
		HardwareType:    s.cfg.HardwareType,
		Capabilities: Capabilities{
			Yolov8:   true,
			Pose:     false,
			Tracking: true,
			GPUAccel: true,
		},
	})
	if ok {
		s.log.Infof("Device registration sent")
	}
	return ok
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.stopped.Load() {
				s.log.Warnf("Backend read error: %v", err)
			}
			return
		}
		s.messagesReceived.Add(1)
		s.handleFrame(data)
	}
}

// handleFrame processes one inbound wire frame. Runs on the I/O thread;
// pongs are written inline so they cannot reorder behind queued telemetry.
func (s *Session) handleFrame(data []byte) {
	pkt, err := parsePacket(data)
	if err != nil {
		s.log.Warnf("Dropping malformed frame: %v", err)
		return
	}
	switch pkt.kind {
	case packetPing:
		s.writeRaw(pongFrame)
	case packetEvent:
		s.dispatchEvent(pkt.event, pkt.payload)
	case packetClose, packetNamespaceClose:
		s.log.Infof("Backend closed the session")
		s.closeConn()
	case packetOpen, packetNamespaceOpen, packetAck, packetPong:
		// Session info and acks carry nothing we act on
	}
}

func (s *Session) dispatchEvent(event string, payload json.RawMessage) {
	var env dataEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.log.Warnf("Dropping %v with malformed envelope: %v", event, err)
		return
	}
	switch event {
	case "edge:config":
		if s.OnConfig == nil {
			return
		}
		cfg := &EdgeDeviceConfig{}
		if err := json.Unmarshal(env.Data, cfg); err != nil {
			s.log.Warnf("Dropping edge:config with bad payload: %v", err)
			return
		}
		s.OnConfig(cfg)
	case "edge:command":
		if s.OnCommand == nil {
			return
		}
		cmd := &EdgeDeviceCommand{}
		if err := json.Unmarshal(env.Data, cmd); err != nil {
			s.log.Warnf("Dropping edge:command with bad payload: %v", err)
			return
		}
		s.OnCommand(cmd)
	case "edge:calibration":
		if s.OnCalibration == nil {
			return
		}
		s.OnCalibration(env.Data)
	default:
		s.log.Debugf("Ignoring unknown event %v", event)
	}
}

func (s *Session) emit(event string, payload any) bool {
	if !s.IsConnected() {
		return false
	}
	data, err := encodeEvent(event, payload)
	if err != nil {
		s.log.Errorf("%v", err)
		return false
	}
	return s.writeRaw(data)
}

func (s *Session) writeRaw(data []byte) bool {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	if s.conn == nil {
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Errorf("Backend write error: %v", err)
		return false
	}
	s.messagesSent.Add(1)
	return true
}

func (s *Session) closeConn() {
	s.connLock.Lock()
	conn := s.conn
	s.conn = nil
	s.connLock.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) sleepBeforeReconnect() {
	s.reconnectCount.Add(1)
	// Sleep in small steps so Stop() doesn't hang for the full delay
	deadline := time.Now().Add(s.cfg.ReconnectDelay)
	for time.Now().Before(deadline) && !s.stopped.Load() {
		time.Sleep(50 * time.Millisecond)
	}
}
