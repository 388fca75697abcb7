package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeEvent(t *testing.T) {
	data, err := encodeEvent("edge:heartbeat", &HeartbeatPayload{
		DeviceID:  "edge-01",
		Timestamp: "2024-01-01T00:00:00.000Z",
	})
	require.NoError(t, err)
	require.Equal(t,
		`42/analytics-edge,["edge:heartbeat",{"deviceId":"edge-01","timestamp":"2024-01-01T00:00:00.000Z"}]`,
		string(data))
}

func TestEncodeNamespaceOpen(t *testing.T) {
	require.Equal(t, "40/analytics-edge,", string(encodeNamespaceOpen()))
}

func TestParsePacketTypes(t *testing.T) {
	pkt, err := parsePacket([]byte(`0{"sid":"abc","pingInterval":25000}`))
	require.NoError(t, err)
	require.Equal(t, packetOpen, pkt.kind)

	pkt, err = parsePacket([]byte("2"))
	require.NoError(t, err)
	require.Equal(t, packetPing, pkt.kind)

	pkt, err = parsePacket([]byte("3"))
	require.NoError(t, err)
	require.Equal(t, packetPong, pkt.kind)

	pkt, err = parsePacket([]byte("1"))
	require.NoError(t, err)
	require.Equal(t, packetClose, pkt.kind)

	pkt, err = parsePacket([]byte("40/analytics-edge,"))
	require.NoError(t, err)
	require.Equal(t, packetNamespaceOpen, pkt.kind)

	pkt, err = parsePacket([]byte("43/analytics-edge,[]"))
	require.NoError(t, err)
	require.Equal(t, packetAck, pkt.kind)
}

func TestParseEvent(t *testing.T) {
	raw := `42/analytics-edge,["edge:config",{"data":{"cameraUrl":"rtsp://cam/1","fps":15}}]`
	pkt, err := parsePacket([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, packetEvent, pkt.kind)
	require.Equal(t, "edge:config", pkt.event)

	var env dataEnvelope
	require.NoError(t, json.Unmarshal(pkt.payload, &env))
	var cfg EdgeDeviceConfig
	require.NoError(t, json.Unmarshal(env.Data, &cfg))
	require.Equal(t, "rtsp://cam/1", cfg.CameraURL)
	require.Equal(t, 15, cfg.FPS)
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"9",
		"4",
		"47",
		"42/analytics-edge",            // no comma
		"42/analytics-edge,not-json",   // bad JSON
		`42/analytics-edge,["lonely"]`, // array too short
		`42/analytics-edge,[42,{}]`,    // event name not a string
	}
	for _, c := range cases {
		_, err := parsePacket([]byte(c))
		require.Error(t, err, "input %q", c)
	}
}

func TestISOTimestamp(t *testing.T) {
	// Format must be UTC millisecond precision with a Z suffix
	s := ISOTimestamp(mustParseTime(t, "2024-06-01T12:34:56.789Z"))
	require.Equal(t, "2024-06-01T12:34:56.789Z", s)
}
