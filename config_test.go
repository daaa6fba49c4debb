package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9000
mqtt:
  broker_host: broker.local
  broker_port: 1884
  client_id: hub-test
  heartbeat_timeout_sec: 5
udp:
  default_port: 6000
  send_rate_hz: 30
planner:
  interval_sec: 2
  steps_per_interval: 20
  interval_ms: 50
  plan_payload_version: 1
udp_repeater:
  enabled: true
  listen_host: 127.0.0.1
  listen_port: 5050
rooms:
  - name: lab
    devices:
      - device_id: x4
        ip: 192.168.1.21
        hw_mode: 4ch_v1
        topics:
          set_plan: custom/x4/plan
      - device_id: strip
        ip: 192.168.1.22
        udp_port: 4048
        hw_mode: rgb_v1
        protocol: ddp
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
	assert.Equal(t, "tcp://broker.local:1884", cfg.MQTT.BrokerURL())
	assert.Equal(t, 5*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 30, cfg.UDP.SendRateHz)
	assert.Equal(t, 1, cfg.Planner.PayloadVersion)
	assert.True(t, cfg.UDPRepeater.Enabled)
	assert.Equal(t, 5050, cfg.UDPRepeater.ListenPort)

	x4 := cfg.Rooms[0].Devices[0]
	assert.Equal(t, 6000, x4.UDPPort, "default udp port applies")
	assert.Equal(t, ProtocolLED, x4.Protocol)
	assert.Equal(t, "custom/x4/plan", x4.Topics.Plan)
	assert.Equal(t, "x4/static", x4.Topics.Static, "absent topics get defaults")
	assert.Equal(t, "x4/heartbeat", x4.Topics.Heartbeat)
	assert.Equal(t, 4, x4.HW.Channels)

	strip := cfg.Rooms[0].Devices[1]
	assert.Equal(t, 4048, strip.UDPPort)
	assert.Equal(t, ProtocolDDP, strip.Protocol)
	assert.Equal(t, 3, strip.HW.Channels)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
rooms:
  - name: lab
    devices:
      - device_id: x4
        ip: 192.168.1.21
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.BrokerURL())
	assert.Equal(t, 10*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 60, cfg.UDP.SendRateHz)
	assert.Equal(t, 2, cfg.Planner.PayloadVersion)
	assert.False(t, cfg.UDPRepeater.Enabled)
	assert.Equal(t, "4ch_v1", cfg.Rooms[0].Devices[0].HWMode)
	assert.Equal(t, 5000, cfg.Rooms[0].Devices[0].UDPPort)
}

func TestLegacyChannelCount(t *testing.T) {
	path := writeConfig(t, `
rooms:
  - name: lab
    devices:
      - device_id: old5
        ip: 192.168.1.30
        channels: 5
      - device_id: old4
        ip: 192.168.1.31
        channels: 4
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	old5 := cfg.Rooms[0].Devices[0]
	assert.Equal(t, 5, old5.HW.Channels)
	assert.Equal(t, []string{"CH1", "CH2", "CH3", "CH4", "CH5"}, old5.HW.Labels)

	// A legacy count matching the default mode keeps its standard labels.
	old4 := cfg.Rooms[0].Devices[1]
	assert.Equal(t, 4, old4.HW.Channels)
	assert.Equal(t, []string{"Green", "Yellow", "Blue", "Red"}, old4.HW.Labels)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad server port", "server:\n  port: 99999\n"},
		{"bad send rate", "udp:\n  send_rate_hz: 500\n"},
		{"bad payload version", "planner:\n  plan_payload_version: 3\n"},
		{"empty room name", "rooms:\n  - name: \"\"\n"},
		{"device without ip", `
rooms:
  - name: lab
    devices:
      - device_id: x4
`},
		{"duplicate device", `
rooms:
  - name: lab
    devices:
      - device_id: x4
        ip: 192.168.1.21
      - device_id: x4
        ip: 192.168.1.22
`},
		{"unknown protocol", `
rooms:
  - name: lab
    devices:
      - device_id: x4
        ip: 192.168.1.21
        protocol: artnet
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
