package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full hub configuration, loaded once at startup.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	UDP         UDPConfig         `yaml:"udp"`
	Planner     PlannerConfig     `yaml:"planner"`
	UDPRepeater UDPRepeaterConfig `yaml:"udp_repeater"`
	Plans       PlansConfig       `yaml:"plans"`
	Recording   RecordingConfig   `yaml:"recording"`
	Announce    AnnounceConfig    `yaml:"announce"`
	Rooms       []RoomConfig      `yaml:"rooms"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type MQTTConfig struct {
	BrokerHost string `yaml:"broker_host"`
	BrokerPort int    `yaml:"broker_port"`
	ClientID   string `yaml:"client_id"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	// Delays and timeouts are fractional seconds.
	ReconnectDelayMin   float64 `yaml:"reconnect_delay_min"`
	ReconnectDelayMax   float64 `yaml:"reconnect_delay_max"`
	HeartbeatTimeoutSec float64 `yaml:"heartbeat_timeout_sec"`
}

type UDPConfig struct {
	DefaultPort int `yaml:"default_port"`
	SendRateHz  int `yaml:"send_rate_hz"`
}

type PlannerConfig struct {
	IntervalSec      int `yaml:"interval_sec"`
	StepsPerInterval int `yaml:"steps_per_interval"`
	IntervalMS       int `yaml:"interval_ms"`
	PayloadVersion   int `yaml:"plan_payload_version"`
}

type UDPRepeaterConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`
}

type PlansConfig struct {
	Dir         string `yaml:"dir"`
	CacheTTLSec int    `yaml:"cache_ttl_sec"`
}

type RecordingConfig struct {
	Dir      string `yaml:"dir"`
	RingSize int    `yaml:"ring_size"`
}

type AnnounceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
}

type RoomConfig struct {
	Name    string         `yaml:"name"`
	Devices []DeviceConfig `yaml:"devices"`
}

type DeviceConfig struct {
	DeviceID        string       `yaml:"device_id"`
	IP              string       `yaml:"ip"`
	UDPPort         int          `yaml:"udp_port"`
	HWMode          string       `yaml:"hw_mode"`
	Channels        int          `yaml:"channels"` // legacy configs, pre hw_mode
	Protocol        string       `yaml:"protocol"`
	FirmwareVersion string       `yaml:"firmware_version"`
	Topics          TopicsConfig `yaml:"topics"`

	// Resolved from HWMode (or the legacy Channels count) at load time.
	HW HardwareMode `yaml:"-"`
}

type TopicsConfig struct {
	Plan      string `yaml:"set_plan"`
	Static    string `yaml:"set_static"`
	Heartbeat string `yaml:"heartbeat"`
}

const (
	ProtocolLED = "led"
	ProtocolDDP = "ddp"
)

// DefaultConfig returns a config with every field at its default. Loading
// unmarshals on top of this, so absent keys keep defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		MQTT: MQTTConfig{
			BrokerHost:          "localhost",
			BrokerPort:          1883,
			ClientID:            "ledhub",
			ReconnectDelayMin:   1,
			ReconnectDelayMax:   60,
			HeartbeatTimeoutSec: 10,
		},
		UDP: UDPConfig{
			DefaultPort: 5000,
			SendRateHz:  60,
		},
		Planner: PlannerConfig{
			IntervalSec:      1,
			StepsPerInterval: 10,
			IntervalMS:       100,
			PayloadVersion:   2,
		},
		UDPRepeater: UDPRepeaterConfig{
			Enabled:    false,
			ListenHost: "0.0.0.0",
			ListenPort: 5001,
		},
		Plans: PlansConfig{
			Dir:         "plans",
			CacheTTLSec: 5,
		},
		Recording: RecordingConfig{
			Dir:      "captures",
			RingSize: 4096,
		},
		Announce: AnnounceConfig{
			Enabled: false,
			Name:    "ledhub",
		},
	}
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if span := cfg.Planner.IntervalMS * cfg.Planner.StepsPerInterval; span > cfg.Planner.IntervalSec*1000 {
		log.Printf("[CONFIG] planner windows overlap: interval_ms*steps_per_interval=%dms exceeds interval_sec=%ds",
			span, cfg.Planner.IntervalSec)
	}
	return cfg, nil
}

// applyDefaults fills per-device fields that depend on other fields and
// resolves hardware modes, including the legacy bare channel count.
func (c *Config) applyDefaults() {
	for ri := range c.Rooms {
		room := &c.Rooms[ri]
		for di := range room.Devices {
			dev := &room.Devices[di]
			if dev.Protocol == "" {
				dev.Protocol = ProtocolLED
			}
			if dev.UDPPort == 0 {
				dev.UDPPort = c.UDP.DefaultPort
			}
			if dev.FirmwareVersion == "" {
				dev.FirmwareVersion = "unknown"
			}
			dev.HW = resolveDeviceMode(dev)
			if dev.Topics.Plan == "" {
				dev.Topics.Plan = dev.DeviceID + "/plan"
			}
			if dev.Topics.Static == "" {
				dev.Topics.Static = dev.DeviceID + "/static"
			}
			if dev.Topics.Heartbeat == "" {
				dev.Topics.Heartbeat = dev.DeviceID + "/heartbeat"
			}
		}
	}
}

// resolveDeviceMode maps a device declaration onto a hardware mode. A
// legacy device declares a bare channel count instead of hw_mode; it keeps
// that count under default-mode semantics, with generic labels when the
// count doesn't match.
func resolveDeviceMode(dev *DeviceConfig) HardwareMode {
	if dev.HWMode != "" {
		return ModeOrDefault(dev.HWMode)
	}
	hw := ModeOrDefault(DefaultModeID)
	dev.HWMode = hw.ID
	if dev.Channels == 0 {
		return hw
	}
	log.Printf("[CONFIG] device %s uses legacy 'channels' field, consider migrating to 'hw_mode'", dev.DeviceID)
	if dev.Channels != hw.Channels {
		labels := make([]string, dev.Channels)
		for i := range labels {
			labels[i] = fmt.Sprintf("CH%d", i+1)
		}
		hw.Channels = dev.Channels
		hw.Labels = labels
	}
	return hw
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errValidation("config", "server.port %d out of range", c.Server.Port)
	}
	if c.MQTT.BrokerHost == "" {
		return errValidation("config", "mqtt.broker_host is required")
	}
	if c.MQTT.BrokerPort < 1 || c.MQTT.BrokerPort > 65535 {
		return errValidation("config", "mqtt.broker_port %d out of range", c.MQTT.BrokerPort)
	}
	if c.MQTT.HeartbeatTimeoutSec <= 0 {
		return errValidation("config", "mqtt.heartbeat_timeout_sec must be positive")
	}
	if c.MQTT.ReconnectDelayMin <= 0 || c.MQTT.ReconnectDelayMax < c.MQTT.ReconnectDelayMin {
		return errValidation("config", "mqtt reconnect bounds invalid: min=%g max=%g",
			c.MQTT.ReconnectDelayMin, c.MQTT.ReconnectDelayMax)
	}
	if c.UDP.DefaultPort < 1 || c.UDP.DefaultPort > 65535 {
		return errValidation("config", "udp.default_port %d out of range", c.UDP.DefaultPort)
	}
	if c.UDP.SendRateHz < 1 || c.UDP.SendRateHz > 120 {
		return errValidation("config", "udp.send_rate_hz %d out of range 1-120", c.UDP.SendRateHz)
	}
	if c.Planner.IntervalSec < 1 {
		return errValidation("config", "planner.interval_sec must be positive")
	}
	if c.Planner.StepsPerInterval < 1 {
		return errValidation("config", "planner.steps_per_interval must be positive")
	}
	if c.Planner.IntervalMS < 1 {
		return errValidation("config", "planner.interval_ms must be positive")
	}
	if c.Planner.PayloadVersion != 1 && c.Planner.PayloadVersion != 2 {
		return errValidation("config", "planner.plan_payload_version must be 1 or 2")
	}
	if c.UDPRepeater.Enabled {
		if c.UDPRepeater.ListenPort < 1 || c.UDPRepeater.ListenPort > 65535 {
			return errValidation("config", "udp_repeater.listen_port %d out of range", c.UDPRepeater.ListenPort)
		}
	}
	if c.Recording.RingSize < 1 {
		return errValidation("config", "recording.ring_size must be positive")
	}

	seenRooms := make(map[string]bool)
	seenDevices := make(map[string]bool)
	for _, room := range c.Rooms {
		if room.Name == "" {
			return errValidation("config", "room with empty name")
		}
		if seenRooms[room.Name] {
			return errValidation("config", "duplicate room %q", room.Name)
		}
		seenRooms[room.Name] = true
		for _, dev := range room.Devices {
			if dev.DeviceID == "" {
				return errValidation("config", "room %q: device with empty device_id", room.Name)
			}
			if seenDevices[dev.DeviceID] {
				return errValidation("config", "duplicate device %q", dev.DeviceID)
			}
			seenDevices[dev.DeviceID] = true
			if dev.IP == "" {
				return errValidation("config", "device %q: ip is required", dev.DeviceID)
			}
			if dev.UDPPort < 1 || dev.UDPPort > 65535 {
				return errValidation("config", "device %q: udp_port %d out of range", dev.DeviceID, dev.UDPPort)
			}
			if dev.Protocol != ProtocolLED && dev.Protocol != ProtocolDDP {
				return errValidation("config", "device %q: unknown protocol %q", dev.DeviceID, dev.Protocol)
			}
		}
	}
	return nil
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.MQTT.HeartbeatTimeoutSec * float64(time.Second))
}

func (c *MQTTConfig) ReconnectBackoff() (min, max time.Duration) {
	return time.Duration(c.ReconnectDelayMin * float64(time.Second)),
		time.Duration(c.ReconnectDelayMax * float64(time.Second))
}

func (c *Config) PlanCacheTTL() time.Duration {
	return time.Duration(c.Plans.CacheTTLSec) * time.Second
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.BrokerHost, c.BrokerPort)
}
