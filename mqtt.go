package main

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the slice of BusClient the publish paths depend on.
type Publisher interface {
	Publish(topic string, payload []byte) error
	PublishJSON(topic string, v interface{}) error
	Connected() bool
}

// BusClient wraps the MQTT connection to the device fleet. It manages its
// own reconnect loop with doubling backoff instead of paho's auto
// reconnect, so connection state changes always flow through the hub.
type BusClient struct {
	broker   string
	clientID string
	username string
	password string

	minBackoff time.Duration
	maxBackoff time.Duration

	// heartbeat topic -> device id, fixed at startup
	heartbeatTopics map[string]string

	onHeartbeat  func(deviceID, firmware string, rssi int, uptimeSec int64)
	onConnChange func(connected bool)

	stateMu   sync.RWMutex
	client    mqtt.Client
	connected bool

	lostCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewBusClient(cfg MQTTConfig, heartbeatTopics map[string]string,
	onHeartbeat func(deviceID, firmware string, rssi int, uptimeSec int64),
	onConnChange func(connected bool)) *BusClient {
	minBackoff, maxBackoff := cfg.ReconnectBackoff()
	return &BusClient{
		broker:          cfg.BrokerURL(),
		clientID:        cfg.ClientID,
		username:        cfg.Username,
		password:        cfg.Password,
		minBackoff:      minBackoff,
		maxBackoff:      maxBackoff,
		heartbeatTopics: heartbeatTopics,
		onHeartbeat:     onHeartbeat,
		onConnChange:    onConnChange,
		lostCh:          make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}
}

// Start launches the connection manager goroutine.
func (b *BusClient) Start() {
	go b.run()
}

func (b *BusClient) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *BusClient) Connected() bool {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.connected
}

// run connects, waits for the connection to drop, reconnects. Backoff
// doubles from min to max across failed attempts and resets on success.
func (b *BusClient) run() {
	backoff := b.minBackoff
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		if err := b.connect(); err != nil {
			log.Printf("[MQTT] connect to %s failed: %v (retry in %s)", b.broker, err, backoff)
			select {
			case <-b.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, b.maxBackoff)
			continue
		}
		backoff = b.minBackoff

		select {
		case <-b.stopCh:
			b.stateMu.RLock()
			client := b.client
			b.stateMu.RUnlock()
			if client != nil {
				client.Disconnect(250)
			}
			return
		case <-b.lostCh:
			// loop back around and reconnect
		}
	}
}

func (b *BusClient) connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.broker).
		SetClientID(b.clientID).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetConnectTimeout(10 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOnConnectHandler(b.handleConnect).
		SetConnectionLostHandler(b.handleConnectionLost)
	if b.username != "" {
		opts.SetUsername(b.username)
		opts.SetPassword(b.password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}
	b.stateMu.Lock()
	b.client = client
	b.stateMu.Unlock()
	return nil
}

func (b *BusClient) handleConnect(client mqtt.Client) {
	log.Printf("[MQTT] connected to %s", b.broker)
	b.stateMu.Lock()
	b.connected = true
	b.stateMu.Unlock()

	if len(b.heartbeatTopics) > 0 {
		filters := make(map[string]byte, len(b.heartbeatTopics))
		for topic := range b.heartbeatTopics {
			filters[topic] = 1
		}
		token := client.SubscribeMultiple(filters, b.handleHeartbeat)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("[MQTT] heartbeat subscribe failed: %v", err)
		} else {
			log.Printf("[MQTT] subscribed to %d heartbeat topics", len(b.heartbeatTopics))
		}
	}

	if b.onConnChange != nil {
		b.onConnChange(true)
	}
}

func (b *BusClient) handleConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection lost: %v", err)
	b.stateMu.Lock()
	b.connected = false
	b.stateMu.Unlock()
	if b.onConnChange != nil {
		b.onConnChange(false)
	}
	select {
	case b.lostCh <- struct{}{}:
	default:
	}
}

// handleHeartbeat maps the topic back to a device and forwards the
// payload fields. Devices with bare or non-JSON payloads still count as
// a heartbeat.
func (b *BusClient) handleHeartbeat(client mqtt.Client, msg mqtt.Message) {
	deviceID, ok := b.heartbeatTopics[msg.Topic()]
	if !ok {
		return
	}
	var hb struct {
		Firmware  string `json:"firmware"`
		RSSI      int    `json:"rssi"`
		UptimeSec int64  `json:"uptime_sec"`
	}
	_ = json.Unmarshal(msg.Payload(), &hb)
	if b.onHeartbeat != nil {
		b.onHeartbeat(deviceID, hb.Firmware, hb.RSSI, hb.UptimeSec)
	}
}

// nextBackoff doubles the reconnect delay up to the cap.
func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

// Publish sends at QoS 1 and fails fast while disconnected rather than
// queueing into a dead session.
func (b *BusClient) Publish(topic string, payload []byte) error {
	b.stateMu.RLock()
	client, connected := b.client, b.connected
	b.stateMu.RUnlock()
	if !connected || client == nil {
		return errTransport("mqtt publish", fmt.Errorf("not connected to %s", b.broker))
	}
	token := client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errTransport("mqtt publish", fmt.Errorf("publish to %s timed out", topic))
	}
	if err := token.Error(); err != nil {
		return errTransport("mqtt publish", err)
	}
	return nil
}

func (b *BusClient) PublishJSON(topic string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", topic, err)
	}
	return b.Publish(topic, data)
}

// StaticPayload is the message shape for a static values push.
func StaticPayload(values []int) interface{} {
	return map[string]interface{}{"values": values}
}
