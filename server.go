package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ledhub/pkg/framering"
)

// Hub singletons, wired by runServer.
var (
	hubConfig *Config
	hubState  *HubState
	planStore *PlanStore
	busClient Publisher
	streamer  *Streamer
	repeater  *Repeater
	frameRing *framering.Ring
	recorder  *Recorder

	serverStart time.Time
)

// WebSocket clients
var (
	wsClients   = make(map[*Client]bool)
	wsClientsMu sync.RWMutex
)

type Client struct {
	id   string
	conn *websocket.Conn
	send chan interface{}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			switch v := msg.(type) {
			case []byte:
				if err := c.conn.WriteMessage(websocket.BinaryMessage, v); err != nil {
					return
				}
			default:
				if err := c.conn.WriteJSON(v); err != nil {
					return
				}
			}
		}
	}
}

// runServer wires every component and blocks serving HTTP.
func runServer(cfg *Config) {
	hubConfig = cfg
	serverStart = time.Now()
	hubState = NewHubState(cfg)
	frameRing = framering.New(cfg.Recording.RingSize)

	var err error
	planStore, err = NewPlanStore(cfg.Plans.Dir, cfg.PlanCacheTTL())
	if err != nil {
		log.Fatalf("plan store: %v", err)
	}

	bus := NewBusClient(cfg.MQTT, heartbeatTopicMap(cfg), onHeartbeat, onMQTTConnChange)
	busClient = bus
	bus.Start()

	streamer = NewStreamer(hubState, frameRing, cfg.UDP.SendRateHz)
	if err := streamer.Start(); err != nil {
		log.Fatalf("streamer: %v", err)
	}

	planner := NewPlanner(hubState, planStore, busClient, cfg.Planner)
	planner.Start()

	if cfg.UDPRepeater.Enabled {
		rep := NewRepeater(hubState, frameRing, cfg.UDPRepeater)
		if err := rep.Start(); err != nil {
			log.Printf("[REPEATER] disabled: %v", err)
		} else {
			repeater = rep
		}
	}

	recorder = NewRecorder(hubState, frameRing, cfg.Recording.Dir, func(msg map[string]interface{}) {
		go broadcastJSON(msg)
	})

	if cfg.Announce.Enabled {
		if _, err := StartAnnouncer(cfg.Announce.Name, cfg.Server.Port, hubVersion); err != nil {
			log.Printf("[DNSSD] announce failed: %v", err)
		}
	}

	go runLivenessLoop()

	upgrader := websocket.Upgrader{
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  1024,
		WriteBufferSize: 65536,
	}

	// API endpoints
	http.HandleFunc("/api/status", handleStatus)
	http.HandleFunc("/api/devices", handleDevices)
	http.HandleFunc("/api/device/", handleDeviceRoutes)
	http.HandleFunc("/api/rooms", handleRooms)
	http.HandleFunc("/api/rooms/control", handleRoomsControl)
	http.HandleFunc("/api/room/", handleRoomRoutes)
	http.HandleFunc("/api/plans", handlePlans)
	http.HandleFunc("/api/plans/", handlePlanRoutes)
	http.HandleFunc("/api/broadcast", handleBroadcast)
	http.HandleFunc("/api/frames/recent", handleFramesRecent)

	// Recording endpoints
	http.HandleFunc("/api/record/start", handleRecordStart)
	http.HandleFunc("/api/record/stop", handleRecordStop)
	http.HandleFunc("/api/record/status", handleRecordStatus)

	// WebSocket endpoint
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("Upgrade:", err)
			return
		}

		client := &Client{id: uuid.New().String(), conn: conn, send: make(chan interface{}, 256)}
		log.Printf("[WS] client %s connected", client.id)

		wsClientsMu.Lock()
		wsClients[client] = true
		wsClientsMu.Unlock()

		go client.writePump()

		// Initial state push so the client renders without polling.
		client.trySend(map[string]interface{}{"type": "init", "data": hubState.Snapshot()})
		client.trySend(map[string]interface{}{"type": "rooms_control", "data": hubState.RoomsSnapshot()})

		defer func() {
			wsClientsMu.Lock()
			delete(wsClients, client)
			wsClientsMu.Unlock()
			close(client.send)
			log.Printf("[WS] client %s disconnected", client.id)
		}()

		// Read pump: inbound commands from the client.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			handleWSCommand(client, msg)
		}
	})

	log.Printf("lighting hub %s listening on http://%s", hubVersion, cfg.ListenAddr())
	log.Fatal(http.ListenAndServe(cfg.ListenAddr(), nil))
}

func (c *Client) trySend(msg interface{}) {
	select {
	case c.send <- msg:
	default:
	}
}

func wsClientCount() int {
	wsClientsMu.RLock()
	defer wsClientsMu.RUnlock()
	return len(wsClients)
}

// handleWSCommand dispatches one inbound websocket message. Commands
// mirror the POST endpoints; the low-latency set_fast path skips the
// per-message broadcast and lets the liveness loop flush it.
func handleWSCommand(client *Client, raw []byte) {
	var cmd struct {
		Type         string `json:"type"`
		DeviceID     string `json:"device_id"`
		Room         string `json:"room"`
		Mode         string `json:"mode"`
		ControlMode  string `json:"control_mode"`
		FastModeType string `json:"fast_mode_type"`
		PlanID       string `json:"plan_id"`
		Values       []int  `json:"values"`
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return
	}

	var err error
	switch cmd.Type {
	case "set_mode":
		err = applyDeviceMode(cmd.DeviceID, cmd.Mode)
	case "set_static":
		err = applyDeviceStatic(cmd.DeviceID, cmd.Values)
	case "set_fast", "set_fast_values":
		err = applyDeviceFast(cmd.DeviceID, cmd.Values)
	case "set_planned_plan":
		err = applyDevicePlan(cmd.DeviceID, cmd.PlanID)
	case "set_fast_mode_type":
		err = applyDeviceFastModeType(cmd.DeviceID, cmd.FastModeType)
	case "set_room_control_mode":
		err = applyRoomControlMode(cmd.Room, cmd.ControlMode)
	case "set_room_mode":
		err = applyRoomMode(cmd.Room, cmd.Mode)
	case "set_room_static":
		err = applyRoomStatic(cmd.Room, cmd.Values)
	case "set_room_planned_plan":
		err = applyRoomPlan(cmd.Room, cmd.PlanID)
	case "set_room_fast_mode_type":
		err = applyRoomFastModeType(cmd.Room, cmd.FastModeType)
	case "get_state":
		client.trySend(map[string]interface{}{"type": "state", "data": hubState.Snapshot()})
		return
	case "get_rooms_control":
		client.trySend(map[string]interface{}{"type": "rooms_control", "data": hubState.RoomsSnapshot()})
		return
	default:
		err = errValidation("ws", "unknown command %q", cmd.Type)
	}
	if err != nil {
		client.trySend(map[string]interface{}{
			"type":    "error",
			"command": cmd.Type,
			"error":   err.Error(),
		})
	}
}

func heartbeatTopicMap(cfg *Config) map[string]string {
	topics := make(map[string]string)
	for _, room := range cfg.Rooms {
		for _, dev := range room.Devices {
			topics[dev.Topics.Heartbeat] = dev.DeviceID
		}
	}
	return topics
}

func onHeartbeat(deviceID, firmware string, rssi int, uptimeSec int64) {
	becameOnline, err := hubState.UpdateHeartbeat(deviceID, firmware, rssi, uptimeSec)
	if err != nil {
		log.Printf("[MQTT] heartbeat for unknown device %s", deviceID)
		return
	}
	if becameOnline {
		log.Printf("[MQTT] device %s online", deviceID)
		go broadcastStateUpdate(false)
	}
}

func onMQTTConnChange(connected bool) {
	hubState.SetMQTTConnected(connected)
	go broadcastJSON(map[string]interface{}{
		"type":      "mqtt_status",
		"connected": connected,
	})
}

// runLivenessLoop flushes snapshot changes that no handler broadcasts,
// like devices going stale or heartbeat fields refreshing.
func runLivenessLoop() {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if hubState.StateChanged() {
			broadcastStateUpdate(true)
		}
	}
}

// broadcastStateUpdate sends the device snapshot to every client unless
// nothing changed since the last broadcast.
func broadcastStateUpdate(force bool) {
	if !force && !hubState.StateChanged() {
		return
	}
	snap, hash := hubState.SnapshotForBroadcast()
	broadcastJSON(map[string]interface{}{
		"type": "state",
		"data": snap,
	})
	hubState.MarkBroadcast(hash)
}

func broadcastRoomsControlUpdate() {
	broadcastJSON(map[string]interface{}{
		"type": "rooms_control",
		"data": hubState.RoomsSnapshot(),
	})
}

func broadcastJSON(msg interface{}) {
	wsClientsMu.RLock()
	defer wsClientsMu.RUnlock()

	for client := range wsClients {
		select {
		case client.send <- msg:
		default:
		}
	}
}
