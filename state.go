package main

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"
)

// Device operating modes. Stored and serialized as their wire strings.
type DeviceMode string

const (
	ModeStatic  DeviceMode = "static"
	ModePlanned DeviceMode = "planned"
	ModeFast    DeviceMode = "fast"
)

func ParseDeviceMode(s string) (DeviceMode, error) {
	switch DeviceMode(s) {
	case ModeStatic, ModePlanned, ModeFast:
		return DeviceMode(s), nil
	}
	return "", errValidation("parse mode", "unknown mode %q", s)
}

// ControlMode selects whether a room drives its devices or leaves them alone.
type ControlMode string

const (
	ControlAuto   ControlMode = "auto"
	ControlManual ControlMode = "manual"
)

func ParseControlMode(s string) (ControlMode, error) {
	switch ControlMode(s) {
	case ControlAuto, ControlManual:
		return ControlMode(s), nil
	}
	return "", errValidation("parse control mode", "unknown control mode %q", s)
}

// FastModeType selects the source of fast-mode frames.
type FastModeType string

const (
	FastInternal    FastModeType = "internal"
	FastUDPRepeater FastModeType = "udp_repeater"
)

func ParseFastModeType(s string) (FastModeType, error) {
	switch FastModeType(s) {
	case FastInternal, FastUDPRepeater:
		return FastModeType(s), nil
	}
	return "", errValidation("parse fast mode type", "unknown fast mode type %q", s)
}

// DeviceStatus is the client-facing snapshot of one device. Online is
// derived from the heartbeat age at snapshot time.
type DeviceStatus struct {
	DeviceID        string       `json:"device_id"`
	Room            string       `json:"room"`
	IP              string       `json:"ip"`
	UDPPort         int          `json:"udp_port"`
	HWMode          string       `json:"hw_mode"`
	Channels        int          `json:"channels"`
	ChannelLabels   []string     `json:"channel_labels"`
	FirmwareVersion string       `json:"firmware_version"`
	RSSI            int          `json:"rssi"`
	UptimeSec       int64        `json:"uptime_sec"`
	Mode            DeviceMode   `json:"mode"`
	StaticValues    []int        `json:"static_values"`
	FastValues      []int        `json:"fast_values"`
	PlannedPlanID   string       `json:"planned_plan_id"`
	FastModeType    FastModeType `json:"fast_mode_type"`
	Online          bool         `json:"online"`
	LastHeartbeat   int64        `json:"last_heartbeat"`
	ErrorCount      int          `json:"error_count"`
	ReconnectCount  int          `json:"reconnect_count"`
}

// RoomStatus is the client-facing snapshot of one room's control settings.
type RoomStatus struct {
	RoomName      string       `json:"room_name"`
	ControlMode   ControlMode  `json:"control_mode"`
	Mode          DeviceMode   `json:"mode"`
	StaticValues  []int        `json:"static_values"`
	PlannedPlanID string       `json:"planned_plan_id"`
	FastModeType  FastModeType `json:"fast_mode_type"`
}

// PlannerTarget is the projection the planner needs for one device on a
// planner tick. StaticValues cover the no-plan fallback window.
type PlannerTarget struct {
	DeviceID     string
	Channels     int
	HWMode       string
	PlanID       string
	PlanTopic    string
	StaticValues []int
}

// StreamTarget is the projection the UDP paths need for one device.
type StreamTarget struct {
	DeviceID string
	IP       string
	UDPPort  int
	Protocol string
	HWMode   string
	Channels int
	StreamID int
	Values   []int
}

// RecordingStatus reports the current frame-recording session.
type RecordingStatus struct {
	Active    bool   `json:"active"`
	SessionID string `json:"session_id,omitempty"`
	Path      string `json:"path,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"`
	Frames    int64  `json:"frames"`
}

type deviceState struct {
	id       string
	room     string
	ip       string
	udpPort  int
	protocol string
	hw       HardwareMode
	topics   TopicsConfig

	mode          DeviceMode
	staticValues  []int
	fastValues    []int
	planID        string
	fastType      FastModeType
	firmware      string
	rssi          int
	uptimeSec     int64
	lastHeartbeat time.Time
	errorCount    int
	reconnects    int
}

type roomState struct {
	name         string
	controlMode  ControlMode
	mode         DeviceMode
	staticValues []int
	planID       string
	fastType     FastModeType
	deviceIDs    []string
}

// HubState holds every device and room plus the change-tracking counters.
// All access goes through the single mutex; *Locked helpers assume it is
// held.
type HubState struct {
	mu          sync.Mutex
	devices     map[string]*deviceState
	deviceOrder []string
	rooms       map[string]*roomState
	roomOrder   []string

	heartbeatTimeout time.Duration
	mqttConnected    bool

	version           int64
	lastBroadcastHash uint64
	hasBroadcast      bool

	recording        bool
	recordingID      string
	recordingPath    string
	recordingStarted time.Time
	recordedFrames   int64

	now func() time.Time
}

// NewHubState builds the registry from config. The whole load counts as one
// version step.
func NewHubState(cfg *Config) *HubState {
	s := &HubState{
		devices:          make(map[string]*deviceState),
		rooms:            make(map[string]*roomState),
		heartbeatTimeout: cfg.HeartbeatTimeout(),
		now:              time.Now,
	}
	for _, rc := range cfg.Rooms {
		room := &roomState{
			name:        rc.Name,
			controlMode: ControlManual,
			mode:        ModeStatic,
			fastType:    FastInternal,
		}
		maxChannels := 0
		for _, dc := range rc.Devices {
			hw := dc.HW
			if hw.Channels == 0 {
				hw = ModeOrDefault(dc.HWMode)
			}
			if hw.Channels > maxChannels {
				maxChannels = hw.Channels
			}
			dev := &deviceState{
				id:           dc.DeviceID,
				room:         rc.Name,
				ip:           dc.IP,
				udpPort:      dc.UDPPort,
				protocol:     dc.Protocol,
				hw:           hw,
				topics:       dc.Topics,
				mode:         ModeStatic,
				staticValues: make([]int, hw.Channels),
				fastValues:   make([]int, hw.Channels),
				fastType:     FastInternal,
				firmware:     dc.FirmwareVersion,
			}
			s.devices[dev.id] = dev
			s.deviceOrder = append(s.deviceOrder, dev.id)
			room.deviceIDs = append(room.deviceIDs, dev.id)
		}
		if maxChannels == 0 {
			maxChannels = 4
		}
		room.staticValues = make([]int, maxChannels)
		s.rooms[room.name] = room
		s.roomOrder = append(s.roomOrder, room.name)
	}
	s.version = 1
	return s
}

func (s *HubState) deviceLocked(id string) (*deviceState, error) {
	d, ok := s.devices[id]
	if !ok {
		return nil, errNotFound("device", "unknown device %q", id)
	}
	return d, nil
}

func (s *HubState) roomLocked(name string) (*roomState, error) {
	r, ok := s.rooms[name]
	if !ok {
		return nil, errNotFound("room", "unknown room %q", name)
	}
	return r, nil
}

func (s *HubState) onlineLocked(d *deviceState) bool {
	if d.lastHeartbeat.IsZero() {
		return false
	}
	return s.now().Sub(d.lastHeartbeat) < s.heartbeatTimeout
}

// --- device operations ---

func (s *HubState) SetDeviceMode(id string, mode DeviceMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.deviceLocked(id)
	if err != nil {
		return err
	}
	d.mode = mode
	s.version++
	return nil
}

func (s *HubState) SetDeviceStatic(id string, values []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.deviceLocked(id)
	if err != nil {
		return err
	}
	d.staticValues = resizeValues(clampValues(values), d.hw.Channels)
	s.version++
	return nil
}

func (s *HubState) SetDevicePlan(id, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.deviceLocked(id)
	if err != nil {
		return err
	}
	d.planID = planID
	s.version++
	return nil
}

func (s *HubState) SetDeviceFastValues(id string, values []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.deviceLocked(id)
	if err != nil {
		return err
	}
	d.fastValues = resizeValues(clampValues(values), d.hw.Channels)
	s.version++
	return nil
}

func (s *HubState) SetDeviceFastModeType(id string, t FastModeType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.deviceLocked(id)
	if err != nil {
		return err
	}
	d.fastType = t
	s.version++
	return nil
}

// UpdateHeartbeat records a heartbeat and returns whether the device just
// came online. Heartbeats while already online do not bump the version, so
// a steady heartbeat stream cannot flood the broadcast path; the liveness
// loop still flushes the refreshed snapshot.
func (s *HubState) UpdateHeartbeat(id, firmware string, rssi int, uptimeSec int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.deviceLocked(id)
	if err != nil {
		return false, err
	}
	wasOnline := s.onlineLocked(d)
	d.lastHeartbeat = s.now()
	d.rssi = rssi
	d.uptimeSec = uptimeSec
	firmwareChanged := firmware != "" && firmware != d.firmware
	if firmwareChanged {
		d.firmware = firmware
	}
	if !wasOnline || firmwareChanged {
		s.version++
	}
	return !wasOnline, nil
}

func (s *HubState) IncrementErrorCount(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		d.errorCount++
		s.version++
	}
}

func (s *HubState) IncrementReconnectCount(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		d.reconnects++
		s.version++
	}
}

func (s *HubState) SetMQTTConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mqttConnected != connected {
		s.mqttConnected = connected
		s.version++
	}
}

func (s *HubState) MQTTConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mqttConnected
}

// --- room operations ---

// applyRoomLocked pushes the room's settings onto its devices. Static
// values are cut or zero-padded to each device's channel count. Fast
// values stay per-device.
func (s *HubState) applyRoomLocked(r *roomState) {
	for _, id := range r.deviceIDs {
		d := s.devices[id]
		d.mode = r.mode
		d.planID = r.planID
		d.fastType = r.fastType
		d.staticValues = resizeValues(r.staticValues, d.hw.Channels)
	}
}

func (s *HubState) SetRoomControlMode(name string, cm ControlMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(name)
	if err != nil {
		return err
	}
	r.controlMode = cm
	if cm == ControlAuto {
		s.applyRoomLocked(r)
	}
	s.version++
	return nil
}

func (s *HubState) SetRoomMode(name string, mode DeviceMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(name)
	if err != nil {
		return err
	}
	r.mode = mode
	if r.controlMode == ControlAuto {
		s.applyRoomLocked(r)
	}
	s.version++
	return nil
}

// SetRoomStatic clamps but keeps the room vector at its given length;
// per-device sizing happens when the room is applied.
func (s *HubState) SetRoomStatic(name string, values []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(name)
	if err != nil {
		return err
	}
	r.staticValues = clampValues(values)
	if r.controlMode == ControlAuto {
		s.applyRoomLocked(r)
	}
	s.version++
	return nil
}

func (s *HubState) SetRoomPlan(name, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(name)
	if err != nil {
		return err
	}
	r.planID = planID
	if r.controlMode == ControlAuto {
		s.applyRoomLocked(r)
	}
	s.version++
	return nil
}

func (s *HubState) SetRoomFastModeType(name string, t FastModeType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(name)
	if err != nil {
		return err
	}
	r.fastType = t
	if r.controlMode == ControlAuto {
		s.applyRoomLocked(r)
	}
	s.version++
	return nil
}

// --- effective settings ---

// Effective settings resolve the room override. While a room is in auto
// control its mode, plan, fast type and static values stand in for the
// device's own.

func (s *HubState) effectiveModeLocked(d *deviceState) DeviceMode {
	if r := s.rooms[d.room]; r != nil && r.controlMode == ControlAuto {
		return r.mode
	}
	return d.mode
}

func (s *HubState) effectivePlanLocked(d *deviceState) string {
	if r := s.rooms[d.room]; r != nil && r.controlMode == ControlAuto {
		return r.planID
	}
	return d.planID
}

func (s *HubState) effectiveFastTypeLocked(d *deviceState) FastModeType {
	if r := s.rooms[d.room]; r != nil && r.controlMode == ControlAuto {
		return r.fastType
	}
	return d.fastType
}

func (s *HubState) effectiveStaticLocked(d *deviceState) []int {
	if r := s.rooms[d.room]; r != nil && r.controlMode == ControlAuto {
		return resizeValues(r.staticValues, d.hw.Channels)
	}
	out := make([]int, len(d.staticValues))
	copy(out, d.staticValues)
	return out
}

// --- queries ---

func (s *HubState) snapshotDeviceLocked(d *deviceState) DeviceStatus {
	var hb int64
	if !d.lastHeartbeat.IsZero() {
		hb = d.lastHeartbeat.UnixMilli()
	}
	labels := make([]string, len(d.hw.Labels))
	copy(labels, d.hw.Labels)
	return DeviceStatus{
		DeviceID:        d.id,
		Room:            d.room,
		IP:              d.ip,
		UDPPort:         d.udpPort,
		HWMode:          d.hw.ID,
		Channels:        d.hw.Channels,
		ChannelLabels:   labels,
		FirmwareVersion: d.firmware,
		RSSI:            d.rssi,
		UptimeSec:       d.uptimeSec,
		Mode:            d.mode,
		StaticValues:    resizeValues(d.staticValues, d.hw.Channels),
		FastValues:      resizeValues(d.fastValues, d.hw.Channels),
		PlannedPlanID:   d.planID,
		FastModeType:    d.fastType,
		Online:          s.onlineLocked(d),
		LastHeartbeat:   hb,
		ErrorCount:      d.errorCount,
		ReconnectCount:  d.reconnects,
	}
}

func (s *HubState) snapshotLocked() []DeviceStatus {
	out := make([]DeviceStatus, 0, len(s.deviceOrder))
	for _, id := range s.deviceOrder {
		out = append(out, s.snapshotDeviceLocked(s.devices[id]))
	}
	return out
}

func (s *HubState) DeviceSnapshot(id string) (DeviceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.deviceLocked(id)
	if err != nil {
		return DeviceStatus{}, err
	}
	return s.snapshotDeviceLocked(d), nil
}

func (s *HubState) Snapshot() []DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *HubState) RoomsSnapshot() map[string]RoomStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RoomStatus, len(s.rooms))
	for _, name := range s.roomOrder {
		r := s.rooms[name]
		vals := make([]int, len(r.staticValues))
		copy(vals, r.staticValues)
		out[name] = RoomStatus{
			RoomName:      r.name,
			ControlMode:   r.controlMode,
			Mode:          r.mode,
			StaticValues:  vals,
			PlannedPlanID: r.planID,
			FastModeType:  r.fastType,
		}
	}
	return out
}

// PlannedTargets returns every device whose effective mode is planned,
// with the effective plan and static fallback resolved.
func (s *HubState) PlannedTargets() []PlannerTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PlannerTarget
	for _, id := range s.deviceOrder {
		d := s.devices[id]
		if s.effectiveModeLocked(d) != ModePlanned {
			continue
		}
		out = append(out, PlannerTarget{
			DeviceID:     d.id,
			Channels:     d.hw.Channels,
			HWMode:       d.hw.ID,
			PlanID:       s.effectivePlanLocked(d),
			PlanTopic:    d.topics.Plan,
			StaticValues: s.effectiveStaticLocked(d),
		})
	}
	return out
}

// FastTargets returns every device whose effective mode is fast and whose
// effective fast source matches t. Values carry the device's own fast
// vector; repeater-fed devices get theirs from incoming packets instead.
func (s *HubState) FastTargets(t FastModeType) []StreamTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StreamTarget
	for _, id := range s.deviceOrder {
		d := s.devices[id]
		if s.effectiveModeLocked(d) != ModeFast {
			continue
		}
		if s.effectiveFastTypeLocked(d) != t {
			continue
		}
		out = append(out, StreamTarget{
			DeviceID: d.id,
			IP:       d.ip,
			UDPPort:  d.udpPort,
			Protocol: d.protocol,
			HWMode:   d.hw.ID,
			Channels: d.hw.Channels,
			StreamID: d.hw.StreamID,
			Values:   resizeValues(d.fastValues, d.hw.Channels),
		})
	}
	return out
}

// AllTargets returns the network projection of every device, for
// broadcast sends.
func (s *HubState) AllTargets() []StreamTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamTarget, 0, len(s.deviceOrder))
	for _, id := range s.deviceOrder {
		d := s.devices[id]
		out = append(out, StreamTarget{
			DeviceID: d.id,
			IP:       d.ip,
			UDPPort:  d.udpPort,
			Protocol: d.protocol,
			HWMode:   d.hw.ID,
			Channels: d.hw.Channels,
			StreamID: d.hw.StreamID,
		})
	}
	return out
}

// DeviceNet returns the network projection of one device.
func (s *HubState) DeviceNet(id string) (StreamTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.deviceLocked(id)
	if err != nil {
		return StreamTarget{}, err
	}
	return StreamTarget{
		DeviceID: d.id,
		IP:       d.ip,
		UDPPort:  d.udpPort,
		Protocol: d.protocol,
		HWMode:   d.hw.ID,
		Channels: d.hw.Channels,
		StreamID: d.hw.StreamID,
	}, nil
}

// StaticPush pairs a device's static topic with its current values.
type StaticPush struct {
	DeviceID string
	Topic    string
	Values   []int
}

func (s *HubState) DeviceStaticPush(id string) (StaticPush, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.deviceLocked(id)
	if err != nil {
		return StaticPush{}, err
	}
	return StaticPush{
		DeviceID: d.id,
		Topic:    d.topics.Static,
		Values:   resizeValues(d.staticValues, d.hw.Channels),
	}, nil
}

func (s *HubState) RoomStaticPushes(name string) ([]StaticPush, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(name)
	if err != nil {
		return nil, err
	}
	out := make([]StaticPush, 0, len(r.deviceIDs))
	for _, id := range r.deviceIDs {
		d := s.devices[id]
		out = append(out, StaticPush{
			DeviceID: d.id,
			Topic:    d.topics.Static,
			Values:   resizeValues(d.staticValues, d.hw.Channels),
		})
	}
	return out, nil
}

// PlannerTargetFor returns the planner projection of a single device,
// used by the transition endpoint.
func (s *HubState) PlannerTargetFor(id string) (PlannerTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.deviceLocked(id)
	if err != nil {
		return PlannerTarget{}, err
	}
	return PlannerTarget{
		DeviceID:     d.id,
		Channels:     d.hw.Channels,
		HWMode:       d.hw.ID,
		PlanID:       s.effectivePlanLocked(d),
		PlanTopic:    d.topics.Plan,
		StaticValues: s.effectiveStaticLocked(d),
	}, nil
}

// RoomInfo is the static room listing: membership, not control state.
type RoomInfo struct {
	Name      string   `json:"name"`
	DeviceIDs []string `json:"device_ids"`
}

func (s *HubState) RoomsInfo() []RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoomInfo, 0, len(s.roomOrder))
	for _, name := range s.roomOrder {
		r := s.rooms[name]
		ids := make([]string, len(r.deviceIDs))
		copy(ids, r.deviceIDs)
		out = append(out, RoomInfo{Name: name, DeviceIDs: ids})
	}
	return out
}

func (s *HubState) RoomNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.roomOrder))
	copy(out, s.roomOrder)
	return out
}

func (s *HubState) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// --- change tracking ---

func (s *HubState) hashLocked() uint64 {
	data, err := json.Marshal(s.snapshotLocked())
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

// StateChanged reports whether the device snapshot differs from the last
// one marked broadcast. Always true before the first broadcast.
func (s *HubState) StateChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasBroadcast {
		return true
	}
	return s.hashLocked() != s.lastBroadcastHash
}

// SnapshotForBroadcast returns the snapshot together with its hash so the
// caller can mark exactly what it sent.
func (s *HubState) SnapshotForBroadcast() ([]DeviceStatus, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	data, err := json.Marshal(snap)
	if err != nil {
		return snap, 0
	}
	h := fnv.New64a()
	h.Write(data)
	return snap, h.Sum64()
}

func (s *HubState) MarkBroadcast(hash uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBroadcastHash = hash
	s.hasBroadcast = true
}

// --- recording session ---

func (s *HubState) BeginRecording(sessionID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording {
		return errConflict("recording", "recording %s already in progress", s.recordingID)
	}
	s.recording = true
	s.recordingID = sessionID
	s.recordingPath = path
	s.recordingStarted = s.now()
	s.recordedFrames = 0
	return nil
}

// RequestRecordingStop clears the active flag; the recorder loop notices
// and finalizes. Returns whether a recording was active.
func (s *HubState) RequestRecordingStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording {
		return false
	}
	s.recording = false
	return true
}

func (s *HubState) RecordingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

func (s *HubState) AddRecordedFrames(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordedFrames += n
}

// FinishRecording clears the session after the recorder has closed the
// output file.
func (s *HubState) FinishRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = false
	s.recordingID = ""
	s.recordingPath = ""
	s.recordedFrames = 0
}

func (s *HubState) Recording() RecordingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := RecordingStatus{
		Active: s.recording,
		Frames: s.recordedFrames,
	}
	if s.recording {
		st.SessionID = s.recordingID
		st.Path = s.recordingPath
		st.StartedAt = s.recordingStarted.UnixMilli()
	}
	return st
}
