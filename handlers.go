package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// API Handlers. Each mutating endpoint parses and validates, applies the
// change through the shared apply* helper, and answers with a small JSON
// object. The websocket command channel reuses the same helpers.

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := hubState.Snapshot()
	online := 0
	for _, d := range snap {
		if d.Online {
			online++
		}
	}
	sent, failed := streamer.Stats()

	resp := map[string]interface{}{
		"version":        hubVersion,
		"uptime_sec":     int64(time.Since(serverStart).Seconds()),
		"state_version":  hubState.Version(),
		"mqtt_connected": hubState.MQTTConnected(),
		"devices_total":  len(snap),
		"devices_online": online,
		"subscribers":    wsClientCount(),
		"streamer": map[string]interface{}{
			"send_rate_hz":  hubConfig.UDP.SendRateHz,
			"frames_sent":   sent,
			"send_failures": failed,
		},
		"frame_ring": map[string]interface{}{
			"depth":    frameRing.Len(),
			"capacity": frameRing.Cap(),
			"last_seq": frameRing.LastSeq(),
		},
		"recording": hubState.Recording(),
	}
	rep := map[string]interface{}{
		"enabled": hubConfig.UDPRepeater.Enabled,
	}
	if repeater != nil {
		received, forwarded, malformed := repeater.Stats()
		rep["listen_port"] = hubConfig.UDPRepeater.ListenPort
		rep["received"] = received
		rep["forwarded"] = forwarded
		rep["malformed"] = malformed
	}
	resp["repeater"] = rep
	json.NewEncoder(w).Encode(resp)
}

func handleDevices(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"devices": hubState.Snapshot(),
	})
}

// --- device commands, shared between HTTP and WS ---

func applyDeviceMode(id, modeStr string) error {
	mode, err := ParseDeviceMode(modeStr)
	if err != nil {
		return err
	}
	if err := hubState.SetDeviceMode(id, mode); err != nil {
		return err
	}
	if mode == ModeStatic {
		go publishDeviceStatic(id)
	}
	go broadcastStateUpdate(false)
	return nil
}

func applyDeviceStatic(id string, values []int) error {
	if err := hubState.SetDeviceStatic(id, values); err != nil {
		return err
	}
	go publishDeviceStatic(id)
	go broadcastStateUpdate(false)
	return nil
}

func applyDeviceFast(id string, values []int) error {
	return hubState.SetDeviceFastValues(id, values)
}

func applyDevicePlan(id, planID string) error {
	if planID != "" {
		if _, err := planStore.Get(planID); err != nil {
			return err
		}
	}
	if err := hubState.SetDevicePlan(id, planID); err != nil {
		return err
	}
	go broadcastStateUpdate(false)
	return nil
}

func applyDeviceFastModeType(id, typeStr string) error {
	t, err := ParseFastModeType(typeStr)
	if err != nil {
		return err
	}
	if err := hubState.SetDeviceFastModeType(id, t); err != nil {
		return err
	}
	go broadcastStateUpdate(false)
	return nil
}

// --- room commands, shared between HTTP and WS ---

func applyRoomControlMode(name, cmStr string) error {
	cm, err := ParseControlMode(cmStr)
	if err != nil {
		return err
	}
	if err := hubState.SetRoomControlMode(name, cm); err != nil {
		return err
	}
	if cm == ControlAuto {
		go publishRoomStatics(name)
	}
	go broadcastStateUpdate(false)
	go broadcastRoomsControlUpdate()
	return nil
}

func applyRoomMode(name, modeStr string) error {
	mode, err := ParseDeviceMode(modeStr)
	if err != nil {
		return err
	}
	if err := hubState.SetRoomMode(name, mode); err != nil {
		return err
	}
	if mode == ModeStatic && roomIsAuto(name) {
		go publishRoomStatics(name)
	}
	go broadcastStateUpdate(false)
	go broadcastRoomsControlUpdate()
	return nil
}

func applyRoomStatic(name string, values []int) error {
	if err := hubState.SetRoomStatic(name, values); err != nil {
		return err
	}
	if roomIsAuto(name) {
		go publishRoomStatics(name)
	}
	go broadcastStateUpdate(false)
	go broadcastRoomsControlUpdate()
	return nil
}

func applyRoomPlan(name, planID string) error {
	if planID != "" {
		if _, err := planStore.Get(planID); err != nil {
			return err
		}
	}
	if err := hubState.SetRoomPlan(name, planID); err != nil {
		return err
	}
	go broadcastStateUpdate(false)
	go broadcastRoomsControlUpdate()
	return nil
}

func applyRoomFastModeType(name, typeStr string) error {
	t, err := ParseFastModeType(typeStr)
	if err != nil {
		return err
	}
	if err := hubState.SetRoomFastModeType(name, t); err != nil {
		return err
	}
	go broadcastStateUpdate(false)
	go broadcastRoomsControlUpdate()
	return nil
}

func roomIsAuto(name string) bool {
	rs, ok := hubState.RoomsSnapshot()[name]
	return ok && rs.ControlMode == ControlAuto
}

// --- device routes ---

// handleDeviceRoutes dispatches /api/device/{id} and /api/device/{id}/{action}.
func handleDeviceRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/device/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "Missing device id", 400)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	if action == "" {
		snap, err := hubState.DeviceSnapshot(id)
		if err != nil {
			writeError(w, err)
			return
		}
		json.NewEncoder(w).Encode(snap)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	switch action {
	case "mode":
		var req struct {
			Mode string `json:"mode"`
		}
		postDeviceCommand(w, r, id, &req, func() error { return applyDeviceMode(id, req.Mode) })
	case "static":
		var req struct {
			Values []int `json:"values"`
		}
		postDeviceCommand(w, r, id, &req, func() error { return applyDeviceStatic(id, req.Values) })
	case "fast":
		var req struct {
			Values []int `json:"values"`
		}
		postDeviceCommand(w, r, id, &req, func() error { return applyDeviceFast(id, req.Values) })
	case "fast_mode_type":
		var req struct {
			FastModeType string `json:"fast_mode_type"`
		}
		postDeviceCommand(w, r, id, &req, func() error { return applyDeviceFastModeType(id, req.FastModeType) })
	case "planned_plan":
		var req struct {
			PlanID string `json:"plan_id"`
		}
		postDeviceCommand(w, r, id, &req, func() error { return applyDevicePlan(id, req.PlanID) })
	case "send":
		var req struct {
			Values []int `json:"values"`
		}
		postDeviceCommand(w, r, id, &req, func() error { return streamer.SendImmediate(id, req.Values) })
	case "transition":
		handleDeviceTransition(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// postDeviceCommand decodes the request body into req, runs apply and
// writes the uniform success response.
func postDeviceCommand(w http.ResponseWriter, r *http.Request, id string, req interface{}, apply func() error) {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, "Invalid JSON", 400)
		return
	}
	if err := apply(); err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"device_id": id,
	})
}

const transitionMaxSteps = 1000

// handleDeviceTransition eases the device from its current effective
// static values to a target vector. The generated sequence ships as one
// plan window anchored at the next second, then the target becomes the
// device's static values.
func handleDeviceTransition(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Target []int  `json:"target"`
		Steps  int    `json:"steps"`
		Easing string `json:"easing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", 400)
		return
	}
	if req.Steps < 1 || req.Steps > transitionMaxSteps {
		http.Error(w, "steps must be 1-1000", 400)
		return
	}
	easing, err := ParseEasing(req.Easing)
	if err != nil {
		writeError(w, err)
		return
	}
	tgt, err := hubState.PlannerTargetFor(id)
	if err != nil {
		writeError(w, err)
		return
	}
	target := resizeValues(clampValues(req.Target), tgt.Channels)
	seq, err := GenerateTransition(tgt.StaticValues, target, req.Steps, easing)
	if err != nil {
		writeError(w, err)
		return
	}

	start := time.Now().Truncate(time.Second).Add(time.Second)
	payload := buildPlanPayload(hubConfig.Planner.PayloadVersion, start, hubConfig.Planner.IntervalMS, seq)
	if err := busClient.PublishJSON(tgt.PlanTopic, payload); err != nil {
		log.Printf("[API] transition publish to %s failed: %v", id, err)
		hubState.IncrementErrorCount(id)
	}
	if err := applyDeviceStatic(id, target); err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"device_id": id,
		"steps":     len(seq),
		"sequence":  seq,
	})
}

// --- room routes ---

func handleRooms(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rooms": hubState.RoomsInfo(),
	})
}

func handleRoomsControl(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rooms": hubState.RoomsSnapshot(),
	})
}

// handleRoomRoutes dispatches /api/room/{name} and /api/room/{name}/{action}.
func handleRoomRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/room/")
	parts := strings.SplitN(rest, "/", 2)
	name := parts[0]
	if name == "" {
		http.Error(w, "Missing room name", 400)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	if action == "" {
		rs, ok := hubState.RoomsSnapshot()[name]
		if !ok {
			http.Error(w, "Unknown room", 404)
			return
		}
		json.NewEncoder(w).Encode(rs)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	switch action {
	case "control_mode":
		var req struct {
			ControlMode string `json:"control_mode"`
		}
		postRoomCommand(w, r, name, &req, func() error { return applyRoomControlMode(name, req.ControlMode) })
	case "mode":
		var req struct {
			Mode string `json:"mode"`
		}
		postRoomCommand(w, r, name, &req, func() error { return applyRoomMode(name, req.Mode) })
	case "static":
		var req struct {
			Values []int `json:"values"`
		}
		postRoomCommand(w, r, name, &req, func() error { return applyRoomStatic(name, req.Values) })
	case "planned_plan":
		var req struct {
			PlanID string `json:"plan_id"`
		}
		postRoomCommand(w, r, name, &req, func() error { return applyRoomPlan(name, req.PlanID) })
	case "fast_mode_type":
		var req struct {
			FastModeType string `json:"fast_mode_type"`
		}
		postRoomCommand(w, r, name, &req, func() error { return applyRoomFastModeType(name, req.FastModeType) })
	default:
		http.NotFound(w, r)
	}
}

func postRoomCommand(w http.ResponseWriter, r *http.Request, name string, req interface{}, apply func() error) {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, "Invalid JSON", 400)
		return
	}
	if err := apply(); err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"room":    name,
	})
}

// --- plan routes ---

func handlePlans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		plans, err := planStore.List()
		if err != nil {
			writeError(w, err)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"plans": plans,
		})
	case http.MethodPost:
		var req PlanInput
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", 400)
			return
		}
		plan, err := planStore.Create(req)
		if err != nil {
			writeError(w, err)
			return
		}
		go broadcastJSON(map[string]interface{}{"type": "plans_changed"})
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"plan":    plan,
		})
	default:
		http.Error(w, "Method not allowed", 405)
	}
}

// handlePlanRoutes dispatches /api/plans/{id}.
func handlePlanRoutes(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/plans/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Missing plan id", 400)
		return
	}

	switch r.Method {
	case http.MethodGet:
		plan, err := planStore.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		json.NewEncoder(w).Encode(plan)
	case http.MethodPut:
		var req PlanInput
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", 400)
			return
		}
		plan, err := planStore.Update(id, req)
		if err != nil {
			writeError(w, err)
			return
		}
		go broadcastJSON(map[string]interface{}{"type": "plans_changed"})
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"plan":    plan,
		})
	case http.MethodDelete:
		if err := planStore.Delete(id); err != nil {
			writeError(w, err)
			return
		}
		go broadcastJSON(map[string]interface{}{"type": "plans_changed"})
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
		})
	default:
		http.Error(w, "Method not allowed", 405)
	}
}

// --- misc routes ---

func handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	var req struct {
		Values []int `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", 400)
		return
	}
	if len(req.Values) == 0 {
		http.Error(w, "values required", 400)
		return
	}
	sent, err := streamer.Broadcast(req.Values)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"sent":    sent,
	})
}

func handleFramesRecent(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "Invalid n", 400)
			return
		}
		n = parsed
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"frames":   frameRing.Snapshot(n),
		"last_seq": frameRing.LastSeq(),
	})
}

// publishDeviceStatic pushes a device's current static values to its
// static topic.
func publishDeviceStatic(id string) {
	push, err := hubState.DeviceStaticPush(id)
	if err != nil {
		return
	}
	if err := busClient.PublishJSON(push.Topic, StaticPayload(push.Values)); err != nil {
		log.Printf("[API] static push to %s failed: %v", push.DeviceID, err)
		hubState.IncrementErrorCount(push.DeviceID)
	}
}

// publishRoomStatics pushes the applied room values to every device in
// the room.
func publishRoomStatics(name string) {
	pushes, err := hubState.RoomStaticPushes(name)
	if err != nil {
		return
	}
	for _, push := range pushes {
		if err := busClient.PublishJSON(push.Topic, StaticPayload(push.Values)); err != nil {
			log.Printf("[API] static push to %s failed: %v", push.DeviceID, err)
			hubState.IncrementErrorCount(push.DeviceID)
		}
	}
}
