package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledhub/pkg/framering"
)

// setupHandlers wires the handler globals the way runServer does, with an
// in-memory bus instead of a broker.
func setupHandlers(t *testing.T) *fakeBus {
	t.Helper()
	bus := &fakeBus{}
	cfg := testConfig()
	hubConfig = cfg
	hubState = NewHubState(cfg)
	busClient = bus
	frameRing = framering.New(16)
	repeater = nil
	serverStart = time.Now()

	var err error
	planStore, err = NewPlanStore(t.TempDir(), time.Second)
	require.NoError(t, err)

	streamer = NewStreamer(hubState, frameRing, 60)
	require.NoError(t, streamer.Start())
	t.Cleanup(streamer.Stop)
	return bus
}

func doJSON(handler http.HandlerFunc, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestDeviceModeEndpoint(t *testing.T) {
	setupHandlers(t)

	w := doJSON(handleDeviceRoutes, http.MethodPost, "/api/device/x4/mode", `{"mode":"fast"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decodeBody(t, w)["success"])
	snap, _ := hubState.DeviceSnapshot("x4")
	assert.Equal(t, ModeFast, snap.Mode)

	w = doJSON(handleDeviceRoutes, http.MethodPost, "/api/device/x4/mode", `{"mode":"disco"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(handleDeviceRoutes, http.MethodPost, "/api/device/ghost/mode", `{"mode":"fast"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(handleDeviceRoutes, http.MethodGet, "/api/device/x4/mode", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestDeviceStaticEndpointPublishes(t *testing.T) {
	bus := setupHandlers(t)

	w := doJSON(handleDeviceRoutes, http.MethodPost, "/api/device/x4/static", `{"values":[300,-5,10]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snap, _ := hubState.DeviceSnapshot("x4")
	assert.Equal(t, []int{255, 0, 10, 0}, snap.StaticValues)

	// The MQTT push runs async off the handler.
	require.Eventually(t, func() bool {
		for _, rec := range bus.records() {
			if rec.topic == "x4/static" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestDeviceGetEndpoint(t *testing.T) {
	setupHandlers(t)
	w := doJSON(handleDeviceRoutes, http.MethodGet, "/api/device/y2", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "y2", body["device_id"])
	assert.Equal(t, "2ch_v1", body["hw_mode"])
}

func TestDevicePlanEndpointChecksStore(t *testing.T) {
	setupHandlers(t)

	w := doJSON(handleDeviceRoutes, http.MethodPost, "/api/device/x4/planned_plan", `{"plan_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	plan, err := planStore.Create(validInput())
	require.NoError(t, err)
	w = doJSON(handleDeviceRoutes, http.MethodPost, "/api/device/x4/planned_plan",
		`{"plan_id":"`+plan.ID+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap, _ := hubState.DeviceSnapshot("x4")
	assert.Equal(t, plan.ID, snap.PlannedPlanID)
}

func TestDeviceTransitionEndpoint(t *testing.T) {
	bus := setupHandlers(t)
	require.NoError(t, hubState.SetDeviceStatic("x4", []int{0, 0, 0, 0}))

	w := doJSON(handleDeviceRoutes, http.MethodPost, "/api/device/x4/transition",
		`{"target":[100,0,0,0],"steps":4,"easing":"linear"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, float64(4), body["steps"])

	// The sequence ships immediately as one plan window.
	var planPub *busRecord
	for _, rec := range bus.records() {
		if rec.topic == "x4/plan" {
			r := rec
			planPub = &r
		}
	}
	require.NotNil(t, planPub)
	steps := planPub.payload.(map[string]interface{})["steps"].([]map[string]interface{})
	require.Len(t, steps, 4)
	assert.Equal(t, []int{0, 0, 0, 0}, steps[0]["values"])
	assert.Equal(t, []int{100, 0, 0, 0}, steps[3]["values"])

	// The target lands as the device's static values.
	snap, _ := hubState.DeviceSnapshot("x4")
	assert.Equal(t, []int{100, 0, 0, 0}, snap.StaticValues)

	w = doJSON(handleDeviceRoutes, http.MethodPost, "/api/device/x4/transition",
		`{"target":[1,2,3,4],"steps":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoomEndpoints(t *testing.T) {
	setupHandlers(t)

	w := doJSON(handleRooms, http.MethodGet, "/api/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)
	var roomsResp struct {
		Rooms []RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &roomsResp))
	require.Len(t, roomsResp.Rooms, 2)
	assert.Equal(t, []string{"x4", "y2"}, roomsResp.Rooms[0].DeviceIDs)

	w = doJSON(handleRoomRoutes, http.MethodPost, "/api/room/lab/static", `{"values":[10,20,30,40]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doJSON(handleRoomRoutes, http.MethodPost, "/api/room/lab/control_mode", `{"control_mode":"auto"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Auto projects the room static onto members.
	snap, _ := hubState.DeviceSnapshot("y2")
	assert.Equal(t, []int{10, 20}, snap.StaticValues)

	w = doJSON(handleRoomsControl, http.MethodGet, "/api/rooms/control", "")
	require.Equal(t, http.StatusOK, w.Code)
	var controlResp struct {
		Rooms map[string]RoomStatus `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &controlResp))
	assert.Equal(t, ControlAuto, controlResp.Rooms["lab"].ControlMode)

	w = doJSON(handleRoomRoutes, http.MethodPost, "/api/room/nope/mode", `{"mode":"static"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlanEndpoints(t *testing.T) {
	setupHandlers(t)

	w := doJSON(handlePlans, http.MethodPost,
		"/api/plans", `{"name":"ramp","hw_mode":"4ch_v1","interval_ms":100,"steps":[[0,0,0,0],[100,100,100,100]]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(handlePlans, http.MethodGet, "/api/plans", "")
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Plans []PlanSummary `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Plans, 1)
	assert.Equal(t, "ramp", listResp.Plans[0].ID)

	w = doJSON(handlePlanRoutes, http.MethodGet, "/api/plans/ramp", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(handlePlanRoutes, http.MethodPut,
		"/api/plans/ramp", `{"name":"ramp","hw_mode":"4ch_v1","interval_ms":200,"steps":[[50,50,50,50]]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	plan, err := planStore.Get("ramp")
	require.NoError(t, err)
	assert.Equal(t, 200, plan.IntervalMS)

	w = doJSON(handlePlanRoutes, http.MethodDelete, "/api/plans/ramp", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(handlePlanRoutes, http.MethodGet, "/api/plans/ramp", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(handlePlans, http.MethodPost,
		"/api/plans", `{"name":"bad","hw_mode":"4ch_v1","interval_ms":100,"steps":[[0,0,0]]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	setupHandlers(t)
	w := doJSON(handleStatus, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(3), body["devices_total"])
	assert.Equal(t, float64(0), body["devices_online"])
	assert.Equal(t, false, body["mqtt_connected"])
	rep := body["repeater"].(map[string]interface{})
	assert.Equal(t, false, rep["enabled"])
}

func TestBroadcastEndpoint(t *testing.T) {
	setupHandlers(t)

	w := doJSON(handleBroadcast, http.MethodPost, "/api/broadcast", `{"values":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(handleBroadcast, http.MethodPost, "/api/broadcast", `{"values":[255,255,255,255]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(3), decodeBody(t, w)["sent"])
}

func TestFramesRecentEndpoint(t *testing.T) {
	setupHandlers(t)
	frameRing.Append(frameSourceAPI, []string{"x4"}, []byte{1, 2, 3})

	w := doJSON(handleFramesRecent, http.MethodGet, "/api/frames/recent?n=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["last_seq"])

	w = doJSON(handleFramesRecent, http.MethodGet, "/api/frames/recent?n=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
