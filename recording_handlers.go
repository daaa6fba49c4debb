package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"
)

func handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}

	// Empty body means record until stopped.
	var req struct {
		Frames  int64 `json:"frames"`
		Seconds int   `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "Invalid JSON", 400)
		return
	}
	if req.Frames < 0 || req.Seconds < 0 {
		http.Error(w, "Invalid limits", 400)
		return
	}

	st, err := recorder.Start(req.Frames, time.Duration(req.Seconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":    true,
		"session_id": st.SessionID,
		"path":       st.Path,
	})
}

func handleRecordStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}

	if !hubState.RequestRecordingStop() {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"message": "Not recording",
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
	})
}

func handleRecordStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(hubState.Recording())
}
