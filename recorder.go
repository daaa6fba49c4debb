package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ledhub/pkg/framering"
)

// Recorder drains frames from the ring into a parquet capture file. One
// session at a time; the session flag in HubState doubles as the stop
// signal so the stop handler never touches the file.
type Recorder struct {
	state  *HubState
	ring   *framering.Ring
	dir    string
	notify func(msg map[string]interface{})
}

func NewRecorder(state *HubState, ring *framering.Ring, dir string, notify func(msg map[string]interface{})) *Recorder {
	return &Recorder{state: state, ring: ring, dir: dir, notify: notify}
}

// Start opens a capture file and launches the drain loop. Zero limits
// mean record until stopped.
func (rec *Recorder) Start(maxFrames int64, maxDuration time.Duration) (RecordingStatus, error) {
	if err := os.MkdirAll(rec.dir, 0755); err != nil {
		return RecordingStatus{}, fmt.Errorf("create capture dir: %w", err)
	}

	name := fmt.Sprintf("frames_%s.parquet", time.Now().Format("20060102_150405"))
	path := filepath.Join(rec.dir, name)
	sessionID := uuid.New().String()

	if err := rec.state.BeginRecording(sessionID, path); err != nil {
		return RecordingStatus{}, err
	}

	f, err := os.Create(path)
	if err != nil {
		rec.state.FinishRecording()
		return RecordingStatus{}, fmt.Errorf("create capture file: %w", err)
	}

	meta := CaptureMetadata{
		SessionID: sessionID,
		StartedAt: time.Now().Format(time.RFC3339),
		RingSize:  rec.ring.Cap(),
		MaxFrames: maxFrames,
	}
	metaPath := path[:len(path)-len(".parquet")] + ".json"
	if metaBytes, err := json.MarshalIndent(meta, "", "  "); err == nil {
		os.WriteFile(metaPath, metaBytes, 0644)
	}

	log.Printf("[RECORD] session %s started -> %s", sessionID, path)
	rec.send(map[string]interface{}{
		"type":       "recording_status",
		"recording":  true,
		"session_id": sessionID,
		"path":       path,
	})

	go rec.run(f, meta, maxFrames, maxDuration)
	return rec.state.Recording(), nil
}

func (rec *Recorder) run(f *os.File, meta CaptureMetadata, maxFrames int64, maxDuration time.Duration) {
	writer := NewFrameWriter(f, meta)
	cursor := rec.ring.LastSeq()
	var written, lastNotify int64
	var deadline time.Time
	if maxDuration > 0 {
		deadline = time.Now().Add(maxDuration)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		<-ticker.C
		if !rec.state.RecordingActive() {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		entries := rec.ring.Since(cursor)
		if maxFrames > 0 && written+int64(len(entries)) > maxFrames {
			entries = entries[:maxFrames-written]
		}
		if len(entries) > 0 {
			n, err := WriteFrameEntries(writer, entries)
			if err != nil {
				log.Printf("[RECORD] write error: %v", err)
				rec.finish(f, writer, meta.SessionID, written, err.Error())
				return
			}
			cursor = entries[len(entries)-1].Seq
			written += int64(n)
			rec.state.AddRecordedFrames(int64(n))

			if written-lastNotify >= 500 {
				rec.send(map[string]interface{}{
					"type":       "recording_progress",
					"session_id": meta.SessionID,
					"frames":     written,
				})
				lastNotify = written
			}
		}
		if maxFrames > 0 && written >= maxFrames {
			break
		}
	}
	rec.finish(f, writer, meta.SessionID, written, "")
}

func (rec *Recorder) finish(f *os.File, writer interface{ Close() error }, sessionID string, written int64, errMsg string) {
	if err := writer.Close(); err != nil {
		log.Printf("[RECORD] close writer: %v", err)
	}
	f.Close()
	rec.state.FinishRecording()

	if errMsg == "" {
		log.Printf("[RECORD] session %s finished: %d frames", sessionID, written)
	} else {
		log.Printf("[RECORD] session %s aborted after %d frames: %s", sessionID, written, errMsg)
	}

	msg := map[string]interface{}{
		"type":       "recording_status",
		"recording":  false,
		"session_id": sessionID,
		"frames":     written,
		"finished":   errMsg == "",
	}
	if errMsg != "" {
		msg["error"] = errMsg
	}
	rec.send(msg)
}

func (rec *Recorder) send(msg map[string]interface{}) {
	if rec.notify != nil {
		rec.notify(msg)
	}
}
