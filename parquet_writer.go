package main

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/segmentio/parquet-go"

	"github.com/ledhub/pkg/framering"
)

// FrameRecord is one captured frame row: the raw datagram plus where it
// came from and who it went to.
type FrameRecord struct {
	Seq         int64  `parquet:"seq"`
	TimestampMS int64  `parquet:"timestamp_ms"`
	Source      string `parquet:"source"`
	Targets     string `parquet:"targets"`
	Data        []byte `parquet:"data"`
}

// CaptureMetadata is saved as a JSON sidecar next to each capture file
// and embedded in the parquet metadata.
type CaptureMetadata struct {
	SessionID string `json:"session_id"`
	StartedAt string `json:"started_at"`
	RingSize  int    `json:"ring_size"`
	MaxFrames int64  `json:"max_frames,omitempty"`
}

// NewFrameWriter creates a parquet writer with the session embedded as
// file metadata.
func NewFrameWriter(w io.Writer, meta CaptureMetadata) *parquet.GenericWriter[FrameRecord] {
	metaStr := "{}"
	if b, err := json.Marshal(meta); err == nil {
		metaStr = string(b)
	}
	return parquet.NewGenericWriter[FrameRecord](w,
		parquet.KeyValueMetadata("session", metaStr),
	)
}

// WriteFrameEntries converts ring entries to rows and writes them.
func WriteFrameEntries(writer *parquet.GenericWriter[FrameRecord], entries []framering.Entry) (int, error) {
	rows := make([]FrameRecord, len(entries))
	for i, e := range entries {
		rows[i] = FrameRecord{
			Seq:         int64(e.Seq),
			TimestampMS: e.ReceivedAt.UnixMilli(),
			Source:      e.Source,
			Targets:     strings.Join(e.Targets, ","),
			Data:        e.Data,
		}
	}
	_, err := writer.Write(rows)
	return len(rows), err
}
