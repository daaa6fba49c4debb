// Package framering keeps a bounded history of realtime frames in memory.
// Writers append, readers either snapshot the most recent entries or follow
// the stream with a sequence cursor. When the ring wraps, a lagging cursor
// resumes at the oldest retained entry.
package framering

import (
	"sync"
	"time"
)

// Entry is one recorded frame. Seq is assigned by the ring, starting at 1
// and strictly increasing.
type Entry struct {
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source"`
	Targets    []string  `json:"targets,omitempty"`
	Data       []byte    `json:"data"`
}

type Ring struct {
	mu   sync.Mutex
	buf  []Entry
	last uint64 // seq of the newest entry, 0 when empty
}

// New creates a ring holding up to capacity entries.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Entry, capacity)}
}

// Append stores a frame and returns its sequence number. The data slice is
// copied so callers may reuse their buffers.
func (r *Ring) Append(source string, targets []string, data []byte) uint64 {
	cp := make([]byte, len(data))
	copy(cp, data)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.last++
	r.buf[int((r.last-1)%uint64(len(r.buf)))] = Entry{
		Seq:        r.last,
		ReceivedAt: time.Now(),
		Source:     source,
		Targets:    targets,
		Data:       cp,
	}
	return r.last
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked()
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// LastSeq returns the newest sequence number, 0 when nothing was appended.
func (r *Ring) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Ring) countLocked() int {
	if r.last < uint64(len(r.buf)) {
		return int(r.last)
	}
	return len(r.buf)
}

func (r *Ring) entryLocked(seq uint64) Entry {
	return r.buf[int((seq-1)%uint64(len(r.buf)))]
}

// Snapshot returns up to n of the most recent entries, oldest first.
func (r *Ring) Snapshot(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.countLocked()
	if n <= 0 || n > count {
		n = count
	}
	out := make([]Entry, 0, n)
	for seq := r.last - uint64(n) + 1; seq <= r.last && seq > 0; seq++ {
		out = append(out, r.entryLocked(seq))
	}
	return out
}

// Since returns all retained entries with a sequence after the cursor,
// oldest first. A cursor that fell behind the ring resumes at the oldest
// retained entry.
func (r *Ring) Since(cursor uint64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last == 0 || cursor >= r.last {
		return nil
	}
	oldest := uint64(1)
	if r.last > uint64(len(r.buf)) {
		oldest = r.last - uint64(len(r.buf)) + 1
	}
	from := cursor + 1
	if from < oldest {
		from = oldest
	}
	out := make([]Entry, 0, r.last-from+1)
	for seq := from; seq <= r.last; seq++ {
		out = append(out, r.entryLocked(seq))
	}
	return out
}
