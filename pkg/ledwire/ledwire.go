// Package ledwire implements the LED UDP wire protocol used by the dimmer
// fleet: a v1 single-stream frame and a v2 multi-stream frame sharing the
// same 4-byte preamble.
package ledwire

import (
	"errors"
	"fmt"
	"sort"
)

// Packet layout, both versions:
//
//	Header:   3 bytes  "LED"
//	Version:  1 byte   1 or 2
//
// v1 continues with:
//
//	Channels: 1 byte   N
//	Values:   N bytes  brightness 0-255
//
// v2 continues with:
//
//	StreamCount: 1 byte  S
//	S stream blocks, each:
//	  StreamID: 1 byte
//	  Channels: 1 byte   N
//	  Values:   N bytes
const (
	Version1 = 1
	Version2 = 2

	// Stream identifiers carried in v2 blocks.
	Stream4ChV1 = 1 // Green, Yellow, Blue, Red
	Stream2ChV1 = 2 // Red+Yellow, Green+Blue
	StreamRGBV1 = 3 // Red, Green, Blue

	headerLen = 3
	minPacket = 6 // header + version + count + one value
)

var packetHeader = []byte("LED")

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed led packet")

// Frame is the decoded form of a packet. Version selects which of the two
// payload fields is populated.
type Frame struct {
	Version int
	Values  []int         // v1 only
	Streams map[int][]int // v2 only, keyed by stream id
}

// StreamIDs returns the v2 stream ids in ascending order.
func (f *Frame) StreamIDs() []int {
	ids := make([]int, 0, len(f.Streams))
	for id := range f.Streams {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// EncodeV1 builds a v1 packet. Values outside [0,255] are clamped; any
// channel count up to 255 is accepted.
func EncodeV1(values []int) []byte {
	pkt := make([]byte, 0, 5+len(values))
	pkt = append(pkt, packetHeader...)
	pkt = append(pkt, Version1, byte(len(values)))
	for _, v := range values {
		pkt = append(pkt, clampByte(v))
	}
	return pkt
}

// EncodeV2 builds a v2 packet. Stream blocks are written in ascending
// stream-id order so the encoding is deterministic.
func EncodeV2(streams map[int][]int) []byte {
	ids := make([]int, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	pkt := make([]byte, 0, 5+len(streams)*6)
	pkt = append(pkt, packetHeader...)
	pkt = append(pkt, Version2, byte(len(streams)))
	for _, id := range ids {
		values := streams[id]
		pkt = append(pkt, byte(id), byte(len(values)))
		for _, v := range values {
			pkt = append(pkt, clampByte(v))
		}
	}
	return pkt
}

// knownStream reports whether a v2 stream id maps to a hardware mode.
func knownStream(id int) bool {
	return id == Stream4ChV1 || id == Stream2ChV1 || id == StreamRGBV1
}

// Decode parses a v1 or v2 packet. Unknown v2 stream ids are skipped with
// their block consumed; truncation at any boundary fails the whole packet.
func Decode(data []byte) (*Frame, error) {
	if len(data) < minPacket {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	if string(data[:headerLen]) != string(packetHeader) {
		return nil, fmt.Errorf("%w: bad header", ErrMalformed)
	}

	switch data[3] {
	case Version1:
		n := int(data[4])
		if len(data) < 5+n {
			return nil, fmt.Errorf("%w: v1 wants %d values, have %d bytes", ErrMalformed, n, len(data)-5)
		}
		values := make([]int, n)
		for i := 0; i < n; i++ {
			values[i] = int(data[5+i])
		}
		return &Frame{Version: Version1, Values: values}, nil

	case Version2:
		count := int(data[4])
		streams := make(map[int][]int, count)
		offset := 5
		for s := 0; s < count; s++ {
			if offset+2 > len(data) {
				return nil, fmt.Errorf("%w: truncated stream block %d", ErrMalformed, s)
			}
			id := int(data[offset])
			n := int(data[offset+1])
			offset += 2
			if offset+n > len(data) {
				return nil, fmt.Errorf("%w: stream %d wants %d values", ErrMalformed, id, n)
			}
			if knownStream(id) {
				values := make([]int, n)
				for i := 0; i < n; i++ {
					values[i] = int(data[offset+i])
				}
				streams[id] = values
			}
			offset += n
		}
		return &Frame{Version: Version2, Streams: streams}, nil

	default:
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, data[3])
	}
}
