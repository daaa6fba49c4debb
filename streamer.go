package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ledhub/pkg/framering"
	"github.com/ledhub/pkg/ledwire"
)

// Frame ring source tags.
const (
	frameSourceStreamer  = "streamer"
	frameSourceRepeater  = "repeater"
	frameSourceAPI       = "api"
	frameSourceBroadcast = "broadcast"
)

// Streamer owns the outbound UDP path. Its loop pushes fast-mode values
// to internally driven devices at the configured frame rate; the
// immediate and broadcast sends share its socket plumbing. Every frame
// that leaves also lands in the ring for the monitor and recorder.
type Streamer struct {
	state *HubState
	ring  *framering.Ring
	fps   int

	mu        sync.Mutex
	conn      *net.UDPConn
	bcastConn *net.UDPConn
	sent      uint64
	sendFails uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewStreamer(state *HubState, ring *framering.Ring, fps int) *Streamer {
	return &Streamer{
		state:  state,
		ring:   ring,
		fps:    fps,
		stopCh: make(chan struct{}),
	}
}

// Start opens the send sockets and launches the frame loop.
func (s *Streamer) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return errTransport("streamer", err)
	}
	bcast, err := newBroadcastConn()
	if err != nil {
		conn.Close()
		return errTransport("streamer", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.bcastConn = bcast
	s.mu.Unlock()
	go s.run()
	return nil
}

func (s *Streamer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		if s.bcastConn != nil {
			s.bcastConn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *Streamer) run() {
	frameInterval := time.Second / time.Duration(s.fps)
	log.Printf("[STREAMER] streaming at %d fps (%s per frame)", s.fps, frameInterval)
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		for _, tgt := range s.state.FastTargets(FastInternal) {
			if err := s.sendTo(tgt, tgt.Values, frameSourceStreamer); err != nil {
				s.countFail()
				s.state.IncrementErrorCount(tgt.DeviceID)
			}
		}
	}
}

// sendTo encodes values for the device's wire protocol and writes one
// datagram. Values are clamped and sized to the device's channel count.
func (s *Streamer) sendTo(tgt StreamTarget, values []int, source string) error {
	values = resizeValues(clampValues(values), tgt.Channels)
	var data []byte
	if tgt.Protocol == ProtocolDDP {
		data = encodeDDP(values)
	} else {
		data = ledwire.EncodeV1(values)
	}

	ip := net.ParseIP(tgt.IP)
	if ip == nil {
		return errTransport("send", fmt.Errorf("device %s has bad ip %q", tgt.DeviceID, tgt.IP))
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errTransport("send", fmt.Errorf("streamer not started"))
	}
	if _, err := conn.WriteToUDP(data, &net.UDPAddr{IP: ip, Port: tgt.UDPPort}); err != nil {
		return errTransport("send", err)
	}
	s.ring.Append(source, []string{tgt.DeviceID}, data)
	s.countSent()
	return nil
}

// SendImmediate pushes a one-off frame to a single device, outside any
// mode. Used by the API and by transitions.
func (s *Streamer) SendImmediate(deviceID string, values []int) error {
	tgt, err := s.state.DeviceNet(deviceID)
	if err != nil {
		return err
	}
	return s.sendTo(tgt, values, frameSourceAPI)
}

// Broadcast sends one identical packet to every configured device over
// the broadcast-capable socket and returns how many sends succeeded.
func (s *Streamer) Broadcast(values []int) (int, error) {
	data := ledwire.EncodeV1(clampValues(values))
	s.mu.Lock()
	conn := s.bcastConn
	s.mu.Unlock()
	if conn == nil {
		return 0, errTransport("broadcast", fmt.Errorf("streamer not started"))
	}
	targets := s.state.AllTargets()
	sent := 0
	ids := make([]string, 0, len(targets))
	for _, tgt := range targets {
		ip := net.ParseIP(tgt.IP)
		if ip == nil {
			s.countFail()
			continue
		}
		if _, err := conn.WriteToUDP(data, &net.UDPAddr{IP: ip, Port: tgt.UDPPort}); err != nil {
			s.countFail()
			continue
		}
		sent++
		ids = append(ids, tgt.DeviceID)
	}
	if sent > 0 {
		s.ring.Append(frameSourceBroadcast, ids, data)
		s.mu.Lock()
		s.sent += uint64(sent)
		s.mu.Unlock()
	}
	return sent, nil
}

func (s *Streamer) countSent() {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
}

func (s *Streamer) countFail() {
	s.mu.Lock()
	s.sendFails++
	s.mu.Unlock()
}

// Stats reports totals since startup.
func (s *Streamer) Stats() (sent, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.sendFails
}

// encodeDDP builds a DDP data packet: push flag set, sequence 0, data
// type 1, destination 1, offset 0, then the channel bytes.
func encodeDDP(values []int) []byte {
	data := make([]byte, 10+len(values))
	data[0] = 0x41
	data[1] = 0x00
	data[2] = 0x01
	data[3] = 0x01
	binary.BigEndian.PutUint32(data[4:8], 0)
	binary.BigEndian.PutUint16(data[8:10], uint16(len(values)))
	for i, v := range values {
		data[10+i] = byte(clampChannel(v))
	}
	return data
}
