package main

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ledhub/pkg/framering"
	"github.com/ledhub/pkg/ledwire"
)

// Repeater listens for LED packets from an external source and forwards
// them to every device whose effective fast source is udp_repeater.
// Those devices are excluded from the internal frame loop, so the
// repeater is their only frame feed while selected.
type Repeater struct {
	state *HubState
	ring  *framering.Ring

	listenHost string
	listenPort int

	mu        sync.Mutex
	conn      *net.UDPConn
	sendConn  *net.UDPConn
	received  uint64
	forwarded uint64
	malformed uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewRepeater(state *HubState, ring *framering.Ring, cfg UDPRepeaterConfig) *Repeater {
	return &Repeater{
		state:      state,
		ring:       ring,
		listenHost: cfg.ListenHost,
		listenPort: cfg.ListenPort,
		stopCh:     make(chan struct{}),
	}
}

// Start binds the listener and launches the receive loop. A bind failure
// leaves the repeater disabled; the rest of the hub keeps running.
func (r *Repeater) Start() error {
	conn, err := listenUDPReuseAddr(r.listenHost, r.listenPort)
	if err != nil {
		return errTransport("repeater", err)
	}
	sendConn, err := newBroadcastConn()
	if err != nil {
		conn.Close()
		return errTransport("repeater", err)
	}
	r.mu.Lock()
	r.conn = conn
	r.sendConn = sendConn
	r.mu.Unlock()
	log.Printf("[REPEATER] listening on %s:%d", r.listenHost, r.listenPort)
	go r.run()
	return nil
}

func (r *Repeater) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.mu.Lock()
		if r.conn != nil {
			r.conn.Close()
		}
		if r.sendConn != nil {
			r.sendConn.Close()
		}
		r.mu.Unlock()
	})
}

func (r *Repeater) run() {
	buf := make([]byte, 2048)
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[REPEATER] read error: %v", err)
			continue
		}
		r.handlePacket(buf[:n], from)
	}
}

func (r *Repeater) handlePacket(data []byte, from *net.UDPAddr) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	frame, err := ledwire.Decode(data)
	if err != nil {
		r.mu.Lock()
		r.malformed++
		r.mu.Unlock()
		log.Printf("[REPEATER] dropping malformed packet from %s: %v", from, err)
		return
	}

	var forwardedIDs []string
	for _, tgt := range r.state.FastTargets(FastUDPRepeater) {
		values := valuesForTarget(frame, tgt)
		if len(values) != tgt.Channels {
			values = adaptValues(values, tgt.HWMode, tgt.Channels)
		}
		// Mirror the adapted vector into state so operator snapshots show
		// the live activity.
		r.state.SetDeviceFastValues(tgt.DeviceID, values)

		var out []byte
		if tgt.Protocol == ProtocolDDP {
			out = encodeDDP(values)
		} else {
			out = ledwire.EncodeV1(values)
		}
		ip := net.ParseIP(tgt.IP)
		if ip == nil {
			continue
		}
		if _, err := r.sendConn.WriteToUDP(out, &net.UDPAddr{IP: ip, Port: tgt.UDPPort}); err != nil {
			log.Printf("[REPEATER] forward to %s failed: %v", tgt.DeviceID, err)
			r.state.IncrementErrorCount(tgt.DeviceID)
			continue
		}
		forwardedIDs = append(forwardedIDs, tgt.DeviceID)
	}

	if len(forwardedIDs) > 0 {
		r.mu.Lock()
		r.forwarded += uint64(len(forwardedIDs))
		r.mu.Unlock()
	}
	// Every decoded packet lands in the ring, even when no device is
	// currently fed by the repeater, so the monitor sees the inbound feed.
	r.ring.Append(frameSourceRepeater, forwardedIDs, data)
}

// valuesForTarget extracts the channel vector a device should get from a
// decoded frame. A v2 frame serves the device's own stream id when
// present, then the 4-channel stream, then the lowest id carried, so a
// single-stream sender still drives mixed fleets. A frame with no usable
// stream yields zeros.
func valuesForTarget(frame *ledwire.Frame, tgt StreamTarget) []int {
	if frame.Version == ledwire.Version1 {
		return frame.Values
	}
	if vals, ok := frame.Streams[tgt.StreamID]; ok {
		return vals
	}
	if vals, ok := frame.Streams[ledwire.Stream4ChV1]; ok {
		return vals
	}
	if ids := frame.StreamIDs(); len(ids) > 0 {
		return frame.Streams[ids[0]]
	}
	return make([]int, tgt.Channels)
}

// Stats reports packet totals since startup.
func (r *Repeater) Stats() (received, forwarded, malformed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received, r.forwarded, r.malformed
}
