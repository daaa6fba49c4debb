package main

import (
	"log"
	"math"
	"net"
	"time"

	"github.com/ledhub/pkg/ledwire"
)

// RunFrameGenerator sends synthetic v2 packets to target at the given
// frame rate. Every known stream carries phase-shifted sines so each
// channel breathes on its own. Point it at the repeater port when no
// real lighting console is around.
func RunFrameGenerator(target string, fps int) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		log.Fatalf("[SIM] bad target %s: %v", target, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Fatalf("[SIM] dial %s: %v", target, err)
	}

	// Seconds per full brightness cycle.
	const cyclePeriod = 6.0

	frameInterval := time.Second / time.Duration(fps)
	phaseStep := 2.0 * math.Pi / (cyclePeriod * float64(fps))
	var phase float64

	log.Printf("[SIM] sending v2 frames to %s at %d fps", target, fps)

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for range ticker.C {
		streams := make(map[int][]int)
		for _, id := range []string{"4ch_v1", "2ch_v1", "rgb_v1"} {
			hw := ModeOrDefault(id)
			values := make([]int, hw.Channels)
			for c := 0; c < hw.Channels; c++ {
				chPhase := phase + float64(c)*(math.Pi/4)
				values[c] = int(127.5 * (1.0 + math.Sin(chPhase)))
			}
			streams[hw.StreamID] = values
		}

		if _, err := conn.Write(ledwire.EncodeV2(streams)); err != nil {
			log.Printf("[SIM] send failed: %v, redialing...", err)
			conn.Close()
			for {
				conn, err = net.DialUDP("udp", nil, addr)
				if err == nil {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}
		}

		phase += phaseStep
		if phase > 2.0*math.Pi {
			phase -= 2.0 * math.Pi
		}
	}
}
