// ledsend pokes a single LED device (or the repeater port) with one
// packet from the command line, for bench tests without the hub.
//
//	ledsend -target 192.168.1.21:5000 -values 255,0,0,0
//	ledsend -target 127.0.0.1:5001 -stream 1 -values 16,32,48,64
//	ledsend -target 192.168.1.21:5000 -values 128,128 -count 60 -interval 16ms
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ledhub/pkg/ledwire"
)

func main() {
	target := flag.String("target", "", "host:port to send to (required)")
	valuesArg := flag.String("values", "", "comma-separated channel values 0-255 (required)")
	stream := flag.Int("stream", 0, "wrap values in a v2 packet with this stream id (1, 2 or 3)")
	count := flag.Int("count", 1, "number of packets to send")
	interval := flag.Duration("interval", 50*time.Millisecond, "delay between packets")
	flag.Parse()

	if *target == "" || *valuesArg == "" {
		flag.Usage()
		os.Exit(2)
	}

	values, err := parseValues(*valuesArg)
	if err != nil {
		log.Fatalf("bad -values: %v", err)
	}

	var pkt []byte
	if *stream > 0 {
		pkt = ledwire.EncodeV2(map[int][]int{*stream: values})
	} else {
		pkt = ledwire.EncodeV1(values)
	}

	addr, err := net.ResolveUDPAddr("udp", *target)
	if err != nil {
		log.Fatalf("bad -target %s: %v", *target, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Fatalf("dial %s: %v", *target, err)
	}
	defer conn.Close()

	for i := 0; i < *count; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}
		if _, err := conn.Write(pkt); err != nil {
			log.Fatalf("send %d/%d: %v", i+1, *count, err)
		}
	}
	fmt.Printf("sent %d packet(s) of %d bytes to %s\n", *count, len(pkt), *target)
}

func parseValues(arg string) ([]int, error) {
	parts := strings.Split(arg, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("value %d out of range 0-255", v)
		}
		values = append(values, v)
	}
	return values, nil
}
