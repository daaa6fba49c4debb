package main

import (
	"fmt"
	"log"
	"os"

	flag "github.com/spf13/pflag"
)

const hubVersion = "1.3.0"

func main() {
	configPath := flag.StringP("config", "c", "config.yaml", "Path to YAML config file")
	port := flag.IntP("port", "p", 0, "Override server port from config")

	// Simulation flags
	isSim := flag.Bool("sim", false, "Send synthetic v2 frames instead of running the hub")
	simTarget := flag.String("sim-target", "127.0.0.1:4048", "UDP target for --sim frames")
	simFPS := flag.Int("sim-fps", 20, "Frame rate for --sim")

	// Custom usage message
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "  Hub Mode: ledhub [options]")
		fmt.Fprintln(os.Stderr, "  Sim Mode: ledhub --sim [options]")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *isSim {
		if *simFPS < 1 || *simFPS > 120 {
			log.Fatalf("sim-fps %d out of range 1-120", *simFPS)
		}
		RunFrameGenerator(*simTarget, *simFPS)
		return
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	runServer(cfg)
}
