// ABOUTME: Standalone wall-clock protocol server
// ABOUTME: Serves the local monotonic clock over UDP to companion clients
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/csync-protocol/csync-go/internal/version"
	"github.com/csync-protocol/csync-go/pkg/clock"
	"github.com/csync-protocol/csync-go/pkg/wallclock"
)

var (
	bindAddr     = flag.String("addr", "0.0.0.0", "IP address of the interface to bind to")
	port         = flag.Int("port", wallclock.DefaultPort, "UDP port to listen on")
	maxFreqError = flag.Float64("max-freq-error", 500, "Oscillator max frequency error to report (ppm)")
	followUp     = flag.Bool("followup", false, "Send follow-up responses with a re-stamped transmit time")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		log.Printf("wallclock-server %s", version.String())
		return
	}

	wallClock := clock.NewSysClock(1e9, *maxFreqError)
	log.Printf("Wall clock precision measured as %.9f secs", wallClock.Precision())

	server := wallclock.NewServer(wallclock.ServerConfig{
		Clock:    wallClock,
		BindAddr: *bindAddr,
		Port:     *port,
		FollowUp: *followUp,
	})
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer server.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("Shutting down")
}
