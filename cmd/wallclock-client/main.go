// ABOUTME: Standalone wall-clock protocol client
// ABOUTME: Synchronises a local clock to a server and reports dispersion
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/csync-protocol/csync-go/internal/version"
	"github.com/csync-protocol/csync-go/pkg/clock"
	"github.com/csync-protocol/csync-go/pkg/wallclock"
)

var (
	serverAddr  = flag.String("server", "127.0.0.1", "Wall clock server address")
	serverPort  = flag.Int("port", wallclock.DefaultPort, "Wall clock server UDP port")
	repeat      = flag.Duration("interval", time.Second, "Request interval")
	timeout     = flag.Duration("timeout", 200*time.Millisecond, "Response timeout")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		log.Printf("wallclock-client %s", version.String())
		return
	}

	sysClock := clock.NewSysClock(1e9, 0)
	wallClock := clock.NewCorrelatedClock(sysClock, 1e9, clock.Correlation{})

	algorithm := wallclock.NewLowestDispersionCandidate(wallClock, *repeat, *timeout)
	algorithm.OnClockAdjusted = func(ticksAfter, adjustment, oldDisp, newDisp, growthRate float64) {
		log.Printf("Clock adjusted by %+.0f ns, dispersion now ±%.3f ms", adjustment, newDisp/1e6)
	}

	client, err := wallclock.NewClient(wallclock.ClientConfig{
		ServerAddr: *serverAddr,
		ServerPort: *serverPort,
		Clock:      wallClock,
		Algorithm:  algorithm,
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	if err := client.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer client.Stop()

	log.Printf("Synchronising to %s:%d", *serverAddr, *serverPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			log.Printf("Shutting down")
			return
		case <-ticker.C:
			log.Printf("Wall clock ticks=%d dispersion=±%.3f ms",
				int64(wallClock.Ticks()), algorithm.CurrentDispersionNanos()/1e6)
		}
	}
}
