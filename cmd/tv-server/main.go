// ABOUTME: TV device example: CII + TS over websocket and a WC server over UDP
// ABOUTME: Serves a pretend broadcast whose PTS timeline runs on from zero
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/csync-protocol/csync-go/internal/discovery"
	"github.com/csync-protocol/csync-go/internal/version"
	"github.com/csync-protocol/csync-go/pkg/cii"
	"github.com/csync-protocol/csync-go/pkg/clock"
	"github.com/csync-protocol/csync-go/pkg/protocol"
	"github.com/csync-protocol/csync-go/pkg/ts"
	"github.com/csync-protocol/csync-go/pkg/wallclock"
)

var (
	wsPort      = flag.Int("port", 7681, "TCP port for the CII and TS websocket endpoints")
	wcPort      = flag.Int("wc-port", wallclock.DefaultPort, "UDP port for the wall clock server")
	contentID   = flag.String("content-id", "dvb://233a.1004.1044;363a~20130218T0915Z--PT00H45M", "Content identifier to serve")
	noMDNS      = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const ptsSelector = "urn:dvb:css:timeline:pts"

func main() {
	flag.Parse()
	if *showVersion {
		log.Printf("tv-server %s", version.String())
		return
	}

	host := localIP()

	// clocks: system clock -> wall clock -> PTS timeline
	sysClock := clock.NewSysClock(1e9, 0)
	wallClock := clock.NewCorrelatedClock(sysClock, 1e9, clock.Correlation{})
	ptsClock := clock.NewCorrelatedClock(wallClock, 90000, clock.Correlation{
		ParentTicks: wallClock.Ticks(),
	})

	// wall clock server
	wcServer := wallclock.NewServer(wallclock.ServerConfig{
		Clock: wallClock,
		Port:  *wcPort,
	})
	if err := wcServer.Start(); err != nil {
		log.Fatalf("Failed to start wall clock server: %v", err)
	}
	defer wcServer.Stop()

	// TS server with a PTS timeline driven by ptsClock
	tsServer := ts.NewServer(*contentID, wallClock, -1)
	ptsSource := ts.NewSimpleClockTimelineSource(ts.SimpleClockTimelineSourceConfig{
		TimelineSelector:  ptsSelector,
		WallClock:         wallClock,
		Clock:             ptsClock,
		AutoUpdateClients: true,
	})
	tsServer.AttachTimelineSource(ptsSource)

	// CII server describing the endpoints and the available timeline
	initial := &protocol.CII{
		ProtocolVersion:    protocol.Set(protocol.CIIProtocolVersion),
		ContentID:          protocol.Set(*contentID),
		ContentIDStatus:    protocol.Set(protocol.ContentIDStatusFinal),
		PresentationStatus: protocol.Set(protocol.PresentationStatus{protocol.PresentationOkay}),
		WcURL:              protocol.Set(fmt.Sprintf("udp://%s:%d", host, *wcPort)),
		TsURL:              protocol.Set(fmt.Sprintf("ws://%s:%d/ts", host, *wsPort)),
		Timelines: protocol.Set([]protocol.TimelineOption{{
			TimelineSelector: ptsSelector,
			UnitsPerTick:     1,
			UnitsPerSecond:   90000,
		}}),
	}
	ciiServer := cii.NewServer(-1, initial)

	mux := http.NewServeMux()
	mux.Handle("/cii", ciiServer.Endpoint())
	mux.Handle("/ts", tsServer.Endpoint())

	if !*noMDNS {
		hostname, _ := os.Hostname()
		mgr := discovery.NewManager(discovery.Config{
			ServiceName: hostname + "-tv",
			Port:        *wsPort,
			Path:        "/cii",
		})
		if err := mgr.Advertise(); err != nil {
			log.Printf("Failed to start mDNS advertisement: %v", err)
		} else {
			defer mgr.Shutdown()
		}
	}

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", *wsPort), Handler: mux}
	go func() {
		log.Printf("TV server listening on :%d (content %s)", *wsPort, *contentID)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("Shutting down")
	_ = httpServer.Close()
}

// localIP returns a best-effort LAN address for building endpoint URLs.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}
