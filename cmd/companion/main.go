// ABOUTME: Companion example: discovers a TV, syncs its wall clock, follows a timeline
// ABOUTME: Reads CII for endpoint URLs, then runs WC and TS clients; optional TUI
package main

import (
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/csync-protocol/csync-go/internal/discovery"
	"github.com/csync-protocol/csync-go/internal/ui"
	"github.com/csync-protocol/csync-go/internal/version"
	"github.com/csync-protocol/csync-go/pkg/cii"
	"github.com/csync-protocol/csync-go/pkg/clock"
	"github.com/csync-protocol/csync-go/pkg/protocol"
	"github.com/csync-protocol/csync-go/pkg/ts"
	"github.com/csync-protocol/csync-go/pkg/wallclock"
)

var (
	ciiURL      = flag.String("cii-url", "", "CII endpoint URL (empty: discover via mDNS)")
	selector    = flag.String("timeline", "urn:dvb:css:timeline:pts", "Timeline selector to request")
	tickRate    = flag.Float64("tick-rate", 90000, "Tick rate of the requested timeline")
	useTUI      = flag.Bool("tui", false, "Show a live status TUI")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// companion wires the three protocol clients together as CII state
// arrives.
type companion struct {
	wallClock     *clock.CorrelatedClock
	timelineClock *clock.CorrelatedClock
	algorithm     *wallclock.LowestDispersionCandidate
	ciiClient     *cii.Client
	program       *tea.Program

	mu       sync.Mutex
	wcClient *wallclock.Client
	tsClient *ts.Client
}

func main() {
	flag.Parse()
	if *showVersion {
		log.Printf("companion %s", version.String())
		return
	}

	target := *ciiURL
	if target == "" {
		log.Printf("Browsing for TVs via mDNS...")
		servers, err := discovery.Browse(3 * time.Second)
		if err != nil || len(servers) == 0 {
			log.Fatalf("No TV found (%v); pass -cii-url", err)
		}
		target = servers[0].CIIURL()
		log.Printf("Found %s at %s", servers[0].Name, target)
	}

	sysClock := clock.NewSysClock(1e9, 0)
	wallClock := clock.NewCorrelatedClock(sysClock, 1e9, clock.Correlation{})
	timelineClock := clock.NewCorrelatedClock(wallClock, *tickRate, clock.Correlation{})
	timelineClock.SetAvailability(false)

	c := &companion{
		wallClock:     wallClock,
		timelineClock: timelineClock,
	}

	c.ciiClient = cii.NewClient(target)
	c.ciiClient.OnChange = c.onCIIChange
	c.ciiClient.OnDisconnected = func(err error) {
		log.Printf("CII connection lost: %v", err)
	}
	if err := c.ciiClient.Connect(); err != nil {
		log.Fatalf("Failed to connect to %s: %v", target, err)
	}
	defer c.ciiClient.Disconnect()

	if *useTUI {
		program, err := ui.Run()
		if err != nil {
			log.Fatalf("Failed to start TUI: %v", err)
		}
		c.program = program
		connected := true
		go func() {
			program.Send(ui.StatusMsg{Connected: &connected, ServerName: target})
			c.statusLoop()
		}()
		if _, err := program.Run(); err != nil {
			log.Fatalf("TUI error: %v", err)
		}
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			log.Printf("Shutting down")
			c.stopClients()
			return
		case <-ticker.C:
			c.mu.Lock()
			tsClient := c.tsClient
			c.mu.Unlock()
			if tsClient != nil {
				log.Print(tsClient.StatusSummary())
			}
		}
	}
}

// onCIIChange reacts to CII pushes: (re)start the WC and TS clients
// when their endpoint URLs appear or change.
func (c *companion) onCIIChange(changed []string) {
	state := c.ciiClient.CII()
	log.Printf("CII state changed: %s", strings.Join(changed, " "))

	for _, name := range changed {
		switch name {
		case "wcUrl":
			if u, ok := state.WcURL.Value(); ok {
				c.startWallClockClient(u)
			}
		case "tsUrl":
			if u, ok := state.TsURL.Value(); ok {
				c.startTSClient(u, state)
			}
		}
	}
}

func (c *companion) startWallClockClient(wcURL string) {
	host, port, err := parseUDPURL(wcURL)
	if err != nil {
		log.Printf("Ignoring unusable wcUrl %q: %v", wcURL, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wcClient != nil {
		c.wcClient.Stop()
	}
	c.algorithm = wallclock.NewLowestDispersionCandidate(c.wallClock, time.Second, 200*time.Millisecond)
	client, err := wallclock.NewClient(wallclock.ClientConfig{
		ServerAddr: host,
		ServerPort: port,
		Clock:      c.wallClock,
		Algorithm:  c.algorithm,
	})
	if err != nil {
		log.Printf("Failed to create wall clock client: %v", err)
		return
	}
	if err := client.Start(); err != nil {
		log.Printf("Failed to start wall clock client: %v", err)
		return
	}
	c.wcClient = client
	log.Printf("Wall clock sync started against %s:%d", host, port)
}

func (c *companion) startTSClient(tsURL string, state *protocol.CII) {
	stem := state.ContentID.Or("")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tsClient != nil {
		c.tsClient.Disconnect()
	}
	client := ts.NewClient(ts.ClientConfig{
		URL:              tsURL,
		ContentIDStem:    stem,
		TimelineSelector: *selector,
		TimelineClock:    c.timelineClock,
	})
	client.OnTimelineAvailable = func() {
		log.Printf("Timeline available")
	}
	client.OnTimelineUnavailable = func() {
		log.Printf("Timeline unavailable")
	}
	if err := client.Connect(); err != nil {
		log.Printf("Failed to connect TS client: %v", err)
		return
	}
	c.tsClient = client
	log.Printf("Timeline sync started against %s (%s)", tsURL, *selector)
}

func (c *companion) stopClients() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wcClient != nil {
		c.wcClient.Stop()
	}
	if c.tsClient != nil {
		c.tsClient.Disconnect()
	}
}

// statusLoop feeds the TUI with fresh sync state.
func (c *companion) statusLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		state := c.ciiClient.CII()
		msg := ui.StatusMsg{
			ContentID: state.ContentID.Or(""),
			TsURL:     state.TsURL.Or(""),
			WcURL:     state.WcURL.Or(""),
		}
		if status, ok := state.PresentationStatus.Value(); ok {
			msg.PresentationStatus = strings.Join(status, " ")
		}
		c.mu.Lock()
		if c.algorithm != nil {
			msg.Adjustments = 1
			msg.OffsetMillis = (c.wallClock.Ticks() - c.wallClock.Parent().Ticks()) / 1e6
			msg.DispersionMillis = c.algorithm.CurrentDispersionNanos() / 1e6
		}
		c.mu.Unlock()
		avail := c.timelineClock.IsAvailable()
		msg.TimelineAvailable = &avail
		msg.TimelineSelector = *selector
		if avail {
			msg.TimelineSpeed = c.timelineClock.Speed()
			msg.TimelinePosSecs = c.timelineClock.Ticks() / c.timelineClock.TickRate()
		}
		c.program.Send(msg)
	}
}

// parseUDPURL splits a "udp://host:port" endpoint URL.
func parseUDPURL(raw string) (host string, port int, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, err
	}
	port = wallclock.DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, err
		}
	}
	return u.Hostname(), port, nil
}
