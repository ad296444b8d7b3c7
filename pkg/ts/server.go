// ABOUTME: TS server: timeline selection, availability, control timestamp push
// ABOUTME: Timeline sources plug in to provide clock/wall-clock correlations
package ts

import (
	"log"
	"strings"
	"sync"

	"github.com/csync-protocol/csync-go/pkg/clock"
	"github.com/csync-protocol/csync-go/pkg/endpoint"
	"github.com/csync-protocol/csync-go/pkg/protocol"
)

// Sink is anything that wants timestamps pushed when a timeline source
// changes; in practice a *Server.
type Sink interface {
	UpdateAllClients()
}

// TimelineSource provides control timestamps for the timeline selectors
// it recognises. Implementations embed BaseTimelineSource for the
// bookkeeping methods.
type TimelineSource interface {
	// RecognisesTimelineSelector reports whether this source can serve
	// the selector.
	RecognisesTimelineSelector(selector string) bool
	// ControlTimestamp returns the current control timestamp for a
	// recognised selector. Returning nil means "do not send anything
	// yet" (e.g. timeline extraction still starting up); to say the
	// timeline is unavailable, return a timestamp with null fields.
	ControlTimestamp(selector string) *protocol.ControlTimestamp
	// MeaningfulChange reports whether latest differs enough from prev
	// to be worth emitting.
	MeaningfulChange(prev, latest *protocol.ControlTimestamp) bool
	// TimelineSelectorNeeded tells the source a client now wants this
	// selector; NotNeeded that no client wants it any more.
	TimelineSelectorNeeded(selector string)
	TimelineSelectorNotNeeded(selector string)
	// AttachSink and RemoveSink track the servers using this source.
	AttachSink(sink Sink)
	RemoveSink(sink Sink)
}

// BaseTimelineSource carries the sink registry and default behaviour
// for TimelineSource implementations.
type BaseTimelineSource struct {
	mu    sync.Mutex
	sinks map[Sink]struct{}
}

func (b *BaseTimelineSource) AttachSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sinks == nil {
		b.sinks = make(map[Sink]struct{})
	}
	b.sinks[sink] = struct{}{}
}

func (b *BaseTimelineSource) RemoveSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sinks, sink)
}

// Sinks returns a snapshot of the attached sinks.
func (b *BaseTimelineSource) Sinks() []Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Sink, 0, len(b.sinks))
	for s := range b.sinks {
		out = append(out, s)
	}
	return out
}

// SinkCount returns the number of attached sinks.
func (b *BaseTimelineSource) SinkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}

func (b *BaseTimelineSource) TimelineSelectorNeeded(selector string)    {}
func (b *BaseTimelineSource) TimelineSelectorNotNeeded(selector string) {}

// MeaningfulChange defaults to exact field comparison.
func (b *BaseTimelineSource) MeaningfulChange(prev, latest *protocol.ControlTimestamp) bool {
	return protocol.IsControlTimestampChanged(prev, latest)
}

// connData is the per-connection protocol state.
type connData struct {
	mu        sync.Mutex
	setup     *protocol.SetupData
	prevCt    *protocol.ControlTimestamp
	aptEptLpt *protocol.AptEptLpt
}

// Server implements the TS protocol endpoint. Each connection first
// supplies SetupData naming a content id stem and timeline selector;
// thereafter the server pushes a control timestamp whenever the
// selected timeline's state meaningfully changes, including the "null"
// timestamp that announces unavailability.
//
// A timeline is available to a connection when the stem matches the
// server's content id and some attached source recognises the selector.
type Server struct {
	endpoint  *endpoint.Server
	wallClock clock.Clock

	// OnClientSetup, if set, is called when a connection has provided
	// its SetupData.
	OnClientSetup func(conn *endpoint.Conn, setup *protocol.SetupData)
	// OnClientAptEptLpt, if set, is called when a connection reports
	// its achievable timings.
	OnClientAptEptLpt func(conn *endpoint.Conn, timings *protocol.AptEptLpt)

	mu           sync.Mutex
	contentID    string
	sources      map[TimelineSource]struct{}
	selectorRefs map[string]int
}

// NewServer creates a TS server for the given content id. wallClock is
// used to stamp "timeline unavailable" timestamps; it should tick at
// one tick per nanosecond. maxConns below zero allows unlimited
// connections.
func NewServer(contentID string, wallClock clock.Clock, maxConns int) *Server {
	s := &Server{
		wallClock:    wallClock,
		contentID:    contentID,
		sources:      make(map[TimelineSource]struct{}),
		selectorRefs: make(map[string]int),
	}
	s.endpoint = endpoint.New("ts", maxConns, s)
	return s
}

// Endpoint returns the underlying websocket endpoint, an http.Handler.
func (s *Server) Endpoint() *endpoint.Server { return s.endpoint }

// ContentID returns the content id timelines are being served for.
func (s *Server) ContentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentID
}

// SetContentID changes the content id and pushes updates to all
// clients, since the change may flip timeline availability.
func (s *Server) SetContentID(contentID string) {
	s.mu.Lock()
	s.contentID = contentID
	s.mu.Unlock()
	s.UpdateAllClients()
}

// AttachTimelineSource adds a source, making its timelines available
// immediately to connections requesting them.
func (s *Server) AttachTimelineSource(src TimelineSource) {
	s.mu.Lock()
	s.sources[src] = struct{}{}
	selectors := make([]string, 0, len(s.selectorRefs))
	for sel := range s.selectorRefs {
		selectors = append(selectors, sel)
	}
	s.mu.Unlock()
	src.AttachSink(s)
	for _, sel := range selectors {
		if src.RecognisesTimelineSelector(sel) {
			src.TimelineSelectorNeeded(sel)
		}
	}
	s.UpdateAllClients()
}

// RemoveTimelineSource removes a source, making its timelines
// unavailable immediately.
func (s *Server) RemoveTimelineSource(src TimelineSource) {
	s.mu.Lock()
	delete(s.sources, src)
	s.mu.Unlock()
	src.RemoveSink(s)
	s.UpdateAllClients()
}

// UpdateAllClients sends an updated control timestamp to every client
// that needs one.
func (s *Server) UpdateAllClients() {
	for _, conn := range s.endpoint.Connections() {
		s.UpdateClient(conn)
	}
}

// UpdateClient sends an updated control timestamp to one connection, if
// it has completed setup and the timestamp meaningfully differs from
// the last one sent to it.
func (s *Server) UpdateClient(conn *endpoint.Conn) {
	data := conn.Data().(*connData)
	data.mu.Lock()
	setup := data.setup
	prevCt := data.prevCt
	data.mu.Unlock()
	if setup == nil {
		return
	}

	// default: timeline unavailable
	ct := &protocol.ControlTimestamp{
		Timestamp: protocol.Timestamp{
			WallClockTime: protocol.WallTimeOf(int64(s.wallClock.Ticks())),
		},
	}
	changed := protocol.IsControlTimestampChanged(prevCt, ct)

	s.mu.Lock()
	contentID := s.contentID
	sources := make([]TimelineSource, 0, len(s.sources))
	for src := range s.sources {
		sources = append(sources, src)
	}
	s.mu.Unlock()

	if CIMatchesStem(contentID, setup.ContentIDStem) {
		for _, src := range sources {
			if src.RecognisesTimelineSelector(setup.TimelineSelector) {
				ct = src.ControlTimestamp(setup.TimelineSelector)
				// nil means the source is not ready to say anything yet
				if ct == nil {
					return
				}
				changed = src.MeaningfulChange(prevCt, ct)
			}
		}
	}

	// availability flips always go out, whatever the threshold says
	if prevCt != nil && prevCt.Available() != ct.Available() {
		changed = true
	}

	if !changed {
		return
	}
	payload, err := ct.Pack()
	if err != nil {
		log.Printf("TS server failed to pack control timestamp: %v", err)
		return
	}
	data.mu.Lock()
	data.prevCt = ct
	data.mu.Unlock()
	conn.Send(payload)
}

// AptEptLptFor returns the most recent achievable-timing report from a
// connection, or nil.
func (s *Server) AptEptLptFor(conn *endpoint.Conn) *protocol.AptEptLpt {
	data := conn.Data().(*connData)
	data.mu.Lock()
	defer data.mu.Unlock()
	return data.aptEptLpt
}

// NewConnectionData implements endpoint.Handler.
func (s *Server) NewConnectionData() any { return &connData{} }

// OnClientConnect implements endpoint.Handler. Nothing is sent until
// the client's SetupData arrives.
func (s *Server) OnClientConnect(conn *endpoint.Conn) {
	log.Printf("TS client connected: %s", conn.ID())
}

// OnClientDisconnect implements endpoint.Handler: release the selector
// refcount taken at setup.
func (s *Server) OnClientDisconnect(conn *endpoint.Conn, data any) {
	cd := data.(*connData)
	cd.mu.Lock()
	setup := cd.setup
	cd.mu.Unlock()
	if setup == nil {
		return
	}
	sel := setup.TimelineSelector

	s.mu.Lock()
	s.selectorRefs[sel]--
	released := s.selectorRefs[sel] == 0
	if released {
		delete(s.selectorRefs, sel)
	}
	sources := make([]TimelineSource, 0, len(s.sources))
	for src := range s.sources {
		sources = append(sources, src)
	}
	s.mu.Unlock()

	if released {
		for _, src := range sources {
			src.TimelineSelectorNotNeeded(sel)
		}
	}
}

// OnClientMessage implements endpoint.Handler. The first frame must be
// SetupData; later frames are AptEptLpt reports. Malformed frames are
// logged and dropped without closing the connection.
func (s *Server) OnClientMessage(conn *endpoint.Conn, msg []byte) {
	data := conn.Data().(*connData)
	data.mu.Lock()
	needSetup := data.setup == nil
	data.mu.Unlock()

	if needSetup {
		setup, err := protocol.UnpackSetupData(msg)
		if err != nil {
			log.Printf("TS server expected SetupData from %s: %v", conn.ID(), err)
			return
		}
		data.mu.Lock()
		data.setup = setup
		data.mu.Unlock()

		sel := setup.TimelineSelector
		s.mu.Lock()
		s.selectorRefs[sel]++
		firstUser := s.selectorRefs[sel] == 1
		sources := make([]TimelineSource, 0, len(s.sources))
		for src := range s.sources {
			sources = append(sources, src)
		}
		s.mu.Unlock()
		if firstUser {
			for _, src := range sources {
				src.TimelineSelectorNeeded(sel)
			}
		}

		if s.OnClientSetup != nil {
			s.OnClientSetup(conn, setup)
		}
		s.UpdateClient(conn)
		return
	}

	timings, err := protocol.UnpackAptEptLpt(msg)
	if err != nil {
		log.Printf("TS server expected AptEptLpt from %s: %v", conn.ID(), err)
		return
	}
	data.mu.Lock()
	data.aptEptLpt = timings
	data.mu.Unlock()
	if s.OnClientAptEptLpt != nil {
		s.OnClientAptEptLpt(conn, timings)
	}
}

// ciSeparators are the URI component boundary characters recognised by
// stem matching.
const ciSeparators = "/.;?#:~"

// CIMatchesStem reports whether a content identifier stem matches a
// content identifier. The stem must be a prefix of the identifier and
// end at a URI component boundary: either the whole identifier, or with
// a separator character on one side of the cut. An empty stem matches
// any identifier.
func CIMatchesStem(contentID, stem string) bool {
	if !strings.HasPrefix(contentID, stem) {
		return false
	}
	if len(contentID) == len(stem) || stem == "" {
		return true
	}
	if strings.ContainsRune(ciSeparators, rune(contentID[len(stem)])) {
		return true
	}
	return strings.ContainsRune(ciSeparators, rune(stem[len(stem)-1]))
}
