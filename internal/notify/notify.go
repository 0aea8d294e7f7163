// Package notify broadcasts flow lifecycle events
// (FlowOpened/FlowExpired/TCPStateChanged) to subscribers over a Unix
// domain socket, one JSON object per line. Broadcast is fed from a
// buffered channel the engine's writer never blocks on, so it stays off
// the hot path entirely.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/m-lab/flowlens/internal/flow"
	"github.com/m-lab/flowlens/internal/tcprtt"
	"github.com/m-lab/flowlens/metrics"
)

// EventKind identifies the kind of lifecycle event being broadcast.
type EventKind int

const (
	// FlowOpened is sent the first time a FlowKey is seen.
	FlowOpened EventKind = iota
	// FlowExpired is sent when a flow's sliding-window entry is removed.
	FlowExpired
	// TCPStateChanged is sent when a TCP connection's tcprtt.State
	// transitions.
	TCPStateChanged
)

func (k EventKind) String() string {
	switch k {
	case FlowOpened:
		return "opened"
	case FlowExpired:
		return "expired"
	case TCPStateChanged:
		return "tcp_state_change"
	default:
		return "unknown"
	}
}

// Event is the JSONL payload sent to subscribers.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Flow      flow.FlowKey
	State     tcprtt.State `json:",omitempty"`
}

// Server broadcasts Events to every connected subscriber over a Unix domain
// socket. Construct with New or NullServer.
type Server interface {
	Listen() error
	Serve(context.Context) error
	FlowOpened(ts time.Time, key flow.FlowKey)
	FlowExpired(ts time.Time, key flow.FlowKey)
	TCPStateChanged(ts time.Time, key flow.FlowKey, state tcprtt.State)
}

type server struct {
	eventC       chan *Event
	filename     string
	clients      map[net.Conn]struct{}
	unixListener net.Listener
	mutex        sync.Mutex
	servingWG    sync.WaitGroup
}

// New makes a Server that broadcasts lifecycle events on the given Unix
// domain socket path. The writer goroutine sends into a buffered channel
// and never blocks on a slow or absent subscriber.
func New(filename string) Server {
	return &server{
		filename: filename,
		eventC:   make(chan *Event, 1000),
		clients:  make(map[net.Conn]struct{}),
	}
}

func (s *server) addClient(c net.Conn) {
	log.Println("notify: adding new client", c)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clients[c] = struct{}{}
}

func (s *server) removeClient(c net.Conn) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
}

func (s *server) sendToAllListeners(data string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for c := range s.clients {
		if _, err := fmt.Fprintln(c, data); err != nil {
			log.Println("notify: write to client", c, "failed:", err, "- removing")
			go s.removeClient(c)
			go c.Close()
		}
	}
}

func (s *server) notifyClients(ctx context.Context) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	for ctx.Err() == nil {
		event := <-s.eventC
		if event == nil {
			continue
		}
		b, err := json.Marshal(*event)
		if err != nil {
			log.Printf("notify: could not marshal event %v: %v\n", event, err)
			continue
		}
		s.sendToAllListeners(string(b))
	}
}

// Listen opens the Unix domain socket. Connections succeed only after Serve
// has also been called.
func (s *server) Listen() error {
	s.servingWG.Add(1)
	os.Remove(s.filename)
	var err error
	s.unixListener, err = net.Listen("unix", s.filename)
	return err
}

// Serve accepts clients until ctx is canceled. Must be called once, after
// Listen, normally in its own goroutine.
func (s *server) Serve(ctx context.Context) error {
	defer s.servingWG.Done()
	derivedCtx, derivedCancel := context.WithCancel(ctx)
	defer derivedCancel()

	go s.notifyClients(derivedCtx)

	s.servingWG.Add(1)
	go func() {
		<-derivedCtx.Done()
		s.unixListener.Close()
		close(s.eventC)
		s.servingWG.Done()
	}()

	var err error
	for derivedCtx.Err() == nil {
		var conn net.Conn
		conn, err = s.unixListener.Accept()
		if err != nil {
			log.Printf("notify: accept on %q failed: %s\n", s.filename, err)
			continue
		}
		s.addClient(conn)
	}
	return err
}

// enqueue hands ev to the broadcast goroutine without ever blocking the
// caller: these methods run on the engine's writer thread, so when a
// stalled subscriber has let the buffer fill, the event is dropped and
// counted rather than stalling the tick loop.
func (s *server) enqueue(ev *Event) {
	select {
	case s.eventC <- ev:
		metrics.FlowEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
	default:
		metrics.FlowEventsDroppedTotal.Inc()
	}
}

func (s *server) FlowOpened(ts time.Time, key flow.FlowKey) {
	s.enqueue(&Event{Kind: FlowOpened, Timestamp: ts, Flow: key})
}

func (s *server) FlowExpired(ts time.Time, key flow.FlowKey) {
	s.enqueue(&Event{Kind: FlowExpired, Timestamp: ts, Flow: key})
}

func (s *server) TCPStateChanged(ts time.Time, key flow.FlowKey, state tcprtt.State) {
	s.enqueue(&Event{Kind: TCPStateChanged, Timestamp: ts, Flow: key, State: state})
}

type nullServer struct{}

func (nullServer) Listen() error                      { return nil }
func (nullServer) Serve(context.Context) error        { return nil }
func (nullServer) FlowOpened(time.Time, flow.FlowKey) {}
func (nullServer) FlowExpired(time.Time, flow.FlowKey) {}
func (nullServer) TCPStateChanged(time.Time, flow.FlowKey, tcprtt.State) {}

// NullServer returns a Server that does nothing, so callers that don't want
// lifecycle notification don't need to special-case a nil Server.
func NullServer() Server {
	return nullServer{}
}
