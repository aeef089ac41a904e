// Package brokertest runs an in-process STOMP over WebSocket broker for
// tests. It speaks enough of STOMP 1.2 for a client to connect, subscribe,
// publish and receive MESSAGE frames.
package brokertest

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// Broker is a fake STOMP broker served over httptest.
type Broker struct {
	Server *httptest.Server
	// URL is the ws:// address of the broker endpoint.
	URL string

	upgrader websocket.Upgrader

	mu        sync.Mutex
	sessions  map[*session]struct{}
	connects    []*frame.Frame
	disconnects []*frame.Frame
	sent        []*frame.Frame
	heartBeat   string
	reject      string
	muted       bool
	noReceipts  bool
	nextMsg     int
}

type session struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]string // subscription id -> destination
	done    chan struct{}
}

// New starts a broker. Call Close when done.
func New() *Broker {
	b := &Broker{
		sessions:  make(map[*session]struct{}),
		heartBeat: "0,0",
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serve))
	b.URL = "ws" + strings.TrimPrefix(b.Server.URL, "http") + "/ws"
	return b
}

// Close drops every session and stops the server.
func (b *Broker) Close() {
	b.DropAll()
	b.Server.Close()
}

// SetHeartBeat sets the heart-beat header of CONNECTED frames. A non-zero
// first value makes the broker send heartbeats at that interval.
func (b *Broker) SetHeartBeat(v string) {
	b.mu.Lock()
	b.heartBeat = v
	b.mu.Unlock()
}

// Reject makes the broker answer CONNECT with an ERROR frame. An empty msg
// accepts connections again.
func (b *Broker) Reject(msg string) {
	b.mu.Lock()
	b.reject = msg
	b.mu.Unlock()
}

// Mute stops all broker output, heartbeats included, without closing.
func (b *Broker) Mute(muted bool) {
	b.mu.Lock()
	b.muted = muted
	b.mu.Unlock()
}

// Publish delivers body to every subscription on destination and returns
// how many subscriptions received it.
func (b *Broker) Publish(destination string, body []byte) int {
	b.mu.Lock()
	type target struct {
		s  *session
		id string
	}
	var targets []target
	for s := range b.sessions {
		for id, dest := range s.subs {
			if dest == destination {
				targets = append(targets, target{s, id})
			}
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		b.mu.Lock()
		b.nextMsg++
		msgID := strconv.Itoa(b.nextMsg)
		b.mu.Unlock()
		f := frame.New(frame.MESSAGE,
			frame.Destination, destination,
			frame.Subscription, t.id,
			frame.MessageId, msgID,
			frame.ContentType, "application/json",
		)
		f.Body = body
		_ = t.s.write(f)
	}
	return len(targets)
}

// SendError sends an ERROR frame on every session without closing it.
func (b *Broker) SendError(msg string) {
	for _, s := range b.snapshot() {
		_ = s.write(frame.New(frame.ERROR, frame.Message, msg))
	}
}

// DropAll closes every session's socket without a close handshake.
func (b *Broker) DropAll() {
	for _, s := range b.snapshot() {
		_ = s.ws.Close()
	}
}

// Subscriptions returns how many live subscriptions target destination.
func (b *Broker) Subscriptions(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.sessions {
		for _, dest := range s.subs {
			if dest == destination {
				n++
			}
		}
	}
	return n
}

// Destinations returns the subscribed destinations, sorted, one entry per
// subscription.
func (b *Broker) Destinations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for s := range b.sessions {
		for _, dest := range s.subs {
			out = append(out, dest)
		}
	}
	sort.Strings(out)
	return out
}

// Connects returns the CONNECT frames received so far.
func (b *Broker) Connects() []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*frame.Frame(nil), b.connects...)
}

// Disconnects returns the DISCONNECT frames received so far.
func (b *Broker) Disconnects() []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*frame.Frame(nil), b.disconnects...)
}

// IgnoreReceipts makes the broker drop the socket on DISCONNECT without
// answering a receipt request.
func (b *Broker) IgnoreReceipts(ignore bool) {
	b.mu.Lock()
	b.noReceipts = ignore
	b.mu.Unlock()
}

// Sent returns the SEND frames received so far.
func (b *Broker) Sent() []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*frame.Frame(nil), b.sent...)
}

// Sessions returns the number of open sessions.
func (b *Broker) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Broker) snapshot() []*session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		out = append(out, s)
	}
	return out
}

func (b *Broker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &session{ws: ws, subs: make(map[string]string), done: make(chan struct{})}
	defer func() {
		close(s.done)
		b.mu.Lock()
		delete(b.sessions, s)
		b.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		rd := frame.NewReader(bytes.NewReader(data))
		for {
			f, err := rd.Read()
			if err != nil {
				break
			}
			if f == nil {
				continue
			}
			if !b.handle(s, f) {
				return
			}
		}
	}
}

func (b *Broker) handle(s *session, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		b.mu.Lock()
		b.connects = append(b.connects, f)
		reject, hb := b.reject, b.heartBeat
		b.mu.Unlock()
		if reject != "" {
			_ = s.write(frame.New(frame.ERROR, frame.Message, reject))
			return false
		}
		b.mu.Lock()
		b.sessions[s] = struct{}{}
		b.mu.Unlock()
		_ = s.write(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, hb))
		if sx, _, err := frame.ParseHeartBeat(hb); err == nil && sx > 0 {
			go b.heartbeat(s, sx)
		}
	case frame.SUBSCRIBE:
		b.mu.Lock()
		s.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		b.mu.Unlock()
	case frame.UNSUBSCRIBE:
		b.mu.Lock()
		delete(s.subs, f.Header.Get(frame.Id))
		b.mu.Unlock()
	case frame.SEND:
		b.mu.Lock()
		b.sent = append(b.sent, f)
		b.mu.Unlock()
	case frame.DISCONNECT:
		b.mu.Lock()
		b.disconnects = append(b.disconnects, f)
		noReceipts := b.noReceipts
		b.mu.Unlock()
		if id := f.Header.Get(frame.Receipt); id != "" && !noReceipts {
			_ = s.write(frame.New(frame.RECEIPT, frame.ReceiptId, id))
		}
		return false
	}
	return true
}

func (b *Broker) heartbeat(s *session, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			b.mu.Lock()
			muted := b.muted
			b.mu.Unlock()
			if !muted {
				_ = s.writeRaw([]byte{'\n'})
			}
		}
	}
}

func (s *session) write(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	return s.writeRaw(buf.Bytes())
}

func (s *session) writeRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, data)
}
