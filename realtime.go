package chatsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"nhooyr.io/websocket"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection closed")
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultRealtimeURL    = "ws://localhost:8080/ws"
	DefaultReconnectDelay = 5 * time.Second
	DefaultHeartbeat      = 4 * time.Second
	DefaultDialTimeout    = 10 * time.Second

	stompSubprotocol = "v12.stomp"
	readLimit        = 1 << 20

	// receiptTimeout bounds the wait for the DISCONNECT receipt.
	receiptTimeout = time.Second
)

// RealtimeConfig configures a Connection. A negative heartbeat disables
// that direction.
type RealtimeConfig struct {
	URL                  string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // 0 retries forever
	HeartbeatOutgoing    time.Duration
	HeartbeatIncoming    time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.URL == "" {
		c.URL = DefaultRealtimeURL
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatOutgoing == 0 {
		c.HeartbeatOutgoing = DefaultHeartbeat
	}
	if c.HeartbeatIncoming == 0 {
		c.HeartbeatIncoming = DefaultHeartbeat
	}
	if c.HeartbeatOutgoing < 0 {
		c.HeartbeatOutgoing = 0
	}
	if c.HeartbeatIncoming < 0 {
		c.HeartbeatIncoming = 0
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// ConnectionState represents the connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Identity is attached to the CONNECT frame.
type Identity struct {
	UserID string
	Token  string
}

func (id Identity) headers(host string, out, in time.Duration) []string {
	h := []string{
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, fmt.Sprintf("%d,%d", out.Milliseconds(), in.Milliseconds()),
		"user-id", id.UserID,
	}
	if id.Token != "" {
		h = append(h, "Authorization", "Bearer "+id.Token)
	}
	return h
}

// ============================================================================
// Observers
// ============================================================================

type observers struct {
	mu        sync.RWMutex
	next      int
	onConnect map[int]func()
	onError   map[int]func(string)
}

func newObservers() *observers {
	return &observers{
		onConnect: make(map[int]func()),
		onError:   make(map[int]func(string)),
	}
}

func (o *observers) emitConnected() {
	o.mu.RLock()
	handlers := make([]func(), 0, len(o.onConnect))
	for _, h := range o.onConnect {
		handlers = append(handlers, h)
	}
	o.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (o *observers) emitError(msg string) {
	o.mu.RLock()
	handlers := make([]func(string), 0, len(o.onError))
	for _, h := range o.onError {
		handlers = append(handlers, h)
	}
	o.mu.RUnlock()
	for _, h := range handlers {
		go h(msg)
	}
}

func (o *observers) clear() {
	o.mu.Lock()
	o.onConnect = make(map[int]func())
	o.onError = make(map[int]func(string))
	o.mu.Unlock()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	delay       time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		delay:       config.ReconnectDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts <= 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return r.delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Connection
// ============================================================================

// FrameHandler receives the body of a MESSAGE frame for a live subscription.
type FrameHandler func(destination string, body []byte)

// LiveSubscription identifies a subscription attached to one connected
// session. Epoch changes on every successful (re)connect.
type LiveSubscription struct {
	ID    string
	Epoch uint64
}

type liveSub struct {
	destination string
	handler     FrameHandler
}

// Connection is a STOMP-over-WebSocket client with fixed-delay reconnect and
// heartbeats. A Connection keeps at most one socket open at a time.
type Connection struct {
	config    *RealtimeConfig
	logger    *slog.Logger
	metrics   *Metrics
	observers *observers

	mu       sync.Mutex
	state    ConnectionState
	identity Identity
	conn     *websocket.Conn
	gen      uint64 // bumped by Connect and Disconnect
	epoch    uint64
	cancelFn context.CancelFunc
	ready    chan struct{}
	subs     map[string]*liveSub
	nextSub  int
	replay   func(epoch uint64)
	receipts map[string]chan struct{}

	lastRead atomic.Int64
}

// NewConnection creates a disconnected Connection.
func NewConnection(config RealtimeConfig) *Connection {
	config.defaults()
	return &Connection{
		config:    &config,
		logger:    config.Logger.With("component", "realtime"),
		metrics:   config.Metrics,
		observers: newObservers(),
		state:     StateDisconnected,
		ready:     make(chan struct{}),
		subs:      make(map[string]*liveSub),
		receipts:  make(map[string]chan struct{}),
	}
}

// OnConnect registers a handler called after every successful (re)connect.
// The returned func removes it.
func (c *Connection) OnConnect(h func()) func() {
	c.observers.mu.Lock()
	defer c.observers.mu.Unlock()
	id := c.observers.next
	c.observers.next++
	c.observers.onConnect[id] = h
	return func() {
		c.observers.mu.Lock()
		delete(c.observers.onConnect, id)
		c.observers.mu.Unlock()
	}
}

// OnError registers a handler for transport and protocol errors.
// The returned func removes it.
func (c *Connection) OnError(h func(msg string)) func() {
	c.observers.mu.Lock()
	defer c.observers.mu.Unlock()
	id := c.observers.next
	c.observers.next++
	c.observers.onError[id] = h
	return func() {
		c.observers.mu.Lock()
		delete(c.observers.onError, id)
		c.observers.mu.Unlock()
	}
}

// setReplay installs the hook that re-attaches subscriptions. Unlike
// observers it survives Disconnect.
func (c *Connection) setReplay(fn func(epoch uint64)) {
	c.mu.Lock()
	c.replay = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch returns the number of successful connects so far.
func (c *Connection) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Connect starts the connection lifecycle in the background. It is a no-op
// while a lifecycle is already running. The lifecycle stops on Disconnect or
// when ctx is canceled.
func (c *Connection) Connect(ctx context.Context, identity Identity) error {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return fmt.Errorf("invalid realtime url: %w", err)
	}

	c.mu.Lock()
	if c.cancelFn != nil {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.identity = identity
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelFn = cancel
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	go c.run(runCtx, gen, u.Host)
	return nil
}

// WaitConnected blocks until the connection is Connected or ctx is done.
func (c *Connection) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect sends DISCONNECT, closes the socket, stops reconnecting and
// clears observers. The server's receipt is awaited briefly; a server that
// drops the socket instead is treated as a clean close.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	cancel := c.cancelFn
	c.cancelFn = nil
	conn := c.conn
	c.conn = nil
	c.subs = make(map[string]*liveSub)
	if c.state == StateConnected {
		c.ready = make(chan struct{})
	}
	c.setStateLocked(StateDisconnected)
	receiptID := "disconnect-" + strconv.FormatUint(gen, 10)
	receipt := make(chan struct{})
	if conn != nil {
		c.receipts[receiptID] = receipt
	}
	c.mu.Unlock()

	c.observers.clear()

	if conn != nil {
		ctx, done := context.WithTimeout(context.Background(), receiptTimeout)
		err := writeFrame(ctx, conn, frame.New(frame.DISCONNECT, frame.Receipt, receiptID))
		if err == nil {
			select {
			case <-receipt:
			case <-ctx.Done():
				c.logger.Debug("no disconnect receipt", "receipt", receiptID)
			}
		} else {
			c.logger.Debug("disconnect frame not sent", "error", err)
		}
		done()

		c.mu.Lock()
		delete(c.receipts, receiptID)
		c.mu.Unlock()
		conn.CloseNow()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Subscribe attaches a live subscription on the current session.
func (c *Connection) Subscribe(destination string, h FrameHandler) (LiveSubscription, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return LiveSubscription{}, ErrNotConnected
	}
	c.nextSub++
	id := "sub-" + strconv.Itoa(c.nextSub)
	c.subs[id] = &liveSub{destination: destination, handler: h}
	conn, epoch := c.conn, c.epoch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	defer cancel()
	err := writeFrame(ctx, conn, frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	))
	if err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return LiveSubscription{}, fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return LiveSubscription{ID: id, Epoch: epoch}, nil
}

// Unsubscribe detaches a live subscription. Frames read after it returns
// are not delivered; a handler call already in progress is not waited for.
func (c *Connection) Unsubscribe(id string) error {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	conn := c.conn
	c.mu.Unlock()

	if !ok || conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	defer cancel()
	return writeFrame(ctx, conn, frame.New(frame.UNSUBSCRIBE, frame.Id, id))
}

// Publish sends a SEND frame to destination.
func (c *Connection) Publish(ctx context.Context, destination string, body []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
		frame.ContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body
	return writeFrame(ctx, conn, f)
}

// ============================================================================
// Lifecycle
// ============================================================================

func (c *Connection) run(ctx context.Context, gen uint64, host string) {
	defer c.stopped(gen)
	recon := newReconnector(c.config)
	for {
		connected, err := c.session(ctx, gen, host)
		if ctx.Err() != nil {
			return
		}
		if connected {
			recon.reset()
		}
		if !c.markLost(gen) {
			return
		}
		if err != nil {
			c.logger.Info("connection lost", "error", err)
			c.observers.emitError(err.Error())
		}
		if !recon.shouldReconnect() {
			c.logger.Warn("giving up reconnecting", "attempts", recon.attempt)
			return
		}

		delay := recon.nextDelay()
		c.logger.Info("scheduling reconnect", "attempt", recon.attempt, "delay", delay)
		c.metrics.reconnectAttempt()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()
	}
}

// session dials once and serves the socket until it fails.
func (c *Connection) session(ctx context.Context, gen uint64, host string) (bool, error) {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.config.URL, &websocket.DialOptions{
		HTTPClient:   c.config.HTTPClient,
		Subprotocols: []string{stompSubprotocol},
	})
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	outgoing, incoming, err := c.handshake(dialCtx, conn, identity, host)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return false, err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return false, nil
	}
	c.conn = conn
	c.epoch++
	epoch := c.epoch
	c.subs = make(map[string]*liveSub)
	c.setStateLocked(StateConnected)
	close(c.ready)
	replay := c.replay
	c.mu.Unlock()

	c.logger.Info("connected", "epoch", epoch, "heartbeat_out", outgoing, "heartbeat_in", incoming)
	c.lastRead.Store(time.Now().UnixNano())

	if replay != nil {
		replay(epoch)
	}
	c.observers.emitConnected()

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go c.heartbeatLoop(connCtx, conn, outgoing, incoming)

	err = c.readLoop(connCtx, conn)
	conn.CloseNow()
	return true, err
}

// handshake sends CONNECT and waits for CONNECTED. It returns the negotiated
// heartbeat intervals.
func (c *Connection) handshake(ctx context.Context, conn *websocket.Conn, id Identity, host string) (time.Duration, time.Duration, error) {
	connect := frame.New(frame.CONNECT, id.headers(host, c.config.HeartbeatOutgoing, c.config.HeartbeatIncoming)...)
	if err := writeFrame(ctx, conn, connect); err != nil {
		return 0, 0, fmt.Errorf("write connect: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("read connected: %w", err)
		}
		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err == io.EOF || (err == nil && f == nil) {
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("decode connected: %w", err)
		}
		switch f.Command {
		case frame.CONNECTED:
			out, in := c.negotiate(f.Header.Get(frame.HeartBeat))
			return out, in, nil
		case frame.ERROR:
			msg := errorText(f)
			c.observers.emitError(msg)
			return 0, 0, fmt.Errorf("connect rejected: %s", msg)
		default:
			return 0, 0, fmt.Errorf("expected CONNECTED, got %s", f.Command)
		}
	}
}

func (c *Connection) negotiate(serverHeartBeat string) (time.Duration, time.Duration) {
	if serverHeartBeat == "" {
		return 0, 0
	}
	sx, sy, err := frame.ParseHeartBeat(serverHeartBeat)
	if err != nil {
		c.logger.Warn("invalid heart-beat header", "value", serverHeartBeat, "error", err)
		return 0, 0
	}
	var out, in time.Duration
	if cx := c.config.HeartbeatOutgoing; cx > 0 && sy > 0 {
		out = max(cx, sy)
	}
	if cy := c.config.HeartbeatIncoming; cy > 0 && sx > 0 {
		in = max(cy, sx)
	}
	return out, in
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.lastRead.Store(time.Now().UnixNano())

		r := frame.NewReader(bytes.NewReader(data))
		for {
			f, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				c.logger.Warn("dropping malformed frame", "error", err)
				break
			}
			if f == nil {
				continue
			}
			c.metrics.frameReceived(f.Command)
			c.handleFrame(f)
		}
	}
}

func (c *Connection) handleFrame(f *frame.Frame) {
	switch f.Command {
	case frame.MESSAGE:
		id := f.Header.Get(frame.Subscription)
		c.mu.Lock()
		sub, ok := c.subs[id]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("message for unknown subscription", "subscription", id)
			return
		}
		sub.handler(f.Header.Get(frame.Destination), f.Body)
	case frame.RECEIPT:
		id := f.Header.Get(frame.ReceiptId)
		c.mu.Lock()
		ch, ok := c.receipts[id]
		delete(c.receipts, id)
		c.mu.Unlock()
		if ok {
			close(ch)
		}
	case frame.ERROR:
		msg := errorText(f)
		c.logger.Warn("server error frame", "message", msg)
		c.observers.emitError(msg)
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context, conn *websocket.Conn, outgoing, incoming time.Duration) {
	var sendC, checkC <-chan time.Time
	if outgoing > 0 {
		t := time.NewTicker(outgoing)
		defer t.Stop()
		sendC = t.C
	}
	if incoming > 0 {
		t := time.NewTicker(incoming)
		defer t.Stop()
		checkC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sendC:
			if err := conn.Write(ctx, websocket.MessageText, []byte{'\n'}); err != nil {
				return
			}
		case <-checkC:
			last := time.Unix(0, c.lastRead.Load())
			if time.Since(last) > 2*incoming {
				c.logger.Warn("heartbeat missed", "since", time.Since(last))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// markLost records the loss of the current socket. It reports false if the
// lifecycle was superseded by Disconnect or a newer Connect.
func (c *Connection) markLost(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.conn = nil
	c.subs = make(map[string]*liveSub)
	if c.state == StateConnected {
		c.ready = make(chan struct{})
	}
	c.setStateLocked(StateDisconnected)
	return true
}

// stopped ends the lifecycle gen when it exits on its own, through context
// cancellation or exhausted retries, so a later Connect starts a new one.
func (c *Connection) stopped(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.conn = nil
	c.subs = make(map[string]*liveSub)
	if c.state == StateConnected {
		c.ready = make(chan struct{})
	}
	if c.state != StateDisconnected {
		c.setStateLocked(StateDisconnected)
	}
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
}

func (c *Connection) setStateLocked(s ConnectionState) {
	c.state = s
	c.metrics.connectionState(s)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return fmt.Errorf("encode %s: %w", f.Command, err)
	}
	return conn.Write(ctx, websocket.MessageText, buf.Bytes())
}

func errorText(f *frame.Frame) string {
	if msg := f.Header.Get(frame.Message); msg != "" {
		return msg
	}
	return string(bytes.TrimRight(f.Body, "\x00\n"))
}
