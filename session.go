package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	BaseURL     string
	RealtimeURL string
	Token       string
	// UserID identifies the caller; when zero it is read from Token.
	UserID int64

	Realtime     RealtimeConfig
	HTTPClient   *http.Client
	FetchRetries *int
	Logger       *slog.Logger
	// Registerer receives the session metrics. Nil disables metrics.
	Registerer prometheus.Registerer
}

// Session owns one connection and everything built on it. It is created at
// login and torn down with Close.
type Session struct {
	Client   *Client
	Conn     *Connection
	Registry *Registry
	Ingest   *Ingestor
	Store    *MessageStore
	Rooms    *RoomList
	Chat     *Chat
	Metrics  *Metrics

	identity Identity
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewSession wires a session. Nothing is dialed until Start.
func NewSession(cfg SessionConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	userID := cfg.UserID
	if userID == 0 && cfg.Token != "" {
		info, err := ParseToken(cfg.Token)
		if err != nil {
			return nil, err
		}
		userID = info.UserID
	}
	if userID == 0 {
		return nil, errors.New("session: user id is required")
	}

	var metrics *Metrics
	if cfg.Registerer != nil {
		metrics = NewMetrics(cfg.Registerer)
	}

	opts := []ClientOption{WithLogger(logger)}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.FetchRetries != nil {
		opts = append(opts, WithFetchRetries(*cfg.FetchRetries))
	}
	client := NewClient(cfg.Token, opts...)

	rtc := cfg.Realtime
	if cfg.RealtimeURL != "" {
		rtc.URL = cfg.RealtimeURL
	}
	if rtc.Logger == nil {
		rtc.Logger = logger
	}
	if rtc.Metrics == nil {
		rtc.Metrics = metrics
	}
	conn := NewConnection(rtc)

	registry := NewRegistry(conn, logger)
	ingest := NewIngestor(registry, userID, logger, metrics)
	store := NewMessageStore()
	rooms := NewRoomList(client, ingest, userID, logger)

	return &Session{
		Client:   client,
		Conn:     conn,
		Registry: registry,
		Ingest:   ingest,
		Store:    store,
		Rooms:    rooms,
		Chat:     NewChat(client, conn, ingest, store, rooms, userID, logger, metrics),
		Metrics:  metrics,
		identity: Identity{UserID: strconv.FormatInt(userID, 10), Token: cfg.Token},
		logger:   logger.With("component", "session"),
	}, nil
}

// UserID returns the id of the session's user.
func (s *Session) UserID() string {
	return s.identity.UserID
}

// Start connects and subscribes to the room list. Connection failures are
// retried in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	s.Rooms.Start()
	if err := s.Conn.Connect(ctx, s.identity); err != nil {
		return fmt.Errorf("session start: %w", err)
	}
	s.logger.Info("session started", "user", s.identity.UserID)
	return nil
}

// Close unsubscribes everything and disconnects. The session cannot be
// restarted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Chat.CloseAll()
	s.Rooms.Stop()
	s.Registry.Clear()
	return s.Conn.Disconnect()
}
