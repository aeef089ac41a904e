package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/viet2109/chatsync"
)

// newLogger builds the CLI logger from the [log] section. Logs go to stderr
// so command output stays clean.
func newLogger(cfg ConfigLog, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// realtimeConfig converts the [realtime] section.
func realtimeConfig(cfg ConfigRealtime) (chatsync.RealtimeConfig, error) {
	var rc chatsync.RealtimeConfig
	if cfg.ReconnectDelay != "" {
		d, err := time.ParseDuration(cfg.ReconnectDelay)
		if err != nil {
			return rc, fmt.Errorf("realtime.reconnect_delay: %w", err)
		}
		rc.ReconnectDelay = d
	}
	if cfg.Heartbeat != "" {
		d, err := time.ParseDuration(cfg.Heartbeat)
		if err != nil {
			return rc, fmt.Errorf("realtime.heartbeat: %w", err)
		}
		if d == 0 {
			d = -1
		}
		rc.HeartbeatOutgoing = d
		rc.HeartbeatIncoming = d
	}
	rc.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	return rc, nil
}

// newSession creates a session from the stored config. reg may be nil.
func newSession(reg prometheus.Registerer) (*chatsync.Session, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("not logged in; run 'chatsync login <token>' first")
	}

	rc, err := realtimeConfig(cfg.Realtime)
	if err != nil {
		return nil, nil, err
	}
	var userID int64
	if cfg.Auth.UserID != "" {
		userID, err = strconv.ParseInt(cfg.Auth.UserID, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("auth.user_id: %w", err)
		}
	}

	session, err := chatsync.NewSession(chatsync.SessionConfig{
		BaseURL:     cfg.Default.BaseURL,
		RealtimeURL: cfg.Default.WSURL,
		Token:       cfg.Auth.Token,
		UserID:      userID,
		Realtime:    rc,
		Logger:      newLogger(cfg.Log, os.Stderr),
		Registerer:  reg,
	})
	if err != nil {
		return nil, nil, err
	}
	return session, cfg, nil
}

func parseRoomID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid room id %q", s)
	}
	return id, nil
}

func formatMessage(m chatsync.Message) string {
	who := "user " + strconv.FormatInt(m.SenderID, 10)
	if m.FromMe {
		who = "me"
	}
	content := m.Content
	if m.Kind == chatsync.KindImage {
		content = "[image] " + content
	}
	return fmt.Sprintf("%s  %-10s %s", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, content)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
