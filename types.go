package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error body returned by the REST backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"status"`
	Message string `json:"errorMessage"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500
}

// ID is a numeric identifier that decodes from either a JSON number or a
// JSON string.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n)
	return nil
}

// Timestamp accepts RFC 3339 values as well as zone-less local date-times,
// which are read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"02-01-2006 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ParseTimestamp parses the date-time formats produced by the backend.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Page is one slice of a paginated REST listing.
type Page[T any] struct {
	Content       []T  `json:"content"`
	Number        int  `json:"number"`
	TotalPages    int  `json:"totalPages"`
	TotalElements int  `json:"totalElements"`
	Last          bool `json:"last"`
}

// HasNext reports whether a page after this one exists.
func (p *Page[T]) HasNext() bool {
	return p.Number+1 < p.TotalPages
}

// ============================================================================
// Wire Types
// ============================================================================

// FileRef is a stored file as returned by the backend.
type FileRef struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
	Type string `json:"type,omitempty"`
}

// Ref returns the address a client should load the file from.
func (f *FileRef) Ref() string {
	if f == nil {
		return ""
	}
	if f.URL != "" {
		return f.URL
	}
	return f.Path
}

type UserInfo struct {
	ID           int64    `json:"id"`
	Email        string   `json:"email"`
	FirstName    string   `json:"firstName"`
	LastName     string   `json:"lastName"`
	ActiveStatus string   `json:"activeStatus"`
	Avatar       *FileRef `json:"avatar,omitempty"`
}

// FullName returns "first last", trimmed.
func (u *UserInfo) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// MessagePayload is the message shape shared by REST responses and pushes.
type MessagePayload struct {
	ID          int64      `json:"id"`
	Sender      *UserInfo  `json:"sender"`
	CreatedAt   Timestamp  `json:"createdAt"`
	Content     string     `json:"content"`
	Status      string     `json:"status,omitempty"`
	IsDeleted   bool       `json:"isDeleted,omitempty"`
	Attachments []*FileRef `json:"attachments,omitempty"`
}

type ChatRoomMember struct {
	ID       int64     `json:"id"`
	User     *UserInfo `json:"user"`
	Roles    []string  `json:"roles,omitempty"`
	JoinedAt Timestamp `json:"joinedAt"`
	Nickname string    `json:"nickname,omitempty"`
}

type ChatRoom struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name,omitempty"`
	Avatar    *FileRef          `json:"avatar,omitempty"`
	CreatedAt Timestamp         `json:"createdAt"`
	Members   []*ChatRoomMember `json:"members"`
}

// RoomUpdate is the room-list push payload.
type RoomUpdate struct {
	RoomID      ID        `json:"roomId"`
	LastMessage string    `json:"lastMessage"`
	Time        Timestamp `json:"time"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery state of a cached message.
type MessageStatus int

const (
	StatusOptimistic MessageStatus = iota
	StatusConfirmed
	StatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case StatusOptimistic:
		return "optimistic"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// MessageKind distinguishes text content from an attachment reference.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
)

const placeholderPrefix = "temp_"

// Message is a cached chat message. Optimistic messages carry a LocalID and
// no server ID; confirmed messages carry the server ID.
type Message struct {
	ID        int64
	LocalID   string
	RoomID    int64
	SenderID  int64
	FromMe    bool
	Kind      MessageKind
	Content   string
	CreatedAt time.Time
	Status    MessageStatus
}

// Key returns the identity used for deduplication within a room.
func (m *Message) Key() string {
	if m.Status == StatusOptimistic || m.ID == 0 {
		return m.LocalID
	}
	return strconv.FormatInt(m.ID, 10)
}

// NewOptimistic builds a locally originated message with a fresh placeholder id.
func NewOptimistic(roomID, senderID int64, kind MessageKind, content string, now time.Time) *Message {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Message{
		LocalID:   placeholderPrefix + id.String(),
		RoomID:    roomID,
		SenderID:  senderID,
		FromMe:    true,
		Kind:      kind,
		Content:   content,
		CreatedAt: now,
		Status:    StatusOptimistic,
	}
}

// Confirm returns the confirmed form of an optimistic message.
func (m *Message) Confirm(confirmed *Message) (*Message, error) {
	if m.Status != StatusOptimistic {
		return nil, fmt.Errorf("confirm %s: message is %s", m.Key(), m.Status)
	}
	out := *confirmed
	out.LocalID = m.LocalID
	out.Status = StatusConfirmed
	if out.RoomID == 0 {
		out.RoomID = m.RoomID
	}
	return &out, nil
}

// Fail returns the failed form of an optimistic message.
func (m *Message) Fail() (*Message, error) {
	if m.Status != StatusOptimistic {
		return nil, fmt.Errorf("fail %s: message is %s", m.Key(), m.Status)
	}
	out := *m
	out.Status = StatusFailed
	return &out, nil
}

// IsPlaceholder reports whether id was produced by NewOptimistic.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}

// ============================================================================
// Room Summaries
// ============================================================================

// RoomSummary is the list-view representation of a chat room.
type RoomSummary struct {
	RoomID       int64
	Name         string
	Avatar       string
	Preview      string
	LastActivity time.Time
	Online       bool
	Unread       int
}
