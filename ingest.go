package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

const (
	// RoomListTopic carries room-list updates for the current user.
	RoomListTopic = "/topic/rooms"

	roomTopicPrefix = "/topic/room."
)

// RoomTopic returns the push topic of a room.
func RoomTopic(roomID int64) string {
	return roomTopicPrefix + strconv.FormatInt(roomID, 10)
}

// RoomSendDestination returns the relay destination for publishing to a room.
func RoomSendDestination(roomID int64) string {
	return "/app/room." + strconv.FormatInt(roomID, 10) + "/send"
}

// ParseRoomTopic extracts the room id from a room topic.
func ParseRoomTopic(topic string) (int64, bool) {
	rest, ok := strings.CutPrefix(topic, roomTopicPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ToMessage maps a wire message to a confirmed Message in roomID. An
// attachment replaces the text content with the attachment reference.
func (p *MessagePayload) ToMessage(roomID, selfID int64) (*Message, error) {
	if p.ID == 0 {
		return nil, errors.New("message without id")
	}
	m := &Message{
		ID:        p.ID,
		RoomID:    roomID,
		Kind:      KindText,
		Content:   p.Content,
		CreatedAt: p.CreatedAt.Time,
		Status:    StatusConfirmed,
	}
	if p.Sender != nil {
		m.SenderID = p.Sender.ID
		m.FromMe = selfID != 0 && p.Sender.ID == selfID
	}
	if len(p.Attachments) > 0 && p.Attachments[0].Ref() != "" {
		m.Kind = KindImage
		m.Content = p.Attachments[0].Ref()
	}
	return m, nil
}

// DecodeMessage parses a message push body.
func DecodeMessage(body []byte, roomID, selfID int64) (*Message, error) {
	var p MessagePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return p.ToMessage(roomID, selfID)
}

// DecodeRoomUpdate parses a room-list push body.
func DecodeRoomUpdate(body []byte) (*RoomUpdate, error) {
	var u RoomUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode room update: %w", err)
	}
	if u.RoomID == 0 {
		return nil, errors.New("room update without roomId")
	}
	return &u, nil
}

// Ingestor decodes pushes and forwards them to typed handlers. It does not
// deduplicate; malformed bodies are logged and dropped.
type Ingestor struct {
	registry *Registry
	selfID   int64
	logger   *slog.Logger
	metrics  *Metrics
}

func NewIngestor(registry *Registry, selfID int64, logger *slog.Logger, metrics *Metrics) *Ingestor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ingestor{
		registry: registry,
		selfID:   selfID,
		logger:   logger.With("component", "ingest"),
		metrics:  metrics,
	}
}

// SubscribeRoom delivers decoded messages of roomID to h.
func (in *Ingestor) SubscribeRoom(roomID int64, h func(*Message)) func() {
	topic := RoomTopic(roomID)
	return in.registry.Subscribe(topic, func(body []byte) {
		m, err := DecodeMessage(body, roomID, in.selfID)
		if err != nil {
			in.drop(topic, "message", err)
			return
		}
		h(m)
	})
}

// UnsubscribeRoom stops delivery for roomID.
func (in *Ingestor) UnsubscribeRoom(roomID int64) {
	in.registry.Unsubscribe(RoomTopic(roomID))
}

// SubscribeRoomList delivers decoded room-list updates to h.
func (in *Ingestor) SubscribeRoomList(h func(*RoomUpdate)) func() {
	return in.registry.Subscribe(RoomListTopic, func(body []byte) {
		u, err := DecodeRoomUpdate(body)
		if err != nil {
			in.drop(RoomListTopic, "room_update", err)
			return
		}
		h(u)
	})
}

func (in *Ingestor) drop(topic, kind string, err error) {
	in.logger.Warn("dropping malformed push", "topic", topic, "error", err)
	in.metrics.decodeError(kind)
}
