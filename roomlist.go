package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultRoomAvatar = "/api/placeholder/40/40"
	EmptyPreview      = "No messages yet"
	ImagePreview      = "[image]"

	activeStatusOnline = "ONLINE"
	tracerName         = "github.com/viet2109/chatsync"
)

// ============================================================================
// Summaries
// ============================================================================

// SummarizeRoom derives the list entry of a room as seen by selfID. latest
// may be nil for a room without messages.
func SummarizeRoom(room *ChatRoom, latest *MessagePayload, selfID int64) RoomSummary {
	s := RoomSummary{
		RoomID:  room.ID,
		Avatar:  room.Avatar.Ref(),
		Preview: EmptyPreview,
	}

	var others []*ChatRoomMember
	for _, m := range room.Members {
		if m == nil || m.User == nil || m.User.ID == selfID {
			continue
		}
		others = append(others, m)
	}

	if len(room.Members) > 2 {
		s.Name = room.Name
		if s.Name == "" {
			s.Name = "Group chat " + strconv.FormatInt(room.ID, 10)
		}
	} else if len(others) > 0 {
		other := others[0]
		switch {
		case other.Nickname != "":
			s.Name = other.Nickname
		case other.User.FullName() != "":
			s.Name = other.User.FullName()
		case other.User.Email != "":
			s.Name = other.User.Email
		default:
			s.Name = "User " + strconv.FormatInt(other.User.ID, 10)
		}
		if s.Avatar == "" {
			s.Avatar = other.User.Avatar.Ref()
		}
	} else {
		s.Name = room.Name
		if s.Name == "" {
			s.Name = "Chat " + strconv.FormatInt(room.ID, 10)
		}
	}
	if s.Avatar == "" {
		s.Avatar = DefaultRoomAvatar
	}

	for _, m := range others {
		if m.User.ActiveStatus == activeStatusOnline {
			s.Online = true
			break
		}
	}

	if latest != nil {
		s.Preview = latest.Content
		if len(latest.Attachments) > 0 {
			s.Preview = ImagePreview
		}
		s.LastActivity = latest.CreatedAt.Time
	} else if len(room.Members) > 0 && room.Members[0] != nil {
		s.LastActivity = room.Members[0].JoinedAt.Time
	}
	return s
}

// FormatActivity renders t relative to now for a room list.
func FormatActivity(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	case d < 48*time.Hour:
		return "yesterday"
	case d < 7*24*time.Hour:
		return t.Weekday().String()
	case t.Year() == now.Year():
		return t.Format("Jan 2")
	}
	return t.Format("Jan 2, 2006")
}

// ============================================================================
// RoomList
// ============================================================================

// RoomList caches room summaries page by page and keeps their previews
// current from room-list pushes. Entries are updated in place and never
// reordered.
type RoomList struct {
	client *Client
	ingest *Ingestor
	selfID int64
	logger *slog.Logger
	tracer trace.Tracer

	mu          sync.Mutex
	rooms       []*RoomSummary
	index       map[int64]*RoomSummary
	nextPage    int
	totalPages  int
	loaded      bool
	loading     bool
	unsubscribe func()
	onChange    func(RoomSummary)
}

func NewRoomList(client *Client, ingest *Ingestor, selfID int64, logger *slog.Logger) *RoomList {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RoomList{
		client: client,
		ingest: ingest,
		selfID: selfID,
		logger: logger.With("component", "roomlist"),
		tracer: otel.Tracer(tracerName),
		index:  make(map[int64]*RoomSummary),
	}
}

// Start subscribes to the room-list topic. Calling it again is a no-op.
func (rl *RoomList) Start() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.unsubscribe != nil {
		return
	}
	rl.unsubscribe = rl.ingest.SubscribeRoomList(func(u *RoomUpdate) {
		rl.Apply(u)
	})
}

// Stop removes the room-list subscription.
func (rl *RoomList) Stop() {
	rl.mu.Lock()
	unsubscribe := rl.unsubscribe
	rl.unsubscribe = nil
	rl.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// HasMore reports whether another page can be loaded.
func (rl *RoomList) HasMore() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return !rl.loaded || rl.nextPage < rl.totalPages
}

// LoadMore fetches the next page of rooms and appends their summaries. It
// returns the number of rooms added.
func (rl *RoomList) LoadMore(ctx context.Context) (int, error) {
	rl.mu.Lock()
	if rl.loading || (rl.loaded && rl.nextPage >= rl.totalPages) {
		rl.mu.Unlock()
		return 0, nil
	}
	rl.loading = true
	page := rl.nextPage
	rl.mu.Unlock()

	defer func() {
		rl.mu.Lock()
		rl.loading = false
		rl.mu.Unlock()
	}()

	ctx, span := rl.tracer.Start(ctx, "roomlist.load_more",
		trace.WithAttributes(attribute.Int("page", page)))
	defer span.End()

	result, err := rl.client.FetchChatRooms(ctx, rl.selfID, PageRequest{Page: page, Size: RoomPageSize})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	summaries := make([]RoomSummary, 0, len(result.Content))
	for i := range result.Content {
		room := &result.Content[i]
		latest, err := rl.client.FetchLatestMessage(ctx, room.ID)
		if err != nil {
			rl.logger.Warn("latest message unavailable", "room", room.ID, "error", err)
			latest = nil
		}
		summaries = append(summaries, SummarizeRoom(room, latest, rl.selfID))
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	added := 0
	for i := range summaries {
		s := summaries[i]
		if _, ok := rl.index[s.RoomID]; ok {
			continue
		}
		rl.rooms = append(rl.rooms, &s)
		rl.index[s.RoomID] = &s
		added++
	}
	rl.loaded = true
	rl.nextPage = result.Number + 1
	rl.totalPages = result.TotalPages
	span.SetAttributes(attribute.Int("added", added))
	return added, nil
}

// ScrollMore loads the next page when v is near the bottom. It reports
// whether a page was requested.
func (rl *RoomList) ScrollMore(ctx context.Context, v Viewport) (bool, error) {
	if !v.NearBottom() || !rl.HasMore() {
		return false, nil
	}
	_, err := rl.LoadMore(ctx)
	return true, err
}

// Apply updates the preview of the pushed room in place. Unknown rooms are
// ignored. It reports whether a summary changed.
func (rl *RoomList) Apply(u *RoomUpdate) bool {
	rl.mu.Lock()
	s, ok := rl.index[int64(u.RoomID)]
	if !ok {
		rl.mu.Unlock()
		rl.logger.Debug("update for unlisted room", "room", int64(u.RoomID))
		return false
	}
	s.Preview = u.LastMessage
	if !u.Time.IsZero() {
		s.LastActivity = u.Time.Time
	}
	snapshot, onChange := *s, rl.onChange
	rl.mu.Unlock()

	if onChange != nil {
		onChange(snapshot)
	}
	return true
}

// OnChange registers h to be called with every summary Apply changed.
func (rl *RoomList) OnChange(h func(RoomSummary)) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.onChange = h
}

// Touch refreshes a room's preview from a confirmed message.
func (rl *RoomList) Touch(m Message) bool {
	preview := m.Content
	if m.Kind == KindImage {
		preview = ImagePreview
	}
	return rl.Apply(&RoomUpdate{
		RoomID:      ID(m.RoomID),
		LastMessage: preview,
		Time:        Timestamp{Time: m.CreatedAt},
	})
}

// Rooms returns a snapshot of the summaries in list order.
func (rl *RoomList) Rooms() []RoomSummary {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make([]RoomSummary, len(rl.rooms))
	for i, s := range rl.rooms {
		out[i] = *s
	}
	return out
}

// Room returns the summary of roomID.
func (rl *RoomList) Room(roomID int64) (RoomSummary, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s, ok := rl.index[roomID]
	if !ok {
		return RoomSummary{}, false
	}
	return *s, true
}

// Upsert adds or replaces a summary without reordering existing entries.
func (rl *RoomList) Upsert(s RoomSummary) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if cur, ok := rl.index[s.RoomID]; ok {
		*cur = s
		return
	}
	rl.rooms = append(rl.rooms, &s)
	rl.index[s.RoomID] = &s
}
