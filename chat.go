package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	Files           []Upload
	ReplyTargetID   int64
	ReplyTargetType string
}

// Chat ties the room subscriptions, the message cache and the REST client
// together for open rooms.
type Chat struct {
	client  *Client
	conn    *Connection
	ingest  *Ingestor
	store   *MessageStore
	rooms   *RoomList
	selfID  int64
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu           sync.Mutex
	views        map[int64]func()
	loadingOlder map[int64]bool
}

func NewChat(client *Client, conn *Connection, ingest *Ingestor, store *MessageStore, rooms *RoomList, selfID int64, logger *slog.Logger, metrics *Metrics) *Chat {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Chat{
		client:       client,
		conn:         conn,
		ingest:       ingest,
		store:        store,
		rooms:        rooms,
		selfID:       selfID,
		logger:       logger.With("component", "chat"),
		metrics:      metrics,
		tracer:       otel.Tracer(tracerName),
		now:          time.Now,
		views:        make(map[int64]func()),
		loadingOlder: make(map[int64]bool),
	}
}

// Store returns the message cache.
func (c *Chat) Store() *MessageStore {
	return c.store
}

// Open subscribes to roomID and loads its newest page unless it is already
// cached. onMessage, if set, is called for every push that changed the
// cache. Opening an open room replaces its callback.
func (c *Chat) Open(ctx context.Context, roomID int64, onMessage func(Message)) error {
	unsubscribe := c.ingest.SubscribeRoom(roomID, func(m *Message) {
		merged := c.store.Merge(m)
		c.metrics.push(merged)
		if !merged {
			c.logger.Debug("duplicate push", "room", roomID, "id", m.ID)
			return
		}
		if c.rooms != nil {
			c.rooms.Touch(*m)
		}
		if onMessage != nil {
			onMessage(*m)
		}
	})

	c.mu.Lock()
	c.views[roomID] = unsubscribe
	c.mu.Unlock()

	if c.store.Loaded(roomID) {
		return nil
	}
	page, err := c.client.FetchMessages(ctx, roomID, c.selfID, PageRequest{Page: 0, Size: MessagePageSize})
	if err != nil {
		return err
	}
	c.store.SetInitial(roomID, page)
	return nil
}

// Close stops delivering pushes for roomID. The cache is kept.
func (c *Chat) Close(roomID int64) {
	c.mu.Lock()
	unsubscribe, ok := c.views[roomID]
	delete(c.views, roomID)
	c.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

// CloseAll closes every open room.
func (c *Chat) CloseAll() {
	for _, id := range c.OpenRooms() {
		c.Close(id)
	}
}

// OpenRooms returns the ids of open rooms in ascending order.
func (c *Chat) OpenRooms() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.views))
	for id := range c.views {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LoadOlder fetches the next older page of roomID and prepends it. It
// returns the number of messages added.
func (c *Chat) LoadOlder(ctx context.Context, roomID int64) (int, error) {
	next, err := c.store.NextOlderPage(roomID)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.loadingOlder[roomID] {
		c.mu.Unlock()
		return 0, nil
	}
	c.loadingOlder[roomID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.loadingOlder, roomID)
		c.mu.Unlock()
	}()

	ctx, span := c.tracer.Start(ctx, "chat.load_older", trace.WithAttributes(
		attribute.Int64("room", roomID),
		attribute.Int("page", next),
	))
	defer span.End()

	page, err := c.client.FetchMessages(ctx, roomID, c.selfID, PageRequest{Page: next, Size: MessagePageSize})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	return c.store.PrependOlder(roomID, page)
}

// ScrollOlder loads an older page when v is near the top and returns the
// scroll position that keeps the visible messages in place. measure reports
// the rendered height after the prepend.
func (c *Chat) ScrollOlder(ctx context.Context, roomID int64, v Viewport, measure func() float64) (float64, error) {
	if !v.NearTop() || !c.store.HasOlder(roomID) {
		return v.ScrollTop, nil
	}
	prev := v.ScrollHeight
	if _, err := c.LoadOlder(ctx, roomID); err != nil {
		return v.ScrollTop, err
	}
	if measure == nil {
		return v.ScrollTop, nil
	}
	return v.PreserveOffset(prev, measure()), nil
}

// Send shows content in roomID right away as an optimistic message, posts it
// and replaces it with the stored message. On failure the optimistic message
// is removed and the error returned; nothing is retried.
func (c *Chat) Send(ctx context.Context, roomID int64, content string, opts *SendOptions) (Message, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	kind, display := KindText, content
	if len(opts.Files) > 0 {
		kind, display = KindImage, "blob:"+opts.Files[0].Name
	}
	pending := NewOptimistic(roomID, c.selfID, kind, display, c.now())
	c.store.InsertOptimistic(pending)

	ctx, span := c.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.Int64("room", roomID),
		attribute.String("local_id", pending.LocalID),
	))
	defer span.End()

	fail := func(err error) (Message, error) {
		c.store.Rollback(roomID, pending.LocalID)
		c.metrics.send(false)
		c.logger.Warn("send failed", "room", roomID, "local_id", pending.LocalID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	resp, err := c.client.SendMessage(ctx, &SendMessageRequest{
		RoomID:          roomID,
		Content:         content,
		ReplyTargetID:   opts.ReplyTargetID,
		ReplyTargetType: opts.ReplyTargetType,
		Files:           opts.Files,
	})
	if err != nil {
		return fail(err)
	}
	confirmed, err := resp.ToMessage(roomID, c.selfID)
	if err != nil {
		return fail(err)
	}
	confirmed.FromMe = true

	final, err := c.store.Reconcile(roomID, pending.LocalID, confirmed)
	if err != nil {
		return fail(err)
	}
	if c.rooms != nil {
		c.rooms.Touch(final)
	}
	c.metrics.send(true)
	span.SetAttributes(attribute.Int64("id", final.ID))
	return final, nil
}

type relayMessage struct {
	RoomID  int64  `json:"roomId"`
	Content string `json:"content"`
}

// Relay publishes content to roomID over the live connection instead of
// REST. The message shows up through the room's push.
func (c *Chat) Relay(ctx context.Context, roomID int64, content string) error {
	if c.conn == nil {
		return errors.New("relay needs a connection")
	}
	body, err := json.Marshal(relayMessage{RoomID: roomID, Content: content})
	if err != nil {
		return err
	}
	if err := c.conn.Publish(ctx, RoomSendDestination(roomID), body); err != nil {
		return fmt.Errorf("relay to room %d: %w", roomID, err)
	}
	return nil
}
