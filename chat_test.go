package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatFixture struct {
	api     *fakeAPI
	chat    *Chat
	store   *MessageStore
	rooms   *RoomList
	metrics *Metrics
}

// newChatFixture builds a Chat without a live connection; room
// subscriptions stay pending.
func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	api := newFakeAPI(t)
	client := testClient(api)
	conn := NewConnection(RealtimeConfig{URL: "ws://127.0.0.1:1/ws"})
	metrics := NewMetrics(prometheus.NewRegistry())
	ingest := NewIngestor(NewRegistry(conn, nil), testSelfID, nil, metrics)
	store := NewMessageStore()
	rooms := NewRoomList(client, ingest, testSelfID, nil)
	return &chatFixture{
		api:     api,
		chat:    NewChat(client, conn, ingest, store, rooms, testSelfID, nil, metrics),
		store:   store,
		rooms:   rooms,
		metrics: metrics,
	}
}

func TestChatSendReconcilesOptimisticMessage(t *testing.T) {
	f := newChatFixture(t)
	f.api.setRooms(directRoom(7, "Bob"))
	ctx := context.Background()

	_, err := f.rooms.LoadMore(ctx)
	require.NoError(t, err)
	require.NoError(t, f.chat.Open(ctx, 7, nil))

	gate := f.api.holdSends()

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := f.chat.Send(ctx, 7, "hello", nil)
		done <- result{m, err}
	}()

	eventually(t, func() bool { return f.store.Len(7) == 1 }, "optimistic entry inserted")
	pending := f.store.Messages(7)[0]
	assert.Equal(t, StatusOptimistic, pending.Status)
	assert.True(t, IsPlaceholder(pending.LocalID))
	assert.Equal(t, "hello", pending.Content)

	close(gate)
	res := <-done
	require.NoError(t, res.err)

	msgs := f.store.Messages(7)
	require.Len(t, msgs, 1)
	assert.Equal(t, res.msg.ID, msgs[0].ID)
	assert.Equal(t, StatusConfirmed, msgs[0].Status)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.True(t, msgs[0].FromMe)

	summary, ok := f.rooms.Room(7)
	require.True(t, ok)
	assert.Equal(t, "hello", summary.Preview)

	sent := f.api.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "7", sent[0].RoomID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Sends.WithLabelValues("confirmed")))
}

func TestChatSendFailureRollsBack(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	require.NoError(t, f.chat.Open(ctx, 4, nil))
	f.api.failSends(400)

	_, err := f.chat.Send(ctx, 4, "doomed", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, "rejected", apiErr.Message)

	assert.Zero(t, f.store.Len(4), "optimistic entry removed")
	assert.Len(t, f.api.sent(), 1, "no automatic retry")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Sends.WithLabelValues("failed")))
}

func TestChatSendNetworkFailureRollsBack(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	require.NoError(t, f.chat.Open(ctx, 4, nil))
	f.api.Close()

	_, err := f.chat.Send(ctx, 4, "offline", nil)
	require.Error(t, err)
	assert.Zero(t, f.store.Len(4))
}

func TestChatSendWithAttachment(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	require.NoError(t, f.chat.Open(ctx, 2, nil))

	gate := f.api.holdSends()

	done := make(chan error, 1)
	go func() {
		_, err := f.chat.Send(ctx, 2, "", &SendOptions{
			Files:           []Upload{{Name: "cat.png", Data: []byte("png")}},
			ReplyTargetID:   9,
			ReplyTargetType: "MESSAGE",
		})
		done <- err
	}()

	eventually(t, func() bool { return f.store.Len(2) == 1 }, "optimistic entry inserted")
	pending := f.store.Messages(2)[0]
	assert.Equal(t, KindImage, pending.Kind)
	assert.Equal(t, "blob:cat.png", pending.Content)

	close(gate)
	require.NoError(t, <-done)
	msgs := f.store.Messages(2)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindImage, msgs[0].Kind)
	assert.Equal(t, "https://cdn.test/cat.png", msgs[0].Content)

	sent := f.api.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"cat.png"}, sent[0].Files)
	assert.Equal(t, "9", sent[0].RepliedTargetID)
}

func TestChatScrollOlderPreservesPosition(t *testing.T) {
	f := newChatFixture(t)
	f.api.seed(5, 2*MessagePageSize)
	ctx := context.Background()

	require.NoError(t, f.chat.Open(ctx, 5, nil))
	require.Equal(t, MessagePageSize, f.store.Len(5))
	require.True(t, f.store.HasOlder(5))

	const rowHeight = 20.0
	v := Viewport{ScrollTop: 10, ClientHeight: 400, ScrollHeight: MessagePageSize * rowHeight}
	top, err := f.chat.ScrollOlder(ctx, 5, v, func() float64 {
		return float64(f.store.Len(5)) * rowHeight
	})
	require.NoError(t, err)
	assert.Equal(t, MessagePageSize*rowHeight+10, top, "offset shifted by the prepended height")

	msgs := f.store.Messages(5)
	require.Len(t, msgs, 2*MessagePageSize)
	seen := make(map[int64]bool)
	for i, m := range msgs {
		assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.True(t, msgs[i-1].CreatedAt.Before(m.CreatedAt), "oldest to newest")
		}
	}
	assert.False(t, f.store.HasOlder(5))

	top, err = f.chat.ScrollOlder(ctx, 5, Viewport{ScrollTop: 0}, nil)
	require.NoError(t, err)
	assert.Zero(t, top)
}

func TestChatScrollOlderAwayFromTop(t *testing.T) {
	f := newChatFixture(t)
	f.api.seed(5, 2*MessagePageSize)
	ctx := context.Background()
	require.NoError(t, f.chat.Open(ctx, 5, nil))

	top, err := f.chat.ScrollOlder(ctx, 5, Viewport{ScrollTop: 500}, nil)
	require.NoError(t, err)
	assert.Equal(t, 500.0, top)
	assert.Equal(t, MessagePageSize, f.store.Len(5))
}

func TestChatLoadOlderOnUnopenedRoom(t *testing.T) {
	f := newChatFixture(t)
	_, err := f.chat.LoadOlder(context.Background(), 99)
	assert.ErrorIs(t, err, ErrRoomNotLoaded)
}

func TestChatFetchRetries(t *testing.T) {
	f := newChatFixture(t)
	f.api.seed(6, 3)
	f.api.failFetches(2)

	require.NoError(t, f.chat.Open(context.Background(), 6, nil))
	assert.Equal(t, 3, f.store.Len(6))
	assert.Equal(t, 3, f.api.fetchCount())
}

func TestChatFetchGivesUpAfterRetries(t *testing.T) {
	f := newChatFixture(t)
	f.api.failFetches(3)

	err := f.chat.Open(context.Background(), 6, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 503, apiErr.Status)
	assert.Equal(t, 3, f.api.fetchCount())
	assert.False(t, f.store.Loaded(6))
}

func TestChatCloseAndOpenRooms(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	require.NoError(t, f.chat.Open(ctx, 3, nil))
	require.NoError(t, f.chat.Open(ctx, 1, nil))
	assert.Equal(t, []int64{1, 3}, f.chat.OpenRooms())

	f.chat.Close(3)
	assert.Equal(t, []int64{1}, f.chat.OpenRooms())
	assert.True(t, f.store.Loaded(3), "cache outlives the view")

	f.chat.CloseAll()
	assert.Empty(t, f.chat.OpenRooms())
}

func TestChatRelay(t *testing.T) {
	b := startBroker(t)
	conn := connectTest(t, testRealtime(b), Identity{UserID: "1"})
	chat := NewChat(nil, conn, nil, NewMessageStore(), nil, testSelfID, nil, nil)

	require.NoError(t, chat.Relay(context.Background(), 12, "via socket"))
	eventually(t, func() bool { return len(b.Sent()) == 1 }, "relayed")

	var got relayMessage
	require.NoError(t, json.Unmarshal(b.Sent()[0].Body, &got))
	assert.Equal(t, relayMessage{RoomID: 12, Content: "via socket"}, got)
}
