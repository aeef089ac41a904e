package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confirmedMsg(roomID, id int64, content string) *Message {
	p := testPayload(id, 2, content)
	m, _ := p.ToMessage(roomID, testSelfID)
	return m
}

func pageOf(number, total int, msgs ...*Message) *Page[*Message] {
	return &Page[*Message]{Number: number, TotalPages: total, Content: msgs}
}

func TestMessageStoreOptimisticLifecycle(t *testing.T) {
	s := NewMessageStore()
	s.SetInitial(7, pageOf(0, 1, confirmedMsg(7, 1, "a"), confirmedMsg(7, 2, "b")))

	pending := NewOptimistic(7, testSelfID, KindText, "hello", testEpoch)
	s.InsertOptimistic(pending)

	msgs := s.Messages(7)
	require.Len(t, msgs, 3)
	assert.Equal(t, StatusOptimistic, msgs[2].Status)
	assert.True(t, IsPlaceholder(msgs[2].LocalID))

	final, err := s.Reconcile(7, pending.LocalID, confirmedMsg(7, 555, "hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(555), final.ID)
	assert.Equal(t, StatusConfirmed, final.Status)

	msgs = s.Messages(7)
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(555), msgs[2].ID, "confirmed message keeps the optimistic position")
	_, stillPending := s.Lookup(7, pending.LocalID)
	assert.False(t, stillPending)
}

func TestMessageStoreReconcileKeepsPosition(t *testing.T) {
	s := NewMessageStore()
	s.SetInitial(7, pageOf(0, 1, confirmedMsg(7, 1, "a")))

	pending := NewOptimistic(7, testSelfID, KindText, "mine", testEpoch)
	s.InsertOptimistic(pending)
	require.True(t, s.Merge(confirmedMsg(7, 2, "theirs")))

	_, err := s.Reconcile(7, pending.LocalID, confirmedMsg(7, 3, "mine"))
	require.NoError(t, err)

	var ids []int64
	for _, m := range s.Messages(7) {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{1, 3, 2}, ids)
}

func TestMessageStorePushBeforeResponse(t *testing.T) {
	s := NewMessageStore()
	s.SetInitial(7, pageOf(0, 1))

	pending := NewOptimistic(7, testSelfID, KindText, "hello", testEpoch)
	s.InsertOptimistic(pending)
	require.True(t, s.Merge(confirmedMsg(7, 555, "hello")))
	require.Equal(t, 2, s.Len(7))

	final, err := s.Reconcile(7, pending.LocalID, confirmedMsg(7, 555, "hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(555), final.ID)

	msgs := s.Messages(7)
	require.Len(t, msgs, 1, "optimistic entry must not survive next to its pushed copy")
	assert.Equal(t, int64(555), msgs[0].ID)
}

func TestMessageStoreRollback(t *testing.T) {
	s := NewMessageStore()
	s.SetInitial(4, pageOf(0, 1, confirmedMsg(4, 1, "a")))

	pending := NewOptimistic(4, testSelfID, KindText, "oops", testEpoch)
	s.InsertOptimistic(pending)
	require.Equal(t, 2, s.Len(4))

	assert.True(t, s.Rollback(4, pending.LocalID))
	assert.Equal(t, 1, s.Len(4))
	assert.False(t, s.Rollback(4, pending.LocalID), "second rollback is a no-op")
}

func TestMessageStoreMergeIsIdempotent(t *testing.T) {
	s := NewMessageStore()
	s.SetInitial(9, pageOf(0, 1, confirmedMsg(9, 1, "a")))

	assert.True(t, s.Merge(confirmedMsg(9, 555, "x")))
	n := s.Len(9)
	assert.False(t, s.Merge(confirmedMsg(9, 555, "x")))
	assert.Equal(t, n, s.Len(9))
	assert.False(t, s.Merge(confirmedMsg(9, 1, "a")), "duplicates in older pages are detected too")
}

func TestMessageStorePushesBeforeInitialLoadSurvive(t *testing.T) {
	s := NewMessageStore()
	require.True(t, s.Merge(confirmedMsg(42, 100, "hi")))
	assert.False(t, s.Loaded(42))

	s.SetInitial(42, pageOf(0, 1, confirmedMsg(42, 99, "earlier"), confirmedMsg(42, 100, "hi")))
	msgs := s.Messages(42)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(99), msgs[0].ID)
	assert.Equal(t, int64(100), msgs[1].ID)
	assert.True(t, s.Loaded(42))
}

func TestMessageStorePrependOlder(t *testing.T) {
	s := NewMessageStore()
	_, err := s.PrependOlder(3, pageOf(1, 2))
	require.ErrorIs(t, err, ErrRoomNotLoaded)

	s.SetInitial(3, pageOf(0, 2, confirmedMsg(3, 3, "c"), confirmedMsg(3, 4, "d")))
	next, err := s.NextOlderPage(3)
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	added, err := s.PrependOlder(3, pageOf(1, 2, confirmedMsg(3, 1, "a"), confirmedMsg(3, 2, "b"), confirmedMsg(3, 3, "c")))
	require.NoError(t, err)
	assert.Equal(t, 2, added, "overlapping message is skipped")

	var ids []int64
	for _, m := range s.Messages(3) {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)
	assert.Equal(t, 2, s.PageCount(3))

	_, err = s.NextOlderPage(3)
	assert.ErrorIs(t, err, ErrNoOlderPages)
	assert.False(t, s.HasOlder(3))
}

func TestMessageStoreOptimisticOnUnloadedRoom(t *testing.T) {
	s := NewMessageStore()
	pending := NewOptimistic(11, testSelfID, KindText, "first", testEpoch)
	s.InsertOptimistic(pending)

	s.SetInitial(11, pageOf(0, 1, confirmedMsg(11, 1, "old")))
	msgs := s.Messages(11)
	require.Len(t, msgs, 2)
	assert.Equal(t, pending.LocalID, msgs[1].LocalID)
}

func TestMessageStoreForget(t *testing.T) {
	s := NewMessageStore()
	s.SetInitial(1, pageOf(0, 1, confirmedMsg(1, 1, "a")))
	s.Forget(1)
	assert.False(t, s.Loaded(1))
	assert.Empty(t, s.Messages(1))
}

func TestMessageTransitions(t *testing.T) {
	pending := NewOptimistic(1, testSelfID, KindText, "x", testEpoch)
	other := NewOptimistic(1, testSelfID, KindText, "x", testEpoch)
	assert.NotEqual(t, pending.LocalID, other.LocalID)

	failed, err := pending.Fail()
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)

	confirmed, err := pending.Confirm(confirmedMsg(1, 9, "x"))
	require.NoError(t, err)
	assert.Equal(t, "9", confirmed.Key())

	_, err = confirmed.Confirm(confirmedMsg(1, 10, "x"))
	assert.Error(t, err, "confirmed messages are immutable")
	_, err = confirmed.Fail()
	assert.Error(t, err)
}
