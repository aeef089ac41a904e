package chatsync

import (
	"errors"
	"sync"
)

var (
	ErrRoomNotLoaded = errors.New("room not loaded")
	ErrNoOlderPages  = errors.New("no older pages")
)

// MessagePage is one fetched page of a room's history, oldest first.
// Number is the server page index; locally created pages use -1.
type MessagePage struct {
	Number   int
	Messages []*Message
}

type roomCache struct {
	pages      []*MessagePage // oldest page first
	index      map[string]*MessagePage
	fetched    bool
	oldest     int // server index of the oldest fetched page
	totalPages int
}

func newRoomCache() *roomCache {
	return &roomCache{
		pages: []*MessagePage{{Number: -1}},
		index: make(map[string]*MessagePage),
	}
}

func (rc *roomCache) latest() *MessagePage {
	return rc.pages[len(rc.pages)-1]
}

func (rc *roomCache) add(page *MessagePage, m *Message) {
	page.Messages = append(page.Messages, m)
	rc.index[m.Key()] = page
}

func (rc *roomCache) remove(key string) *Message {
	page, ok := rc.index[key]
	if !ok {
		return nil
	}
	delete(rc.index, key)
	for i, m := range page.Messages {
		if m.Key() == key {
			page.Messages = append(page.Messages[:i], page.Messages[i+1:]...)
			return m
		}
	}
	return nil
}

func (rc *roomCache) replace(key string, next *Message) bool {
	page, ok := rc.index[key]
	if !ok {
		return false
	}
	for i, m := range page.Messages {
		if m.Key() == key {
			page.Messages[i] = next
			delete(rc.index, key)
			rc.index[next.Key()] = page
			return true
		}
	}
	return false
}

func (rc *roomCache) len() int {
	return len(rc.index)
}

// MessageStore caches message history per room. Each room holds a list of
// pages ordered oldest to newest plus an index from message key to page.
type MessageStore struct {
	mu    sync.Mutex
	rooms map[int64]*roomCache
}

func NewMessageStore() *MessageStore {
	return &MessageStore{rooms: make(map[int64]*roomCache)}
}

func (s *MessageStore) room(roomID int64) *roomCache {
	rc, ok := s.rooms[roomID]
	if !ok {
		rc = newRoomCache()
		s.rooms[roomID] = rc
	}
	return rc
}

// Loaded reports whether the first page of the room has been fetched.
func (s *MessageStore) Loaded(roomID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.rooms[roomID]
	return ok && rc.fetched
}

// Messages returns a snapshot of the room's messages, oldest first.
func (s *MessageStore) Messages(roomID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, rc.len())
	for _, p := range rc.pages {
		for _, m := range p.Messages {
			out = append(out, *m)
		}
	}
	return out
}

// Len returns the number of cached messages in the room.
func (s *MessageStore) Len(roomID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rc, ok := s.rooms[roomID]; ok {
		return rc.len()
	}
	return 0
}

// PageCount returns the number of cached pages in the room.
func (s *MessageStore) PageCount(roomID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rc, ok := s.rooms[roomID]; ok {
		return len(rc.pages)
	}
	return 0
}

// Lookup returns the cached message with the given key.
func (s *MessageStore) Lookup(roomID int64, key string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.rooms[roomID]
	if !ok {
		return Message{}, false
	}
	page, ok := rc.index[key]
	if !ok {
		return Message{}, false
	}
	for _, m := range page.Messages {
		if m.Key() == key {
			return *m, true
		}
	}
	return Message{}, false
}

// NextOlderPage returns the server index of the next older page to fetch.
func (s *MessageStore) NextOlderPage(roomID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.rooms[roomID]
	if !ok || !rc.fetched {
		return 0, ErrRoomNotLoaded
	}
	if rc.oldest+1 >= rc.totalPages {
		return 0, ErrNoOlderPages
	}
	return rc.oldest + 1, nil
}

// HasOlder reports whether older pages remain on the server.
func (s *MessageStore) HasOlder(roomID int64) bool {
	_, err := s.NextOlderPage(roomID)
	return err == nil
}

// SetInitial installs the newest page of a room. Messages already cached
// from pushes or local sends that the page does not contain are kept after
// it, so nothing observed before the fetch completed is lost.
func (s *MessageStore) SetInitial(roomID int64, page *Page[*Message]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.rooms[roomID]
	rc := &roomCache{
		index:      make(map[string]*MessagePage),
		fetched:    true,
		oldest:     page.Number,
		totalPages: page.TotalPages,
	}
	first := &MessagePage{Number: page.Number}
	rc.pages = []*MessagePage{first}
	for _, m := range page.Content {
		if _, dup := rc.index[m.Key()]; dup {
			continue
		}
		rc.add(first, m)
	}
	if prev != nil {
		for _, p := range prev.pages {
			for _, m := range p.Messages {
				if _, dup := rc.index[m.Key()]; dup {
					continue
				}
				rc.add(first, m)
			}
		}
	}
	s.rooms[roomID] = rc
}

// PrependOlder adds an older page in front of the cached pages, skipping
// messages that are already cached. It returns how many were added.
func (s *MessageStore) PrependOlder(roomID int64, page *Page[*Message]) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.rooms[roomID]
	if !ok || !rc.fetched {
		return 0, ErrRoomNotLoaded
	}
	older := &MessagePage{Number: page.Number}
	added := 0
	for _, m := range page.Content {
		if _, dup := rc.index[m.Key()]; dup {
			continue
		}
		rc.add(older, m)
		added++
	}
	rc.pages = append([]*MessagePage{older}, rc.pages...)
	if page.Number > rc.oldest {
		rc.oldest = page.Number
	}
	rc.totalPages = page.TotalPages
	return added, nil
}

// InsertOptimistic appends a locally sent message to the most recent page.
func (s *MessageStore) InsertOptimistic(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc := s.room(m.RoomID)
	rc.add(rc.latest(), m)
}

// Reconcile replaces the optimistic message localID with its confirmed
// form, keeping its position. If the confirmed message is already cached,
// typically because its push arrived before the send response, the
// optimistic entry is dropped instead. The returned message is the one left
// in the cache.
func (s *MessageStore) Reconcile(roomID int64, localID string, confirmed *Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc := s.room(roomID)
	var pending *Message
	if page, ok := rc.index[localID]; ok {
		for _, m := range page.Messages {
			if m.LocalID == localID {
				pending = m
				break
			}
		}
	}

	if pending == nil {
		next := *confirmed
		next.Status = StatusConfirmed
		if _, dup := rc.index[next.Key()]; !dup {
			rc.add(rc.latest(), &next)
		}
		return next, nil
	}

	next, err := pending.Confirm(confirmed)
	if err != nil {
		return Message{}, err
	}
	if _, dup := rc.index[next.Key()]; dup {
		rc.remove(localID)
		return *next, nil
	}
	rc.replace(localID, next)
	return *next, nil
}

// Rollback removes the optimistic message localID and reports whether it
// was cached.
func (s *MessageStore) Rollback(roomID int64, localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	page, ok := rc.index[localID]
	if !ok {
		return false
	}
	for _, m := range page.Messages {
		if m.LocalID == localID && m.Status == StatusOptimistic {
			if _, err := m.Fail(); err != nil {
				return false
			}
			rc.remove(localID)
			return true
		}
	}
	return false
}

// Merge appends a pushed message to the most recent page unless a message
// with the same id is already cached. It reports whether the cache changed.
func (s *MessageStore) Merge(m *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc := s.room(m.RoomID)
	if _, dup := rc.index[m.Key()]; dup {
		return false
	}
	rc.add(rc.latest(), m)
	return true
}

// Forget drops everything cached for the room.
func (s *MessageStore) Forget(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}
