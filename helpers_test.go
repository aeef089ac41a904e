package chatsync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viet2109/chatsync/internal/brokertest"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSelfID int64 = 1

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPayload(id int64, sender int64, content string) MessagePayload {
	return MessagePayload{
		ID:        id,
		Sender:    &UserInfo{ID: sender, FirstName: "User", LastName: strconv.FormatInt(sender, 10)},
		CreatedAt: Timestamp{Time: testEpoch.Add(time.Duration(id) * time.Second)},
		Content:   content,
		Status:    "SENT",
	}
}

func pushBody(t *testing.T, id int64, content string) []byte {
	t.Helper()
	b, err := json.Marshal(testPayload(id, 2, content))
	require.NoError(t, err)
	return b
}

type sentForm struct {
	RoomID          string
	Content         string
	RepliedTargetID string
	Files           []string
}

// fakeAPI serves /messages and /chat-rooms from memory.
type fakeAPI struct {
	*httptest.Server

	mu            sync.Mutex
	messages      map[int64][]MessagePayload // oldest first
	rooms         []ChatRoom
	nextID        int64
	sends         []sentForm
	fetchFailures int
	fetchCalls    int
	sendStatus    int
	sendGate      chan struct{}
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{
		messages: make(map[int64][]MessagePayload),
		nextID:   1000,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /messages", api.listMessages)
	mux.HandleFunc("POST /messages", api.sendMessage)
	mux.HandleFunc("GET /chat-rooms", api.listRooms)
	api.Server = httptest.NewServer(mux)
	t.Cleanup(api.Close)
	return api
}

func (a *fakeAPI) seed(roomID int64, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 1; i <= n; i++ {
		id := roomID*10000 + int64(i)
		a.messages[roomID] = append(a.messages[roomID], testPayload(id, 2, "message "+strconv.Itoa(i)))
	}
}

func (a *fakeAPI) listMessages(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.fetchCalls++
	if a.fetchFailures > 0 {
		a.fetchFailures--
		a.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"SERVICE_UNAVAILABLE","errorMessage":"try later"}`))
		return
	}
	roomID, _ := strconv.ParseInt(r.URL.Query().Get("roomId"), 10, 64)
	all := slices.Clone(a.messages[roomID])
	a.mu.Unlock()

	slices.Reverse(all) // newest first, like sort=createdAt,desc
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	writePage(w, all, page, size)
}

func (a *fakeAPI) listRooms(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	rooms := slices.Clone(a.rooms)
	a.mu.Unlock()
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	writePage(w, rooms, page, size)
}

func writePage[T any](w http.ResponseWriter, all []T, page, size int) {
	if size <= 0 {
		size = 10
	}
	total := (len(all) + size - 1) / size
	start := min(page*size, len(all))
	end := min(start+size, len(all))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Page[T]{
		Content:       all[start:end],
		Number:        page,
		TotalPages:    total,
		TotalElements: len(all),
		Last:          page+1 >= total,
	})
}

func (a *fakeAPI) sendMessage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := sentForm{
		RoomID:          r.FormValue("roomId"),
		Content:         r.FormValue("content"),
		RepliedTargetID: r.FormValue("repliedTargetId"),
	}
	for _, fh := range r.MultipartForm.File["multipartFiles"] {
		form.Files = append(form.Files, fh.Filename)
	}

	a.mu.Lock()
	a.sends = append(a.sends, form)
	gate, status := a.sendGate, a.sendStatus
	a.nextID++
	id := a.nextID
	a.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if status >= 300 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"BAD_REQUEST","errorMessage":"rejected"}`))
		return
	}

	p := testPayload(id, testSelfID, form.Content)
	for _, f := range form.Files {
		p.Attachments = append(p.Attachments, &FileRef{URL: "https://cdn.test/" + f})
	}
	roomID, _ := strconv.ParseInt(form.RoomID, 10, 64)
	a.mu.Lock()
	a.messages[roomID] = append(a.messages[roomID], p)
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p)
}

func (a *fakeAPI) setRooms(rooms ...ChatRoom) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rooms = rooms
}

func (a *fakeAPI) failFetches(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchFailures = n
}

func (a *fakeAPI) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchCalls
}

func (a *fakeAPI) failSends(status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendStatus = status
}

// holdSends blocks send responses until the returned channel is closed.
func (a *fakeAPI) holdSends() chan struct{} {
	gate := make(chan struct{})
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendGate = gate
	return gate
}

func (a *fakeAPI) sent() []sentForm {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.sends)
}

func testClient(api *fakeAPI) *Client {
	return NewClient("test-token", WithBaseURL(api.URL), WithRetryDelay(time.Millisecond))
}

// testRealtime returns a config with short intervals for broker tests.
func testRealtime(b *brokertest.Broker) RealtimeConfig {
	return RealtimeConfig{
		URL:               b.URL,
		ReconnectDelay:    50 * time.Millisecond,
		HeartbeatOutgoing: -1,
		HeartbeatIncoming: -1,
		DialTimeout:       2 * time.Second,
	}
}

func startBroker(t *testing.T) *brokertest.Broker {
	t.Helper()
	b := brokertest.New()
	t.Cleanup(b.Close)
	return b
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}
