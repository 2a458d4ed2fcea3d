package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/storysync/pkg/channel"
	"github.com/go-go-golems/storysync/pkg/fetch"
	"github.com/go-go-golems/storysync/pkg/snapshot"
	"github.com/go-go-golems/storysync/pkg/storystore"
)

type stubConn struct {
	mu       sync.Mutex
	writes   int
	blockCh  chan struct{}
	closedCh chan struct{}
}

func newStubConn(blockWrites bool) *stubConn {
	blockCh := make(chan struct{})
	if !blockWrites {
		close(blockCh)
	}
	return &stubConn{blockCh: blockCh, closedCh: make(chan struct{})}
}

func (s *stubConn) WriteMessage(_ int, _ []byte) error {
	select {
	case <-s.closedCh:
		return errors.New("closed")
	case <-s.blockCh:
	}
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
	default:
		close(s.closedCh)
	}
	return nil
}

func (s *stubConn) SetWriteDeadline(time.Time) error { return nil }

func (s *stubConn) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func TestConnectionPoolDropsOnFullBuffer(t *testing.T) {
	pool := NewConnectionPool("story-1", 0, nil)
	pool.sendBuffer = 1
	pool.writeTimeout = 0

	conn := newStubConn(true)
	pool.Add(conn, nil)

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))
	pool.Broadcast([]byte("three"))

	require.Eventually(t, func() bool { return pool.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestConnectionPoolSendsHelloFirstAndGoesIdle(t *testing.T) {
	idle := make(chan struct{})
	pool := NewConnectionPool("story-1", 10*time.Millisecond, func() { close(idle) })

	conn := newStubConn(false)
	pool.Add(conn, []byte("hello"))
	pool.Broadcast([]byte("change"))
	require.Eventually(t, func() bool { return conn.count() == 2 }, time.Second, time.Millisecond)

	pool.Remove(conn)
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("pool never went idle")
	}
}

type feedFixture struct {
	store *storystore.SQLiteStore
	hub   *Hub
	srv   *httptest.Server
}

func newFixture(t *testing.T, cfg HubConfig) *feedFixture {
	t.Helper()
	dsn, err := storystore.DSNForFile(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	store, err := storystore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.LoadSeed(context.Background(), strings.NewReader(`
stories:
  - resource: {id: story-1, title: Fox, status: in_progress}
    segments:
      - {id: seg-1, position: 1, text: Once, image_status: in_progress}
`))
	require.NoError(t, err)

	cfg.Store = store
	hub, err := NewHub(cfg)
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	mux := http.NewServeMux()
	hub.Mount(mux, websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &feedFixture{store: store, hub: hub, srv: srv}
}

func (f *feedFixture) patch(t *testing.T, path, body string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPatch, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func nextEvent(t *testing.T, ch channel.Channel) snapshot.ChangeEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-ch.Updates():
			require.True(t, ok, "channel closed before an event arrived")
			if u.Event != nil {
				return *u.Event
			}
		case <-timeout:
			t.Fatal("no event received")
		}
	}
}

func TestWebSocketFeedDeliversPatches(t *testing.T) {
	f := newFixture(t, HubConfig{})
	sub := &channel.WebSocketSubscriber{URL: f.srv.URL + "/ws", HandshakeTimeout: time.Second}

	ch, err := sub.Subscribe(context.Background(), "story-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	require.Eventually(t, func() bool { return ch.State() == channel.StateSubscribed }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.hub.Subscribers("story-1") == 1 }, time.Second, time.Millisecond)

	require.Equal(t, http.StatusOK, f.patch(t, "/api/stories/story-1/segments/seg-1", `{"image_status":"completed","image_url":"X"}`))
	ev := nextEvent(t, ch)
	require.Equal(t, "seg-1", ev.SubjectID)
	require.Equal(t, snapshot.SubjectSubResource, ev.SubjectType)
	require.Equal(t, "X", ev.Payload["image_url"])
	require.False(t, ev.SourceTimestamp.IsZero())

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/stories/story-1/segments/seg-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	ev = nextEvent(t, ch)
	require.Equal(t, snapshot.KindDelete, ev.Kind)
}

func TestWebSocketFeedRejectsUnknownStory(t *testing.T) {
	f := newFixture(t, HubConfig{})
	sub := &channel.WebSocketSubscriber{URL: f.srv.URL + "/ws", HandshakeTimeout: time.Second}

	ch, err := sub.Subscribe(context.Background(), "nope")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	require.Eventually(t, func() bool { return ch.State() == channel.StateFailed }, 2*time.Second, time.Millisecond)
}

func TestStoryAPI(t *testing.T) {
	f := newFixture(t, HubConfig{})
	c, err := fetch.NewClient(f.srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	st, err := c.Fetch(ctx, "story-1")
	require.NoError(t, err)
	require.Equal(t, "Fox", st.Resource["title"])
	require.Len(t, st.Segments, 1)
	require.True(t, st.ActiveGeneration)

	require.Equal(t, http.StatusOK, f.patch(t, "/api/stories/story-1", `{"status":"completed"}`))
	require.Equal(t, http.StatusOK, f.patch(t, "/api/stories/story-1/segments/seg-1", `{"image_status":"failed"}`))
	active, err := c.ActiveGeneration(ctx, "story-1")
	require.NoError(t, err)
	require.False(t, active)

	require.Equal(t, http.StatusBadRequest, f.patch(t, "/api/stories/story-1", `[]`))
	require.Equal(t, http.StatusNotFound, f.patch(t, "/api/stories/nope/segments/seg-1", `{"text":"x"}`))

	_, err = c.Fetch(ctx, "nope")
	require.True(t, fetch.IsNotFound(err))
}

func TestPublisherFanOut(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })
	msgs, err := pubsub.Subscribe(context.Background(), channel.TopicForStory("story-1"))
	require.NoError(t, err)

	f := newFixture(t, HubConfig{Publisher: pubsub})
	require.Equal(t, http.StatusOK, f.patch(t, "/api/stories/story-1", `{"title":"Wolf"}`))

	select {
	case msg := <-msgs:
		msg.Ack()
		ev, err := snapshot.DecodeEvent(msg.Payload)
		require.NoError(t, err)
		require.Equal(t, snapshot.SubjectResource, ev.SubjectType)
		require.Equal(t, "Wolf", ev.Payload["title"])
		require.Equal(t, "story-1", msg.Metadata.Get("story_id"))
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error { return nil }

func TestStoredPatchSucceedsWhenPublishFails(t *testing.T) {
	f := newFixture(t, HubConfig{Publisher: failingPublisher{}})
	require.Equal(t, http.StatusOK, f.patch(t, "/api/stories/story-1", `{"title":"Wolf"}`))
	require.Equal(t, http.StatusOK, f.patch(t, "/api/stories/story-1/segments/seg-1", `{"image_status":"completed"}`))

	st, err := f.store.Fetch(context.Background(), "story-1")
	require.NoError(t, err)
	require.Equal(t, "Wolf", st.Resource["title"])
	require.Equal(t, "completed", st.Segments[0]["image_status"])

	ok, err := f.hub.DeleteSegment(context.Background(), "story-1", "seg-1")
	require.NoError(t, err)
	require.True(t, ok)
}
