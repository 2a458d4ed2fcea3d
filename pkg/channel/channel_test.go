package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/storysync/pkg/snapshot"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateConnecting, StateSubscribed, true},
		{StateConnecting, StateDegraded, true},
		{StateSubscribed, StateDegraded, true},
		{StateDegraded, StateSubscribed, false},
		{StateDegraded, StateFailed, true},
		{StateSubscribed, StateFailed, true},
		{StateFailed, StateClosed, true},
		{StateFailed, StateSubscribed, false},
		{StateClosed, StateFailed, false},
		{StateClosed, StateClosed, false},
		{StateSubscribed, StateConnecting, false},
	}
	for _, c := range cases {
		require.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestErrorClassification(t *testing.T) {
	require.True(t, IsTimeout(context.DeadlineExceeded))
	require.True(t, IsTimeout(Transient(errors.Wrap(context.DeadlineExceeded, "dial"))))
	require.False(t, IsTimeout(Transient(errors.New("connection reset"))))
	require.True(t, IsRejected(errors.Wrap(&RejectedError{Reason: "quota"}, "subscribe")))
	require.False(t, IsRejected(&TransientError{}))
	require.Nil(t, Transient(nil))
}

type feedServer struct {
	onConn func(conn *websocket.Conn, r *http.Request)
	status int
}

func (f *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.status != 0 {
		http.Error(w, "nope", f.status)
		return
	}
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.onConn(conn, r)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func writeFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	b, err := json.Marshal(f)
	require.NoError(t, err)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func nextUpdate(t *testing.T, ch Channel) Update {
	select {
	case u, ok := <-ch.Updates():
		require.True(t, ok, "update stream closed")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel update")
	}
	return Update{}
}

func requireClosedStream(t *testing.T, ch Channel) {
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch.Updates():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketChannelSubscribesAndDeliversEvents(t *testing.T) {
	gotStory := make(chan string, 1)
	srv := httptest.NewServer(&feedServer{onConn: func(conn *websocket.Conn, r *http.Request) {
		gotStory <- r.URL.Query().Get("story_id")
		writeFrame(t, conn, Frame{Type: FrameSubscribed, ResourceID: "story-1"})
		ev := snapshot.ChangeEvent{
			SubjectID:   "seg-1",
			SubjectType: snapshot.SubjectSubResource,
			Kind:        snapshot.KindUpdate,
			ResourceID:  "story-1",
			Payload:     snapshot.Snapshot{"image_status": "completed"},
		}
		raw, _ := json.Marshal(ev)
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		writeFrame(t, conn, Frame{Type: FrameChange, Event: raw})
		_, _, _ = conn.ReadMessage()
	}})
	defer srv.Close()

	sub := &WebSocketSubscriber{URL: wsURL(srv), HandshakeTimeout: time.Second}
	ch, err := sub.Subscribe(context.Background(), "story-1")
	require.NoError(t, err)
	require.Equal(t, StateConnecting, ch.State())

	u := nextUpdate(t, ch)
	require.NotNil(t, u.Transition)
	require.Equal(t, StateSubscribed, u.Transition.To)
	require.Equal(t, "story-1", <-gotStory)

	u = nextUpdate(t, ch)
	require.NotNil(t, u.Event)
	require.Equal(t, "seg-1", u.Event.SubjectID)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	require.Equal(t, StateClosed, ch.State())
	requireClosedStream(t, ch)
}

func TestWebSocketChannelRejectedByStatus(t *testing.T) {
	srv := httptest.NewServer(&feedServer{status: http.StatusForbidden})
	defer srv.Close()

	sub := &WebSocketSubscriber{URL: wsURL(srv), HandshakeTimeout: time.Second}
	ch, err := sub.Subscribe(context.Background(), "story-1")
	require.NoError(t, err)

	u := nextUpdate(t, ch)
	require.Equal(t, StateFailed, u.Transition.To)
	require.True(t, IsRejected(u.Transition.Cause))
	requireClosedStream(t, ch)
}

func TestWebSocketChannelRejectedFrame(t *testing.T) {
	srv := httptest.NewServer(&feedServer{onConn: func(conn *websocket.Conn, _ *http.Request) {
		writeFrame(t, conn, Frame{Type: FrameRejected, Reason: "unknown story"})
		_, _, _ = conn.ReadMessage()
	}})
	defer srv.Close()

	sub := &WebSocketSubscriber{URL: wsURL(srv), HandshakeTimeout: time.Second}
	ch, err := sub.Subscribe(context.Background(), "story-1")
	require.NoError(t, err)

	u := nextUpdate(t, ch)
	require.Equal(t, StateFailed, u.Transition.To)
	require.Contains(t, u.Transition.Cause.Error(), "unknown story")
	_ = ch.Close()
}

func TestWebSocketChannelHandshakeTimeoutDegrades(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(&feedServer{onConn: func(conn *websocket.Conn, _ *http.Request) {
		<-release
		_ = conn.Close()
	}})
	defer srv.Close()
	defer close(release)

	sub := &WebSocketSubscriber{URL: wsURL(srv), HandshakeTimeout: 50 * time.Millisecond}
	ch, err := sub.Subscribe(context.Background(), "story-1")
	require.NoError(t, err)

	u := nextUpdate(t, ch)
	require.Equal(t, StateDegraded, u.Transition.To)
	require.True(t, IsTimeout(u.Transition.Cause))
	requireClosedStream(t, ch)
}

func TestWebSocketChannelDropDegrades(t *testing.T) {
	srv := httptest.NewServer(&feedServer{onConn: func(conn *websocket.Conn, _ *http.Request) {
		writeFrame(t, conn, Frame{Type: FrameSubscribed})
		_ = conn.Close()
	}})
	defer srv.Close()

	sub := &WebSocketSubscriber{URL: wsURL(srv), HandshakeTimeout: time.Second}
	ch, err := sub.Subscribe(context.Background(), "story-1")
	require.NoError(t, err)

	require.Equal(t, StateSubscribed, nextUpdate(t, ch).Transition.To)
	u := nextUpdate(t, ch)
	require.Equal(t, StateDegraded, u.Transition.To)
	require.False(t, IsRejected(u.Transition.Cause))
}

func TestWebSocketSubscriberValidation(t *testing.T) {
	sub := &WebSocketSubscriber{URL: "ftp://example.com/ws"}
	_, err := sub.Subscribe(context.Background(), "story-1")
	require.Error(t, err)
	_, err = (&WebSocketSubscriber{URL: "ws://example.com/ws"}).Subscribe(context.Background(), " ")
	require.Error(t, err)
}

func TestWatermillChannel(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	defer func() { _ = pubsub.Close() }()

	sub := &WatermillSubscriber{Factory: SharedSubscriber(pubsub)}
	ch, err := sub.Subscribe(context.Background(), "story-1")
	require.NoError(t, err)
	require.Equal(t, StateSubscribed, nextUpdate(t, ch).Transition.To)

	require.NoError(t, pubsub.Publish(TopicForStory("story-1"), message.NewMessage(watermill.NewUUID(), []byte("garbage"))))
	payload := []byte(`{"subject_id":"story-1","subject_type":"resource","kind":"update","payload":{"status":"in_progress"}}`)
	require.NoError(t, pubsub.Publish(TopicForStory("story-1"), message.NewMessage(watermill.NewUUID(), payload)))

	u := nextUpdate(t, ch)
	require.NotNil(t, u.Event)
	require.Equal(t, "in_progress", u.Event.Payload.String("status"))

	require.NoError(t, ch.Close())
	requireClosedStream(t, ch)
}

func TestWatermillChannelFactoryErrorDegrades(t *testing.T) {
	sub := &WatermillSubscriber{Factory: func(context.Context, string) (message.Subscriber, bool, error) {
		return nil, false, errors.New("dial tcp: connection refused")
	}}
	ch, err := sub.Subscribe(context.Background(), "story-1")
	require.NoError(t, err)
	u := nextUpdate(t, ch)
	require.Equal(t, StateDegraded, u.Transition.To)
	requireClosedStream(t, ch)
}
