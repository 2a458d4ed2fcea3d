package cmds

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/storysync/pkg/channel"
	"github.com/go-go-golems/storysync/pkg/snapshot"
)

func TestViewPrinter(t *testing.T) {
	v := snapshot.View{
		ResourceID: "s1",
		Resource:   snapshot.Snapshot{"id": "s1", "status": "completed"},
		Segments:   []snapshot.Snapshot{{"id": "a", "position": 1}},
	}

	var buf bytes.Buffer
	p, err := newViewPrinter(&buf, "auto")
	require.NoError(t, err)
	require.False(t, p.yaml)
	require.NoError(t, p.print(v))
	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "s1", got["resource_id"])

	buf.Reset()
	p, err = newViewPrinter(&buf, "yaml")
	require.NoError(t, err)
	require.NoError(t, p.print(v))
	require.True(t, strings.HasPrefix(buf.String(), "---\n"))
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	require.Equal(t, "s1", doc["resource_id"])

	_, err = newViewPrinter(&buf, "xml")
	require.Error(t, err)
}

func TestWebsocketSubscriberSettings(t *testing.T) {
	ws, err := websocketSubscriber(&WatchSettings{BaseURL: "http://localhost:8080/", Token: "t"})
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/ws", ws.URL)
	require.Equal(t, channel.DefaultHandshakeTimeout, ws.HandshakeTimeout)
	require.Equal(t, "Bearer t", ws.Header.Get("Authorization"))

	ws, err = websocketSubscriber(&WatchSettings{FeedURL: "ws://feed/ws", HandshakeTimeout: "2s"})
	require.NoError(t, err)
	require.Equal(t, "ws://feed/ws", ws.URL)
	require.Equal(t, 2*time.Second, ws.HandshakeTimeout)
	require.Nil(t, ws.Header)

	_, err = websocketSubscriber(&WatchSettings{HandshakeTimeout: "soon"})
	require.Error(t, err)
}
