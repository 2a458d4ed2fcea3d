package redisstream

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWatermillLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	l.With(watermill.LogFields{"topic": "story.1"}).Info("subscribed", watermill.LogFields{"consumer": "c1"})
	l.Error("read failed", errors.New("boom"), nil)
	l.Trace("dropped", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "info", first["level"])
	require.Equal(t, "story.1", first["topic"])
	require.Equal(t, "c1", first["consumer"])
	require.Equal(t, "subscribed", first["message"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.Equal(t, "boom", second["error"])
}

func TestConsumerGroupIsUniquePerWatcher(t *testing.T) {
	s := Settings{Group: "sync"}
	a, b := ConsumerGroup(s), ConsumerGroup(s)
	require.True(t, strings.HasPrefix(a, "sync-"))
	require.NotEqual(t, a, b)
	require.True(t, strings.HasPrefix(ConsumerGroup(Settings{}), "storysync-"))

	require.Equal(t, "fixed", consumerName(Settings{Consumer: " fixed "}))
	require.True(t, strings.HasPrefix(consumerName(Settings{}), "watch-"))
}

func TestNilClient(t *testing.T) {
	_, err := BuildPublisher(nil)
	require.Error(t, err)
	_, _, err = SubscriberFactory(nil, Settings{})(context.Background(), "story-1")
	require.Error(t, err)
}
