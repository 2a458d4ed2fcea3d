// Package redisstream carries story change events over Redis Streams through
// watermill.
package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/storysync/pkg/channel"
)

// NewClient opens a client for s. The caller closes it.
func NewClient(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: s.Addr, Password: s.Password, DB: s.DB})
}

func wmLogger() watermill.LoggerAdapter {
	return NewWatermillLogger(log.With().Str("component", "redisstream").Logger())
}

// BuildPublisher returns a publisher writing change events to per-story streams.
func BuildPublisher(client redis.UniversalClient) (message.Publisher, error) {
	if client == nil {
		return nil, errors.New("redisstream: client is nil")
	}
	return rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, wmLogger())
}

// ConsumerGroup is the group a single watcher reads through: the configured
// prefix plus a random suffix, so concurrent watchers never share deliveries.
func ConsumerGroup(s Settings) string {
	prefix := strings.TrimSpace(s.Group)
	if prefix == "" {
		prefix = "storysync"
	}
	return prefix + "-" + uuid.NewString()
}

func consumerName(s Settings) string {
	if c := strings.TrimSpace(s.Consumer); c != "" {
		return c
	}
	return "watch-" + uuid.NewString()
}

// SubscriberFactory builds one Redis Streams subscriber per subscribe call.
// Each one gets a fresh consumer group created at the stream tail, so a
// reconnect does not replay history; the session's pull covers the gap.
func SubscriberFactory(client redis.UniversalClient, s Settings) channel.SubscriberFactory {
	return func(ctx context.Context, storyID string) (message.Subscriber, bool, error) {
		if client == nil {
			return nil, false, errors.New("redisstream: client is nil")
		}
		group := ConsumerGroup(s)
		if err := EnsureGroupAtTail(ctx, client, channel.TopicForStory(storyID), group); err != nil {
			return nil, false, err
		}
		sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
			Client:        client,
			Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
			ConsumerGroup: group,
			Consumer:      consumerName(s),
		}, wmLogger())
		if err != nil {
			return nil, false, errors.Wrap(err, "redisstream: build subscriber")
		}
		return &groupSubscriber{Subscriber: sub, client: client, stream: channel.TopicForStory(storyID), group: group}, true, nil
	}
}

// groupSubscriber drops its per-watcher consumer group on Close.
type groupSubscriber struct {
	message.Subscriber
	client redis.UniversalClient
	stream string
	group  string
}

func (g *groupSubscriber) Close() error {
	err := g.Subscriber.Close()
	if derr := g.client.XGroupDestroy(context.Background(), g.stream, g.group).Err(); derr != nil {
		log.Debug().Err(derr).Str("component", "redisstream").Str("group", g.group).Msg("destroy consumer group")
	}
	return err
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "redisstream: create group %s on %s", group, stream)
	}
	log.Debug().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
