package channel

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/storysync/pkg/snapshot"
)

// TopicForStory is the pub/sub topic carrying change events for one story.
func TopicForStory(resourceID string) string {
	return "story." + resourceID
}

// SubscriberFactory builds a watermill subscriber for one story. The boolean
// reports whether the channel owns (and must close) the subscriber.
type SubscriberFactory func(ctx context.Context, resourceID string) (message.Subscriber, bool, error)

// SharedSubscriber returns a factory that hands out the same subscriber for
// every story, e.g. an in-memory gochannel pub/sub.
func SharedSubscriber(sub message.Subscriber) SubscriberFactory {
	return func(context.Context, string) (message.Subscriber, bool, error) {
		if sub == nil {
			return nil, false, errors.New("watermill subscriber is nil")
		}
		return sub, false, nil
	}
}

// WatermillSubscriber opens channels on top of a watermill message.Subscriber
// (in-memory gochannel or Redis Streams).
type WatermillSubscriber struct {
	Factory SubscriberFactory
}

var _ Subscriber = (*WatermillSubscriber)(nil)

func (s *WatermillSubscriber) Subscribe(ctx context.Context, resourceID string) (Channel, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return nil, errors.New("watermill subscriber: resourceID is empty")
	}
	if s == nil || s.Factory == nil {
		return nil, errors.New("watermill subscriber: factory is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := &watermillChannel{
		base:    newBase(resourceID, 0),
		factory: s.Factory,
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch.setOnClose(cancel)
	go ch.consume(runCtx)
	return ch, nil
}

type watermillChannel struct {
	*base
	factory SubscriberFactory
}

func (c *watermillChannel) consume(ctx context.Context) {
	defer c.finish()
	wmLog := log.With().
		Str("component", "channel").
		Str("transport", "watermill").
		Str("story_id", c.resourceID).
		Logger()

	sub, owned, err := c.factory(ctx, c.resourceID)
	if err != nil {
		if !c.isClosed() {
			wmLog.Warn().Err(err).Msg("build subscriber failed")
			c.transition(StateDegraded, Transient(err))
		}
		return
	}
	if owned {
		defer func() {
			if err := sub.Close(); err != nil {
				wmLog.Warn().Err(err).Msg("subscriber close failed")
			}
		}()
	}

	msgs, err := sub.Subscribe(ctx, TopicForStory(c.resourceID))
	if err != nil {
		if !c.isClosed() {
			wmLog.Warn().Err(err).Msg("subscribe failed")
			c.transition(StateDegraded, Transient(err))
		}
		return
	}
	if !c.transition(StateSubscribed, nil) {
		return
	}
	wmLog.Info().Msg("subscribed")

	for {
		select {
		case <-c.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				if !c.isClosed() {
					c.transition(StateDegraded, &TransientError{Err: errors.New("message stream closed")})
				}
				return
			}
			ev, err := snapshot.DecodeEvent(msg.Payload)
			msg.Ack()
			if err != nil {
				wmLog.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("failed to decode change event")
				continue
			}
			if !c.emit(ev) {
				return
			}
		}
	}
}
