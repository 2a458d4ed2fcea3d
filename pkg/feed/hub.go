package feed

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/storysync/pkg/channel"
	"github.com/go-go-golems/storysync/pkg/snapshot"
)

// Store is the data layer behind the feed server.
type Store interface {
	Fetch(ctx context.Context, storyID string) (*snapshot.ResourceState, error)
	ActiveGeneration(ctx context.Context, storyID string) (bool, error)
	PatchStory(ctx context.Context, storyID string, fields snapshot.Snapshot) (snapshot.Snapshot, error)
	PatchSegment(ctx context.Context, storyID, segmentID string, fields snapshot.Snapshot) (snapshot.Snapshot, error)
	DeleteSegment(ctx context.Context, storyID, segmentID string) (bool, error)
}

type HubConfig struct {
	Store Store
	// Publisher, when set, receives every change event on channel.TopicForStory.
	Publisher message.Publisher
	// IdleTimeout drops a story's pool this long after its last subscriber
	// left. Zero keeps pools forever.
	IdleTimeout time.Duration
	Now         func() time.Time
}

// Hub fans change events out to websocket subscribers and, optionally, to a
// watermill publisher.
type Hub struct {
	store     Store
	publisher message.Publisher
	idle      time.Duration
	now       func() time.Time
	log       zerolog.Logger

	mu    sync.Mutex
	pools map[string]*ConnectionPool
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errors.New("feed hub: store is nil")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		idle:      cfg.IdleTimeout,
		now:       cfg.Now,
		log:       log.With().Str("component", "feed").Logger(),
		pools:     map[string]*ConnectionPool{},
	}, nil
}

func (h *Hub) pool(storyID string) *ConnectionPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pools[storyID]; ok {
		return p
	}
	var p *ConnectionPool
	p = NewConnectionPool(storyID, h.idle, func() {
		h.mu.Lock()
		if h.pools[storyID] == p {
			delete(h.pools, storyID)
		}
		h.mu.Unlock()
		h.log.Debug().Str("story_id", storyID).Msg("evicted idle story pool")
	})
	h.pools[storyID] = p
	return p
}

// Subscribers is the number of websocket subscribers of a story.
func (h *Hub) Subscribers(storyID string) int {
	h.mu.Lock()
	p := h.pools[storyID]
	h.mu.Unlock()
	return p.Count()
}

func (h *Hub) frame(f channel.Frame) []byte {
	f.ServerTime = h.now().UnixMilli()
	b, err := json.Marshal(f)
	if err != nil {
		h.log.Error().Err(err).Str("type", f.Type).Msg("marshal frame")
		return nil
	}
	return b
}

// Publish delivers ev to the story's websocket subscribers and to the
// publisher.
func (h *Hub) Publish(ctx context.Context, ev snapshot.ChangeEvent) error {
	if err := ev.Validate(""); err != nil {
		return err
	}
	if ev.SourceTimestamp.IsZero() {
		ev.SourceTimestamp = h.now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal change event")
	}

	storyID := ev.Parent()
	h.mu.Lock()
	p := h.pools[storyID]
	h.mu.Unlock()
	if p != nil {
		p.Broadcast(h.frame(channel.Frame{Type: channel.FrameChange, ResourceID: storyID, Event: payload}))
	}

	if h.publisher != nil {
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("story_id", storyID)
		msg.Metadata.Set("kind", string(ev.Kind))
		msg.SetContext(ctx)
		if err := h.publisher.Publish(channel.TopicForStory(storyID), msg); err != nil {
			return errors.Wrapf(err, "publish change for story %s", storyID)
		}
	}
	h.log.Debug().
		Str("story_id", storyID).
		Str("subject", ev.Key().String()).
		Str("kind", string(ev.Kind)).
		Int("subscribers", p.Count()).
		Msg("published change")
	return nil
}

// PatchStory updates the story row and publishes the result.
func (h *Hub) PatchStory(ctx context.Context, storyID string, fields snapshot.Snapshot) (snapshot.Snapshot, error) {
	row, err := h.store.PatchStory(ctx, storyID, fields)
	if err != nil {
		return nil, err
	}
	h.publishCommitted(ctx, snapshot.ChangeEvent{
		SubjectID:   storyID,
		SubjectType: snapshot.SubjectResource,
		Kind:        snapshot.KindUpdate,
		ResourceID:  storyID,
		Payload:     row,
	})
	return row, nil
}

// PatchSegment updates a segment and publishes the result.
func (h *Hub) PatchSegment(ctx context.Context, storyID, segmentID string, fields snapshot.Snapshot) (snapshot.Snapshot, error) {
	row, err := h.store.PatchSegment(ctx, storyID, segmentID, fields)
	if err != nil {
		return nil, err
	}
	h.publishCommitted(ctx, snapshot.ChangeEvent{
		SubjectID:   segmentID,
		SubjectType: snapshot.SubjectSubResource,
		Kind:        snapshot.KindUpdate,
		ResourceID:  storyID,
		Payload:     row,
	})
	return row, nil
}

// DeleteSegment removes a segment and publishes a delete event when it existed.
func (h *Hub) DeleteSegment(ctx context.Context, storyID, segmentID string) (bool, error) {
	ok, err := h.store.DeleteSegment(ctx, storyID, segmentID)
	if err != nil || !ok {
		return ok, err
	}
	h.publishCommitted(ctx, snapshot.ChangeEvent{
		SubjectID:   segmentID,
		SubjectType: snapshot.SubjectSubResource,
		Kind:        snapshot.KindDelete,
		ResourceID:  storyID,
	})
	return true, nil
}

// publishCommitted publishes a change that is already stored. Subscribers
// that miss it catch up on their next pull, so a failure is only logged.
func (h *Hub) publishCommitted(ctx context.Context, ev snapshot.ChangeEvent) {
	if err := h.Publish(ctx, ev); err != nil {
		h.log.Error().Err(err).
			Str("story_id", ev.Parent()).
			Str("subject", ev.Key().String()).
			Msg("publish stored change")
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(h.pools))
	for id, p := range h.pools {
		pools = append(pools, p)
		delete(h.pools, id)
	}
	h.mu.Unlock()
	for _, p := range pools {
		p.CloseAll()
	}
}

func isPing(data []byte) bool {
	text := strings.ToLower(strings.TrimSpace(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &v) == nil && strings.EqualFold(v.Type, "ping")
}
