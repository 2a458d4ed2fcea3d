package reconciler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/storysync/pkg/cache"
	"github.com/go-go-golems/storysync/pkg/snapshot"
)

type Config struct {
	ResourceID string
	Store      *cache.Store
	Bursts     *Bursts
	// BurstOffsets defaults to DefaultBurstOffsets; an empty non-nil slice disables bursts.
	BurstOffsets []time.Duration
	// Refresh pulls the full parent story. It must not block on the network.
	Refresh func(reason string)
	Now     func() time.Time
	Log     *zerolog.Logger
}

// Result describes what happened to one change event.
type Result struct {
	Applied bool
	Dropped bool
	Burst   bool
	Err     error
}

// Reconciler applies change events and full pulls to a session cache. It is
// called from the session loop only; LastUpdate may be read from anywhere.
type Reconciler struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	lastUpdate time.Time
	// segments written by change events since the last full pull
	pushed map[string]struct{}
}

func New(cfg Config) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BurstOffsets == nil {
		cfg.BurstOffsets = DefaultBurstOffsets
	}
	if cfg.Store == nil {
		cfg.Store = cache.NewStore()
	}
	l := log.With().Str("component", "reconciler").Str("story_id", cfg.ResourceID).Logger()
	if cfg.Log != nil {
		l = cfg.Log.With().Str("component", "reconciler").Logger()
	}
	return &Reconciler{cfg: cfg, log: l, pushed: map[string]struct{}{}}
}

func (r *Reconciler) Store() *cache.Store { return r.cfg.Store }

// LastUpdate is the time of the last applied merge.
func (r *Reconciler) LastUpdate() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUpdate
}

func (r *Reconciler) touch() {
	r.mu.Lock()
	r.lastUpdate = r.cfg.Now()
	r.mu.Unlock()
}

// Apply routes one change event into the cache. Malformed events are dropped
// and logged. When a generation status reaches a terminal value, a staggered
// refresh burst of the parent story is scheduled.
func (r *Reconciler) Apply(ev snapshot.ChangeEvent) Result {
	if err := ev.Validate(r.cfg.ResourceID); err != nil {
		r.log.Warn().Err(err).Str("subject_id", ev.SubjectID).Msg("dropping change event")
		return Result{Dropped: true, Err: err}
	}
	key := ev.Key()

	if ev.Kind == snapshot.KindDelete {
		if !r.cfg.Store.Delete(key) {
			return Result{}
		}
		r.touch()
		r.log.Debug().Str("key", key.String()).Msg("deleted")
		return Result{Applied: true}
	}

	res := r.cfg.Store.Merge(key, ev.Payload, ev.SourceTimestamp)
	if !res.Applied {
		r.log.Trace().Str("key", key.String()).Msg("change event is not novel")
		return Result{}
	}
	r.touch()
	if key.Type == snapshot.SubjectSubResource {
		r.mu.Lock()
		r.pushed[key.ID] = struct{}{}
		r.mu.Unlock()
	}

	terminal := ""
	for _, ch := range res.Advanced {
		if snapshot.IsTerminal(ch.To) {
			terminal = ch.Field
			break
		}
	}
	if terminal == "" {
		return Result{Applied: true}
	}
	n := r.scheduleBurst(key.String() + "." + terminal)
	return Result{Applied: true, Burst: n > 0}
}

func (r *Reconciler) scheduleBurst(reason string) int {
	if r.cfg.Refresh == nil || len(r.cfg.BurstOffsets) == 0 {
		return 0
	}
	n := r.cfg.Bursts.Schedule(r.cfg.BurstOffsets, func(offset time.Duration) {
		r.cfg.Refresh(reason + "@" + offset.String())
	})
	if n > 0 {
		r.log.Debug().Str("reason", reason).Int("pulls", n).Msg("scheduled refresh burst")
	}
	return n
}

// ApplyState merges a full pull and reports whether anything in the cache
// changed. Segments missing from the pull are pruned, except those written by
// a change event since the previous pull: the pull may have been answered
// before that write landed. Pruned segments keep their status floor in the
// store.
func (r *Reconciler) ApplyState(state *snapshot.ResourceState) bool {
	if state == nil {
		return false
	}
	r.mu.Lock()
	pushed := r.pushed
	r.pushed = map[string]struct{}{}
	r.mu.Unlock()

	changed := false
	if len(state.Resource) > 0 {
		if r.cfg.Store.Merge(snapshot.ResourceKey(r.cfg.ResourceID), state.Resource, time.Time{}).Applied {
			changed = true
		}
	}
	seen := map[string]struct{}{}
	for _, seg := range state.Segments {
		id := seg.String("id")
		if id == "" {
			r.log.Warn().Msg("pulled segment has no id, skipping")
			continue
		}
		seen[id] = struct{}{}
		if r.cfg.Store.Merge(snapshot.SubResourceKey(id), seg, time.Time{}).Applied {
			changed = true
		}
	}
	for _, key := range r.cfg.Store.Keys(snapshot.SubjectSubResource) {
		if _, ok := seen[key.ID]; ok {
			continue
		}
		if _, ok := pushed[key.ID]; ok {
			r.log.Debug().Str("segment_id", key.ID).Msg("keeping pushed segment missing from pull")
			continue
		}
		if r.cfg.Store.Prune(key) {
			changed = true
		}
	}
	if changed {
		r.touch()
	}
	return changed
}
