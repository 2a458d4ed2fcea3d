package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/storysync/pkg/cache"
	"github.com/go-go-golems/storysync/pkg/channel"
	"github.com/go-go-golems/storysync/pkg/polling"
	"github.com/go-go-golems/storysync/pkg/reconciler"
	"github.com/go-go-golems/storysync/pkg/reconnect"
	"github.com/go-go-golems/storysync/pkg/snapshot"
)

// Fetcher pulls the full current state of a story.
type Fetcher interface {
	Fetch(ctx context.Context, resourceID string) (*snapshot.ResourceState, error)
}

// ActivityReporter reports whether a background job can still change a story.
type ActivityReporter interface {
	ActiveGeneration(ctx context.Context, resourceID string) (bool, error)
}

type Dependencies struct {
	Subscriber channel.Subscriber
	Fetcher    Fetcher
	// Activity is optional. Without it the active_generation flag of each
	// pull drives polling.
	Activity ActivityReporter
}

// FetchError wraps a failed pull. Pull failures are retried on the next tick
// and only ever surface through Health.
type FetchError struct {
	ResourceID string
	Err        error
}

func (e *FetchError) Error() string {
	return "fetch " + e.ResourceID + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrStopped        = errors.New("session stopped")
)

const inboxSize = 128

// Session keeps the cached view of one story consistent with the server. A
// single loop goroutine owns every cache mutation; channel pumps, timers and
// pull goroutines only post messages to it.
//
// Callbacks registered with OnSnapshotChanged and OnHealthChanged run on the
// loop goroutine. They must not block and must not call Stop.
type Session struct {
	cfg  Config
	deps Dependencies
	log  zerolog.Logger

	store      *cache.Store
	bursts     *reconciler.Bursts
	reconciler *reconciler.Reconciler
	poller     *polling.Fallback
	flights    singleflight.Group

	mu                sync.Mutex
	resourceID        string
	ctx               context.Context
	cancel            context.CancelFunc
	done              chan struct{}
	started           bool
	stopped           bool
	state             channel.State
	health            Health
	snapshotListeners []func(snapshot.View)
	healthListeners   []func(Health)

	inbox chan message

	// owned by the loop goroutine
	ch             channel.Channel
	chGen          uint64
	attempt        reconnect.Attempt
	reconnectTimer *time.Timer
	gaveUp         bool
	active         bool
	// a generation counts as active while either the reporter (or the
	// caller) or the latest pull says so
	reportedActive bool
	pulledActive   bool
	fetchFailures  int
}

func New(cfg Config, deps Dependencies) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid session config")
	}
	if deps.Subscriber == nil {
		return nil, errors.New("session: subscriber is nil")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("session: fetcher is nil")
	}
	return &Session{
		cfg:    cfg,
		deps:   deps,
		log:    log.With().Str("component", "session").Logger(),
		inbox:  make(chan message, inboxSize),
		state:  channel.StateConnecting,
		health: HealthDegraded,
	}, nil
}

// Start begins observing resourceID. It returns immediately; the channel
// handshake and the initial pull happen in the background.
func (s *Session) Start(ctx context.Context, resourceID string) error {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return errors.New("session: resourceID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.resourceID = resourceID
	storyLog := log.With().Str("story_id", resourceID).Logger()
	s.log = storyLog.With().Str("component", "session").Logger()
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx = runCtx
	s.cancel = cancel
	s.done = make(chan struct{})

	s.store = cache.NewStore(
		cache.WithPipelines(s.cfg.Pipelines),
		cache.WithIgnoredFields(s.cfg.IgnoredFields),
	)
	s.bursts = reconciler.NewBursts(resourceID)
	s.reconciler = reconciler.New(reconciler.Config{
		ResourceID:   resourceID,
		Store:        s.store,
		Bursts:       s.bursts,
		BurstOffsets: s.cfg.BurstOffsets,
		Refresh:      s.pull,
		Log:          &storyLog,
	})
	s.poller = polling.New(polling.Config{
		QuietWindow: s.cfg.QuietWindow,
		LastWrite:   s.store.LastWrite,
		Pull:        func() { s.pull("poll") },
		Log:         &storyLog,
	})
	s.mu.Unlock()

	s.log.Info().Msg("session starting")
	go s.run(runCtx)
	if s.deps.Activity != nil {
		go s.watchActivity(runCtx)
	}
	s.pull("initial")
	return nil
}

// Stop tears the session down: the channel is closed, polling, bursts and the
// reconnect timer are cancelled and the cache is released. Safe to call more
// than once and before Start.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("session stopped")
}

// ForceRefresh issues an immediate full pull, bypassing the quiet window.
func (s *Session) ForceRefresh() {
	s.pull("force")
}

// SetActiveGeneration is the external signal that a background job is (or is
// no longer) outstanding for the story.
func (s *Session) SetActiveGeneration(active bool) {
	ctx := s.context()
	if ctx == nil {
		return
	}
	go s.post(ctx, msgActive{active: active})
}

func (s *Session) ResourceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resourceID
}

// Snapshot returns the freshest known view of the story.
func (s *Session) Snapshot() snapshot.View {
	s.mu.Lock()
	store, id := s.store, s.resourceID
	s.mu.Unlock()
	if store == nil {
		return snapshot.View{ResourceID: id, Segments: []snapshot.Snapshot{}}
	}
	return store.View(id)
}

// State is the connection state of the current change channel, or Failed
// once reconnecting was given up.
func (s *Session) State() channel.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *Session) OnSnapshotChanged(cb func(snapshot.View)) {
	if cb == nil {
		return
	}
	s.mu.Lock()
	s.snapshotListeners = append(s.snapshotListeners, cb)
	s.mu.Unlock()
}

func (s *Session) OnHealthChanged(cb func(Health)) {
	if cb == nil {
		return
	}
	s.mu.Lock()
	s.healthListeners = append(s.healthListeners, cb)
	s.mu.Unlock()
}

// Done is closed when the session loop has exited.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Session) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.stopped {
		return nil
	}
	return s.ctx
}

func (s *Session) post(ctx context.Context, m message) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case s.inbox <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// pull fetches the full story in the background and hands the result to the
// loop. Concurrent pulls share one request and produce a single result.
func (s *Session) pull(reason string) {
	ctx := s.context()
	if ctx == nil {
		return
	}
	go func() {
		_, _, _ = s.flights.Do("pull", func() (any, error) {
			fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
			state, err := s.deps.Fetcher.Fetch(fctx, s.resourceID)
			cancel()
			if err == nil && state == nil {
				err = errors.New("fetcher returned no state")
			}
			s.post(ctx, msgPulled{state: state, err: err, reason: reason})
			return nil, nil
		})
	}()
}

func (s *Session) watchActivity(ctx context.Context) {
	interval := s.cfg.ActivityInterval
	check := func() {
		actx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		active, err := s.deps.Activity.ActiveGeneration(actx, s.resourceID)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("active generation check failed")
			}
			return
		}
		s.post(ctx, msgActive{active: active})
	}
	check()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
