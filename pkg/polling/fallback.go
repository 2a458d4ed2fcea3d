package polling

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// QuietWindow suppresses a pull when the cache was written this recently.
	QuietWindow time.Duration
	// LastWrite reports the time of the last applied cache mutation.
	LastWrite func() time.Time
	// Pull issues a full-resource pull. It must not block on the network.
	Pull func()
	Now  func() time.Time
	Log  *zerolog.Logger
}

// Fallback is a ticker that re-pulls the full story while a background
// generation job is outstanding. At most one ticker runs at a time.
type Fallback struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	active   bool
	running  bool
	interval time.Duration
	stop     chan struct{}
	run      uint64
}

func New(cfg Config) *Fallback {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := log.With().Str("component", "polling").Logger()
	if cfg.Log != nil {
		l = cfg.Log.With().Str("component", "polling").Logger()
	}
	return &Fallback{cfg: cfg, log: l}
}

// Start arms the ticker. It is a no-op when already running, when no
// generation is active, or when interval is not positive.
func (f *Fallback) Start(interval time.Duration) bool {
	if f == nil || interval <= 0 {
		return false
	}
	f.mu.Lock()
	if f.running || !f.active {
		f.mu.Unlock()
		return false
	}
	f.running = true
	f.interval = interval
	f.run++
	run := f.run
	stop := make(chan struct{})
	f.stop = stop
	f.mu.Unlock()

	f.log.Debug().Dur("interval", interval).Msg("polling armed")
	go f.loop(run, interval, stop)
	return true
}

// Stop cancels the ticker. Safe to call when not running.
func (f *Fallback) Stop() {
	if f == nil {
		return
	}
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.interval = 0
	close(f.stop)
	f.stop = nil
	f.mu.Unlock()
	f.log.Debug().Msg("polling disarmed")
}

// SetActiveGeneration records whether a background job can still change the
// story. Clearing it always stops the ticker.
func (f *Fallback) SetActiveGeneration(active bool) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.active = active
	f.mu.Unlock()
	if !active {
		f.Stop()
	}
}

func (f *Fallback) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *Fallback) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Interval is the period of the running ticker, or zero when stopped.
func (f *Fallback) Interval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interval
}

func (f *Fallback) loop(run uint64, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.tick(run)
		}
	}
}

// tick pulls unless the run was superseded or the cache is still fresh from a
// push-based update.
func (f *Fallback) tick(run uint64) bool {
	f.mu.Lock()
	current := f.running && f.run == run
	active := f.active
	f.mu.Unlock()
	if !current {
		return false
	}
	if active && f.cfg.QuietWindow > 0 && f.cfg.LastWrite != nil {
		last := f.cfg.LastWrite()
		if !last.IsZero() && f.cfg.Now().Sub(last) < f.cfg.QuietWindow {
			f.log.Trace().Time("last_write", last).Msg("poll skipped, cache is fresh")
			return false
		}
	}
	if f.cfg.Pull != nil {
		f.cfg.Pull()
	}
	return true
}
