package session

import (
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/storysync/pkg/reconciler"
	"github.com/go-go-golems/storysync/pkg/reconnect"
	"github.com/go-go-golems/storysync/pkg/snapshot"
)

// Config tunes one SyncSession.
type Config struct {
	Reconnect reconnect.Policy

	// PollInterval is the polling period while the channel is not subscribed
	// and a generation is active.
	PollInterval time.Duration
	// SafetyNetInterval is the polling period while subscribed and a
	// generation is active. Zero disables the safety net.
	SafetyNetInterval time.Duration
	// QuietWindow suppresses polls right after a push-based update.
	QuietWindow time.Duration
	// ActivityInterval is how often the ActivityReporter is asked whether a
	// background job is outstanding.
	ActivityInterval time.Duration
	FetchTimeout     time.Duration
	// FetchFailureThreshold consecutive failed pulls degrade health.
	FetchFailureThreshold int

	BurstOffsets  []time.Duration
	Pipelines     []snapshot.Pipeline
	IgnoredFields []string
}

func DefaultConfig() Config {
	return Config{
		Reconnect:             reconnect.DefaultPolicy(),
		PollInterval:          3 * time.Second,
		SafetyNetInterval:     30 * time.Second,
		QuietWindow:           2 * time.Second,
		ActivityInterval:      5 * time.Second,
		FetchTimeout:          10 * time.Second,
		FetchFailureThreshold: 3,
		BurstOffsets:          append([]time.Duration(nil), reconciler.DefaultBurstOffsets...),
		Pipelines:             append([]snapshot.Pipeline(nil), snapshot.DefaultPipelines...),
		IgnoredFields:         append([]string(nil), snapshot.DefaultIgnoredFields...),
	}
}

func (c Config) Validate() error {
	if c.Reconnect.Base <= 0 {
		return errors.New("reconnect base delay must be positive")
	}
	if c.Reconnect.Cap > 0 && c.Reconnect.Cap < c.Reconnect.Base {
		return errors.New("reconnect cap must not be smaller than the base delay")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect max attempts must not be negative")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.SafetyNetInterval < 0 || c.QuietWindow < 0 || c.ActivityInterval < 0 {
		return errors.New("intervals must not be negative")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("fetch timeout must be positive")
	}
	if c.FetchFailureThreshold <= 0 {
		return errors.New("fetch failure threshold must be positive")
	}
	for _, off := range c.BurstOffsets {
		if off < 0 {
			return errors.Errorf("burst offset %s is negative", off)
		}
	}
	return nil
}
