package session

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/storysync/pkg/channel"
	"github.com/go-go-golems/storysync/pkg/snapshot"
)

type message interface{ isMessage() }

type msgUpdate struct {
	gen    uint64
	update channel.Update
	ended  bool
}

type msgReconnect struct{ gen uint64 }

type msgPulled struct {
	state  *snapshot.ResourceState
	err    error
	reason string
}

type msgActive struct{ active bool }

func (msgUpdate) isMessage()    {}
func (msgReconnect) isMessage() {}
func (msgPulled) isMessage()    {}
func (msgActive) isMessage()    {}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	s.openChannel(ctx)
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case m := <-s.inbox:
			// a stop racing with a queued message wins
			if ctx.Err() != nil {
				s.teardown()
				return
			}
			s.handle(ctx, m)
		}
	}
}

func (s *Session) handle(ctx context.Context, m message) {
	switch m := m.(type) {
	case msgUpdate:
		s.handleUpdate(m)
	case msgReconnect:
		if m.gen != s.chGen || s.gaveUp {
			return
		}
		s.reconnectTimer = nil
		s.openChannel(ctx)
	case msgPulled:
		s.handlePulled(m)
	case msgActive:
		s.reportedActive = m.active
		s.setActive(s.reportedActive || s.pulledActive)
	}
}

func (s *Session) teardown() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	s.poller.Stop()
	if n := s.bursts.Close(); n > 0 {
		s.log.Debug().Int("cancelled", n).Msg("cancelled pending refresh burst")
	}
	s.store.Clear()
	s.mu.Lock()
	s.state = channel.StateClosed
	s.mu.Unlock()
}

func (s *Session) openChannel(ctx context.Context) {
	s.chGen++
	gen := s.chGen
	s.setState(channel.StateConnecting)

	ch, err := s.deps.Subscriber.Subscribe(ctx, s.resourceID)
	if err != nil {
		s.log.Warn().Err(err).Msg("subscribe failed")
		s.scheduleReconnect(channel.Transient(err))
		return
	}
	s.ch = ch
	s.log.Debug().Uint64("channel_gen", gen).Int("attempt", s.attempt.Count).Msg("channel opened")

	go func() {
		for u := range ch.Updates() {
			if !s.post(ctx, msgUpdate{gen: gen, update: u}) {
				return
			}
		}
		s.post(ctx, msgUpdate{gen: gen, ended: true})
	}()
}

func (s *Session) handleUpdate(m msgUpdate) {
	if m.gen != s.chGen {
		return
	}
	switch {
	case m.ended:
		// s.ch is nil once the loop itself retired the channel
		if s.ch != nil && !s.gaveUp {
			s.scheduleReconnect(&channel.TransientError{Err: errors.New("update stream ended")})
		}
	case m.update.Transition != nil:
		s.handleTransition(m.update.Transition)
	case m.update.Event != nil:
		res := s.reconciler.Apply(*m.update.Event)
		if res.Applied {
			s.notifySnapshot()
		}
	}
}

func (s *Session) handleTransition(tr *channel.Transition) {
	s.log.Debug().Str("from", tr.From.String()).Str("to", tr.To.String()).AnErr("cause", tr.Cause).Msg("channel transition")
	switch tr.To {
	case channel.StateSubscribed:
		s.attempt.Count = 0
		s.attempt.NextDelay = 0
		s.setState(channel.StateSubscribed)
		s.rearmPolling()
	case channel.StateDegraded:
		s.scheduleReconnect(tr.Cause)
	case channel.StateFailed:
		cause := tr.Cause
		if cause == nil {
			cause = &channel.RejectedError{Reason: "channel failed"}
		}
		s.giveUp(cause)
	case channel.StateConnecting, channel.StateClosed:
	}
}

// scheduleReconnect retires the current channel and, if the policy allows,
// opens a new one after the backoff delay.
func (s *Session) scheduleReconnect(cause error) {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	next, ok := s.cfg.Reconnect.Next(s.attempt.Count, cause)
	if !ok {
		s.giveUp(cause)
		return
	}
	s.attempt = next
	s.setState(channel.StateDegraded)
	s.rearmPolling()

	gen := s.chGen
	ctx := s.ctx
	s.log.Info().Err(cause).Int("attempt", next.Count).Dur("delay", next.NextDelay).Msg("reconnect scheduled")
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(next.NextDelay, func() {
		s.post(ctx, msgReconnect{gen: gen})
	})
}

// giveUp stops reconnecting for the rest of the session; polling becomes the
// only source of updates.
func (s *Session) giveUp(cause error) {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	s.gaveUp = true
	s.setState(channel.StateFailed)
	s.rearmPolling()
	s.log.Warn().Err(cause).Int("attempts", s.attempt.Count).Msg("change channel failed, falling back to polling")
}

func (s *Session) handlePulled(m msgPulled) {
	if m.err != nil {
		s.fetchFailures++
		ferr := &FetchError{ResourceID: s.resourceID, Err: m.err}
		s.log.Warn().Err(ferr).Str("reason", m.reason).Int("consecutive_failures", s.fetchFailures).Msg("pull failed")
		s.updateHealth()
		return
	}
	if s.fetchFailures > 0 {
		s.fetchFailures = 0
		s.updateHealth()
	}
	if s.reconciler.ApplyState(m.state) {
		s.log.Debug().Str("reason", m.reason).Msg("pull changed the snapshot")
		s.notifySnapshot()
	}
	s.pulledActive = m.state.ActiveGeneration
	s.setActive(s.reportedActive || s.pulledActive)
}

func (s *Session) setActive(active bool) {
	if s.active != active {
		s.log.Debug().Bool("active", active).Msg("active generation changed")
	}
	s.active = active
	s.poller.SetActiveGeneration(active)
	s.rearmPolling()
}

// rearmPolling keeps the fallback ticker in line with the channel state:
// the regular interval while not subscribed, the safety net while subscribed,
// nothing without an active generation.
func (s *Session) rearmPolling() {
	var want time.Duration
	if s.poller.Active() {
		if s.State() == channel.StateSubscribed {
			want = s.cfg.SafetyNetInterval
		} else {
			want = s.cfg.PollInterval
		}
	}
	if want <= 0 {
		s.poller.Stop()
		return
	}
	if s.poller.Running() && s.poller.Interval() == want {
		return
	}
	s.poller.Stop()
	s.poller.Start(want)
}

func (s *Session) setState(state channel.State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.updateHealth()
}

func (s *Session) updateHealth() {
	s.mu.Lock()
	h := Classify(s.state, s.fetchFailures, s.cfg.FetchFailureThreshold)
	changed := h != s.health
	s.health = h
	listeners := append([]func(Health){}, s.healthListeners...)
	s.mu.Unlock()
	if !changed {
		return
	}
	s.log.Info().Str("health", h.String()).Msg("health changed")
	for _, cb := range listeners {
		cb(h)
	}
}

func (s *Session) notifySnapshot() {
	s.mu.Lock()
	listeners := append([]func(snapshot.View){}, s.snapshotListeners...)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return
	}
	view := s.store.View(s.resourceID)
	for _, cb := range listeners {
		cb(view)
	}
}
