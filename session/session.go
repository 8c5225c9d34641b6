// Package session holds the connectivity state of a modem: its stage, the
// last known network registration and the active bearer.
//
// All stage changes go through TryTransition, which rejects transitions the
// stage table does not allow without touching the state.
package session

import (
	"net/netip"
	"sync"
	"time"

	"i4.energy/across/cellink/codec"
)

// Registration is the last known network registration.
type Registration struct {
	Status codec.RegStatus
	// RejectCause is the EMM cause of a denied registration, or
	// codec.NoRejectCause.
	RejectCause int
	// Signal is the last polled signal quality, nil until polled.
	Signal    *codec.SignalQuality
	UpdatedAt time.Time
}

// Bearer is an active packet data context.
type Bearer struct {
	CID         int
	APN         string
	Address     netip.Addr
	ActivatedAt time.Time
}

// Snapshot is a copy of the session for readers.
type Snapshot struct {
	Stage          Stage
	DegradedReason string
	Registration   Registration
	Bearer         *Bearer
}

type watcher struct {
	min Stage
	ch  chan struct{}
}

// State is the single source of truth for the session.
type State struct {
	mu           sync.Mutex
	stage        Stage
	reason       string
	registration Registration
	bearer       *Bearer
	changed      chan struct{}
	watchers     []watcher
}

// New returns a state in PoweredOff.
func New() *State {
	return &State{
		registration: Registration{Status: codec.RegNotRegistered, RejectCause: codec.NoRejectCause},
		changed:      make(chan struct{}),
	}
}

// Current returns the current stage.
func (s *State) Current() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// TryTransition applies t if it is legal from the current stage and returns
// the resulting stage. An illegal transition returns the unchanged stage and
// false.
func (s *State) TryTransition(t Transition) (Stage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !legal(s.stage, t) {
		return s.stage, false
	}
	s.stage = t.to
	if t.to == Degraded {
		s.reason = t.reason
	} else {
		s.reason = ""
	}
	if t.to != BearerActive {
		s.bearer = nil
	}
	if t.to < Registered || t.to == Degraded {
		s.registration.Signal = nil
	}
	s.notifyLocked()
	return s.stage, true
}

// Activate installs the bearer and promotes to BearerActive.
func (s *State) Activate(b Bearer) (Stage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := Promote(BearerActive)
	if !legal(s.stage, t) {
		return s.stage, false
	}
	s.stage = BearerActive
	s.bearer = &b
	s.notifyLocked()
	return s.stage, true
}

// SetRegistration records a registration status learned from an event or a
// poll. It does not change the stage.
func (s *State) SetRegistration(status codec.RegStatus, cause int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registration.Status = status
	s.registration.RejectCause = cause
	s.registration.UpdatedAt = at
	s.notifyLocked()
}

// SetSignal records a signal quality sample.
func (s *State) SetSignal(q codec.SignalQuality, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registration.Signal = &q
	s.registration.UpdatedAt = at
	s.notifyLocked()
}

// Registration returns the last known registration.
func (s *State) Registration() Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registration
}

// Snapshot returns a copy of the session.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Stage:          s.stage,
		DegradedReason: s.reason,
		Registration:   s.registration,
	}
	if s.registration.Signal != nil {
		q := *s.registration.Signal
		snap.Registration.Signal = &q
	}
	if s.bearer != nil {
		b := *s.bearer
		snap.Bearer = &b
	}
	return snap
}

// Changed returns a channel that is closed on the next change of the
// session. Callers re-check the state and call Changed again.
func (s *State) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Lost returns a channel that is closed once the stage no longer satisfies
// min. If it already does not, the channel is closed on return.
func (s *State) Lost(min Stage) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	if !s.stage.Satisfies(min) {
		close(ch)
		return ch
	}
	s.watchers = append(s.watchers, watcher{min: min, ch: ch})
	return ch
}

// Forget releases a channel returned by Lost that is no longer needed.
func (s *State) Forget(ch <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.watchers {
		if w.ch == ch {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			return
		}
	}
}

func (s *State) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})

	kept := s.watchers[:0]
	for _, w := range s.watchers {
		if s.stage.Satisfies(w.min) {
			kept = append(kept, w)
			continue
		}
		close(w.ch)
	}
	s.watchers = kept
}
