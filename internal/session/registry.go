package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/logging"
)

// EndReason records why a session left the registry.
type EndReason string

const (
	EndHangup         EndReason = "hangup"
	EndStreamClosed   EndReason = "stream_closed"
	EndTransportFault EndReason = "transport_fault"
	EndTeardown       EndReason = "teardown"
	EndIdle           EndReason = "idle"
	EndShutdown       EndReason = "shutdown"
)

// Registry maps call ids to live sessions. Sessions are created lazily on
// the first event for an id and are unreachable once removed.
type Registry struct {
	mu                sync.RWMutex
	sessions          map[string]*CallSession
	inactivityTimeout time.Duration
	onCreate          func(*CallSession)
	onRemove          func(*CallSession, EndReason)
	log               *logrus.Entry
}

func NewRegistry(inactivityTimeout time.Duration, log *logrus.Entry) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	if log == nil {
		log = logging.Component(nil, "registry")
	}
	return &Registry{
		sessions:          make(map[string]*CallSession),
		inactivityTimeout: inactivityTimeout,
		log:               log,
	}
}

func (r *Registry) SetCreateHook(hook func(*CallSession)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCreate = hook
}

// SetRemoveHook runs after a session is removed and its engine handle closed.
func (r *Registry) SetRemoveHook(hook func(*CallSession, EndReason)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = hook
}

// GetOrCreate returns the live session for callID, constructing it if needed.
// created is true only for the caller that constructed it.
func (r *Registry) GetOrCreate(callID string, opts Options) (*CallSession, bool) {
	r.mu.RLock()
	s, ok := r.sessions[callID]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	if s, ok := r.sessions[callID]; ok {
		r.mu.Unlock()
		return s, false
	}
	s = newCallSession(callID, opts, time.Now().UTC())
	r.sessions[callID] = s
	hook := r.onCreate
	r.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return s, true
}

func (r *Registry) Get(callID string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Remove tears the session down as a hangup. Removing an absent id is a no-op.
func (r *Registry) Remove(callID string) bool {
	return r.Terminate(callID, EndHangup)
}

// Terminate removes the session and marks it terminated at once, then waits
// for any in-flight turn before closing the engine handle.
func (r *Registry) Terminate(callID string, reason EndReason) bool {
	return r.terminateIf(callID, reason, nil)
}

func (r *Registry) terminateIf(callID string, reason EndReason, pred func(*CallSession) bool) bool {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	if ok && pred != nil && !pred(s) {
		ok = false
	}
	if ok {
		delete(r.sessions, callID)
	}
	hook := r.onRemove
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.release(s, reason, hook)
	return true
}

func (r *Registry) release(s *CallSession, reason EndReason, hook func(*CallSession, EndReason)) {
	conv, ok := s.terminate()
	if !ok {
		return
	}

	s.turns.lock()
	if conv != nil {
		if err := conv.Close(); err != nil {
			r.log.WithError(err).WithField("call_id", s.CallID).Warn("close dialogue conversation")
		}
	}
	s.turns.unlock()

	if hook != nil {
		hook(s, reason)
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns a copy of the session state for callID.
func (r *Registry) Snapshot(callID string) (Snapshot, bool) {
	s, ok := r.Get(callID)
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Snapshots lists every live session.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	live := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	return out
}

// CloseAll terminates every live session, used on shutdown.
func (r *Registry) CloseAll(reason EndReason) int {
	r.mu.Lock()
	live := r.sessions
	r.sessions = make(map[string]*CallSession)
	hook := r.onRemove
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func(s *CallSession) {
			defer wg.Done()
			r.release(s, reason, hook)
		}(s)
	}
	wg.Wait()
	return len(live)
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

// expireInactive removes idle sessions waiting for input. Sessions mid-turn
// are left alone; their collaborators carry their own timeouts.
func (r *Registry) expireInactive() {
	now := time.Now().UTC()
	idle := func(s *CallSession) bool {
		return s.State() == StateAwaitingInput && now.Sub(s.LastActivityAt()) >= r.inactivityTimeout
	}

	var expired []string
	r.mu.RLock()
	for id, s := range r.sessions {
		if idle(s) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		if r.terminateIf(id, EndIdle, idle) {
			r.log.WithField("call_id", id).Info("expired idle call session")
		}
	}
}
