package session

import (
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/callrelay/internal/dialogue"
)

// State is the turn-taking position of a call.
type State string

const (
	StateAwaitingInput State = "awaiting_input"
	StateProcessing    State = "processing"
	StateSpeaking      State = "speaking"
	StateTerminated    State = "terminated"
)

// Speaker tags a history entry.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
	// SpeakerMarker records a turn the engine failed to answer.
	SpeakerMarker Speaker = "marker"
)

// ErrSessionTerminated is returned for any work attempted after teardown.
var ErrSessionTerminated = errors.New("call session terminated")

// Turn is one entry of a call's history.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Options carries per-call attributes known at call start.
type Options struct {
	CallerID string
	Locale   string
	Voice    string
}

// CallSession is the live state of one call. History and state are only
// changed by the holder of the turn lock.
type CallSession struct {
	CallID    string
	CallerID  string
	Locale    string
	Voice     string
	CreatedAt time.Time

	turns turnQueue
	done  chan struct{}

	mu             sync.Mutex
	state          State
	history        []Turn
	conversation   dialogue.Conversation
	lastActivityAt time.Time
}

func newCallSession(callID string, opts Options, now time.Time) *CallSession {
	return &CallSession{
		CallID:         callID,
		CallerID:       opts.CallerID,
		Locale:         opts.Locale,
		Voice:          opts.Voice,
		CreatedAt:      now,
		done:           make(chan struct{}),
		state:          StateAwaitingInput,
		lastActivityAt: now,
	}
}

// BeginTurn blocks until no other turn runs on this call, then claims it.
// Waiters are admitted one at a time in the order they called BeginTurn;
// the returned func releases the turn.
func (s *CallSession) BeginTurn() (func(), error) {
	s.turns.lock()
	if s.State() == StateTerminated {
		s.turns.unlock()
		return nil, ErrSessionTerminated
	}
	s.Touch()
	return s.turns.unlock, nil
}

// Done is closed once the session is terminated.
func (s *CallSession) Done() <-chan struct{} {
	return s.done
}

func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves a live session to next. A terminated session stays terminated.
func (s *CallSession) SetState(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return ErrSessionTerminated
	}
	s.state = next
	s.lastActivityAt = time.Now().UTC()
	return nil
}

// Append adds a turn to the history of a live session.
func (s *CallSession) Append(speaker Speaker, text string) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return Turn{}, ErrSessionTerminated
	}
	t := Turn{Speaker: speaker, Text: text, At: time.Now().UTC()}
	s.history = append(s.history, t)
	s.lastActivityAt = t.At
	return t, nil
}

// History returns a copy of the turns recorded so far.
func (s *CallSession) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Conversation returns the engine handle, nil until the first real utterance.
func (s *CallSession) Conversation() dialogue.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation
}

// SetConversation attaches the engine handle. It fails once the session is
// terminated; the caller then owns conv and must close it.
func (s *CallSession) SetConversation(conv dialogue.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return ErrSessionTerminated
	}
	s.conversation = conv
	return nil
}

func (s *CallSession) Touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *CallSession) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// terminate flips the state and hands back the engine handle for release.
func (s *CallSession) terminate() (dialogue.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return nil, false
	}
	s.state = StateTerminated
	close(s.done)
	conv := s.conversation
	s.conversation = nil
	return conv, true
}

// turnQueue is a FIFO lock: unlock hands the turn straight to the oldest
// waiter, so a late arrival cannot slip in ahead of parked ones.
type turnQueue struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func (q *turnQueue) lock() {
	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return
	}
	ready := make(chan struct{})
	q.waiters = append(q.waiters, ready)
	q.mu.Unlock()
	<-ready
}

func (q *turnQueue) unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 {
		q.busy = false
		return
	}
	next := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	close(next)
}

func (q *turnQueue) waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Snapshot is a point-in-time view of a session for inspection APIs.
type Snapshot struct {
	CallID         string    `json:"call_id"`
	CallerID       string    `json:"caller_id,omitempty"`
	Locale         string    `json:"locale,omitempty"`
	Voice          string    `json:"voice,omitempty"`
	State          State     `json:"state"`
	History        []Turn    `json:"history"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (s *CallSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]Turn, len(s.history))
	copy(history, s.history)
	return Snapshot{
		CallID:         s.CallID,
		CallerID:       s.CallerID,
		Locale:         s.Locale,
		Voice:          s.Voice,
		State:          s.state,
		History:        history,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivityAt,
	}
}
