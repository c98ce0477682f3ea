package esl

import (
	"log/slog"
	"sync"
	"time"
)

// Direction of a Session relative to this control plane.
type Direction int

// Session directions.
const (
	DirectionUnknown Direction = iota
	DirectionInbound
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// historyLimit bounds the rolling event history kept per Session so a
// long-lived channel with many events doesn't grow unbounded.
const historyLimit = 64

// Session is one FreeSWITCH channel.
type Session struct {
	mu sync.RWMutex

	uuid      string
	direction Direction
	state     string
	appID     string
	callUUID  string // "" until correlated into a Call

	createdAt    time.Time
	originatedAt time.Time
	answeredAt   time.Time
	hungupAt     time.Time
	hangupCause  string

	ownedByApp bool // set when an app takes over teardown (disables autohangup)

	history []Event
	latest  map[string]string // last value seen for each header/variable name
}

// newSession allocates a Session for uuid.
func newSession(uuid string) *Session {
	return &Session{
		uuid:    uuid,
		latest:  make(map[string]string),
		history: make([]Event, 0, 8),
	}
}

// UUID returns the channel's Unique-ID.
func (s *Session) UUID() string {
	return s.uuid
}

// Direction returns whether this session is an inbound or outbound leg.
func (s *Session) Direction() Direction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direction
}

// State returns the last known Channel-State value.
func (s *Session) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CallUUID returns the owning Call's correlation tag, or "" if this
// session is not yet (or never) correlated.
func (s *Session) CallUUID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callUUID
}

// AppID returns the id of the Application attributed to this session via
// the switchio_app channel variable, or "" if none.
func (s *Session) AppID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appID
}

// CreatedAt, OriginatedAt, AnsweredAt, HungupAt return the recorded
// timestamps for each lifecycle transition; zero Time if it hasn't
// happened (yet).
func (s *Session) CreatedAt() time.Time    { return s.ts(func() time.Time { return s.createdAt }) }
func (s *Session) OriginatedAt() time.Time { return s.ts(func() time.Time { return s.originatedAt }) }
func (s *Session) AnsweredAt() time.Time   { return s.ts(func() time.Time { return s.answeredAt }) }
func (s *Session) HungupAt() time.Time     { return s.ts(func() time.Time { return s.hungupAt }) }

func (s *Session) ts(get func() time.Time) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get()
}

// HangupCause returns the recorded Hangup-Cause, or "" before hangup.
func (s *Session) HangupCause() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hangupCause
}

// Answered reports whether CHANNEL_ANSWER has been seen.
func (s *Session) Answered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.answeredAt.IsZero()
}

// HungUp reports whether CHANNEL_HANGUP has been seen.
func (s *Session) HungUp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.hungupAt.IsZero()
}

// TakeOwnership marks this session as owned by an application, disabling
// the Originator's autohangup for it.
func (s *Session) TakeOwnership() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownedByApp = true
}

// Owned reports whether an application has taken ownership of teardown.
func (s *Session) Owned() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownedByApp
}

// Get looks up a channel variable or standard header by name, following
// the "variable_" prefix convention: bare names are looked up directly,
// and also implicitly as "variable_"+name if not found, mirroring
// dynamic attribute access on sessions.
func (s *Session) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.latest[name]; ok {
		return v, true
	}
	if v, ok := s.latest[variablePrefix+name]; ok {
		return v, true
	}
	return "", false
}

// History returns a snapshot of the session's rolling event history,
// most recent last.
func (s *Session) History() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.history))
	copy(out, s.history)
	return out
}

// LogValue renders a compact slog representation of the session.
func (s *Session) LogValue() slog.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slog.GroupValue(
		slog.String("uuid", s.uuid),
		slog.String("direction", s.direction.String()),
		slog.String("state", s.state),
	)
}

// record appends ev to history (bounded) and refreshes the latest-value
// map used by Get, along with the Channel-State and switchio_app values
// behind State and AppID.
func (s *Session) record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range ev.Headers.Keys() {
		v, _ := ev.Headers.Get(k)
		s.latest[k] = v
	}
	if v := ev.Get("Channel-State"); v != "" {
		s.state = v
	}
	if v := ev.Variable("switchio_app"); v != "" {
		s.appID = v
	}

	s.history = append(s.history, ev)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

// sessionTable is the Listener's authoritative live-session map, touched
// only from the Listener's loop goroutine except for the thread-safe
// snapshot accessors.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*Session)}
}

func (t *sessionTable) getOrCreate(uuid string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[uuid]; ok {
		return s, false
	}
	s := newSession(uuid)
	t.sessions[uuid] = s
	return s, true
}

func (t *sessionTable) get(uuid string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[uuid]
	return s, ok
}

func (t *sessionTable) remove(uuid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, uuid)
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// snapshot returns a copy of all live sessions, safe for external
// (non-loop) readers.
func (t *sessionTable) snapshot() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// countActiveOriginated returns the number of live sessions that are
// outbound and not yet hung up, attributed to clientID (via the
// switchio_client channel variable) if clientID is non-empty.
func (t *sessionTable) countActiveOriginated(clientID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, s := range t.sessions {
		s.mu.RLock()
		isOut := s.direction == DirectionOutbound && s.hungupAt.IsZero()
		owner := s.latest[variablePrefix+hdrSwitchioClient]
		s.mu.RUnlock()

		if isOut && (clientID == "" || owner == clientID) {
			n++
		}
	}
	return n
}

// hdrSwitchioClient is the channel variable used to attribute a session
// to the Client that originated it.
const hdrSwitchioClient = "switchio_client"
