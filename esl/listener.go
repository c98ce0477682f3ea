package esl

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchio/switchio/esl/wire"
)

// DefaultSubscriptions is the baseline event set every Listener
// subscribes to on Connect.
var DefaultSubscriptions = []string{
	"CHANNEL_CREATE", "CHANNEL_ORIGINATE", "CHANNEL_ANSWER", "CHANNEL_HANGUP",
	"CHANNEL_HANGUP_COMPLETE", "CHANNEL_PARK", "CHANNEL_BRIDGE",
	"BACKGROUND_JOB", "SERVER_DISCONNECTED", "CUSTOM",
}

// Listener is the per-engine observer: it maintains the Session/Call
// model, dispatches the built-in handler chain, and fans out to
// Application callbacks keyed by event name.
type Listener struct {
	addr     string
	password string
	dialer   *net.Dialer
	log      *slog.Logger

	jobs *jobTable // shared with the owning Client; resolved from BACKGROUND_JOB events

	conn *Connection

	sessions *sessionTable
	calls    *callTable

	appsMu sync.Mutex
	apps   []*Application

	subMu  sync.Mutex
	subs   map[string]int // event name -> ref count from app Subscribe() calls

	started  atomic.Bool
	loopDone chan struct{}

	totalOriginated uint64 // count of CHANNEL_ORIGINATE events seen
}

// newListener constructs a disconnected Listener for addr/password,
// sharing jobs with its owning Client.
func newListener(addr, password string, jobs *jobTable, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		addr:     addr,
		password: password,
		dialer:   &net.Dialer{Timeout: DialTimeout},
		log:      log,
		jobs:     jobs,
		sessions: newSessionTable(),
		calls:    newCallTable(),
		subs:     make(map[string]int),
	}
}

// Connect dials addr, completes the ESL auth handshake, and subscribes
// to the default event set.
func (l *Listener) Connect(ctx context.Context) error {
	addr := withDefaultPort(l.addr)

	nc, err := l.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("esl: dial: %w", err)
	}

	conn, err := Connect(ctx, nc, l.password, l.log)
	if err != nil {
		return err
	}
	l.conn = conn

	if _, err := conn.Send(ctx, "event plain "+strings.Join(DefaultSubscriptions, " ")); err != nil {
		return fmt.Errorf("esl: subscribe: %w", err)
	}

	return nil
}

// Start spawns the Event Loop goroutine. It is idempotent: a second
// Start on an already-running Listener is a no-op.
func (l *Listener) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.loopDone = make(chan struct{})
	go l.loop()
}

// Stop closes the Connection, awaits loop exit, then drains the pending
// job table with ErrConnectionLost.
func (l *Listener) Stop() {
	if l.conn != nil {
		l.conn.Close()
	}
	if l.started.Load() {
		<-l.loopDone
	}
	l.jobs.failAll(ErrConnectionLost)
}

// Connected reports whether the underlying Connection is still up.
func (l *Listener) Connected() bool {
	if l.conn == nil {
		return false
	}
	select {
	case <-l.conn.Done():
		return false
	default:
		return true
	}
}

// Sessions returns a snapshot of all live sessions (safe for external,
// non-loop readers).
func (l *Listener) Sessions() []*Session {
	return l.sessions.snapshot()
}

// Session looks up a live session by Unique-ID.
func (l *Listener) Session(uuid string) (*Session, bool) {
	return l.sessions.get(uuid)
}

// Call looks up a live, correlated Call by its correlation tag.
func (l *Listener) Call(uuid string) (*Call, bool) {
	return l.calls.get(uuid)
}

// Peer returns the other Session in sess's Call, if any: sess must
// already be correlated (sess.CallUUID() non-empty) and its Call must
// still hold exactly one other live session.
func (l *Listener) Peer(sess *Session) (*Session, bool) {
	callUUID := sess.CallUUID()
	if callUUID == "" {
		return nil, false
	}
	call, ok := l.calls.get(callUUID)
	if !ok {
		return nil, false
	}
	for _, uuid := range call.SessionUUIDs() {
		if uuid == sess.uuid {
			continue
		}
		if peer, ok := l.sessions.get(uuid); ok {
			return peer, true
		}
	}
	return nil, false
}

// TotalOriginated returns the running count of CHANNEL_ORIGINATE events
// observed since Connect.
func (l *Listener) TotalOriginated() uint64 {
	return atomic.LoadUint64(&l.totalOriginated)
}

// API issues a synchronous FreeSWITCH API command directly against this
// Listener's Connection. It exists for internal bookkeeping (e.g. the
// Originator's autohangup scheduling) that only holds a Listener
// reference, not a Client; Client.API is the public equivalent.
func (l *Listener) API(ctx context.Context, command string) (string, error) {
	msg, err := l.conn.Send(ctx, "api "+command)
	if err != nil {
		return "", err
	}
	body := string(msg.Body)
	if cause, ok := errBody(body); ok {
		return body, &APIError{Command: command, Cause: cause}
	}
	return body, nil
}

// ActiveOriginated counts live, non-hung-up outbound sessions attributed
// to clientID (via the switchio_client channel variable), or all
// outbound sessions if clientID is "".
func (l *Listener) ActiveOriginated(clientID string) int {
	return l.sessions.countActiveOriginated(clientID)
}

// loop is the Event Loop: it reads every message the Connection
// observed, resolves BACKGROUND_JOB events against the job table, and
// otherwise runs the built-in handler chain followed by Application
// dispatch. It never terminates on handler failure — panics from a
// callback are recovered, logged with the offending event's headers,
// and dispatch continues.
func (l *Listener) loop() {
	defer close(l.loopDone)

	for msg := range l.conn.Out() {
		switch msg.Kind {
		case wire.KindEvent:
			ev, err := parseEvent(msg)
			if err != nil {
				l.log.Error("esl: malformed event", slog.String("err", err.Error()))
				continue
			}
			l.dispatch(ev)

		case wire.KindDisconnectNotice:
			l.log.Info("esl: server disconnect notice")

		default:
			// command-reply / api-response: already resolved against the
			// Connection's FIFO; nothing further to do at the loop level.
		}
	}
}

// dispatch runs one event through the built-in handler chain first and,
// if not halted, the Application callback table.
func (l *Listener) dispatch(ev Event) {
	ctx := context.Background()

	if ev.Name() == EventBackgroundJob {
		// BACKGROUND_JOB is resolved directly against the job table and
		// never reaches the built-in handler chain or app dispatch; see
		// DESIGN.md for the precedence decision.
		l.jobs.resolveFromBody(ev.JobUUID(), ev.Body)
		return
	}

	consumed, sess := l.runBuiltin(ev)
	if !consumed {
		return
	}

	l.runApps(ctx, sess, ev)
}

// runBuiltin implements the built-in handler table.
func (l *Listener) runBuiltin(ev Event) (consumed bool, sess *Session) {
	switch ev.Name() {
	case "CHANNEL_CREATE":
		return l.onChannelCreate(ev)
	case "CHANNEL_ORIGINATE":
		return l.onChannelOriginate(ev)
	case "CHANNEL_ANSWER":
		return l.onChannelAnswer(ev)
	case "CHANNEL_HANGUP":
		return l.onChannelHangup(ev)
	case "CHANNEL_HANGUP_COMPLETE":
		return l.onChannelHangupComplete(ev)
	default:
		return l.onGeneric(ev)
	}
}

func (l *Listener) onChannelCreate(ev Event) (bool, *Session) {
	uuid := ev.UniqueID()
	if uuid == "" {
		return true, nil
	}
	sess, isNew := l.sessions.getOrCreate(uuid)
	if isNew {
		sess.mu.Lock()
		sess.createdAt = time.Now()
		sess.mu.Unlock()
	}
	sess.record(ev)
	return true, sess
}

func (l *Listener) onChannelOriginate(ev Event) (bool, *Session) {
	uuid := ev.UniqueID()
	if uuid == "" {
		return true, nil
	}
	sess, _ := l.sessions.getOrCreate(uuid)
	sess.mu.Lock()
	sess.direction = DirectionOutbound
	sess.originatedAt = time.Now()
	sess.mu.Unlock()
	sess.record(ev)
	atomic.AddUint64(&l.totalOriginated, 1)
	return true, sess
}

func (l *Listener) onChannelAnswer(ev Event) (bool, *Session) {
	uuid := ev.UniqueID()
	if uuid == "" {
		return true, nil
	}
	sess, _ := l.sessions.getOrCreate(uuid)
	sess.mu.Lock()
	sess.answeredAt = time.Now()
	sess.mu.Unlock()
	sess.record(ev)

	l.correlate(sess, ev)

	return true, sess
}

// correlate binds sess into a Call with its peer, if the event carries
// the X-originating_session_uuid correlation tag planted at originate
// time. Cross-engine correlation (the peer leg
// landing on a different engine) is explicitly out of scope — see the
// Open Question this resolves in DESIGN.md.
func (l *Listener) correlate(sess *Session, ev Event) {
	tag := ev.Variable("X-originating_session_uuid")
	if tag == "" {
		tag = ev.Get("sip_h_X-originating_session_uuid")
	}
	if tag == "" {
		return
	}

	call := l.calls.getOrCreate(tag)
	call.addSession(sess.uuid)

	sess.mu.Lock()
	sess.callUUID = tag
	sess.mu.Unlock()

	if peer, ok := l.sessions.get(tag); ok && peer != sess {
		call.addSession(peer.uuid)
		peer.mu.Lock()
		peer.callUUID = tag
		peer.mu.Unlock()
	}
}

func (l *Listener) onChannelHangup(ev Event) (bool, *Session) {
	uuid := ev.UniqueID()
	if uuid == "" {
		return true, nil
	}
	sess, ok := l.sessions.get(uuid)
	if !ok {
		return false, nil
	}
	sess.mu.Lock()
	sess.hangupCause = ev.Get("Hangup-Cause")
	sess.hungupAt = time.Now()
	sess.mu.Unlock()
	sess.record(ev)
	return true, sess
}

func (l *Listener) onChannelHangupComplete(ev Event) (bool, *Session) {
	uuid := ev.UniqueID()
	if uuid == "" {
		return true, nil
	}
	sess, ok := l.sessions.get(uuid)
	if !ok {
		return false, nil
	}
	sess.record(ev)

	l.sessions.remove(uuid)

	callUUID := sess.CallUUID()
	if callUUID != "" {
		if call, ok := l.calls.get(callUUID); ok {
			call.setHangupCause(sess.HangupCause())
			if remaining := call.removeSession(uuid); remaining == 0 {
				l.calls.remove(callUUID)
			}
		}
	}

	return true, sess
}

// onGeneric handles every event without a dedicated built-in: if it
// carries a Unique-ID, it must name a session we track or it is dropped
// (consumed=false) as unrelated to this Listener's model; events with no
// Unique-ID (HEARTBEAT, SERVER_DISCONNECTED, CUSTOM without a channel)
// always reach app dispatch with sess=nil.
func (l *Listener) onGeneric(ev Event) (bool, *Session) {
	uuid := ev.UniqueID()
	if uuid == "" {
		return true, nil
	}
	sess, ok := l.sessions.get(uuid)
	if !ok {
		return false, nil
	}
	sess.record(ev)
	return true, sess
}

// runApps fans ev out to every loaded Application's callbacks registered
// for ev.Name(), in load order, isolating panics from each callback.
func (l *Listener) runApps(ctx context.Context, sess *Session, ev Event) {
	l.appsMu.Lock()
	apps := append([]*Application(nil), l.apps...)
	l.appsMu.Unlock()

	for _, app := range apps {
		callbacks := app.callbacks[ev.Name()]
		if len(callbacks) == 0 && app.pre == nil && app.post == nil {
			continue
		}

		l.safeHook(app.pre, ctx, sess, ev)
		for _, cb := range callbacks {
			l.safeCallback(cb, ctx, sess, ev)
		}
		l.safeHook(app.post, ctx, sess, ev)
	}
}

func (l *Listener) safeCallback(cb Callback, ctx context.Context, sess *Session, ev Event) {
	defer l.recoverCallback(ev)
	cb(ctx, l, sess, ev)
}

func (l *Listener) safeHook(h Hook, ctx context.Context, sess *Session, ev Event) {
	if h == nil {
		return
	}
	defer l.recoverCallback(ev)
	h(ctx, l, sess, ev)
}

func (l *Listener) recoverCallback(ev Event) {
	if r := recover(); r != nil {
		l.log.Error("esl: application callback panicked",
			slog.Any("panic", r),
			slog.Any("event", ev),
		)
	}
}

// LoadApp registers every callback and hook of app on this Listener
// atomically: on any failure (duplicate id, or a failure subscribing to
// app-requested events) nothing is registered.
func (l *Listener) LoadApp(ctx context.Context, app *Application) error {
	if err := app.validate(); err != nil {
		return err
	}

	l.appsMu.Lock()
	for _, existing := range l.apps {
		if existing.id == app.id {
			l.appsMu.Unlock()
			return fmt.Errorf("esl: application %q already loaded", app.id)
		}
	}
	l.appsMu.Unlock()

	added, err := l.addSubscriptions(ctx, app.subscriptions)
	if err != nil {
		l.removeSubscriptions(added) // roll back the ones that did succeed
		return fmt.Errorf("esl: load app %q: %w", app.id, err)
	}

	l.appsMu.Lock()
	l.apps = append(l.apps, app)
	l.appsMu.Unlock()

	return nil
}

// UnloadApp removes app and decrements its subscription ref-counts.
func (l *Listener) UnloadApp(id string) {
	l.appsMu.Lock()
	var removed *Application
	out := l.apps[:0]
	for _, a := range l.apps {
		if a.id == id {
			removed = a
			continue
		}
		out = append(out, a)
	}
	l.apps = out
	l.appsMu.Unlock()

	if removed != nil {
		l.removeSubscriptions(removed.subscriptions)
	}
}

// addSubscriptions bumps the ref count for each name not already in the
// baseline DefaultSubscriptions set, issuing an "event plain" command
// for any name seeing its first subscriber. It returns the names it
// successfully added a ref for, so a partial failure can be rolled back.
func (l *Listener) addSubscriptions(ctx context.Context, names []string) ([]string, error) {
	var added []string

	l.subMu.Lock()
	defer l.subMu.Unlock()

	for _, name := range names {
		if isDefaultSubscription(name) {
			continue
		}

		if l.subs[name] == 0 {
			cmd := buildSubscribeCommand(name)
			if _, err := l.conn.Send(ctx, cmd); err != nil {
				return added, err
			}
		}
		l.subs[name]++
		added = append(added, name)
	}

	return added, nil
}

func (l *Listener) removeSubscriptions(names []string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	for _, name := range names {
		if l.subs[name] <= 0 {
			continue
		}
		l.subs[name]--
		if l.subs[name] == 0 {
			delete(l.subs, name)
			if l.conn != nil {
				cmd := "nixevent " + name
				if _, ok := knownEventNames[name]; !ok {
					cmd = "nixevent CUSTOM " + name
				}
				_, _ = l.conn.Send(context.Background(), cmd)
			}
		}
	}
}

func isDefaultSubscription(name string) bool {
	for _, d := range DefaultSubscriptions {
		if d == name {
			return true
		}
	}
	return false
}

func buildSubscribeCommand(name string) string {
	if _, ok := knownEventNames[name]; ok {
		return "event plain " + name
	}
	return "event plain CUSTOM " + name
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "8021")
	}
	return addr
}
