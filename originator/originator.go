package originator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/switchio/switchio/esl"
)

// State is one of the Originator lifecycle states.
type State int

// Originator states.
const (
	StateInitial State = iota
	StateOriginating
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateOriginating:
		return "originating"
	case StateStopped:
		return "stopped"
	default:
		return "initial"
	}
}

// Config parameterizes the burst engine's control law: limit is
// approximately rate*duration. Duration is derived from Rate and Limit
// when left zero.
type Config struct {
	Rate       float64       // calls offered per second
	Limit      int           // maximum concurrently active originated calls
	MaxOffered int           // total originate attempts across the run; 0 issues none
	Duration   time.Duration // per-call hold before autohangup; derived if zero
	Period     time.Duration // burst tick interval, default 1s
	Autohangup bool          // hang up answered calls after Duration unless an app took ownership
}

func (c *Config) normalize() {
	if c.Period <= 0 {
		c.Period = time.Second
	}
	if c.Duration <= 0 && c.Rate > 0 && c.Limit > 0 {
		c.Duration = time.Duration(float64(c.Limit) / c.Rate * float64(time.Second))
	}
}

// Originator is the closed-loop burst call generator: it paces
// `originate` requests across a Pool to hold a target number of
// concurrent calls, tracks failures by hangup cause, and captures CDRs
// through its own bookkeeping Application.
type Originator struct {
	pool     *esl.Pool
	template esl.OriginateRequest
	log      *slog.Logger

	cfgMu sync.Mutex
	cfg   Config

	stateMu sync.Mutex
	state   State
	stopCh  chan struct{}
	loopWG  sync.WaitGroup

	totalOffered uint64

	failedMu    sync.Mutex
	failedCalls map[string]uint64

	cdr *Store

	appsAttached int
	bookkeeping  *esl.Application
}

// New returns an Originator over pool, configured to fire req on each
// burst tick. cfg.Period defaults to 1s; cfg.Duration is derived from
// Rate/Limit when left zero.
func New(pool *esl.Pool, req esl.OriginateRequest, cfg Config, log *slog.Logger) *Originator {
	if log == nil {
		log = slog.Default()
	}
	cfg.normalize()

	o := &Originator{
		pool:        pool,
		template:    req,
		log:         log,
		cfg:         cfg,
		state:       StateInitial,
		failedCalls: make(map[string]uint64),
		cdr:         NewStore(),
	}
	o.bookkeeping = o.newBookkeepingApp()
	return o
}

// CDRs returns the Originator's captured call-detail store.
func (o *Originator) CDRs() *Store {
	return o.cdr
}

// State returns the current lifecycle state.
func (o *Originator) State() State {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

// TotalOffered returns the number of originate attempts issued so far.
func (o *Originator) TotalOffered() uint64 {
	o.failedMu.Lock()
	defer o.failedMu.Unlock()
	return o.totalOffered
}

// FailedCalls returns a snapshot of attempt counts by failure cause.
func (o *Originator) FailedCalls() map[string]uint64 {
	o.failedMu.Lock()
	defer o.failedMu.Unlock()
	out := make(map[string]uint64, len(o.failedCalls))
	for k, v := range o.failedCalls {
		out[k] = v
	}
	return out
}

// Configure updates the pacing configuration. Rate/Limit/MaxOffered take
// effect on the next burst tick; it is safe to call while ORIGINATING.
func (o *Originator) Configure(cfg Config) {
	cfg.normalize()
	o.cfgMu.Lock()
	o.cfg = cfg
	o.cfgMu.Unlock()
}

func (o *Originator) config() Config {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	return o.cfg
}

// AttachApp registers an additional call-control Application on every
// Client in the pool, and records that at least one app is loaded — a
// precondition of Start.
func (o *Originator) AttachApp(ctx context.Context, app *esl.Application) error {
	if err := o.pool.LoadApp(ctx, app); err != nil {
		return err
	}
	o.appsAttached++
	return nil
}

// Start transitions INITIAL or STOPPED into ORIGINATING and begins the
// burst loop. Calling Start while already ORIGINATING is a no-op. The
// first Start also loads the Originator's own bookkeeping Application
// (autohangup scheduling + CDR capture) onto the pool.
func (o *Originator) Start(ctx context.Context) error {
	if o.template.Destination == "" {
		return &esl.ConfigurationError{Reason: "originator: no originate template configured"}
	}
	if o.appsAttached == 0 {
		return &esl.ConfigurationError{Reason: "originator: no application loaded"}
	}

	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	if o.state == StateOriginating {
		return nil
	}

	if o.state == StateInitial {
		if err := o.pool.LoadApp(ctx, o.bookkeeping); err != nil {
			return fmt.Errorf("originator: load bookkeeping app: %w", err)
		}
	}

	o.state = StateOriginating
	o.stopCh = make(chan struct{})
	o.loopWG.Add(1)
	go o.burstLoop(o.stopCh)

	return nil
}

// Stop halts further originate attempts and moves to STOPPED, letting
// in-flight calls drain naturally. Calling Stop while not ORIGINATING is
// a no-op.
func (o *Originator) Stop() {
	o.stateMu.Lock()
	if o.state != StateOriginating {
		o.stateMu.Unlock()
		return
	}
	o.state = StateStopped
	close(o.stopCh)
	o.stateMu.Unlock()

	o.loopWG.Wait()
}

// Hupall stops issuing new originates and force-terminates every session
// the pool currently holds.
func (o *Originator) Hupall(ctx context.Context, cause string) error {
	o.Stop()
	return o.pool.Hupall(ctx, cause)
}

// burstLoop runs one tick per Config.Period until stopCh closes.
func (o *Originator) burstLoop(stopCh chan struct{}) {
	defer o.loopWG.Done()

	cfg := o.config()
	ticker := time.NewTicker(cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if done := o.tick(); done {
				// Stop waits on loopWG, which this goroutine holds, so the
				// move to STOPPED is made here directly.
				o.stateMu.Lock()
				if o.state == StateOriginating && o.stopCh == stopCh {
					o.state = StateStopped
					close(stopCh)
				}
				o.stateMu.Unlock()
				return
			}
		}
	}
}

// tick fires one burst's worth of originate attempts and reports whether
// the run has exhausted MaxOffered and should stop.
func (o *Originator) tick() (done bool) {
	cfg := o.config()

	if cfg.MaxOffered == 0 {
		return true
	}

	active := o.pool.TotalActiveOriginated("")
	offered := int(o.TotalOffered())

	perPeriod := int(cfg.Rate * cfg.Period.Seconds())
	room := cfg.Limit - active
	remaining := cfg.MaxOffered - offered

	n := minInt(perPeriod, room, remaining)
	if n < 0 {
		n = 0
	}

	for i := 0; i < n; i++ {
		o.fireOne(cfg)
	}

	return int(o.TotalOffered()) >= cfg.MaxOffered
}

func (o *Originator) fireOne(cfg Config) {
	o.failedMu.Lock()
	o.totalOffered++
	o.failedMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, job, err := o.pool.Originate(ctx, o.template)
	if err != nil {
		o.recordFailure(causeOf(err))
		return
	}

	go o.awaitJob(job)
}

// awaitJob watches a fired job for asynchronous originate failure.
// A late -ERR counts toward MaxOffered but never toward the active-call
// quota, since no channel was ever created.
func (o *Originator) awaitJob(job *esl.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := job.Wait(ctx); err != nil {
		o.recordFailure(causeOf(err))
	}
}

func (o *Originator) recordFailure(cause string) {
	if cause == "" {
		cause = "UNKNOWN"
	}
	o.failedMu.Lock()
	o.failedCalls[cause]++
	o.failedMu.Unlock()
}

func causeOf(err error) string {
	switch e := err.(type) {
	case *esl.APIError:
		return e.Cause
	case *esl.JobFailed:
		return e.Cause
	default:
		if err == esl.ErrJobCancelled {
			return "timeout"
		}
		return "send-error"
	}
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// newBookkeepingApp builds the Originator's own Application: it schedules
// autohangup on answer and captures a CDR row on hangup-complete for
// every outbound session, independent of whatever call-control app the
// caller loads via AttachApp.
func (o *Originator) newBookkeepingApp() *esl.Application {
	app := esl.NewApplication("switchio::originator")

	app.On("CHANNEL_ANSWER", func(ctx context.Context, l *esl.Listener, sess *esl.Session, ev esl.Event) {
		if sess == nil || sess.Direction() != esl.DirectionOutbound {
			return
		}

		cfg := o.config()
		if !cfg.Autohangup || cfg.Duration <= 0 {
			return
		}

		uuid := sess.UUID()
		time.AfterFunc(cfg.Duration, func() {
			if sess.Owned() || sess.HungUp() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := l.API(ctx, "uuid_kill "+uuid); err != nil {
				o.log.Warn("originator: autohangup failed", slog.String("uuid", uuid), slog.String("err", err.Error()))
			}
		})
	})

	app.On("CHANNEL_HANGUP_COMPLETE", func(ctx context.Context, l *esl.Listener, sess *esl.Session, ev esl.Event) {
		if sess == nil || sess.Direction() != esl.DirectionOutbound {
			return
		}
		o.captureCDR(l, sess)
	})

	return app
}

// captureCDR records a CDR row derived from sess's recorded timestamps,
// its correlated peer leg's timing if one was bound, and an erlang
// estimate derived from the measured call rate and this call's hold time.
func (o *Originator) captureCDR(l *esl.Listener, sess *esl.Session) {
	row := CDR{
		SessionUUID:    sess.UUID(),
		CallUUID:       sess.CallUUID(),
		HangupCause:    sess.HangupCause(),
		CreatedAt:      sess.CreatedAt(),
		OriginatedAt:   sess.OriginatedAt(),
		AnsweredAt:     sess.AnsweredAt(),
		HungupAt:       sess.HungupAt(),
		ActiveAtHangup: o.pool.TotalActiveOriginated(""),
	}

	if peer, ok := l.Peer(sess); ok {
		row.PeerCreatedAt = peer.CreatedAt()
		row.PeerAnsweredAt = peer.AnsweredAt()
	}

	row.ErlangEstimate = o.cdr.EffectiveRate() * row.HoldDuration().Seconds()

	o.cdr.Append(row)
}
