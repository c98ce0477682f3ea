package esl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/switchio/switchio/esl/wire"
)

// Connection wraps a single TCP session to one engine: the framer, the
// auth handshake, a FIFO of pending synchronous replies, and a channel
// that every received message is also delivered to for asynchronous
// observation.
//
// Connection is safe for concurrent senders; writes are serialized. It
// is single-reader: only its own loop goroutine reads from the socket.
type Connection struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
	wmu sync.Mutex

	log *slog.Logger

	pendingMu sync.Mutex
	pending   []*pendingWaiter

	out chan wire.Message

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	closeMu   sync.Mutex
}

// pendingWaiter is one entry in the FIFO of outstanding synchronous
// replies. abandoned is set by a timed-out caller so the next arriving
// reply is discarded instead of bound to the next waiter in line.
type pendingWaiter struct {
	reply     chan wire.Message
	abandoned bool
}

// Connect performs the ESL handshake over rwc: wait for auth/request,
// send "auth <password>", require a command/reply with Reply-Text
// "+OK", then start the background read loop. The returned Connection
// delivers every subsequent message (replies and events alike) on Out().
func Connect(ctx context.Context, rwc io.ReadWriteCloser, password string, log *slog.Logger) (*Connection, error) {
	if log == nil {
		log = slog.Default()
	}

	c := &Connection{
		rwc:    rwc,
		r:      bufio.NewReader(rwc),
		log:    log,
		out:    make(chan wire.Message, 64),
		closed: make(chan struct{}),
	}

	if err := c.handshake(ctx, password); err != nil {
		rwc.Close()
		return nil, err
	}

	go c.readLoop()

	return c, nil
}

func (c *Connection) handshake(ctx context.Context, password string) error {
	type result struct {
		msg wire.Message
		err error
	}

	read := func() <-chan result {
		ch := make(chan result, 1)
		go func() {
			m, err := wire.ReadMessage(c.r)
			ch <- result{m, err}
		}()
		return ch
	}

	var greeting result
	select {
	case greeting = <-read():
	case <-ctx.Done():
		return ctx.Err()
	}
	if greeting.err != nil {
		return fmt.Errorf("esl: read auth request: %w", greeting.err)
	}

	switch greeting.msg.ContentType() {
	case wire.ContentTypeRudeReject:
		return &AuthError{Reason: "access denied"}
	case wire.ContentTypeDisconnect:
		return fmt.Errorf("esl: server disconnected during handshake: %w", io.EOF)
	case wire.ContentTypeAuthRequest:
		// expected
	default:
		return &AuthError{Reason: "unexpected greeting content-type: " + greeting.msg.ContentType()}
	}

	if err := c.writeLine("auth " + password); err != nil {
		return err
	}

	var resp result
	select {
	case resp = <-read():
	case <-ctx.Done():
		return ctx.Err()
	}
	if resp.err != nil {
		return fmt.Errorf("esl: read auth reply: %w", resp.err)
	}

	if resp.msg.ContentType() != wire.ContentTypeCommandReply {
		return &AuthError{Reason: "unexpected auth reply content-type: " + resp.msg.ContentType()}
	}
	if !strings.HasPrefix(resp.msg.ReplyText(), "+OK") {
		return &AuthError{Reason: "invalid password"}
	}

	return nil
}

// Out returns the channel every received message (command replies, API
// responses, and events alike) is delivered to, in receive order.
func (c *Connection) Out() <-chan wire.Message {
	return c.out
}

// Done returns a channel closed once the Connection has shut down,
// whether by Close, a disconnect-notice, or a read error.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err returns the reason the Connection closed, or nil before closing.
func (c *Connection) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

// writeLine serializes one command line to the wire. Outbound writes are
// serialized across concurrent senders.
func (c *Connection) writeLine(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(wire.BuildCommand(line)); err != nil {
		return fmt.Errorf("esl: write: %w", err)
	}
	return nil
}

// writeSendmsg serializes a binary-safe sendmsg command.
func (c *Connection) writeSendmsg(uuid string, headers wire.Header, body []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(wire.BuildSendmsg(uuid, headers, body)); err != nil {
		return fmt.Errorf("esl: write: %w", err)
	}
	return nil
}

// Send writes a command line and waits for the next reply the FIFO
// resolves to it, honoring ctx for cancellation/timeout. On a context
// expiry it marks its waiter abandoned rather than removing it, so a
// late reply is discarded instead of misbinding to a different caller.
func (c *Connection) Send(ctx context.Context, line string) (wire.Message, error) {
	waiter := &pendingWaiter{reply: make(chan wire.Message, 1)}

	c.pendingMu.Lock()
	c.pending = append(c.pending, waiter)
	c.pendingMu.Unlock()

	if err := c.writeLine(line); err != nil {
		return wire.Message{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case msg := <-waiter.reply:
		return msg, nil
	case <-c.closed:
		return wire.Message{}, ErrConnectionLost
	case <-ctx.Done():
		c.pendingMu.Lock()
		waiter.abandoned = true
		c.pendingMu.Unlock()
		return wire.Message{}, ErrTimeout
	}
}

// SendSendmsg is like Send but frames a binary-safe sendmsg command.
func (c *Connection) SendSendmsg(ctx context.Context, uuid string, headers wire.Header, body []byte) (wire.Message, error) {
	waiter := &pendingWaiter{reply: make(chan wire.Message, 1)}

	c.pendingMu.Lock()
	c.pending = append(c.pending, waiter)
	c.pendingMu.Unlock()

	if err := c.writeSendmsg(uuid, headers, body); err != nil {
		return wire.Message{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case msg := <-waiter.reply:
		return msg, nil
	case <-c.closed:
		return wire.Message{}, ErrConnectionLost
	case <-ctx.Done():
		c.pendingMu.Lock()
		waiter.abandoned = true
		c.pendingMu.Unlock()
		return wire.Message{}, ErrTimeout
	}
}

// readLoop is the Connection's single reader. It classifies every
// incoming message: non-event kinds resolve the head of the pending
// FIFO (skipping abandoned entries), and every message — replies
// included — is also forwarded on Out() for the Event Loop to observe,
// so the Event Loop observes replies as well as events.
func (c *Connection) readLoop() {
	defer c.shutdown(nil)

	for {
		msg, err := wire.ReadMessage(c.r)
		if err != nil {
			c.shutdown(fmt.Errorf("esl: read: %w", err))
			return
		}

		if msg.Kind == wire.KindDisconnectNotice {
			c.out <- msg
			c.shutdown(fmt.Errorf("esl: %w", io.EOF))
			return
		}

		if msg.Kind == wire.KindCommandReply || msg.Kind == wire.KindAPIResponse {
			c.resolveNext(msg)
		}

		c.out <- msg
	}
}

// resolveNext pops the head of the pending FIFO (discarding any leading
// abandoned waiters) and hands it msg.
func (c *Connection) resolveNext(msg wire.Message) {
	for {
		c.pendingMu.Lock()
		if len(c.pending) == 0 {
			c.pendingMu.Unlock()
			return
		}
		waiter := c.pending[0]
		c.pending = c.pending[1:]
		c.pendingMu.Unlock()

		if waiter.abandoned {
			continue // discard: the caller already gave up
		}
		waiter.reply <- msg
		return
	}
}

// shutdown closes the Connection exactly once. Every pending waiter is
// left unresolved: closing c.closed is the only signal Send/SendSendmsg
// wait on besides their own reply channel, so a waiter blocked in its
// select is guaranteed to observe ErrConnectionLost rather than racing
// against a synthesized reply on the same select.
func (c *Connection) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closeErr = err
		c.closeMu.Unlock()

		c.pendingMu.Lock()
		c.pending = nil
		c.pendingMu.Unlock()

		close(c.closed)

		close(c.out)
		c.rwc.Close()
	})
}

// Close closes the underlying transport and fails every pending waiter
// with ErrConnectionLost. Pending Jobs are failed by Listener.Stop, not
// here.
func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

// DialTimeout is the default dial timeout of the Listener's TCP dialer
// (listener.go).
const DialTimeout = 5 * time.Second
