package esl

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/switchio/switchio/esl/wire"
)

// Client is a thin control interface layered on Connection + Listener.
type Client struct {
	id       string
	listener *Listener
	jobs     *jobTable
	log      *slog.Logger
}

// Dial connects a new Client to addr (host[:port], default port 8021)
// using password, and starts its Listener's Event Loop.
func Dial(ctx context.Context, addr, password string, opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{id: uuid.NewString(), log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	jobs := newJobTable()
	listener := newListener(addr, password, jobs, cfg.log)

	if err := listener.Connect(ctx); err != nil {
		return nil, err
	}
	listener.Start()

	return &Client{id: cfg.id, listener: listener, jobs: jobs, log: cfg.log}, nil
}

// ClientOption configures Dial.
type ClientOption func(*clientConfig)

type clientConfig struct {
	id  string
	log *slog.Logger
}

// WithClientID overrides the generated client id used to attribute
// originated sessions (the switchio_client channel variable and the
// sip_h_X-switchio_client header).
func WithClientID(id string) ClientOption {
	return func(c *clientConfig) { c.id = id }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.log = log }
}

// ID returns the client id planted on every session this Client
// originates.
func (c *Client) ID() string {
	return c.id
}

// Listener returns the Client's underlying Listener, for session/call
// model inspection.
func (c *Client) Listener() *Listener {
	return c.listener
}

// Close stops the Listener and its Connection.
func (c *Client) Close() {
	c.listener.Stop()
}

// API issues a synchronous FreeSWITCH API command and returns its reply
// headers and body. It fails with *APIError if the body begins "-ERR".
func (c *Client) API(ctx context.Context, command string) (wire.Header, string, error) {
	msg, err := c.listener.conn.Send(ctx, "api "+command)
	if err != nil {
		return wire.Header{}, "", err
	}

	body := string(msg.Body)
	if cause, ok := errBody(body); ok {
		return msg.Headers, body, &APIError{Command: command, Cause: cause}
	}

	return msg.Headers, body, nil
}

// Command is a convenience over API: it returns the reply body with
// trailing line terminators trimmed, or API's error (*APIError on -ERR).
func (c *Client) Command(ctx context.Context, command string) (string, error) {
	_, body, err := c.API(ctx, command)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(body, "\r\n"), nil
}

// BgAPI issues a background API command and returns its Job, which
// resolves asynchronously once the matching BACKGROUND_JOB event
// arrives.
func (c *Client) BgAPI(ctx context.Context, command string) (*Job, error) {
	jobUUID := uuid.NewString()
	msg, err := c.listener.conn.Send(ctx, fmt.Sprintf("bgapi %s\nJob-UUID: %s", command, jobUUID))
	if err != nil {
		return nil, err
	}

	if cause, ok := errBody(msg.ReplyText()); ok {
		return nil, &APIError{Command: command, Cause: cause}
	}

	// Some FreeSWITCH builds echo a server-assigned Job-UUID header on the
	// command/reply instead of honoring the one we supplied.
	if echoed := msg.JobUUID(); echoed != "" {
		jobUUID = echoed
	}

	job := newJob(jobUUID, "")
	c.jobs.register(job)
	return job, nil
}

// OriginateRequest parameterizes an `originate` call.
type OriginateRequest struct {
	Destination      string            // dial string / URI
	App              string            // post-connect app, rendered as &App()
	Timeout          time.Duration     // originate_timeout
	Vars             map[string]string // extra channel variables
	CustomSIPHeaders map[string]string
}

// Originate renders and fires req via bgapi, planting the correlation
// headers the Listener needs to bind the peer leg. The returned Job's
// SessionUUID is preset to the fresh origination UUID so callers can
// look up the Session before the first event arrives.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (*Job, error) {
	originationUUID := uuid.NewString()

	vars := map[string]string{
		"origination_uuid":                   originationUUID,
		"sip_h_X-originating_session_uuid":   originationUUID,
		"sip_h_X-switchio_client":            c.id,
		"switchio_client":                    c.id,
		"switchio_app":                       req.App,
	}
	if req.Timeout > 0 {
		vars["originate_timeout"] = fmt.Sprintf("%d", int(req.Timeout.Seconds()))
	}
	for k, v := range req.Vars {
		vars[k] = v
	}
	for k, v := range req.CustomSIPHeaders {
		vars["sip_h_"+k] = v
	}

	cmd := fmt.Sprintf("originate %s%s &%s()", renderVars(vars), req.Destination, req.App)

	jobUUID := uuid.NewString()
	msg, err := c.listener.conn.Send(ctx, fmt.Sprintf("bgapi %s\nJob-UUID: %s", cmd, jobUUID))
	if err != nil {
		return nil, err
	}
	if cause, ok := errBody(msg.ReplyText()); ok {
		return nil, &APIError{Command: cmd, Cause: cause}
	}
	if echoed := msg.JobUUID(); echoed != "" {
		jobUUID = echoed
	}

	job := newJob(jobUUID, originationUUID)
	c.jobs.register(job)
	return job, nil
}

// renderVars renders FreeSWITCH's "{k=v,k2=v2}" origination variable
// block.
func renderVars(vars map[string]string) string {
	if len(vars) == 0 {
		return ""
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		if vars[k] != "" {
			keys = append(keys, k)
		}
	}
	// Deterministic order keeps the rendered command stable across calls,
	// which matters for tests asserting on the literal originate string.
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(vars[k])
	}
	b.WriteByte('}')
	return b.String()
}

// LoadApp registers app's callbacks on the Client's Listener, atomically.
func (c *Client) LoadApp(ctx context.Context, app *Application) error {
	return c.listener.LoadApp(ctx, app)
}

// UnloadApp removes app from the Client's Listener.
func (c *Client) UnloadApp(id string) {
	c.listener.UnloadApp(id)
}

// Hupall terminates every session owned by this Client.
func (c *Client) Hupall(ctx context.Context, cause string) error {
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	_, err := c.listener.conn.Send(ctx, fmt.Sprintf("api hupall %s switchio_client %s", cause, c.id))
	return err
}

// errBody reports whether body/text begins with FreeSWITCH's "-ERR "
// failure marker, returning the cause text if so.
func errBody(s string) (cause string, isErr bool) {
	const prefix = "-ERR"
	trimmed := strings.TrimLeft(s, " \t\r\n")
	if !strings.HasPrefix(trimmed, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, prefix)), true
}
