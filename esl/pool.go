package esl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Pool aggregates N Clients and their Listeners: it broadcasts app loads
// and expression evaluation across every member, and routes originate
// traffic round-robin so load spreads evenly across engines.
type Pool struct {
	mu      sync.RWMutex
	clients []*Client
	next    uint64
}

// NewPool returns a Pool over the given already-connected Clients.
func NewPool(clients ...*Client) *Pool {
	return &Pool{clients: append([]*Client(nil), clients...)}
}

// Add appends client to the pool.
func (p *Pool) Add(client *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients = append(p.clients, client)
}

// Clients returns a snapshot of the pool's members.
func (p *Pool) Clients() []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Client(nil), p.clients...)
}

// Len returns the number of Clients in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Next returns the next Client in round-robin order. It panics if the
// pool is empty; callers originating traffic must guard against that
// themselves.
func (p *Pool) Next() *Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := uint64(len(p.clients))
	if n == 0 {
		panic("esl: pool has no clients")
	}
	i := atomic.AddUint64(&p.next, 1) - 1
	return p.clients[i%n]
}

// LoadApp registers app on every member's Listener. If any member fails,
// the apps that did load are rolled back on the members that succeeded,
// preserving LoadApp's atomicity at the pool level too.
func (p *Pool) LoadApp(ctx context.Context, app *Application) error {
	clients := p.Clients()

	loaded := make([]*Client, 0, len(clients))
	for _, c := range clients {
		if err := c.LoadApp(ctx, app); err != nil {
			for _, done := range loaded {
				done.UnloadApp(app.ID())
			}
			return fmt.Errorf("esl: pool load app %q: %w", app.ID(), err)
		}
		loaded = append(loaded, c)
	}

	return nil
}

// UnloadApp removes app from every member.
func (p *Pool) UnloadApp(id string) {
	for _, c := range p.Clients() {
		c.UnloadApp(id)
	}
}

// Evals runs fn against every member's Listener and returns the
// per-member results, in pool order.
func (p *Pool) Evals(fn func(*Listener) any) []any {
	clients := p.Clients()
	out := make([]any, len(clients))
	for i, c := range clients {
		out[i] = fn(c.Listener())
	}
	return out
}

// TotalActiveOriginated sums ActiveOriginated across every member,
// attributed to clientID.
func (p *Pool) TotalActiveOriginated(clientID string) int {
	total := 0
	for _, c := range p.Clients() {
		total += c.Listener().ActiveOriginated(clientID)
	}
	return total
}

// Originate fires req on the next Client in round-robin order.
func (p *Pool) Originate(ctx context.Context, req OriginateRequest) (*Client, *Job, error) {
	c := p.Next()
	job, err := c.Originate(ctx, req)
	return c, job, err
}

// Hupall runs Client.Hupall on every member in turn, so each member hangs
// up the sessions it originated. It stops at, and returns, the first
// error.
func (p *Pool) Hupall(ctx context.Context, cause string) error {
	for _, c := range p.Clients() {
		if err := c.Hupall(ctx, cause); err != nil {
			return err
		}
	}
	return nil
}
