package esl

import (
	"context"
	"regexp"
)

// StopRouting is returned by a Route's callback to halt evaluation of
// further routes for the same event. Every matching route runs in
// registration order until one returns StopRouting(true); a callback
// that wants to be the only one invoked for an event must return it.
type StopRouting bool

// Guard requires a header field to hold a value before a route's
// pattern is even tried. All guards on a Route must match.
type Guard struct {
	Header  string
	Pattern *regexp.Regexp
}

// RouteFunc is invoked with the session, the submatch of the winning
// pattern, the Router itself (so handlers can register further routes
// or look up state), and any keyword arguments bound at registration.
// Returning true (StopRouting(true)) skips remaining routes for this
// event; returning false lets any later matching route also run.
type RouteFunc func(ctx context.Context, sess *Session, match []string, r *Router, kwargs map[string]any) StopRouting

// route is one registered (header, pattern) -> callback mapping.
type route struct {
	header  string
	pattern *regexp.Regexp
	guards  []Guard
	fn      RouteFunc
	kwargs  map[string]any
}

// Router is the public app-facing dispatcher: it maps
// (event-header-field, regex-pattern) guards to callback functions. Every
// route whose guards and pattern match runs, in registration order, until
// one returns StopRouting(true). It is independent of the Listener's
// built-in handler chain — an Application's Callback typically delegates
// straight into a Router.
type Router struct {
	routes []*route
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// On registers a route: header must match pattern, all guards must also
// match, for fn to run. Routes are tried in registration order and every
// match fires, until a callback returns StopRouting(true).
func (r *Router) On(header string, pattern *regexp.Regexp, fn RouteFunc, kwargs map[string]any, guards ...Guard) *Router {
	r.routes = append(r.routes, &route{
		header:  header,
		pattern: pattern,
		guards:  guards,
		fn:      fn,
		kwargs:  kwargs,
	})
	return r
}

// Dispatch evaluates routes in order against ev: every route whose guards
// and pattern both match runs its callback, not just the first. Only a
// callback returning StopRouting(true) halts further routes for this
// event. Callers that want strictly one dispatch per event must return
// StopRouting(true) from their first matching handler.
func (r *Router) Dispatch(ctx context.Context, sess *Session, ev Event) {
	for _, rt := range r.routes {
		if !guardsMatch(rt.guards, ev) {
			continue
		}

		value := ev.Get(rt.header)
		match := rt.pattern.FindStringSubmatch(value)
		if match == nil {
			continue
		}

		if stop := rt.fn(ctx, sess, match, r, rt.kwargs); bool(stop) {
			return
		}
	}
}

func guardsMatch(guards []Guard, ev Event) bool {
	for _, g := range guards {
		if !g.Pattern.MatchString(ev.Get(g.Header)) {
			return false
		}
	}
	return true
}
