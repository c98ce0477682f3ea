package esl

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/switchio/switchio/esl/wire"
)

func routerTestEvent(headers map[string]string) Event {
	h := wire.NewHeader()
	for k, v := range headers {
		h.Set(k, v)
	}
	return Event{Headers: h}
}

func TestRouter_EveryMatchingRouteFiresUntilStop(t *testing.T) {
	var fired []string

	r := NewRouter()
	r.On("Caller-Destination-Number", regexp.MustCompile(`^1\d{3}$`), func(ctx context.Context, sess *Session, match []string, router *Router, kwargs map[string]any) StopRouting {
		fired = append(fired, "first")
		return StopRouting(false)
	}, nil)
	r.On("Caller-Destination-Number", regexp.MustCompile(`^\d+$`), func(ctx context.Context, sess *Session, match []string, router *Router, kwargs map[string]any) StopRouting {
		fired = append(fired, "second")
		return StopRouting(false)
	}, nil)

	ev := routerTestEvent(map[string]string{"Caller-Destination-Number": "1000"})
	r.Dispatch(context.Background(), nil, ev)

	assert.Equal(t, []string{"first", "second"}, fired, "both matching routes fire since neither stops")
}

func TestRouter_StopRoutingHaltsFurtherRoutes(t *testing.T) {
	var fired []string

	r := NewRouter()
	r.On("Caller-Destination-Number", regexp.MustCompile(`^1\d{3}$`), func(ctx context.Context, sess *Session, match []string, router *Router, kwargs map[string]any) StopRouting {
		fired = append(fired, "first")
		return StopRouting(true)
	}, nil)
	r.On("Caller-Destination-Number", regexp.MustCompile(`^\d+$`), func(ctx context.Context, sess *Session, match []string, router *Router, kwargs map[string]any) StopRouting {
		fired = append(fired, "second")
		return StopRouting(false)
	}, nil)

	ev := routerTestEvent(map[string]string{"Caller-Destination-Number": "1000"})
	r.Dispatch(context.Background(), nil, ev)

	assert.Equal(t, []string{"first"}, fired)
}

func TestRouter_GuardMustAlsoMatch(t *testing.T) {
	var fired bool

	r := NewRouter()
	r.On("Caller-Destination-Number", regexp.MustCompile(`.*`), func(ctx context.Context, sess *Session, match []string, router *Router, kwargs map[string]any) StopRouting {
		fired = true
		return StopRouting(false)
	}, nil, Guard{Header: "Call-Direction", Pattern: regexp.MustCompile(`^inbound$`)})

	outbound := routerTestEvent(map[string]string{
		"Caller-Destination-Number": "1000",
		"Call-Direction":            "outbound",
	})
	r.Dispatch(context.Background(), nil, outbound)
	assert.False(t, fired, "route must not fire when a guard fails")

	inbound := routerTestEvent(map[string]string{
		"Caller-Destination-Number": "1000",
		"Call-Direction":            "inbound",
	})
	r.Dispatch(context.Background(), nil, inbound)
	assert.True(t, fired)
}

func TestRouter_NoMatchIsNoop(t *testing.T) {
	r := NewRouter()
	r.On("Caller-Destination-Number", regexp.MustCompile(`^9\d+$`), func(ctx context.Context, sess *Session, match []string, router *Router, kwargs map[string]any) StopRouting {
		t.Fatal("should never fire")
		return StopRouting(false)
	}, nil)

	ev := routerTestEvent(map[string]string{"Caller-Destination-Number": "1000"})
	r.Dispatch(context.Background(), nil, ev)
}

func TestRouter_KwargsPassedThrough(t *testing.T) {
	var got map[string]any

	r := NewRouter()
	r.On("Event-Name", regexp.MustCompile(`.*`), func(ctx context.Context, sess *Session, match []string, router *Router, kwargs map[string]any) StopRouting {
		got = kwargs
		return StopRouting(false)
	}, map[string]any{"queue": "support"})

	ev := routerTestEvent(map[string]string{"Event-Name": "CHANNEL_PARK"})
	r.Dispatch(context.Background(), nil, ev)

	assert.Equal(t, "support", got["queue"])
}
