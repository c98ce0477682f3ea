package esl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchio/switchio/esl/wire"
)

const testTimeout = time.Second

func newTestListener() *Listener {
	return newListener("unused:8021", "ClueCon", newJobTable(), nil)
}

func plainEventForTest(headers map[string]string) Event {
	h := wire.NewHeader()
	for k, v := range headers {
		h.Set(k, v)
	}
	return Event{Headers: h}
}

func TestListener_BackgroundJobBypassesDispatch(t *testing.T) {
	l := newTestListener()

	job := newJob("job-xyz", "")
	l.jobs.register(job)

	var appSaw bool
	app := NewApplication("probe").On("BACKGROUND_JOB", func(ctx context.Context, l *Listener, sess *Session, ev Event) {
		appSaw = true
	})
	require.NoError(t, l.LoadApp(context.Background(), app))

	ev := plainTestEvent(map[string]string{
		"Event-Name": "BACKGROUND_JOB",
		"Job-UUID":   "job-xyz",
	}, "+OK done")
	l.dispatch(ev)

	assert.False(t, appSaw, "BACKGROUND_JOB must resolve against the job table only, never reach app dispatch")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	result, err := job.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestListener_ChannelCreateDispatchesToApp(t *testing.T) {
	l := newTestListener()

	var seenUUID string
	app := NewApplication("probe").On("CHANNEL_CREATE", func(ctx context.Context, l *Listener, sess *Session, ev Event) {
		if sess != nil {
			seenUUID = sess.UUID()
		}
	})
	require.NoError(t, l.LoadApp(context.Background(), app))

	ev := plainTestEvent(map[string]string{
		"Event-Name": "CHANNEL_CREATE",
		"Unique-ID":  "chan-1",
	}, "")
	l.dispatch(ev)

	assert.Equal(t, "chan-1", seenUUID)
	sess, ok := l.Session("chan-1")
	require.True(t, ok)
	assert.Equal(t, DirectionUnknown, sess.Direction())
}

func TestListener_UnconsumedEventNeverReachesApps(t *testing.T) {
	l := newTestListener()

	var appSaw bool
	app := NewApplication("probe").On("CHANNEL_HANGUP", func(ctx context.Context, l *Listener, sess *Session, ev Event) {
		appSaw = true
	})
	require.NoError(t, l.LoadApp(context.Background(), app))

	// CHANNEL_HANGUP for a session never seen by CHANNEL_CREATE: the
	// built-in handler returns consumed=false, halting dispatch entirely.
	ev := plainTestEvent(map[string]string{
		"Event-Name": "CHANNEL_HANGUP",
		"Unique-ID":  "never-created",
	}, "")
	l.dispatch(ev)

	assert.False(t, appSaw)
}

func TestListener_LoadAppDuplicateIDRejected(t *testing.T) {
	l := newTestListener()

	app := NewApplication("dup")
	require.NoError(t, l.LoadApp(context.Background(), app))

	err := l.LoadApp(context.Background(), NewApplication("dup"))
	assert.Error(t, err)
}

func TestListener_PanicInCallbackIsIsolated(t *testing.T) {
	l := newTestListener()

	var secondRan bool
	app := NewApplication("panicky").
		On("CHANNEL_CREATE", func(ctx context.Context, l *Listener, sess *Session, ev Event) {
			panic("boom")
		}).
		On("CHANNEL_CREATE", func(ctx context.Context, l *Listener, sess *Session, ev Event) {
			secondRan = true
		})
	require.NoError(t, l.LoadApp(context.Background(), app))

	ev := plainTestEvent(map[string]string{
		"Event-Name": "CHANNEL_CREATE",
		"Unique-ID":  "chan-2",
	}, "")

	assert.NotPanics(t, func() { l.dispatch(ev) })
	assert.True(t, secondRan, "a panicking callback must not block subsequent callbacks for the same event")
}

func TestListener_UnloadAppRemovesCallbacks(t *testing.T) {
	l := newTestListener()

	var calls int
	app := NewApplication("temp").On("CHANNEL_CREATE", func(ctx context.Context, l *Listener, sess *Session, ev Event) {
		calls++
	})
	require.NoError(t, l.LoadApp(context.Background(), app))
	l.UnloadApp("temp")

	ev := plainTestEvent(map[string]string{
		"Event-Name": "CHANNEL_CREATE",
		"Unique-ID":  "chan-3",
	}, "")
	l.dispatch(ev)

	assert.Equal(t, 0, calls)
}

func TestListener_TotalOriginatedCounter(t *testing.T) {
	l := newTestListener()

	for i := 0; i < 3; i++ {
		ev := plainTestEvent(map[string]string{
			"Event-Name": "CHANNEL_ORIGINATE",
			"Unique-ID":  "orig-" + string(rune('a'+i)),
		}, "")
		l.dispatch(ev)
	}

	assert.Equal(t, uint64(3), l.TotalOriginated())
	assert.Equal(t, 3, l.ActiveOriginated(""))
}

func plainTestEvent(headers map[string]string, body string) Event {
	ev := plainEventForTest(headers)
	ev.Body = []byte(body)
	return ev
}
