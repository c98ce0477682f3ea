package main

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/switchio/switchio/esl"
)

// appFactory builds a fresh Application instance for one Client/Listener.
// Go has no runtime dynamic-import mechanism equivalent to the spec's
// "module:router" string, so `--app` resolves against this compiled-in
// registry instead (see DESIGN.md).
type appFactory func(log *slog.Logger) *esl.Application

var appRegistry = map[string]appFactory{
	"echo":  newEchoApp,
	"pacer": newPacerBookkeepingApp,
}

func registerApp(id string, factory appFactory) {
	appRegistry[id] = factory
}

func lookupApp(id string) (appFactory, bool) {
	f, ok := appRegistry[id]
	return f, ok
}

// listAppIDs returns every registered app id, sorted.
func listAppIDs() []string {
	ids := make([]string, 0, len(appRegistry))
	for id := range appRegistry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// newEchoApp is a minimal demonstration Router-backed Application: on
// CHANNEL_PARK it answers the parked leg, whatever its direction, and runs
// the Router's header/pattern dispatch over the event. It also logs CUSTOM
// events that carry no Event-Subclass; subclassed CUSTOM events dispatch
// under their sub-name and do not reach that callback.
func newEchoApp(log *slog.Logger) *esl.Application {
	router := esl.NewRouter()
	router.On("Channel-State", regexp.MustCompile(`^CS_EXECUTE$`), func(ctx context.Context, sess *esl.Session, match []string, r *esl.Router, kwargs map[string]any) esl.StopRouting {
		log.Info("echo: channel executing", slog.String("uuid", sess.UUID()))
		return esl.StopRouting(false)
	})

	app := esl.NewApplication("echo")
	app.On("CHANNEL_PARK", func(ctx context.Context, l *esl.Listener, sess *esl.Session, ev esl.Event) {
		if sess == nil {
			return
		}
		if _, err := l.API(ctx, fmt.Sprintf("uuid_answer %s", sess.UUID())); err != nil {
			log.Warn("echo: answer failed", slog.String("uuid", sess.UUID()), slog.String("err", err.Error()))
		}
		router.Dispatch(ctx, sess, ev)
	})
	app.On("CUSTOM", func(ctx context.Context, l *esl.Listener, sess *esl.Session, ev esl.Event) {
		log.Debug("echo: custom event", slog.String("name", ev.Name()))
	})
	app.Subscribe("CUSTOM")

	return app
}

// newPacerBookkeepingApp is a no-op placeholder app id kept for parity
// with `dial`'s default pacing run when the caller wants only the
// Originator's own bookkeeping Application and no additional call
// control — registering it satisfies Originator.Start's "at least one
// loaded application" precondition without adding behavior.
func newPacerBookkeepingApp(log *slog.Logger) *esl.Application {
	return esl.NewApplication("pacer")
}
