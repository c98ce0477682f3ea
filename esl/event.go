package esl

import (
	"encoding/json"
	"encoding/xml"
	"log/slog"
	"strconv"
	"time"

	"github.com/switchio/switchio/esl/wire"
)

// Header names used throughout the event model.
const (
	hdrEventName      = "Event-Name"
	hdrEventSubclass  = "Event-Subclass"
	hdrEventSequence  = "Event-Sequence"
	hdrEventTimestamp = "Event-Date-Timestamp"
	hdrUniqueID       = "Unique-ID"
	hdrJobUUID        = "Job-UUID"
	variablePrefix    = "variable_"

	// EventCustom is the Event-Name value used by CUSTOM events; the
	// actual sub-name lives in Event-Subclass.
	EventCustom = "CUSTOM"

	// EventBackgroundJob is the Event-Name used to resolve a bgapi Job.
	EventBackgroundJob = "BACKGROUND_JOB"
)

// Event is a Message of kind=event: an asynchronous notification with a
// name, a full set of headers, and an optional body.
type Event struct {
	Headers wire.Header
	Body    []byte
}

// Get returns a header value, or "" if absent.
func (e Event) Get(key string) string {
	return e.Headers.Value(key)
}

// Name returns the event's effective name: the subclass for CUSTOM
// events, otherwise Event-Name.
func (e Event) Name() string {
	if sub := e.Get(hdrEventSubclass); sub != "" {
		return sub
	}
	return e.Get(hdrEventName)
}

// IsCustom reports whether this is a CUSTOM event (dispatched by
// sub-name rather than Event-Name).
func (e Event) IsCustom() bool {
	return e.Get(hdrEventName) == EventCustom
}

// UniqueID returns the channel Unique-ID, if this is a channel event.
func (e Event) UniqueID() string {
	return e.Get(hdrUniqueID)
}

// JobUUID returns the Job-UUID, if this is a BACKGROUND_JOB event.
func (e Event) JobUUID() string {
	return e.Get(hdrJobUUID)
}

// Variable returns the value of channel variable name, i.e. the header
// "variable_"+name.
func (e Event) Variable(name string) string {
	return e.Get(variablePrefix + name)
}

// Sequence returns Event-Sequence as an int64, or 0 if absent/malformed.
func (e Event) Sequence() int64 {
	n, _ := strconv.ParseInt(e.Get(hdrEventSequence), 10, 64)
	return n
}

// Timestamp returns Event-Date-Timestamp (microseconds since epoch) as a
// time.Time, or the zero Time if absent/malformed.
func (e Event) Timestamp() time.Time {
	if ts := e.Get(hdrEventTimestamp); ts != "" {
		if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return time.UnixMicro(n)
		}
	}
	return time.Time{}
}

// LogValue renders a compact slog representation of the event.
func (e Event) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 3)
	attrs = append(attrs,
		slog.String("name", e.Name()),
		slog.Int64("sequence", e.Sequence()),
	)
	if id := e.UniqueID(); id != "" {
		attrs = append(attrs, slog.String("unique-id", id))
	}
	if job := e.JobUUID(); job != "" {
		attrs = append(attrs, slog.String("job-uuid", job))
	}
	return slog.GroupValue(attrs...)
}

// parseEvent turns a wire.Message of kind=event into an Event, re-parsing
// the body according to its encoding (plain headers, JSON, or XML).
func parseEvent(m wire.Message) (Event, error) {
	switch m.ContentType() {
	case wire.ContentTypeEventJSON:
		return parseEventJSON(m.Body)
	case wire.ContentTypeEventXML:
		return parseEventXML(m.Body)
	default: // text/event-plain
		headers, inner, err := wire.ParseHeaderBlock(m.Body)
		if err != nil {
			return Event{}, err
		}
		return Event{Headers: headers, Body: inner}, nil
	}
}

func parseEventJSON(body []byte) (Event, error) {
	var flat map[string]string
	if err := json.Unmarshal(body, &flat); err != nil {
		return Event{}, &wire.ProtocolError{Reason: "invalid event-json body: " + err.Error()}
	}

	h := wire.NewHeader()
	for k, v := range flat {
		h.Set(k, v)
	}
	return Event{Headers: h}, nil
}

// xmlEvent mirrors FreeSWITCH's <event><headers><name>value</name>...
// shape used by text/event-xml.
type xmlEvent struct {
	Headers struct {
		Items []xmlHeader `xml:",any"`
	} `xml:"headers"`
	Body string `xml:"body"`
}

type xmlHeader struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func parseEventXML(body []byte) (Event, error) {
	var ev xmlEvent
	if err := xml.Unmarshal(body, &ev); err != nil {
		return Event{}, &wire.ProtocolError{Reason: "invalid event-xml body: " + err.Error()}
	}

	h := wire.NewHeader()
	for _, item := range ev.Headers.Items {
		h.Set(item.XMLName.Local, item.Value)
	}
	return Event{Headers: h, Body: []byte(ev.Body)}, nil
}

// knownEventNames is the set of standard FreeSWITCH event names the
// subscription builder recognizes without treating them as CUSTOM
// sub-names.
var knownEventNames = map[string]struct{}{
	"CLONE": {}, "CHANNEL_CREATE": {}, "CHANNEL_DESTROY": {}, "CHANNEL_STATE": {},
	"CHANNEL_CALLSTATE": {}, "CHANNEL_ANSWER": {}, "CHANNEL_HANGUP": {},
	"CHANNEL_HANGUP_COMPLETE": {}, "CHANNEL_EXECUTE": {}, "CHANNEL_EXECUTE_COMPLETE": {},
	"CHANNEL_HOLD": {}, "CHANNEL_UNHOLD": {}, "CHANNEL_BRIDGE": {}, "CHANNEL_UNBRIDGE": {},
	"CHANNEL_PROGRESS": {}, "CHANNEL_PROGRESS_MEDIA": {}, "CHANNEL_OUTGOING": {},
	"CHANNEL_PARK": {}, "CHANNEL_UNPARK": {}, "CHANNEL_APPLICATION": {},
	"CHANNEL_ORIGINATE": {}, "CHANNEL_UUID": {}, "API": {}, "LOG": {},
	"BACKGROUND_JOB": {}, "SERVER_DISCONNECTED": {}, "CLIENT_DISCONNECTED": {},
	"HEARTBEAT": {}, "RE_SCHEDULE": {}, "CUSTOM": {}, "DTMF": {},
}
