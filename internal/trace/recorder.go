package trace

import "sync"

// Sink is the minimal interface the graph and executor depend on.
//
// Record must be inert: it must not panic and must not block for long.
// Callers assume Record may be a no-op.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records an event and swallows panics from a buggy sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

type multi []Sink

func (m multi) Record(e Event) {
	for _, s := range m {
		SafeRecord(s, e)
	}
}

// Multi fans every event out to each non-nil sink.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Recorder is a concurrency-safe in-memory collector.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all recorded events.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Count returns how many events of kind were recorded for subject, which is
// matched against both Node and Action. An empty subject matches all events.
func (r *Recorder) Count(kind EventKind, subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind != kind {
			continue
		}
		if subject == "" || e.Node == subject || e.Action == subject {
			n++
		}
	}
	return n
}

// Trace builds a canonical Trace from the recorded events.
func (r *Recorder) Trace(root string) Trace {
	tr := Trace{Root: root, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}
