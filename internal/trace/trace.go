package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"buildcore/internal/digest"
)

// Trace is the canonical record of what the graph and the executor decided
// while answering requests.
//
// Events capture logical decisions only: no timestamps, durations or error
// strings. Two evaluations that made the same decisions produce byte-identical
// canonical JSON regardless of scheduling order.
type Trace struct {
	Root   string  `json:"root"`
	Events []Event `json:"events"`
}

// EventKind is the stable discriminator for Event. The string values are
// part of the canonical bytes; do not rename.
type EventKind string

const (
	EventNodeInvalidated EventKind = "NodeInvalidated"
	EventNodeDirtied     EventKind = "NodeDirtied"
	EventNodeCleaned     EventKind = "NodeCleaned"
	EventNodeRan         EventKind = "NodeRan"
	EventNodeFailed      EventKind = "NodeFailed"
	EventActionCacheHit  EventKind = "ActionCacheHit"
	EventActionExecuted  EventKind = "ActionExecuted"
	EventActionRetried   EventKind = "ActionRetried"
	EventActionFallback  EventKind = "ActionFallback"
)

// Event is a single logical transition or decision.
type Event struct {
	Kind EventKind `json:"kind"`

	// Node is the canonical ID of the graph key the event refers to.
	Node string `json:"node,omitempty"`

	// Action is the action digest for executor events.
	Action string `json:"action,omitempty"`

	// Reason is a stable reason code such as "DependencyChanged".
	Reason string `json:"reason,omitempty"`

	// Cause names a related node, e.g. the invalidated input behind a dirty mark.
	Cause string `json:"cause,omitempty"`
}

// Validate checks that every event names its subject.
func (t *Trace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Node == "" && e.Action == "" {
			return fmt.Errorf("events[%d] of kind %q names neither node nor action", i, e.Kind)
		}
	}
	return nil
}

// Canonicalize sorts events into a total order that does not depend on
// execution timing: by subject, then kind, then reason and cause.
func (t *Trace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.Cause < b.Cause
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventNodeInvalidated:
		return 10
	case EventNodeDirtied:
		return 20
	case EventNodeCleaned:
		return 30
	case EventNodeRan:
		return 40
	case EventNodeFailed:
		return 50
	case EventActionCacheHit:
		return 60
	case EventActionExecuted:
		return 70
	case EventActionRetried:
		return 80
	case EventActionFallback:
		return 90
	default:
		return 1000
	}
}

// CanonicalJSON encodes a canonicalized copy of the trace.
func (t Trace) CanonicalJSON() ([]byte, error) {
	c := Trace{Root: t.Root, Events: append([]Event(nil), t.Events...)}
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Events == nil {
		c.Events = []Event{}
	}
	return json.Marshal(&c)
}

// Hash returns the digest of the canonical JSON encoding.
func (t Trace) Hash() (digest.Digest, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.Of(b), nil
}
