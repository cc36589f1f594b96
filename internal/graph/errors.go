package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownRule   = errors.New("unknown rule")
	ErrBadParams     = errors.New("parameters do not match rule signature")
	ErrDuplicateRule = errors.New("rule already registered")
	ErrCycleFound    = errors.New("cycle detected")
	ErrInvalidated   = errors.New("node invalidated repeatedly while running")
	ErrRulePanicked  = errors.New("rule panicked")
)

// CycleError reports a dependency cycle. Path starts and ends with the same
// key. A cycle is fatal for the root request that ran into it.
type CycleError struct {
	Path []Key
}

func (e *CycleError) Error() string {
	ids := make([]string, len(e.Path))
	for i, k := range e.Path {
		ids[i] = k.ID()
	}
	return fmt.Sprintf("%s: %s", ErrCycleFound, strings.Join(ids, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleFound }

// Fatal marks cycles as halting the enclosing root request.
func (e *CycleError) Fatal() bool { return true }

// RuleError is a domain error returned by a rule body. It is memoized like a
// value until the node is invalidated.
type RuleError struct {
	Key Key
	Err error
}

func (e *RuleError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Key.ID(), e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// IsFatal reports whether err (or anything it wraps) asks to halt the root
// request. Fatal errors propagate through parents even when a parent's body
// handles them.
func IsFatal(err error) bool {
	var f interface{ Fatal() bool }
	return errors.As(err, &f) && f.Fatal()
}

// retryOnce reports whether err asks for a single recomputation.
func retryOnce(err error) bool {
	var r interface{ RetryOnce() bool }
	return errors.As(err, &r) && r.RetryOnce()
}
