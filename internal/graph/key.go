package graph

import (
	"fmt"
	"strconv"
	"strings"

	"buildcore/internal/digest"
)

// RuleID names a registered rule.
type RuleID string

// ParamKind is the type of one rule parameter.
type ParamKind int

const (
	KindString ParamKind = iota + 1
	KindInt
	KindBool
	KindDigest
	KindStrings
)

func (k ParamKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int64"
	case KindBool:
		return "bool"
	case KindDigest:
		return "digest"
	case KindStrings:
		return "[]string"
	default:
		return fmt.Sprintf("ParamKind(%d)", int(k))
	}
}

func (k ParamKind) tag() byte {
	switch k {
	case KindString:
		return 's'
	case KindInt:
		return 'i'
	case KindBool:
		return 'b'
	case KindDigest:
		return 'd'
	case KindStrings:
		return 'l'
	default:
		return '?'
	}
}

// ParamSpec declares one parameter of a rule's signature.
type ParamSpec struct {
	Name string
	Kind ParamKind
}

// Param is one named, typed parameter value.
type Param struct {
	Name  string
	Value any
}

// P is shorthand for a Param literal. Plain ints are widened to int64.
func P(name string, value any) Param {
	if v, ok := value.(int); ok {
		value = int64(v)
	}
	return Param{Name: name, Value: value}
}

func kindOf(v any) (ParamKind, bool) {
	switch v.(type) {
	case string:
		return KindString, true
	case int64:
		return KindInt, true
	case bool:
		return KindBool, true
	case digest.Digest:
		return KindDigest, true
	case []string:
		return KindStrings, true
	default:
		return 0, false
	}
}

// Key identifies a node: a rule plus an ordered tuple of parameters. Two keys
// with the same ID share one computation and one cached result.
type Key struct {
	rule   RuleID
	params []Param
	id     string
}

// NewKey builds a key. Parameter values must be one of the supported kinds;
// anything else is rejected when the key is requested.
func NewKey(rule RuleID, params ...Param) Key {
	ps := make([]Param, len(params))
	for i, p := range params {
		ps[i] = P(p.Name, p.Value)
		if l, ok := ps[i].Value.([]string); ok {
			ps[i].Value = append([]string(nil), l...)
		}
	}
	return Key{rule: rule, params: ps, id: encodeKey(rule, ps)}
}

// encodeKey produces the canonical, type-tagged form used as node identity,
// e.g. compile(file=s:"f1",opt=i:2).
func encodeKey(rule RuleID, params []Param) string {
	var b strings.Builder
	b.WriteString(string(rule))
	b.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.Name)
		b.WriteByte('=')
		kind, ok := kindOf(p.Value)
		if !ok {
			fmt.Fprintf(&b, "?:%T", p.Value)
			continue
		}
		b.WriteByte(kind.tag())
		b.WriteByte(':')
		switch v := p.Value.(type) {
		case string:
			b.WriteString(strconv.Quote(v))
		case int64:
			b.WriteString(strconv.FormatInt(v, 10))
		case bool:
			b.WriteString(strconv.FormatBool(v))
		case digest.Digest:
			b.WriteString(v.String())
		case []string:
			b.WriteByte('[')
			for j, s := range v {
				if j > 0 {
					b.WriteByte(',')
				}
				b.WriteString(strconv.Quote(s))
			}
			b.WriteByte(']')
		}
	}
	b.WriteByte(')')
	return b.String()
}

// Rule returns the rule the key belongs to.
func (k Key) Rule() RuleID { return k.rule }

// ID returns the canonical identity of the key.
func (k Key) ID() string { return k.id }

func (k Key) String() string { return k.id }

// Params returns a copy of the parameters.
func (k Key) Params() []Param {
	return append([]Param(nil), k.params...)
}

// Param returns the value of the named parameter.
func (k Key) Param(name string) (any, bool) {
	for _, p := range k.params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// StringParam returns the named string parameter, or "".
func (k Key) StringParam(name string) string {
	v, _ := k.Param(name)
	s, _ := v.(string)
	return s
}

// IntParam returns the named int64 parameter, or 0.
func (k Key) IntParam(name string) int64 {
	v, _ := k.Param(name)
	n, _ := v.(int64)
	return n
}

// BoolParam returns the named bool parameter, or false.
func (k Key) BoolParam(name string) bool {
	v, _ := k.Param(name)
	b, _ := v.(bool)
	return b
}

// DigestParam returns the named digest parameter, or the zero digest.
func (k Key) DigestParam(name string) digest.Digest {
	v, _ := k.Param(name)
	d, _ := v.(digest.Digest)
	return d
}

// StringsParam returns a copy of the named []string parameter.
func (k Key) StringsParam(name string) []string {
	v, _ := k.Param(name)
	l, _ := v.([]string)
	return append([]string(nil), l...)
}

// matches checks k against a rule signature.
func (k Key) matches(spec []ParamSpec) error {
	if len(k.params) != len(spec) {
		return fmt.Errorf("%w: %s: want %d parameters, got %d", ErrBadParams, k.id, len(spec), len(k.params))
	}
	for i, s := range spec {
		p := k.params[i]
		if p.Name != s.Name {
			return fmt.Errorf("%w: %s: parameter %d is %q, want %q", ErrBadParams, k.id, i, p.Name, s.Name)
		}
		kind, ok := kindOf(p.Value)
		if !ok || kind != s.Kind {
			return fmt.Errorf("%w: %s: parameter %q has type %T, want %s", ErrBadParams, k.id, p.Name, p.Value, s.Kind)
		}
	}
	return nil
}
