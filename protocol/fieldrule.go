package protocol

import (
	"regexp"
	"strings"

	"p4rpc/rpcerr"
)

// RuleType selects how a FieldRule matches field names.
type RuleType int

const (
	// RangeRule matches every field from a start field (inclusive) up to a
	// stop field (exclusive), in packet order.
	RangeRule RuleType = iota
	// PatternRule matches field names against a regular expression.
	PatternRule
)

// FieldRule marks fields whose values must bypass charset conversion and
// stay raw bytes, e.g. attribute values or binary digests embedded in text
// replies. A rule is stateful within one packet and is reset before parsing
// the next.
type FieldRule struct {
	typ     RuleType
	start   string
	stop    string
	pattern *regexp.Regexp

	skip bool
}

// NewRangeRule returns a rule covering start..stop. An empty stop keeps the
// rule open until the end of the packet.
func NewRangeRule(start, stop string) (*FieldRule, error) {
	if start == "" {
		return nil, rpcerr.New(rpcerr.Syntax, "field rule", "range rule needs a start field")
	}
	return &FieldRule{typ: RangeRule, start: start, stop: stop}, nil
}

// NewPatternRule returns a rule matching field names against expr.
func NewPatternRule(expr string) (*FieldRule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Syntax, "field rule", err, "bad field pattern")
	}
	return &FieldRule{typ: PatternRule, pattern: re}, nil
}

// Type returns the rule type.
func (r *FieldRule) Type() RuleType { return r.typ }

// Update advances the rule past a field named name.
func (r *FieldRule) Update(name string) {
	switch r.typ {
	case RangeRule:
		if r.skip {
			if r.stop != "" && strings.EqualFold(name, r.stop) {
				r.skip = false
			}
		} else if strings.EqualFold(name, r.start) {
			r.skip = true
		}
	case PatternRule:
		r.skip = r.pattern.MatchString(name)
	}
}

// SkipConversion reports whether the most recent field keeps its raw bytes.
func (r *FieldRule) SkipConversion() bool { return r.skip }

// Reset clears per-packet state.
func (r *FieldRule) Reset() { r.skip = false }
