package filter

import (
	"fmt"
	"strconv"

	"fortigate-policy-export/internal/model"
)

// RuleKind selects the predicate variant of a Rule.
type RuleKind int

const (
	Equals RuleKind = iota
	In
	NotIn
)

func (k RuleKind) String() string {
	switch k {
	case Equals:
		return "equals"
	case In:
		return "in"
	case NotIn:
		return "not_in"
	default:
		return "unknown"
	}
}

// Rule is one predicate over a single policy field. Equals uses Value;
// In and NotIn use Set.
type Rule struct {
	Kind  RuleKind
	Value string
	Set   []string
}

// FieldRule binds a Rule to a named policy field.
type FieldRule struct {
	Field string
	Rule  Rule
}

// Spec is a validated, ordered conjunction of field rules. Construct with
// NewSpec; a zero Spec matches everything.
type Spec struct {
	rules []FieldRule
}

// fieldValues maps recognized filter field names to their values on a
// record. Scalar fields yield a single-element slice.
var fieldValues = map[string]func(*model.PolicyRecord) []string{
	"policyid": func(r *model.PolicyRecord) []string { return []string{strconv.Itoa(r.ID)} },
	"name":     func(r *model.PolicyRecord) []string { return []string{r.Name} },
	"srcintf":  func(r *model.PolicyRecord) []string { return r.SrcIntf },
	"dstintf":  func(r *model.PolicyRecord) []string { return r.DstIntf },
	"srcaddr":  func(r *model.PolicyRecord) []string { return r.SrcAddr },
	"dstaddr":  func(r *model.PolicyRecord) []string { return r.DstAddr },
	"service":  func(r *model.PolicyRecord) []string { return r.Services },
	"action":   func(r *model.PolicyRecord) []string { return []string{r.Action} },
	"status":   func(r *model.PolicyRecord) []string { return []string{r.Status} },
}

// NewSpec validates rules and returns a Spec. Unknown field names and
// malformed rules (empty value or set) are rejected here so that Apply
// never fails per record.
func NewSpec(rules []FieldRule) (*Spec, error) {
	for _, fr := range rules {
		if _, ok := fieldValues[fr.Field]; !ok {
			return nil, fmt.Errorf("unknown filter field %q", fr.Field)
		}
		switch fr.Rule.Kind {
		case Equals:
			if fr.Rule.Value == "" {
				return nil, fmt.Errorf("filter field %q: equals rule has empty value", fr.Field)
			}
		case In, NotIn:
			if len(fr.Rule.Set) == 0 {
				return nil, fmt.Errorf("filter field %q: %s rule has empty set", fr.Field, fr.Rule.Kind)
			}
			for _, v := range fr.Rule.Set {
				if v == "" {
					return nil, fmt.Errorf("filter field %q: %s rule contains empty value", fr.Field, fr.Rule.Kind)
				}
			}
		default:
			return nil, fmt.Errorf("filter field %q: unknown rule kind %d", fr.Field, fr.Rule.Kind)
		}
	}
	return &Spec{rules: rules}, nil
}

// Apply returns the records accepted by every rule, preserving input order.
// Input records are never mutated.
func (s *Spec) Apply(records []model.PolicyRecord) []model.PolicyRecord {
	if s == nil || len(s.rules) == 0 {
		return records
	}
	out := make([]model.PolicyRecord, 0, len(records))
	for i := range records {
		if s.Matches(&records[i]) {
			out = append(out, records[i])
		}
	}
	return out
}

// Matches reports whether every rule in the spec accepts the record.
func (s *Spec) Matches(r *model.PolicyRecord) bool {
	for _, fr := range s.rules {
		if !fr.Rule.matches(fieldValues[fr.Field](r)) {
			return false
		}
	}
	return true
}

// matches evaluates one rule against the field's values. Equals and In
// accept when any element matches; NotIn rejects when any element is in the
// forbidden set, so every element must be absent for the record to pass.
func (r Rule) matches(values []string) bool {
	switch r.Kind {
	case Equals:
		for _, v := range values {
			if v == r.Value {
				return true
			}
		}
		return false
	case In:
		for _, v := range values {
			if contains(r.Set, v) {
				return true
			}
		}
		return false
	case NotIn:
		for _, v := range values {
			if contains(r.Set, v) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
