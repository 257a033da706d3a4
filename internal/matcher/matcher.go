// Package matcher evaluates label predicates shared by silence windows and
// notification rules.
package matcher

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/t77yq/alertflow/internal/model"
)

// Namespace tells whether a predicate addresses labels or incident attributes
type Namespace int

const (
	NamespaceLabel Namespace = iota
	NamespaceAttribute
)

// Lookup is the comparison applied to a predicate value
type Lookup string

const (
	LookupExact  Lookup = "exact"
	LookupIsNull Lookup = "isnull"
)

const (
	labelDotPrefix    = "labels."
	labelDunderPrefix = "labels__"
	lookupSeparator   = "__"
)

// attributes lists the incident fields a predicate key may address directly
var attributes = map[string]bool{
	"fingerprint":  true,
	"name":         true,
	"severity":     true,
	"source":       true,
	"status":       true,
	"instance":     true,
	"acknowledged": true,
	"silenced":     true,
	"ticket_key":   true,
}

var boolAttributes = map[string]bool{
	"acknowledged": true,
	"silenced":     true,
}

// Target is anything predicates can be evaluated against
type Target interface {
	// Label returns the label value and whether the label is present
	Label(key string) (string, bool)
	// Attribute returns the attribute value and false when it is null
	Attribute(name string) (string, bool)
}

// Predicate is a parsed predicate key
type Predicate struct {
	Namespace Namespace
	Name      string
	Lookup    Lookup
}

// ParseKey splits a predicate key into namespace, name and lookup.
// Keys prefixed with "labels." or "labels__" and bare keys that are not
// known attributes address labels. Attribute keys accept an optional
// "__isnull" or "__exact" suffix; an exact attribute predicate compares
// the label of the same name when the target carries one.
func ParseKey(key string) Predicate {
	switch {
	case strings.HasPrefix(key, labelDotPrefix):
		return Predicate{Namespace: NamespaceLabel, Name: key[len(labelDotPrefix):], Lookup: LookupExact}
	case strings.HasPrefix(key, labelDunderPrefix):
		return Predicate{Namespace: NamespaceLabel, Name: key[len(labelDunderPrefix):], Lookup: LookupExact}
	}

	field, lookup := key, LookupExact
	if i := strings.Index(key, lookupSeparator); i > 0 {
		field, lookup = key[:i], Lookup(key[i+len(lookupSeparator):])
	}
	if attributes[field] {
		return Predicate{Namespace: NamespaceAttribute, Name: field, Lookup: lookup}
	}
	return Predicate{Namespace: NamespaceLabel, Name: key, Lookup: LookupExact}
}

// Subset reports whether every predicate key is present in labels with an
// exactly equal value. An empty predicate map is a subset of anything.
func Subset(predicates, labels map[string]string) bool {
	for k, want := range predicates {
		got, ok := labels[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Match evaluates all predicates against the target. Every entry must hold.
// When regex is set, exact lookups treat the expected value as a pattern
// that must match the whole actual value.
func Match(predicates map[string]string, target Target, regex bool) (bool, error) {
	for key, want := range predicates {
		ok, err := matchOne(ParseKey(key), want, target, regex)
		if err != nil {
			return false, fmt.Errorf("predicate %q: %w", key, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchOne(p Predicate, want string, target Target, regex bool) (bool, error) {
	var (
		got     string
		present bool
	)
	switch {
	case p.Namespace == NamespaceLabel:
		got, present = target.Label(p.Name)
	case p.Lookup == LookupExact:
		// a real label of the same name wins over the incident attribute
		if got, present = target.Label(p.Name); present {
			p.Namespace = NamespaceLabel
		} else {
			got, present = target.Attribute(p.Name)
		}
	default:
		got, present = target.Attribute(p.Name)
	}

	switch p.Lookup {
	case LookupIsNull:
		expectNull, err := strconv.ParseBool(want)
		if err != nil {
			return false, fmt.Errorf("isnull expects a boolean, got %q", want)
		}
		isNull := !present || got == ""
		return isNull == expectNull, nil
	case LookupExact:
	default:
		return false, fmt.Errorf("unsupported lookup %q", p.Lookup)
	}

	if p.Namespace == NamespaceLabel && !present {
		return false, nil
	}
	if regex {
		re, err := compile(want)
		if err != nil {
			return false, err
		}
		return re.MatchString(got), nil
	}
	if p.Namespace == NamespaceAttribute && boolAttributes[p.Name] {
		return strings.EqualFold(got, want), nil
	}
	return got == want, nil
}

var patterns sync.Map

// compile anchors the expression so it must match the full value
func compile(expr string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, err
	}
	patterns.Store(expr, re)
	return re, nil
}

// incidentTarget exposes an incident to predicate evaluation
type incidentTarget struct {
	incident *model.Incident
}

// ForIncident adapts an incident to Target
func ForIncident(inc *model.Incident) Target {
	return incidentTarget{incident: inc}
}

func (t incidentTarget) Label(key string) (string, bool) {
	v, ok := t.incident.Labels[key]
	return v, ok
}

func (t incidentTarget) Attribute(name string) (string, bool) {
	inc := t.incident
	switch name {
	case "fingerprint":
		return inc.Fingerprint, true
	case "name":
		return inc.Name, true
	case "severity":
		return string(inc.Severity), true
	case "source":
		return inc.Source, inc.Source != ""
	case "status":
		return string(inc.Status), true
	case "instance":
		return inc.Instance, inc.Instance != ""
	case "acknowledged":
		return strconv.FormatBool(inc.Acknowledged), true
	case "silenced":
		return strconv.FormatBool(inc.Silenced), true
	case "ticket_key":
		return inc.TicketKey, inc.TicketKey != ""
	}
	return "", false
}
