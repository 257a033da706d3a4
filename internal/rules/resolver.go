// Package rules selects the notification rule that applies to an incident
// for each channel family.
package rules

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/matcher"
	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/storage"
)

// Resolver finds the best matching active rule per family
type Resolver struct {
	store  storage.Store
	logger *zap.Logger
}

// NewResolver creates a new resolver
func NewResolver(store storage.Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.Named("rules"),
	}
}

// Specificity is the number of predicate keys a rule declares. Ticket rules
// count their flat criteria plus the keys of every matcher set.
func Specificity(rule model.Rule) int {
	n := len(rule.Base().MatchCriteria)
	if tr, ok := rule.(*model.TicketRule); ok {
		for _, m := range tr.Matchers {
			n += len(m.Labels)
		}
	}
	return n
}

// DoesMatch reports whether the rule's predicates hold for the incident.
// Ticket rules also require every matcher set to hold, and a ticket rule
// without any criteria or matcher sets never matches.
func (r *Resolver) DoesMatch(rule model.Rule, incident *model.Incident) bool {
	target := matcher.ForIncident(incident)
	base := rule.Base()

	if tr, ok := rule.(*model.TicketRule); ok {
		if len(base.MatchCriteria) == 0 && len(tr.Matchers) == 0 {
			r.logger.Debug("Ticket rule has no criteria, skipping", zap.String("rule", base.Name))
			return false
		}
		for _, m := range tr.Matchers {
			if !r.match(base.Name, m.Labels, target, m.IsRegex) {
				return false
			}
		}
	}
	return r.match(base.Name, base.MatchCriteria, target, false)
}

func (r *Resolver) match(ruleName string, predicates map[string]string, target matcher.Target, regex bool) bool {
	ok, err := matcher.Match(predicates, target, regex)
	if err != nil {
		r.logger.Warn("Rule predicate could not be evaluated",
			zap.String("rule", ruleName),
			zap.Error(err))
		return false
	}
	return ok
}

// Sort orders rules by descending specificity, then descending priority,
// then ascending name.
func Sort(rules []model.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		si, sj := Specificity(rules[i]), Specificity(rules[j])
		if si != sj {
			return si > sj
		}
		bi, bj := rules[i].Base(), rules[j].Base()
		if bi.Priority != bj.Priority {
			return bi.Priority > bj.Priority
		}
		return bi.Name < bj.Name
	})
}

// FindBestRule returns the best matching active rule of the family, or nil
// when none matches.
func (r *Resolver) FindBestRule(ctx context.Context, family model.RuleFamily, incident *model.Incident) (model.Rule, error) {
	candidates, err := r.store.ActiveRules(ctx, family)
	if err != nil {
		return nil, err
	}

	var matching []model.Rule
	for _, rule := range candidates {
		if r.DoesMatch(rule, incident) {
			matching = append(matching, rule)
		}
	}
	if len(matching) == 0 {
		r.logger.Debug("No rule matched",
			zap.String("family", string(family)),
			zap.String("fingerprint", incident.Fingerprint))
		return nil, nil
	}

	Sort(matching)
	best := matching[0]
	r.logger.Debug("Rule selected",
		zap.String("family", string(family)),
		zap.String("fingerprint", incident.Fingerprint),
		zap.String("rule", best.Base().Name),
		zap.Int("candidates", len(matching)))
	return best, nil
}

// ResolveRecipients turns the SMS rule's recipient names into phone
// numbers. Names come from the rule, or from the "sms" annotation of the
// latest occurrence when the rule says so. Unknown names are skipped.
func (r *Resolver) ResolveRecipients(ctx context.Context, rule *model.SmsRule, latest *model.Occurrence) ([]string, error) {
	raw := rule.Recipients
	if rule.UseSmsAnnotation {
		raw = ""
		if latest != nil {
			raw = latest.Annotations["sms"]
		}
	}

	var numbers []string
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		number, err := r.store.FindPhoneNumber(ctx, name)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				r.logger.Warn("Phone book entry not found", zap.String("name", name))
				continue
			}
			return nil, err
		}
		numbers = append(numbers, number)
	}
	return numbers, nil
}
