package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/storage"
	"github.com/t77yq/alertflow/internal/testutil"
)

func newResolver(t *testing.T) (*Resolver, storage.Store) {
	t.Helper()
	store := testutil.NewStore(t)
	return NewResolver(store, zap.NewNop()), store
}

func apiIncident() *model.Incident {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return &model.Incident{
		Fingerprint: "fp-api",
		Name:        "HighLatency",
		Labels:      model.Labels{"app": "api", "env": "prod", "alertname": "HighLatency"},
		Severity:    model.SeverityCritical,
		Source:      "prometheus",
		Status:      model.StatusFiring,
		FirstSeen:   now,
		LastSeen:    now,
	}
}

func chatRule(name string, priority int, criteria model.Labels) *model.ChatRule {
	return &model.ChatRule{
		RuleBase: model.RuleBase{Name: name, Active: true, Priority: priority, MatchCriteria: criteria},
		Channel:  "#" + name,
	}
}

func TestFindBestRule_MostSpecificWins(t *testing.T) {
	resolver, store := newResolver(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRule(ctx, chatRule("by-app", 1, model.Labels{"labels.app": "api"})))
	require.NoError(t, store.CreateRule(ctx, chatRule("by-app-source", 1, model.Labels{"labels.app": "api", "source": "prometheus"})))

	rule, err := resolver.FindBestRule(ctx, model.FamilyChat, apiIncident())
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "by-app-source", rule.Base().Name)
}

func TestFindBestRule_TieBreaks(t *testing.T) {
	ctx := context.Background()

	t.Run("priority breaks specificity ties", func(t *testing.T) {
		resolver, store := newResolver(t)
		require.NoError(t, store.CreateRule(ctx, chatRule("low", 1, model.Labels{"labels.app": "api"})))
		require.NoError(t, store.CreateRule(ctx, chatRule("high", 5, model.Labels{"labels.env": "prod"})))

		rule, err := resolver.FindBestRule(ctx, model.FamilyChat, apiIncident())
		require.NoError(t, err)
		assert.Equal(t, "high", rule.Base().Name)
	})

	t.Run("name breaks full ties", func(t *testing.T) {
		resolver, store := newResolver(t)
		require.NoError(t, store.CreateRule(ctx, chatRule("zulu", 1, model.Labels{"labels.app": "api"})))
		require.NoError(t, store.CreateRule(ctx, chatRule("alpha", 1, model.Labels{"labels.env": "prod"})))

		rule, err := resolver.FindBestRule(ctx, model.FamilyChat, apiIncident())
		require.NoError(t, err)
		assert.Equal(t, "alpha", rule.Base().Name)
	})
}

func TestFindBestRule_Filtering(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive rules are ignored", func(t *testing.T) {
		resolver, store := newResolver(t)
		inactive := chatRule("inactive", 10, model.Labels{"labels.app": "api"})
		inactive.Active = false
		require.NoError(t, store.CreateRule(ctx, inactive))
		require.NoError(t, store.CreateRule(ctx, chatRule("fallback", 0, nil)))

		rule, err := resolver.FindBestRule(ctx, model.FamilyChat, apiIncident())
		require.NoError(t, err)
		assert.Equal(t, "fallback", rule.Base().Name)
	})

	t.Run("chat rule without criteria is a catch-all", func(t *testing.T) {
		resolver, store := newResolver(t)
		require.NoError(t, store.CreateRule(ctx, chatRule("everything", 0, nil)))

		rule, err := resolver.FindBestRule(ctx, model.FamilyChat, apiIncident())
		require.NoError(t, err)
		assert.Equal(t, "everything", rule.Base().Name)
	})

	t.Run("no match returns nil", func(t *testing.T) {
		resolver, store := newResolver(t)
		require.NoError(t, store.CreateRule(ctx, chatRule("db", 0, model.Labels{"labels.app": "db"})))

		rule, err := resolver.FindBestRule(ctx, model.FamilyChat, apiIncident())
		require.NoError(t, err)
		assert.Nil(t, rule)
	})

	t.Run("missing label never matches", func(t *testing.T) {
		resolver, store := newResolver(t)
		require.NoError(t, store.CreateRule(ctx, chatRule("team", 0, model.Labels{"labels.team": "core"})))

		rule, err := resolver.FindBestRule(ctx, model.FamilyChat, apiIncident())
		require.NoError(t, err)
		assert.Nil(t, rule)
	})
}

func TestFindBestRule_TicketRules(t *testing.T) {
	ctx := context.Background()

	t.Run("unconfigured ticket rule never matches", func(t *testing.T) {
		resolver, store := newResolver(t)
		require.NoError(t, store.CreateRule(ctx, &model.TicketRule{
			RuleBase:   model.RuleBase{Name: "empty", Active: true},
			ProjectKey: "OPS",
			IssueType:  "Bug",
		}))

		rule, err := resolver.FindBestRule(ctx, model.FamilyTicketing, apiIncident())
		require.NoError(t, err)
		assert.Nil(t, rule)
	})

	t.Run("matcher sets are required and count toward specificity", func(t *testing.T) {
		resolver, store := newResolver(t)
		require.NoError(t, store.CreateRule(ctx, &model.TicketRule{
			RuleBase:   model.RuleBase{Name: "flat", Active: true, Priority: 10, MatchCriteria: model.Labels{"labels.app": "api"}},
			ProjectKey: "OPS",
			IssueType:  "Bug",
		}))
		require.NoError(t, store.CreateRule(ctx, &model.TicketRule{
			RuleBase:   model.RuleBase{Name: "regex", Active: true, MatchCriteria: model.Labels{"labels.app": "api"}},
			ProjectKey: "API",
			IssueType:  "Incident",
			Matchers: []model.RuleMatcher{
				{Name: "prod-like", Labels: model.Labels{"labels.env": "prod|staging"}, IsRegex: true},
			},
		}))
		require.NoError(t, store.CreateRule(ctx, &model.TicketRule{
			RuleBase:   model.RuleBase{Name: "wrong-env", Active: true, Priority: 20, MatchCriteria: model.Labels{"labels.app": "api"}},
			ProjectKey: "DEV",
			IssueType:  "Bug",
			Matchers: []model.RuleMatcher{
				{Name: "dev", Labels: model.Labels{"labels.env": "dev"}},
				{Name: "prod", Labels: model.Labels{"labels.env": "prod"}},
			},
		}))

		rule, err := resolver.FindBestRule(ctx, model.FamilyTicketing, apiIncident())
		require.NoError(t, err)
		require.NotNil(t, rule)
		assert.Equal(t, "regex", rule.Base().Name)
		assert.Equal(t, "API", rule.(*model.TicketRule).ProjectKey)
	})
}

func TestSpecificity(t *testing.T) {
	assert.Equal(t, 0, Specificity(chatRule("none", 0, nil)))
	assert.Equal(t, 2, Specificity(chatRule("two", 0, model.Labels{"a": "1", "b": "2"})))
	assert.Equal(t, 3, Specificity(&model.TicketRule{
		RuleBase: model.RuleBase{MatchCriteria: model.Labels{"a": "1"}},
		Matchers: []model.RuleMatcher{
			{Labels: model.Labels{"b": "1"}},
			{Labels: model.Labels{"c": "1"}},
		},
	}))
}

func TestResolveRecipients(t *testing.T) {
	ctx := context.Background()
	resolver, store := newResolver(t)
	require.NoError(t, store.CreatePhoneBookEntry(ctx, &model.PhoneBookEntry{Name: "Alice", PhoneNumber: "+100"}))
	require.NoError(t, store.CreatePhoneBookEntry(ctx, &model.PhoneBookEntry{Name: "bob", PhoneNumber: "+200"}))

	t.Run("rule recipients with unknown names skipped", func(t *testing.T) {
		rule := &model.SmsRule{Recipients: "alice, BOB ,carol,"}
		numbers, err := resolver.ResolveRecipients(ctx, rule, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"+100", "+200"}, numbers)
	})

	t.Run("sms annotation of latest occurrence", func(t *testing.T) {
		rule := &model.SmsRule{Recipients: "alice", UseSmsAnnotation: true}
		latest := &model.Occurrence{Annotations: model.Labels{"sms": "bob"}}
		numbers, err := resolver.ResolveRecipients(ctx, rule, latest)
		require.NoError(t, err)
		assert.Equal(t, []string{"+200"}, numbers)
	})

	t.Run("annotation mode without occurrence yields nothing", func(t *testing.T) {
		rule := &model.SmsRule{Recipients: "alice", UseSmsAnnotation: true}
		numbers, err := resolver.ResolveRecipients(ctx, rule, nil)
		require.NoError(t, err)
		assert.Empty(t, numbers)
	})
}
