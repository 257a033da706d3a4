package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
)

type fakeFinder struct {
	rule  model.Rule
	err   error
	calls int
}

func (f *fakeFinder) FindBestRule(ctx context.Context, family model.RuleFamily, incident *model.Incident) (model.Rule, error) {
	f.calls++
	return f.rule, f.err
}

type fakeQueue struct {
	tasks []*model.Task
	err   error
}

func (q *fakeQueue) SubmitTask(ctx context.Context, task *model.Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func event(status model.Status, silenced bool, ticketKey string) *model.Event {
	return &model.Event{
		Incident: &model.Incident{
			ID:          7,
			Fingerprint: "fp1",
			Status:      status,
			Silenced:    silenced,
			TicketKey:   ticketKey,
		},
		Status: status,
	}
}

func TestRouter_RoutingPolicy(t *testing.T) {
	tests := []struct {
		name     string
		family   model.RuleFamily
		event    *model.Event
		expected bool
	}{
		{"ticket firing", model.FamilyTicketing, event(model.StatusFiring, false, ""), true},
		{"ticket firing silenced", model.FamilyTicketing, event(model.StatusFiring, true, ""), false},
		{"ticket resolved with key", model.FamilyTicketing, event(model.StatusResolved, false, "OPS-1"), true},
		{"ticket resolved with key while silenced", model.FamilyTicketing, event(model.StatusResolved, true, "OPS-1"), true},
		{"ticket resolved without key", model.FamilyTicketing, event(model.StatusResolved, false, ""), false},
		{"chat firing", model.FamilyChat, event(model.StatusFiring, false, ""), true},
		{"chat resolved", model.FamilyChat, event(model.StatusResolved, false, ""), true},
		{"chat silenced", model.FamilyChat, event(model.StatusFiring, true, ""), false},
		{"sms resolved", model.FamilySMS, event(model.StatusResolved, false, ""), true},
		{"sms silenced", model.FamilySMS, event(model.StatusResolved, true, ""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finder := &fakeFinder{rule: &model.ChatRule{RuleBase: model.RuleBase{ID: 3, Name: "r"}}}
			queue := &fakeQueue{}
			router := NewRouter(tt.family, finder, queue, monitor.Nop{}, zap.NewNop())

			require.NoError(t, router.Handle(context.Background(), tt.event))
			if !tt.expected {
				assert.Empty(t, queue.tasks)
				assert.Equal(t, 0, finder.calls)
				return
			}
			require.Len(t, queue.tasks, 1)
			task := queue.tasks[0]
			assert.Equal(t, model.KindForFamily(tt.family), task.Kind)
			assert.Equal(t, uint(7), task.IncidentID)
			assert.Equal(t, uint(3), task.RuleID)
			assert.Equal(t, tt.event.Status, task.Transition)
			assert.Equal(t, model.TaskStatusPending, task.Status)
			assert.NotEmpty(t, task.ID)
		})
	}
}

func TestRouter_NoRule(t *testing.T) {
	queue := &fakeQueue{}
	router := NewRouter(model.FamilyChat, &fakeFinder{}, queue, monitor.Nop{}, zap.NewNop())

	require.NoError(t, router.Handle(context.Background(), event(model.StatusFiring, false, "")))
	assert.Empty(t, queue.tasks)
	assert.Equal(t, "chat", router.Name())
}

func TestRouter_DuplicatesStillRoute(t *testing.T) {
	queue := &fakeQueue{}
	router := NewRouter(model.FamilySMS, &fakeFinder{rule: &model.SmsRule{}}, queue, monitor.Nop{}, zap.NewNop())

	e := event(model.StatusFiring, false, "")
	e.Duplicate = true
	require.NoError(t, router.Handle(context.Background(), e))
	assert.Len(t, queue.tasks, 1)
}

func TestRouter_StaleEventsDoNotRoute(t *testing.T) {
	for _, family := range []model.RuleFamily{model.FamilyTicketing, model.FamilyChat, model.FamilySMS} {
		t.Run(string(family), func(t *testing.T) {
			queue := &fakeQueue{}
			finder := &fakeFinder{rule: &model.ChatRule{}}
			router := NewRouter(family, finder, queue, monitor.Nop{}, zap.NewNop())

			e := event(model.StatusFiring, false, "OPS-1")
			e.Stale = true
			require.NoError(t, router.Handle(context.Background(), e))
			assert.Empty(t, queue.tasks)
			assert.Zero(t, finder.calls)
		})
	}
}

func TestRouter_Errors(t *testing.T) {
	boom := errors.New("boom")

	router := NewRouter(model.FamilyChat, &fakeFinder{err: boom}, &fakeQueue{}, monitor.Nop{}, zap.NewNop())
	assert.ErrorIs(t, router.Handle(context.Background(), event(model.StatusFiring, false, "")), boom)

	router = NewRouter(model.FamilyChat, &fakeFinder{rule: &model.ChatRule{}}, &fakeQueue{err: boom}, monitor.Nop{}, zap.NewNop())
	assert.ErrorIs(t, router.Handle(context.Background(), event(model.StatusFiring, false, "")), boom)
}
