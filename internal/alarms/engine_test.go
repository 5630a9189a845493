package alarms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

// fakeAlarmStore embeds fakeDataSource (from eval_test.go) and records every
// AppendAlarmEvent call so tests can assert on what the engine persists.
type fakeAlarmStore struct {
	*fakeDataSource
	events []models.AlarmEvent
}

func (f *fakeAlarmStore) ActiveAlarmRules(ctx context.Context) ([]models.AlarmRule, error) {
	return nil, nil
}

func (f *fakeAlarmStore) RuleTargetState(ctx context.Context, ruleID int64, targetKey string) (models.AlarmRuleTargetState, bool, error) {
	return models.AlarmRuleTargetState{}, false, nil
}

func (f *fakeAlarmStore) SaveRuleTargetState(ctx context.Context, st models.AlarmRuleTargetState) error {
	return nil
}

func (f *fakeAlarmStore) UpsertAlarm(ctx context.Context, a models.Alarm) (int64, error) {
	return 1, nil
}

func (f *fakeAlarmStore) AppendAlarmEvent(ctx context.Context, ev models.AlarmEvent) (int64, error) {
	f.events = append(f.events, ev)
	return int64(len(f.events)), nil
}

// TestTransitionToFiringCarriesRuleSeverityAndName guards against incidents
// being persisted with a blank severity/rule_name regardless of which rule
// fired: the event handed to AppendAlarmEvent must carry the firing rule's
// own Severity and Name.
func TestTransitionToFiringCarriesRuleSeverityAndName(t *testing.T) {
	store := &fakeAlarmStore{fakeDataSource: &fakeDataSource{}}
	e := NewEngine(store, time.Minute, logging.New(nil), metrics.NoopProvider())

	rule := models.AlarmRule{RuleID: 7, Name: "high temp", Severity: "critical"}
	target := ResolvedTarget{TargetKey: "sensor:s1", PrimarySensorID: "s1"}

	require.NoError(t, e.transitionToFiring(context.Background(), rule, nil, Timing{}, target, nil, time.Now()))
	require.Len(t, store.events, 1)
	require.Equal(t, "critical", store.events[0].Severity)
	require.Equal(t, "high temp", store.events[0].RuleName)

	require.NoError(t, e.transitionToOK(context.Background(), rule, target, time.Now()))
	require.Len(t, store.events, 2)
	require.Equal(t, "critical", store.events[1].Severity)
	require.Equal(t, "high temp", store.events[1].RuleName)
}
