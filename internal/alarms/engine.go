package alarms

import (
	"context"
	"fmt"
	"time"

	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

// reservedRuleTargetKey is where a rule's envelope-parse failure is
// recorded without touching any real target's firing state (§4.F).
const reservedRuleTargetKey = "__rule__"

// Store is the full slice of *rowstore.Store the engine needs: target
// resolution's DataSource plus the rule/state/alarm persistence calls.
type Store interface {
	DataSource
	ActiveAlarmRules(ctx context.Context) ([]models.AlarmRule, error)
	RuleTargetState(ctx context.Context, ruleID int64, targetKey string) (models.AlarmRuleTargetState, bool, error)
	SaveRuleTargetState(ctx context.Context, st models.AlarmRuleTargetState) error
	UpsertAlarm(ctx context.Context, a models.Alarm) (int64, error)
	AppendAlarmEvent(ctx context.Context, ev models.AlarmEvent) (int64, error)
}

// Engine is the §4.F poll loop plus the fast-path entry point called from
// the ingest pipeline after a successful commit.
type Engine struct {
	store        Store
	pollInterval time.Duration
	log          logging.Logger

	evalCounter       metrics.Counter
	transitionCounter metrics.Counter
	ruleErrorCounter  metrics.Counter
}

// NewEngine constructs an Engine. pollInterval should already be floored to
// config.AlarmsConfig's 5s minimum.
func NewEngine(store Store, pollInterval time.Duration, log logging.Logger, mp metrics.Provider) *Engine {
	return &Engine{
		store:        store,
		pollInterval: pollInterval,
		log:          log,
		evalCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "alarms", Name: "evaluations_total", Help: "condition-tree evaluations performed",
		}}),
		transitionCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "alarms", Name: "transitions_total", Help: "firing/ok transitions", Labels: []string{"transition"},
		}}),
		ruleErrorCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "alarms", Name: "rule_errors_total", Help: "rules that failed to parse or evaluate",
		}}),
	}
}

// Run ticks the engine on its configured poll interval until ctx is
// canceled, evaluating every active rule in full each tick.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.EvaluateAll(ctx); err != nil {
				e.log.ErrorCtx(ctx, "alarm poll evaluation failed", "error", err.Error())
			}
		}
	}
}

// EvaluateAll runs the full poll-tick evaluation over every active rule.
func (e *Engine) EvaluateAll(ctx context.Context) error {
	return e.evaluateRules(ctx, nil, time.Now())
}

// EvaluateNow is the fast path: restrict full re-evaluation to rules whose
// selector could plausibly mention one of sensorIDs. NodeSensors and
// Filter selectors always qualify since membership can't be decided
// without a query.
func (e *Engine) EvaluateNow(ctx context.Context, sensorIDs []string) error {
	if len(sensorIDs) == 0 {
		return nil
	}
	filter := make(map[string]struct{}, len(sensorIDs))
	for _, id := range sensorIDs {
		filter[id] = struct{}{}
	}
	return e.evaluateRules(ctx, filter, time.Now())
}

func (e *Engine) evaluateRules(ctx context.Context, sensorFilter map[string]struct{}, now time.Time) error {
	rules, err := e.store.ActiveAlarmRules(ctx)
	if err != nil {
		return fmt.Errorf("load active alarm rules: %w", err)
	}
	for _, rule := range rules {
		if err := e.evaluateRule(ctx, rule, sensorFilter, now); err != nil {
			e.log.ErrorCtx(ctx, "alarm rule evaluation failed", "rule_id", rule.RuleID, "error", err.Error())
		}
	}
	return nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule models.AlarmRule, sensorFilter map[string]struct{}, now time.Time) error {
	sel, err := ParseTargetSelector(rule.TargetSelector)
	if err != nil {
		return e.upsertRuleErrorState(ctx, rule.RuleID, fmt.Errorf("parse target_selector: %w", err))
	}
	condition, err := ParseConditionAST(rule.ConditionAST)
	if err != nil {
		return e.upsertRuleErrorState(ctx, rule.RuleID, fmt.Errorf("parse condition_ast: %w", err))
	}
	timing, err := ParseTiming(rule.Timing)
	if err != nil {
		return e.upsertRuleErrorState(ctx, rule.RuleID, fmt.Errorf("parse timing: %w", err))
	}

	if sensorFilter != nil && !RuleMatchesSensorFilter(sel, sensorFilter) {
		return nil
	}

	targets, err := ResolveTargets(ctx, e.store, sel)
	if err != nil {
		return e.upsertRuleErrorState(ctx, rule.RuleID, fmt.Errorf("resolve targets: %w", err))
	}

	for _, target := range targets {
		if err := e.evaluateTarget(ctx, rule, condition, timing, target, now); err != nil {
			if stateErr := e.upsertTargetErrorState(ctx, rule.RuleID, target.TargetKey, err); stateErr != nil {
				return stateErr
			}
		}
	}
	return nil
}

func (e *Engine) evaluateTarget(ctx context.Context, rule models.AlarmRule, condition *ConditionNode, timing Timing, target ResolvedTarget, now time.Time) error {
	priorRow, _, err := e.store.RuleTargetState(ctx, rule.RuleID, target.TargetKey)
	if err != nil {
		return fmt.Errorf("load target state: %w", err)
	}
	if timing.EvalIntervalSeconds > 0 && priorRow.LastEvalAt != nil {
		if now.Sub(*priorRow.LastEvalAt) < time.Duration(timing.EvalIntervalSeconds)*time.Second {
			return nil
		}
	}

	ws := decodeWindowState(priorRow.WindowState)
	shouldFireNow, observed, newWS, err := EvaluateTarget(ctx, e.store, condition, target, now, ws)
	e.evalCounter.Inc(1)
	if err != nil {
		return fmt.Errorf("evaluate condition: %w", err)
	}

	decision := ApplyFiringTiming(shouldFireNow, priorRow.CurrentlyFiring, timing, now, newWS)

	consecutiveHits := priorRow.ConsecutiveHits
	if shouldFireNow {
		consecutiveHits++
	} else {
		consecutiveHits = 0
	}

	stateToSave := models.AlarmRuleTargetState{
		RuleID:          rule.RuleID,
		TargetKey:       target.TargetKey,
		CurrentlyFiring: decision.ShouldFire,
		ConsecutiveHits: consecutiveHits,
		WindowState:     decision.State.encode(),
		LastEvalAt:      &now,
		LastValue:       observed,
	}

	if decision.ShouldFire != priorRow.CurrentlyFiring {
		t := now
		stateToSave.LastTransitionAt = &t
		if decision.ShouldFire {
			if err := e.transitionToFiring(ctx, rule, condition, timing, target, observed, now); err != nil {
				return fmt.Errorf("transition to firing: %w", err)
			}
			e.transitionCounter.Inc(1, "fired")
		} else {
			if err := e.transitionToOK(ctx, rule, target, now); err != nil {
				return fmt.Errorf("transition to ok: %w", err)
			}
			e.transitionCounter.Inc(1, "resolved")
		}
	} else {
		stateToSave.LastTransitionAt = priorRow.LastTransitionAt
	}

	if err := e.store.SaveRuleTargetState(ctx, stateToSave); err != nil {
		return fmt.Errorf("save target state: %w", err)
	}
	return nil
}

// rulePayload builds the {condition, timing, severity} snapshot stored on
// the alarms.rule column, the Go port of eval.rs's rule_payload.
func rulePayload(rule models.AlarmRule) map[string]any {
	return map[string]any{
		"type":      "rule",
		"severity":  rule.Severity,
		"condition": rule.ConditionAST,
		"timing":    rule.Timing,
	}
}

func (e *Engine) transitionToFiring(ctx context.Context, rule models.AlarmRule, condition *ConditionNode, timing Timing, target ResolvedTarget, observed *float64, now time.Time) error {
	alarm := models.Alarm{
		Name:      rule.Name,
		Rule:      rulePayload(rule),
		Status:    models.AlarmFiring,
		SensorID:  target.PrimarySensorID,
		NodeID:    target.NodeID,
		Origin:    rule.Origin,
		RuleID:    rule.RuleID,
		TargetKey: target.TargetKey,
		LastFired: &now,
	}
	alarmID, err := e.store.UpsertAlarm(ctx, alarm)
	if err != nil {
		return err
	}
	ev := models.AlarmEvent{
		AlarmID:      alarmID,
		RuleID:       rule.RuleID,
		SensorID:     target.PrimarySensorID,
		NodeID:       target.NodeID,
		Status:       models.AlarmFiring,
		Message:      renderMessage(rule.MessageTemplate, target, observed),
		Origin:       rule.Origin,
		AnomalyScore: observed,
		Transition:   models.TransitionFired,
		TargetKey:    target.TargetKey,
		Severity:     rule.Severity,
		RuleName:     rule.Name,
	}
	_, err = e.store.AppendAlarmEvent(ctx, ev)
	return err
}

func (e *Engine) transitionToOK(ctx context.Context, rule models.AlarmRule, target ResolvedTarget, now time.Time) error {
	alarm := models.Alarm{
		Name:       rule.Name,
		Rule:       rulePayload(rule),
		Status:     models.AlarmOK,
		SensorID:   target.PrimarySensorID,
		NodeID:     target.NodeID,
		Origin:     rule.Origin,
		RuleID:     rule.RuleID,
		TargetKey:  target.TargetKey,
		ResolvedAt: &now,
	}
	alarmID, err := e.store.UpsertAlarm(ctx, alarm)
	if err != nil {
		return err
	}
	ev := models.AlarmEvent{
		AlarmID:    alarmID,
		RuleID:     rule.RuleID,
		SensorID:   target.PrimarySensorID,
		NodeID:     target.NodeID,
		Status:     models.AlarmOK,
		Message:    fmt.Sprintf("%s cleared", rule.Name),
		Origin:     rule.Origin,
		Transition: models.TransitionResolved,
		TargetKey:  target.TargetKey,
		Severity:   rule.Severity,
		RuleName:   rule.Name,
	}
	_, err = e.store.AppendAlarmEvent(ctx, ev)
	return err
}

func renderMessage(template string, target ResolvedTarget, observed *float64) string {
	if template == "" {
		if observed != nil {
			return fmt.Sprintf("%s: observed %.4g", target.TargetKey, *observed)
		}
		return target.TargetKey + " firing"
	}
	return template
}

func (e *Engine) upsertRuleErrorState(ctx context.Context, ruleID int64, cause error) error {
	e.ruleErrorCounter.Inc(1)
	return e.store.SaveRuleTargetState(ctx, models.AlarmRuleTargetState{
		RuleID:    ruleID,
		TargetKey: reservedRuleTargetKey,
		Error:     cause.Error(),
	})
}

func (e *Engine) upsertTargetErrorState(ctx context.Context, ruleID int64, targetKey string, cause error) error {
	e.ruleErrorCounter.Inc(1)
	prior, _, err := e.store.RuleTargetState(ctx, ruleID, targetKey)
	if err != nil {
		return fmt.Errorf("load prior target state for error: %w", err)
	}
	prior.RuleID, prior.TargetKey = ruleID, targetKey
	prior.Error = cause.Error()
	return e.store.SaveRuleTargetState(ctx, prior)
}
