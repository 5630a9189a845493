package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"farmtel/internal/models"
)

// ActiveAlarmRules loads all enabled, non-deleted alarm rules for the
// evaluation loop.
func (s *Store) ActiveAlarmRules(ctx context.Context) ([]models.AlarmRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule_id, name, severity, origin, target_selector, condition_ast, timing, message_template, enabled, deleted_at
		FROM alarm_rules WHERE enabled AND deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query alarm rules: %w", err)
	}
	defer rows.Close()
	var out []models.AlarmRule
	for rows.Next() {
		var r models.AlarmRule
		if err := rows.Scan(&r.RuleID, &r.Name, &r.Severity, &r.Origin, &r.TargetSelector,
			&r.ConditionAST, &r.Timing, &r.MessageTemplate, &r.Enabled, &r.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan alarm rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RuleTargetState loads the per-(rule,target) state row, or the zero value
// with ok=false when no state has been persisted yet.
func (s *Store) RuleTargetState(ctx context.Context, ruleID int64, targetKey string) (models.AlarmRuleTargetState, bool, error) {
	var st models.AlarmRuleTargetState
	st.RuleID, st.TargetKey = ruleID, targetKey
	err := s.pool.QueryRow(ctx, `
		SELECT currently_firing, consecutive_hits, window_state, last_eval_at, last_value, last_transition_at, error
		FROM alarm_rule_state WHERE rule_id = $1 AND target_key = $2`, ruleID, targetKey).
		Scan(&st.CurrentlyFiring, &st.ConsecutiveHits, &st.WindowState, &st.LastEvalAt, &st.LastValue, &st.LastTransitionAt, &st.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AlarmRuleTargetState{RuleID: ruleID, TargetKey: targetKey}, false, nil
		}
		return models.AlarmRuleTargetState{}, false, fmt.Errorf("query rule state %d/%s: %w", ruleID, targetKey, err)
	}
	return st, true, nil
}

// SaveRuleTargetState upserts the tagged window-state record (§9's
// "discriminated union, not untyped JSON" redesign — the JSON column here
// is purely a serialization format for alarms.WindowState).
func (s *Store) SaveRuleTargetState(ctx context.Context, st models.AlarmRuleTargetState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alarm_rule_state (rule_id, target_key, currently_firing, consecutive_hits, window_state, last_eval_at, last_value, last_transition_at, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (rule_id, target_key) DO UPDATE SET
			currently_firing = $3, consecutive_hits = $4, window_state = $5,
			last_eval_at = $6, last_value = $7, last_transition_at = $8, error = $9`,
		st.RuleID, st.TargetKey, st.CurrentlyFiring, st.ConsecutiveHits, st.WindowState,
		st.LastEvalAt, st.LastValue, st.LastTransitionAt, st.Error)
	if err != nil {
		return fmt.Errorf("save rule state %d/%s: %w", st.RuleID, st.TargetKey, err)
	}
	return nil
}

// UpsertAlarm materializes the latest (rule_id, target_key) alarm row.
func (s *Store) UpsertAlarm(ctx context.Context, a models.Alarm) (int64, error) {
	ruleJSON, err := json.Marshal(a.Rule)
	if err != nil {
		return 0, fmt.Errorf("marshal alarm rule snapshot: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO alarms (name, rule, status, sensor_id, node_id, origin, rule_id, target_key, last_fired, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (rule_id, target_key) DO UPDATE SET
			name = $1, rule = $2, status = $3, sensor_id = $4, node_id = $5,
			last_fired = $9, resolved_at = $10
		RETURNING id`,
		a.Name, ruleJSON, a.Status, a.SensorID, a.NodeID, a.Origin, a.RuleID, a.TargetKey, a.LastFired, a.ResolvedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert alarm %d/%s: %w", a.RuleID, a.TargetKey, err)
	}
	return id, nil
}

// AppendAlarmEvent inserts an append-only transition record and opens or
// resolves the owning incident, matching §9's "event -> alarm -> incident,
// one direction only" model: incident state is derived by querying the
// most recent event per key, never a back-pointer column.
func (s *Store) AppendAlarmEvent(ctx context.Context, ev models.AlarmEvent) (int64, error) {
	incidentID, err := s.resolveIncident(ctx, ev)
	if err != nil {
		return 0, err
	}
	ev.IncidentID = incidentID
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO alarm_events (alarm_id, rule_id, sensor_id, node_id, status, message, origin, anomaly_score, transition, incident_id, target_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		RETURNING id`,
		ev.AlarmID, ev.RuleID, ev.SensorID, ev.NodeID, ev.Status, ev.Message, ev.Origin,
		ev.AnomalyScore, ev.Transition, incidentID, ev.TargetKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append alarm event: %w", err)
	}
	if ev.Transition == models.TransitionResolved {
		if _, err := s.pool.Exec(ctx, `UPDATE incidents SET resolved_at = now() WHERE id = $1`, incidentID); err != nil {
			return id, fmt.Errorf("resolve incident %d: %w", incidentID, err)
		}
	}
	return id, nil
}

func (s *Store) resolveIncident(ctx context.Context, ev models.AlarmEvent) (int64, error) {
	if ev.Transition == models.TransitionResolved {
		var id int64
		err := s.pool.QueryRow(ctx, `
			SELECT id FROM incidents WHERE rule_id = $1 AND target_key = $2 AND resolved_at IS NULL
			ORDER BY opened_at DESC LIMIT 1`, ev.RuleID, ev.TargetKey).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("find open incident %d/%s: %w", ev.RuleID, ev.TargetKey, err)
		}
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO incidents (rule_id, target_key, severity, rule_name, opened_at)
		VALUES ($1,$2,$3,$4,now()) RETURNING id`,
		ev.RuleID, ev.TargetKey, ev.Severity, ev.RuleName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("open incident %d/%s: %w", ev.RuleID, ev.TargetKey, err)
	}
	return id, nil
}

// OpenIncidentAt returns when the currently open incident for a key opened,
// used by alarm message templating ("firing since ...").
func (s *Store) OpenIncidentAt(ctx context.Context, ruleID int64, targetKey string) (time.Time, bool, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT opened_at FROM incidents WHERE rule_id = $1 AND target_key = $2 AND resolved_at IS NULL
		ORDER BY opened_at DESC LIMIT 1`, ruleID, targetKey).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query open incident %d/%s: %w", ruleID, targetKey, err)
	}
	return t, true, nil
}
