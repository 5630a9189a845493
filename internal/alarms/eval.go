package alarms

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"farmtel/internal/rowstore"
)

// DataSource is the slice of *rowstore.Store the evaluator needs, narrowed
// to an interface so target resolution and condition evaluation are
// testable against an in-memory fake.
type DataSource interface {
	LatestValues(ctx context.Context, sensorIDs []string) (map[string]rowstore.LatestValue, error)
	WindowStats(ctx context.Context, sensorIDs []string, now time.Time, windowSeconds int) (map[string]rowstore.WindowStats, error)
	SensorsByNode(ctx context.Context, nodeID uuid.UUID, types []string) ([]string, error)
	SensorsByFilter(ctx context.Context, f rowstore.SensorFilter) ([]string, error)
}

// ResolvedTarget is one (rule, target) evaluation unit, the Go port of
// eval.rs's ResolvedTarget.
type ResolvedTarget struct {
	TargetKey       string
	SensorIDs       []string
	NodeID          *uuid.UUID
	PrimarySensorID string
	MatchMode       string
}

// ResolveTargets expands a rule's target selector into one or more
// independent (rule, target) state machines.
func ResolveTargets(ctx context.Context, ds DataSource, sel TargetSelector) ([]ResolvedTarget, error) {
	switch sel.Kind {
	case "sensor":
		return []ResolvedTarget{{
			TargetKey:       "sensor:" + sel.SensorID,
			SensorIDs:       []string{sel.SensorID},
			PrimarySensorID: sel.SensorID,
			MatchMode:       "per_sensor",
		}}, nil

	case "sensor_set":
		ids := append([]string(nil), sel.SensorIDs...)
		sort.Strings(ids)
		return rowsToTargets(ids, nil, sel.Match, ""), nil

	case "node_sensors":
		ids, err := ds.SensorsByNode(ctx, sel.NodeID, sel.Types)
		if err != nil {
			return nil, fmt.Errorf("resolve node_sensors target: %w", err)
		}
		nodeID := sel.NodeID
		return rowsToTargets(ids, &nodeID, sel.Match, "node:"+sel.NodeID.String()+":"), nil

	case "filter":
		ids, err := ds.SensorsByFilter(ctx, rowstore.SensorFilter{Provider: sel.Provider, Metric: sel.Metric, Type: sel.Type})
		if err != nil {
			return nil, fmt.Errorf("resolve filter target: %w", err)
		}
		return rowsToTargets(ids, nil, sel.Match, "filter:"+sel.Provider+":"+sel.Metric+":"+sel.Type+":"), nil

	default:
		return nil, fmt.Errorf("unknown target_selector kind %q", sel.Kind)
	}
}

// rowsToTargets is the Go port of eval.rs's rows_to_targets: per_sensor
// mode fans out to one target per sensor; any/all fold the whole set into
// one combined target keyed by mode and sensor membership.
func rowsToTargets(sensorIDs []string, nodeID *uuid.UUID, match string, combinedKeyPrefix string) []ResolvedTarget {
	if len(sensorIDs) == 0 {
		return nil
	}
	if match == "per_sensor" {
		out := make([]ResolvedTarget, 0, len(sensorIDs))
		for _, id := range sensorIDs {
			out = append(out, ResolvedTarget{
				TargetKey:       "sensor:" + id,
				SensorIDs:       []string{id},
				NodeID:          nodeID,
				PrimarySensorID: id,
				MatchMode:       "per_sensor",
			})
		}
		return out
	}
	key := combinedKeyPrefix
	if key == "" {
		key = "selector:" + match + ":"
	}
	key += strings.Join(sensorIDs, ",")
	return []ResolvedTarget{{
		TargetKey:       key,
		SensorIDs:       sensorIDs,
		NodeID:          nodeID,
		PrimarySensorID: sensorIDs[0],
		MatchMode:       match,
	}}
}

// RuleMatchesSensorFilter is the fast-path membership test (§4.F): Sensor
// and SensorSet selectors can be checked cheaply against the sensor list
// that just received new values; NodeSensors and Filter selectors must
// always be re-evaluated in full since membership can't be decided without
// a query.
func RuleMatchesSensorFilter(sel TargetSelector, sensorIDs map[string]struct{}) bool {
	switch sel.Kind {
	case "sensor":
		_, ok := sensorIDs[sel.SensorID]
		return ok
	case "sensor_set":
		for _, id := range sel.SensorIDs {
			if _, ok := sensorIDs[id]; ok {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// windowCache memoizes get_window_stats per window_seconds across a single
// target's condition-tree walk, matching eval.rs's HashMap<window_seconds,
// HashMap<sensor_id,WindowStats>> cache.
type windowCache struct {
	ctx       context.Context
	ds        DataSource
	sensorIDs []string
	now       time.Time
	cache     map[int]map[string]rowstore.WindowStats
}

func newWindowCache(ctx context.Context, ds DataSource, sensorIDs []string, now time.Time) *windowCache {
	return &windowCache{ctx: ctx, ds: ds, sensorIDs: sensorIDs, now: now, cache: make(map[int]map[string]rowstore.WindowStats)}
}

func (w *windowCache) get(windowSeconds int) (map[string]rowstore.WindowStats, error) {
	if stats, ok := w.cache[windowSeconds]; ok {
		return stats, nil
	}
	stats, err := w.ds.WindowStats(w.ctx, w.sensorIDs, w.now, windowSeconds)
	if err != nil {
		return nil, err
	}
	w.cache[windowSeconds] = stats
	return stats, nil
}

// evalContext threads the per-target evaluation state through the
// recursive condition walk.
type evalContext struct {
	target  ResolvedTarget
	latest  map[string]rowstore.LatestValue
	windows *windowCache
	now     time.Time
	state   *windowState
}

// EvaluateTarget walks condition against target's sensor set, fetching
// each sensor's latest value once, and returns whether the rule's
// condition currently holds plus the first observed numeric value
// encountered in a left-to-right walk of the tree.
func EvaluateTarget(ctx context.Context, ds DataSource, condition *ConditionNode, target ResolvedTarget, now time.Time, state windowState) (passed bool, observed *float64, newState windowState, err error) {
	latest, err := ds.LatestValues(ctx, target.SensorIDs)
	if err != nil {
		return false, nil, state, fmt.Errorf("fetch latest values: %w", err)
	}
	ec := &evalContext{
		target:  target,
		latest:  latest,
		windows: newWindowCache(ctx, ds, target.SensorIDs, now),
		now:     now,
		state:   &state,
	}
	passed, observed, err = evalCondition(ec, condition, "root")
	if err != nil {
		return false, nil, state, err
	}
	return passed, observed, state, nil
}

func evalCondition(ec *evalContext, n *ConditionNode, path string) (bool, *float64, error) {
	switch n.Kind {
	case "threshold":
		return evalPerSensor(ec, func(v float64) (bool, error) { return compare(v, n.Op, n.Value) })
	case "range":
		return evalPerSensor(ec, func(v float64) (bool, error) {
			inside := v >= n.Low && v <= n.High
			if n.Mode == "outside" {
				return !inside, nil
			}
			return inside, nil
		})
	case "offline":
		return evalOffline(ec, n)
	case "rolling_window":
		return evalRollingWindow(ec, n)
	case "deviation":
		return evalDeviation(ec, n)
	case "consecutive_periods":
		return evalConsecutivePeriods(ec, n, path)
	case "not":
		passed, observed, err := evalCondition(ec, n.Child, path+">not")
		if err != nil {
			return false, nil, err
		}
		return !passed, observed, nil
	case "all":
		return evalCombinator(ec, n.Children, path, true)
	case "any":
		return evalCombinator(ec, n.Children, path, false)
	default:
		return false, nil, fmt.Errorf("unknown condition kind %q", n.Kind)
	}
}

func evalCombinator(ec *evalContext, children []*ConditionNode, path string, requireAll bool) (bool, *float64, error) {
	var observed *float64
	result := requireAll
	for i, child := range children {
		passed, childObserved, err := evalCondition(ec, child, fmt.Sprintf("%s>%d", path, i))
		if err != nil {
			return false, nil, err
		}
		if observed == nil {
			observed = childObserved
		}
		if requireAll {
			result = result && passed
		} else {
			result = result || passed
		}
	}
	return result, observed, nil
}

// evalPerSensor applies predicate to each of the target's sensors' latest
// values and folds the per-sensor booleans by match_mode, matching
// eval_values's "empty fails, All requires every pass, otherwise any
// passes" contract. Observed value is the first sensor's latest reading.
func evalPerSensor(ec *evalContext, predicate func(float64) (bool, error)) (bool, *float64, error) {
	if len(ec.target.SensorIDs) == 0 {
		return false, nil, nil
	}
	var observed *float64
	results := make([]bool, 0, len(ec.target.SensorIDs))
	for _, id := range ec.target.SensorIDs {
		lv, ok := ec.latest[id]
		if !ok {
			results = append(results, false)
			continue
		}
		if observed == nil {
			v := lv.Value
			observed = &v
		}
		passed, err := predicate(lv.Value)
		if err != nil {
			return false, observed, err
		}
		results = append(results, passed)
	}
	return foldValues(results, ec.target.MatchMode), observed, nil
}

func foldValues(results []bool, matchMode string) bool {
	if len(results) == 0 {
		return false
	}
	if matchMode == "all" {
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	}
	for _, r := range results {
		if r {
			return true
		}
	}
	return false
}

func compare(v float64, op string, target float64) (bool, error) {
	switch op {
	case "<":
		return v < target, nil
	case "<=", "≤":
		return v <= target, nil
	case "=", "==":
		return v == target, nil
	case ">=", "≥":
		return v >= target, nil
	case ">":
		return v > target, nil
	case "!=", "≠":
		return v != target, nil
	default:
		return false, fmt.Errorf("unknown threshold op %q", op)
	}
}

// evalOffline: a sensor passes (condition holds) iff it has no sample
// newer than now - missing_for_seconds; absence of any sample counts as
// passing, matching §4.F's Offline contract exactly.
func evalOffline(ec *evalContext, n *ConditionNode) (bool, *float64, error) {
	cutoff := ec.now.Add(-time.Duration(n.MissingForSeconds) * time.Second)
	results := make([]bool, 0, len(ec.target.SensorIDs))
	var observed *float64
	for _, id := range ec.target.SensorIDs {
		lv, ok := ec.latest[id]
		if !ok {
			results = append(results, true)
			continue
		}
		passed := !lv.Ts.After(cutoff)
		results = append(results, passed)
		if observed == nil {
			seconds := ec.now.Sub(lv.Ts).Seconds()
			observed = &seconds
		}
	}
	return foldValues(results, ec.target.MatchMode), observed, nil
}

func evalRollingWindow(ec *evalContext, n *ConditionNode) (bool, *float64, error) {
	stats, err := ec.windows.get(n.WindowSeconds)
	if err != nil {
		return false, nil, fmt.Errorf("rolling_window stats: %w", err)
	}
	var observed *float64
	results := make([]bool, 0, len(ec.target.SensorIDs))
	for _, id := range ec.target.SensorIDs {
		st, ok := stats[id]
		if !ok {
			results = append(results, false)
			continue
		}
		agg := aggregateValue(st, n.Aggregate)
		if observed == nil {
			observed = &agg
		}
		passed, err := compare(agg, n.Op, n.Value)
		if err != nil {
			return false, observed, err
		}
		results = append(results, passed)
	}
	return foldValues(results, ec.target.MatchMode), observed, nil
}

func aggregateValue(st rowstore.WindowStats, aggregate string) float64 {
	switch aggregate {
	case "min":
		return st.Min
	case "max":
		return st.Max
	case "stddev":
		return st.StdDev
	default:
		return st.Avg
	}
}

func evalDeviation(ec *evalContext, n *ConditionNode) (bool, *float64, error) {
	stats, err := ec.windows.get(n.WindowSeconds)
	if err != nil {
		return false, nil, fmt.Errorf("deviation stats: %w", err)
	}
	var observed *float64
	results := make([]bool, 0, len(ec.target.SensorIDs))
	for _, id := range ec.target.SensorIDs {
		lv, okLatest := ec.latest[id]
		st, okStats := stats[id]
		if !okLatest || !okStats {
			results = append(results, false)
			continue
		}
		baseline := st.Avg
		if n.Baseline == "median" {
			baseline = st.Median
		}
		deviation := lv.Value - baseline
		abs := deviation
		if abs < 0 {
			abs = -abs
		}
		if n.Mode == "percent" {
			if baseline == 0 {
				results = append(results, false)
				continue
			}
			abs = abs / baseline * 100
			if abs < 0 {
				abs = -abs
			}
		}
		if observed == nil {
			observed = &abs
		}
		results = append(results, abs >= n.Value)
	}
	return foldValues(results, ec.target.MatchMode), observed, nil
}

// periodBucket is the Go port of period_bucket: a coarse key identifying
// which eval/hour/day bucket `now` falls into, used to decide whether a
// ConsecutivePeriods node's streak continues or resets.
func periodBucket(now time.Time, period string) string {
	switch period {
	case "hour":
		return now.UTC().Format("2006-01-02T15")
	case "day":
		return now.UTC().Format("2006-01-02")
	default: // "eval": every evaluation is its own bucket
		return now.UTC().Format(time.RFC3339Nano)
	}
}

func evalConsecutivePeriods(ec *evalContext, n *ConditionNode, path string) (bool, *float64, error) {
	childPassed, observed, err := evalCondition(ec, n.Child, path+">cp")
	if err != nil {
		return false, nil, err
	}
	if ec.state.ConsecutivePeriods == nil {
		ec.state.ConsecutivePeriods = make(map[string]consecutiveState)
	}
	sub := ec.state.ConsecutivePeriods[path]
	bucket := periodBucket(ec.now, n.Period)

	switch {
	case !childPassed:
		sub.Streak = 0
		sub.LastPeriod = bucket
	case sub.LastPeriod == bucket:
		// Same period as last observation: streak already reflects this bucket.
	case sub.LastPeriod == "":
		sub.Streak = 1
		sub.LastPeriod = bucket
	default:
		sub.Streak++
		sub.LastPeriod = bucket
	}
	ec.state.ConsecutivePeriods[path] = sub

	return sub.Streak >= n.Count, observed, nil
}

// FiringDecision is the result of applying debounce/hysteresis timing to
// one evaluation, the Go port of apply_firing_timing's return shape.
type FiringDecision struct {
	ShouldFire bool
	State      windowState
}

// ApplyFiringTiming is the exact debounce/clear-hysteresis state machine
// from eval.rs: a true evaluation must persist for debounce_seconds before
// the target is allowed to start firing; a false evaluation must persist
// for clear_hysteresis_seconds before it is allowed to clear. Either timer
// resets the instant the underlying condition flips back.
func ApplyFiringTiming(shouldFireNow, currentlyFiring bool, timing Timing, now time.Time, state windowState) FiringDecision {
	switch {
	case shouldFireNow && !currentlyFiring:
		if state.FirstTrueAt == nil {
			t := now
			state.FirstTrueAt = &t
		}
		state.FirstFalseAt = nil
		if now.Sub(*state.FirstTrueAt) >= time.Duration(timing.DebounceSeconds)*time.Second {
			state.FirstTrueAt = nil
			return FiringDecision{ShouldFire: true, State: state}
		}
		return FiringDecision{ShouldFire: false, State: state}

	case !shouldFireNow && currentlyFiring:
		if state.FirstFalseAt == nil {
			t := now
			state.FirstFalseAt = &t
		}
		state.FirstTrueAt = nil
		if now.Sub(*state.FirstFalseAt) >= time.Duration(timing.ClearHysteresisSeconds)*time.Second {
			state.FirstFalseAt = nil
			return FiringDecision{ShouldFire: false, State: state}
		}
		return FiringDecision{ShouldFire: true, State: state}

	default:
		// No edge: clear any stale debounce/hysteresis markers.
		state.FirstTrueAt = nil
		state.FirstFalseAt = nil
		return FiringDecision{ShouldFire: currentlyFiring, State: state}
	}
}
