// Package alarms is the §4.F alarm rule engine: it resolves each enabled
// rule's target selector to one or more (rule_id, target_key) state
// machines, evaluates a condition tree over each target's sensor readings,
// and applies debounce/hysteresis timing before transitioning an alarm
// between firing and ok. Grounded on
// original_source/apps/core-server-rs/src/services/alarm_engine/{mod,eval}.rs,
// ported into Go's discriminated-union-via-struct-tag idiom instead of
// Rust's serde-tagged enums.
package alarms

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TargetSelector is the parsed form of AlarmRule.TargetSelector.
type TargetSelector struct {
	Kind string `json:"kind"`

	// Sensor
	SensorID string `json:"sensor_id,omitempty"`

	// SensorSet
	SensorIDs []string `json:"sensor_ids,omitempty"`
	Match     string   `json:"match,omitempty"` // per_sensor | any | all

	// NodeSensors
	NodeID uuid.UUID `json:"node_id,omitempty"`
	Types  []string  `json:"types,omitempty"`

	// Filter
	Provider string `json:"provider,omitempty"`
	Metric   string `json:"metric,omitempty"`
	Type     string `json:"type,omitempty"`
}

// ParseTargetSelector remarshals the rule's opaque JSON envelope into a
// typed TargetSelector, the Go equivalent of types::TargetSelector's serde
// tagged-enum deserialization.
func ParseTargetSelector(raw map[string]any) (TargetSelector, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return TargetSelector{}, fmt.Errorf("marshal target_selector: %w", err)
	}
	var sel TargetSelector
	if err := json.Unmarshal(data, &sel); err != nil {
		return TargetSelector{}, fmt.Errorf("parse target_selector: %w", err)
	}
	switch sel.Kind {
	case "sensor":
		if sel.SensorID == "" {
			return TargetSelector{}, fmt.Errorf("target_selector sensor requires sensor_id")
		}
	case "sensor_set":
		if len(sel.SensorIDs) == 0 {
			return TargetSelector{}, fmt.Errorf("target_selector sensor_set requires sensor_ids")
		}
		if sel.Match == "" {
			sel.Match = "any"
		}
	case "node_sensors":
		if sel.NodeID == uuid.Nil {
			return TargetSelector{}, fmt.Errorf("target_selector node_sensors requires node_id")
		}
		if sel.Match == "" {
			sel.Match = "any"
		}
	case "filter":
		if sel.Match == "" {
			sel.Match = "any"
		}
	default:
		return TargetSelector{}, fmt.Errorf("unknown target_selector kind %q", sel.Kind)
	}
	return sel, nil
}

// ConditionNode is the parsed form of one node in AlarmRule.ConditionAST.
// Only the fields relevant to Kind are populated; Children/Child hold
// nested sub-trees for the logical combinators.
type ConditionNode struct {
	Kind string `json:"kind"`

	// Threshold
	Op    string  `json:"op,omitempty"`
	Value float64 `json:"value,omitempty"`

	// Range
	Mode string  `json:"mode,omitempty"` // inside | outside (Range), absolute | percent (Deviation)
	Low  float64 `json:"low,omitempty"`
	High float64 `json:"high,omitempty"`

	// Offline
	MissingForSeconds int `json:"missing_for_seconds,omitempty"`

	// RollingWindow / Deviation / ConsecutivePeriods share window_seconds
	WindowSeconds int    `json:"window_seconds,omitempty"`
	Aggregate     string `json:"aggregate,omitempty"` // avg | min | max | stddev
	Baseline      string `json:"baseline,omitempty"`  // mean | median

	// ConsecutivePeriods
	Period string         `json:"period,omitempty"` // eval | hour | day
	Count  int            `json:"count,omitempty"`
	Child  *ConditionNode `json:"child,omitempty"`

	// All / Any
	Children []*ConditionNode `json:"children,omitempty"`
}

// ParseConditionAST remarshals the rule's opaque JSON condition tree into a
// typed ConditionNode.
func ParseConditionAST(raw map[string]any) (*ConditionNode, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal condition_ast: %w", err)
	}
	var node ConditionNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse condition_ast: %w", err)
	}
	if err := validateCondition(&node, 0); err != nil {
		return nil, err
	}
	return &node, nil
}

const maxConditionDepth = 16

func validateCondition(n *ConditionNode, depth int) error {
	if n == nil {
		return fmt.Errorf("condition node is nil")
	}
	if depth > maxConditionDepth {
		return fmt.Errorf("condition tree exceeds max depth %d", maxConditionDepth)
	}
	switch n.Kind {
	case "threshold", "range", "offline", "rolling_window", "deviation":
		return nil
	case "consecutive_periods":
		if n.Child == nil {
			return fmt.Errorf("consecutive_periods requires child")
		}
		if n.Count <= 0 {
			return fmt.Errorf("consecutive_periods requires count > 0")
		}
		return validateCondition(n.Child, depth+1)
	case "not":
		if n.Child == nil {
			return fmt.Errorf("not requires child")
		}
		return validateCondition(n.Child, depth+1)
	case "all", "any":
		if len(n.Children) == 0 {
			return fmt.Errorf("%s requires at least one child", n.Kind)
		}
		for _, c := range n.Children {
			if err := validateCondition(c, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown condition kind %q", n.Kind)
	}
}

// Timing is the parsed form of AlarmRule.Timing.
type Timing struct {
	EvalIntervalSeconds    int `json:"eval_interval_seconds,omitempty"`
	DebounceSeconds        int `json:"debounce_seconds,omitempty"`
	ClearHysteresisSeconds int `json:"clear_hysteresis_seconds,omitempty"`
}

// ParseTiming remarshals the rule's opaque JSON timing envelope.
func ParseTiming(raw map[string]any) (Timing, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Timing{}, fmt.Errorf("marshal timing: %w", err)
	}
	var t Timing
	if err := json.Unmarshal(data, &t); err != nil {
		return Timing{}, fmt.Errorf("parse timing: %w", err)
	}
	return t, nil
}

// windowState is the discriminated per-(rule,target) scratch record stored
// in AlarmRuleTargetState.WindowState, per §9's redesign note: a tagged
// record rather than wholly untyped JSON. firstTrueAt/firstFalseAt drive
// apply_firing_timing; consecutivePeriods holds one entry per
// ConsecutivePeriods node in the tree, keyed by its tree path.
type windowState struct {
	FirstTrueAt        *time.Time                  `json:"first_true_at,omitempty"`
	FirstFalseAt       *time.Time                  `json:"first_false_at,omitempty"`
	ConsecutivePeriods map[string]consecutiveState `json:"consecutive_periods,omitempty"`
}

type consecutiveState struct {
	Streak     int    `json:"streak"`
	LastPeriod string `json:"last_period"`
}

func decodeWindowState(raw map[string]any) windowState {
	var ws windowState
	if raw == nil {
		return ws
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return ws
	}
	_ = json.Unmarshal(data, &ws)
	return ws
}

func (ws windowState) encode() map[string]any {
	data, err := json.Marshal(ws)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
