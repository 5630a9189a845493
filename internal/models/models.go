// Package models holds the core entity types shared across farmtel's
// ingest, replication, alarm, and job packages.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Sensor is a single telemetry channel reported by a node.
type Sensor struct {
	SensorID          string         `json:"sensor_id"`
	NodeID            uuid.UUID      `json:"node_id"`
	Type              string         `json:"type"`
	Unit              string         `json:"unit"`
	IntervalSeconds   int            `json:"interval_seconds"`
	RollingAvgSeconds int            `json:"rolling_avg_seconds"`
	Config            map[string]any `json:"config,omitempty"`
	DeletedAt         *time.Time     `json:"deleted_at,omitempty"`
}

// Live reports whether the sensor has not been soft-deleted.
func (s Sensor) Live() bool { return s.DeletedAt == nil }

// NodeStatus is the derived online/offline/deleted state of a Node.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeDeleted NodeStatus = "deleted"
)

// Node is a physical edge device hosting one or more sensors.
type Node struct {
	NodeID         uuid.UUID      `json:"node_id"`
	Status         NodeStatus     `json:"status"`
	LastSeen       *time.Time     `json:"last_seen,omitempty"`
	LastMetricSeen *time.Time     `json:"last_metric_seen,omitempty"`
	MACEth         string         `json:"mac_eth,omitempty"`
	MACWifi        string         `json:"mac_wifi,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
}

// MetricRow is one committed sample. (SensorID, Ts) is unique in the row
// store; InsertedAt is the monotonic commit timestamp, distinct from Ts.
type MetricRow struct {
	SensorID   string    `json:"sensor_id"`
	Ts         time.Time `json:"ts"`
	Value      float64   `json:"value"`
	Quality    int16     `json:"quality"`
	InsertedAt time.Time `json:"inserted_at"`
}

// IncomingMetric is the wire shape accepted from MQTT or the local socket.
type IncomingMetric struct {
	SensorID string     `json:"sensor_id"`
	Ts       time.Time  `json:"ts"`
	Value    float64    `json:"value"`
	Quality  int16      `json:"quality"`
	Source   string     `json:"source,omitempty"`
	StreamID *uuid.UUID `json:"stream_id,omitempty"`
	Seq      *uint64    `json:"seq,omitempty"`
}

// AckState is the persisted (stream_id, acked_seq) pair for one node.
type AckState struct {
	NodeMQTTID string    `json:"node_mqtt_id"`
	StreamID   uuid.UUID `json:"stream_id"`
	AckedSeq   uint64    `json:"acked_seq"`
}

// LossRange is a closed interval of sequence numbers the edge never
// delivered for a given (node, stream).
type LossRange struct {
	NodeMQTTID string    `json:"node_mqtt_id"`
	StreamID   uuid.UUID `json:"stream_id"`
	StartSeq   uint64    `json:"start_seq"`
	EndSeq     uint64    `json:"end_seq"`
	Reason     string    `json:"reason,omitempty"`
}

// AlarmRule is a stored rule definition; TargetSelector/ConditionAST/Timing
// are opaque JSON envelopes parsed by package alarms.
type AlarmRule struct {
	RuleID           int64          `json:"rule_id"`
	Name             string         `json:"name"`
	Severity         string         `json:"severity"`
	Origin           string         `json:"origin"`
	TargetSelector   map[string]any `json:"target_selector"`
	ConditionAST     map[string]any `json:"condition_ast"`
	Timing           map[string]any `json:"timing"`
	MessageTemplate  string         `json:"message_template"`
	Enabled          bool           `json:"enabled"`
	DeletedAt        *time.Time     `json:"deleted_at,omitempty"`
}

// AlarmRuleTargetState is the per-(rule,target) state machine row.
type AlarmRuleTargetState struct {
	RuleID            int64          `json:"rule_id"`
	TargetKey         string         `json:"target_key"`
	CurrentlyFiring   bool           `json:"currently_firing"`
	ConsecutiveHits   int            `json:"consecutive_hits"`
	WindowState       map[string]any `json:"window_state"`
	LastEvalAt        *time.Time     `json:"last_eval_at,omitempty"`
	LastValue         *float64       `json:"last_value,omitempty"`
	LastTransitionAt  *time.Time     `json:"last_transition_at,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// AlarmStatus is the lifecycle state of an Alarm.
type AlarmStatus string

const (
	AlarmFiring AlarmStatus = "firing"
	AlarmOK     AlarmStatus = "ok"
)

// Alarm is the latest materialized state for one (rule_id, target_key) pair.
type Alarm struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Rule        map[string]any `json:"rule"`
	Status      AlarmStatus    `json:"status"`
	SensorID    string         `json:"sensor_id,omitempty"`
	NodeID      *uuid.UUID     `json:"node_id,omitempty"`
	Origin      string         `json:"origin"`
	RuleID      int64          `json:"rule_id"`
	TargetKey   string         `json:"target_key"`
	LastFired   *time.Time     `json:"last_fired,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// AlarmTransition names the direction of an AlarmEvent.
type AlarmTransition string

const (
	TransitionFired    AlarmTransition = "fired"
	TransitionResolved AlarmTransition = "resolved"
)

// AlarmEvent is one append-only firing/ok transition log entry.
type AlarmEvent struct {
	ID            int64           `json:"id"`
	AlarmID       int64           `json:"alarm_id"`
	RuleID        int64           `json:"rule_id"`
	SensorID      string          `json:"sensor_id,omitempty"`
	NodeID        *uuid.UUID      `json:"node_id,omitempty"`
	Status        AlarmStatus     `json:"status"`
	Message       string          `json:"message"`
	Origin        string          `json:"origin"`
	AnomalyScore  *float64        `json:"anomaly_score,omitempty"`
	Transition    AlarmTransition `json:"transition"`
	IncidentID    int64           `json:"incident_id"`
	TargetKey     string          `json:"target_key"`
	Severity      string          `json:"severity,omitempty"`
	RuleName      string          `json:"rule_name,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IncidentKey is the deduplication key for incidents.
type IncidentKey struct {
	RuleID    *int64
	TargetKey *string
}

// Incident groups alarm transitions for the same (rule, target).
type Incident struct {
	ID         int64      `json:"id"`
	RuleID     *int64     `json:"rule_id,omitempty"`
	TargetKey  *string    `json:"target_key,omitempty"`
	Severity   string     `json:"severity"`
	RuleName   string     `json:"rule_name"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// JobProgress is the mutable progress patch applied to a Job row.
type JobProgress struct {
	Phase     string `json:"phase"`
	Completed int64  `json:"completed"`
	Total     *int64 `json:"total,omitempty"`
	Message   string `json:"message,omitempty"`
}

// JobError is the structured failure payload persisted on a failed job.
type JobError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Job is one row in the analysis_jobs work queue.
type Job struct {
	ID                uuid.UUID      `json:"id"`
	Type              string         `json:"job_type"`
	Status            JobStatus      `json:"status"`
	Params            map[string]any `json:"params"`
	Progress          JobProgress    `json:"progress"`
	Error             *JobError      `json:"error,omitempty"`
	JobKey            string         `json:"job_key,omitempty"`
	CreatedBy         string         `json:"created_by,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CancelRequestedAt *time.Time     `json:"cancel_requested_at,omitempty"`
}
