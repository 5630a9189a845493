// Package config loads farmtel's typed Config from a YAML file and applies
// defaults, adapted from the teacher's config.UnifiedBusinessConfig
// (ApplyDefaults/Validate shape) but collapsed from that teacher's five
// crawl-specific policy groups down to the groups this system needs:
// row_store, ingest, node, replication, lake, query, jobs, alarms,
// derived, telemetry.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// IngestConfig tunes the batching ingest pipeline (§4.A).
type IngestConfig struct {
	FlushIntervalMS  int    `yaml:"flush_interval_ms"`
	BatchSize        int    `yaml:"batch_size"`
	QueueCapacity    int    `yaml:"queue_capacity"`
	MQTTBrokerURL    string `yaml:"mqtt_broker_url"`
	MQTTClientID     string `yaml:"mqtt_client_id"`
	MQTTTopicPattern string `yaml:"mqtt_topic_pattern"`
	AckTopicPattern  string `yaml:"ack_topic_pattern"`
	SocketPath       string `yaml:"socket_path"`
}

// ReplicationConfig tunes the lake replication tick (§4.C).
type ReplicationConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	LagSeconds      int `yaml:"lag_seconds"`
	LateWindowHours int `yaml:"late_window_hours"`
}

// LakeConfig tunes the on-disk Parquet lake layout (§4.D).
type LakeConfig struct {
	HotPath         string `yaml:"hot_path"`
	ColdPath        string `yaml:"cold_path"`
	TmpPath         string `yaml:"tmp_path"`
	Shards          int    `yaml:"shards"`
	HotRetentionDays int   `yaml:"hot_retention_days"`
}

// QueryConfig tunes the columnar query service (§4.E).
type QueryConfig struct {
	MaxConcurrentScans int `yaml:"max_concurrent_scans"`
}

// JobsConfig tunes the analysis job runner (§4.G).
type JobsConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
	PollIntervalMS    int `yaml:"poll_interval_ms"`
}

// AlarmsConfig tunes the alarm rule engine's poll tick (§4.F). The engine
// never polls faster than a 5s floor regardless of configuration.
type AlarmsConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// DerivedConfig tunes the virtual/derived sensor feeder (§4.H).
type DerivedConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// NodeConfig tunes node online/offline status derivation.
type NodeConfig struct {
	OfflineThresholdSeconds int `yaml:"offline_threshold_seconds"`
}

// TelemetryConfig tunes logging/metrics.
type TelemetryConfig struct {
	LogLevel         string `yaml:"log_level"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MetricsNamespace string `yaml:"metrics_namespace"`
	MetricsAddr      string `yaml:"metrics_addr"`
}

// RowStoreConfig tunes the Postgres connection pool.
type RowStoreConfig struct {
	DSN         string `yaml:"dsn"`
	MaxConns    int    `yaml:"max_conns"`
}

// Config is the complete farmtel process configuration.
type Config struct {
	RowStore    RowStoreConfig    `yaml:"row_store"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Node        NodeConfig        `yaml:"node"`
	Replication ReplicationConfig `yaml:"replication"`
	Lake        LakeConfig        `yaml:"lake"`
	Query       QueryConfig       `yaml:"query"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Alarms      AlarmsConfig      `yaml:"alarms"`
	Derived     DerivedConfig     `yaml:"derived"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns a Config with every field set to its documented default,
// mirroring the teacher's DefaultBusinessConfig/ApplyDefaults pattern.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields, matching the teacher's
// per-group ApplyXDefaults split.
func (c *Config) ApplyDefaults() {
	c.applyRowStoreDefaults()
	c.applyIngestDefaults()
	c.applyNodeDefaults()
	c.applyReplicationDefaults()
	c.applyLakeDefaults()
	c.applyQueryDefaults()
	c.applyJobsDefaults()
	c.applyAlarmsDefaults()
	c.applyDerivedDefaults()
	c.applyTelemetryDefaults()
}

func (c *Config) applyRowStoreDefaults() {
	if c.RowStore.MaxConns == 0 {
		c.RowStore.MaxConns = 10
	}
}

func (c *Config) applyIngestDefaults() {
	if c.Ingest.FlushIntervalMS == 0 {
		c.Ingest.FlushIntervalMS = 500
	}
	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = 500
	}
	if c.Ingest.QueueCapacity == 0 {
		c.Ingest.QueueCapacity = 10000
	}
	if c.Ingest.MQTTTopicPattern == "" {
		c.Ingest.MQTTTopicPattern = "farmtel/+/metrics"
	}
	if c.Ingest.AckTopicPattern == "" {
		c.Ingest.AckTopicPattern = "farmtel/%s/ack"
	}
	if c.Ingest.SocketPath == "" {
		c.Ingest.SocketPath = "/run/farmtel/ingest.sock"
	}
}

func (c *Config) applyNodeDefaults() {
	if c.Node.OfflineThresholdSeconds == 0 {
		c.Node.OfflineThresholdSeconds = 300
	}
}

func (c *Config) applyReplicationDefaults() {
	if c.Replication.IntervalSeconds == 0 {
		c.Replication.IntervalSeconds = 60
	}
	if c.Replication.LagSeconds == 0 {
		c.Replication.LagSeconds = 30
	}
	if c.Replication.LateWindowHours == 0 {
		c.Replication.LateWindowHours = 48
	}
}

func (c *Config) applyLakeDefaults() {
	if c.Lake.HotPath == "" {
		c.Lake.HotPath = "./data/lake/hot"
	}
	if c.Lake.ColdPath == "" {
		c.Lake.ColdPath = "./data/lake/cold"
	}
	if c.Lake.TmpPath == "" {
		c.Lake.TmpPath = "./data/lake/tmp"
	}
	if c.Lake.Shards == 0 {
		c.Lake.Shards = 16
	}
	if c.Lake.HotRetentionDays == 0 {
		c.Lake.HotRetentionDays = 14
	}
}

func (c *Config) applyQueryDefaults() {
	if c.Query.MaxConcurrentScans == 0 {
		c.Query.MaxConcurrentScans = 4
	}
}

func (c *Config) applyJobsDefaults() {
	if c.Jobs.MaxConcurrentJobs == 0 {
		c.Jobs.MaxConcurrentJobs = 2
	}
	if c.Jobs.PollIntervalMS == 0 {
		c.Jobs.PollIntervalMS = 1000
	}
}

const alarmsMinPollIntervalSeconds = 5

func (c *Config) applyAlarmsDefaults() {
	if c.Alarms.PollIntervalSeconds == 0 {
		c.Alarms.PollIntervalSeconds = 10
	}
	if c.Alarms.PollIntervalSeconds < alarmsMinPollIntervalSeconds {
		c.Alarms.PollIntervalSeconds = alarmsMinPollIntervalSeconds
	}
}

func (c *Config) applyDerivedDefaults() {
	if c.Derived.PollIntervalSeconds == 0 {
		c.Derived.PollIntervalSeconds = 30
	}
}

func (c *Config) applyTelemetryDefaults() {
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}
	if c.Telemetry.MetricsNamespace == "" {
		c.Telemetry.MetricsNamespace = "farmtel"
	}
	if c.Telemetry.MetricsAddr == "" {
		c.Telemetry.MetricsAddr = ":9090"
	}
}

// Validate performs the same per-group validation shape as the teacher's
// UnifiedBusinessConfig.Validate.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if c.Lake.Shards <= 0 {
		return fmt.Errorf("lake.shards must be positive: %d", c.Lake.Shards)
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive: %d", c.Ingest.BatchSize)
	}
	if c.Ingest.QueueCapacity <= 0 {
		return fmt.Errorf("ingest.queue_capacity must be positive: %d", c.Ingest.QueueCapacity)
	}
	if c.Replication.LagSeconds < 0 {
		return fmt.Errorf("replication.lag_seconds cannot be negative: %d", c.Replication.LagSeconds)
	}
	if c.Replication.LateWindowHours <= 0 {
		return fmt.Errorf("replication.late_window_hours must be positive: %d", c.Replication.LateWindowHours)
	}
	if c.Jobs.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("jobs.max_concurrent_jobs must be positive: %d", c.Jobs.MaxConcurrentJobs)
	}
	if c.Alarms.PollIntervalSeconds < alarmsMinPollIntervalSeconds {
		return fmt.Errorf("alarms.poll_interval_seconds must be >= %d: %d", alarmsMinPollIntervalSeconds, c.Alarms.PollIntervalSeconds)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Telemetry.LogLevel] {
		return fmt.Errorf("invalid telemetry.log_level: %s", c.Telemetry.LogLevel)
	}
	return nil
}

// Load reads path as YAML, applies defaults, overlays the §6 environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	c.ApplyDefaults()
	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// applyEnvOverrides applies the §6 EXTERNAL INTERFACES environment override
// list. All are optional; a malformed numeric override is ignored rather
// than failing startup, matching ingest's "log and drop" validation policy.
func (c *Config) applyEnvOverrides() {
	envInt(&c.Node.OfflineThresholdSeconds, "OFFLINE_THRESHOLD_SECONDS")
	envInt(&c.Replication.IntervalSeconds, "REPLICATION_INTERVAL_SECONDS")
	envInt(&c.Replication.LagSeconds, "REPLICATION_LAG_SECONDS")
	envInt(&c.Lake.HotRetentionDays, "HOT_RETENTION_DAYS")
	envInt(&c.Replication.LateWindowHours, "LATE_WINDOW_HOURS")
	envInt(&c.Lake.Shards, "LAKE_SHARDS")
	envString(&c.Lake.HotPath, "LAKE_HOT_PATH")
	envString(&c.Lake.ColdPath, "LAKE_COLD_PATH")
	envString(&c.Lake.TmpPath, "TMP_PATH")
	envInt(&c.Jobs.MaxConcurrentJobs, "MAX_CONCURRENT_JOBS")
	envInt(&c.Jobs.PollIntervalMS, "POLL_INTERVAL_MS")
	envInt(&c.Alarms.PollIntervalSeconds, "ALARMS_POLL_INTERVAL_SECONDS")
	if c.Alarms.PollIntervalSeconds < alarmsMinPollIntervalSeconds {
		c.Alarms.PollIntervalSeconds = alarmsMinPollIntervalSeconds
	}
	envInt(&c.Derived.PollIntervalSeconds, "DERIVED_POLL_INTERVAL_SECONDS")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

// FlushInterval is Ingest.FlushIntervalMS as a time.Duration.
func (c IngestConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// Interval is Replication.IntervalSeconds as a time.Duration.
func (c ReplicationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Lag is Replication.LagSeconds as a time.Duration.
func (c ReplicationConfig) Lag() time.Duration {
	return time.Duration(c.LagSeconds) * time.Second
}

// LateWindow is Replication.LateWindowHours as a time.Duration.
func (c ReplicationConfig) LateWindow() time.Duration {
	return time.Duration(c.LateWindowHours) * time.Hour
}

// PollInterval is Jobs.PollIntervalMS as a time.Duration.
func (c JobsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// PollInterval is Alarms.PollIntervalSeconds as a time.Duration, already
// floored to alarmsMinPollIntervalSeconds by ApplyDefaults.
func (c AlarmsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// PollInterval is Derived.PollIntervalSeconds as a time.Duration.
func (c DerivedConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// OfflineThreshold is Node.OfflineThresholdSeconds as a time.Duration.
func (c NodeConfig) OfflineThreshold() time.Duration {
	return time.Duration(c.OfflineThresholdSeconds) * time.Second
}
