// Command farmtel is the telemetry ingest + replication + alarm-evaluation
// daemon: it wires the row store, the batching ingest pipeline, the ack
// manager, the lake replication engine, the columnar query service, the
// alarm rule engine, the analysis job runner, and the derived-sensor
// feeder into one process, following the teacher's single-binary
// daemon shape (flag-parsed config path, signal-driven graceful shutdown,
// Runtime bundling the process-wide services).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"farmtel/internal/ack"
	"farmtel/internal/alarms"
	"farmtel/internal/config"
	"farmtel/internal/derived"
	"farmtel/internal/ingest"
	"farmtel/internal/jobs"
	"farmtel/internal/lake"
	"farmtel/internal/query"
	"farmtel/internal/replication"
	"farmtel/internal/rowstore"
	"farmtel/internal/runtime"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

const sensorCacheTTL = 5 * time.Minute

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the farmtel YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)})))

	var mp metrics.Provider
	var metricsHandler http.Handler
	if cfg.Telemetry.MetricsEnabled {
		prom := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
		mp = prom
		metricsHandler = prom.MetricsHandler()
	} else {
		mp = metrics.NoopProvider()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, cleanup, err := runtime.New(ctx, cfg, log, mp)
	if err != nil {
		log.ErrorCtx(ctx, "build runtime failed", "error", err.Error())
		os.Exit(1)
	}
	defer cleanup()

	if err := run(ctx, rt, metricsHandler); err != nil {
		log.ErrorCtx(ctx, "farmtel exited with error", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, rt *runtime.Runtime, metricsHandler http.Handler) error {
	cfg := rt.Config
	log := rt.Log
	mp := rt.Metrics

	store := rowstore.New(rt.DB)
	sensorCache := ingest.NewSensorCache(store, sensorCacheTTL)

	ackMgr := ack.NewManager(store, rt.MQTT, ackTopicPrefix(cfg.Ingest.AckTopicPattern), log, mp)

	pipeline := ingest.NewPipeline(ingest.Config{
		FlushInterval:    cfg.Ingest.FlushInterval(),
		BatchSize:        cfg.Ingest.BatchSize,
		QueueCapacity:    cfg.Ingest.QueueCapacity,
		OfflineThreshold: cfg.Node.OfflineThreshold(),
	}, store, sensorCache, ackMgr, log, mp)

	alarmEngine := alarms.NewEngine(store, cfg.Alarms.PollInterval(), log, mp)
	pipeline.SetAlarmNotifier(alarmEngine)

	lakeCfg := lake.Config{
		HotPath:             cfg.Lake.HotPath,
		ColdPath:            cfg.Lake.ColdPath,
		TmpPath:             cfg.Lake.TmpPath,
		Shards:              uint32(cfg.Lake.Shards),
		HotRetentionDays:    uint32(cfg.Lake.HotRetentionDays),
		LateWindowHours:     uint32(cfg.Replication.LateWindowHours),
		ReplicationInterval: cfg.Replication.Interval(),
		ReplicationLag:      cfg.Replication.Lag(),
	}
	replicationEngine := replication.NewEngine(store, lakeCfg, replication.Config{
		Lag:        cfg.Replication.Lag(),
		LateWindow: cfg.Replication.LateWindow(),
	}, log, mp)

	queryService := query.NewService(lakeCfg, cfg.Query.MaxConcurrentScans, log, mp)

	registry := jobs.BuildRegistry(replicationEngine, store, queryService)
	jobRunner := jobs.NewRunner(store, registry, cfg.Jobs.MaxConcurrentJobs, cfg.Jobs.PollInterval(), log, mp)

	feeder := derived.NewFeeder(store, pipeline, cfg.Derived.PollInterval(), log, mp)

	mqttSub := ingest.NewMQTTSubscriber(rt.MQTT, cfg.Ingest.MQTTTopicPattern, pipeline, log, mp)
	socketListener := ingest.NewSocketListener(cfg.Ingest.SocketPath, pipeline, log, mp)

	pipeline.Start(ctx)
	defer pipeline.Stop()

	if err := mqttSub.Start(ctx); err != nil {
		return fmt.Errorf("start mqtt subscriber: %w", err)
	}
	defer mqttSub.Stop()

	if err := socketListener.Start(ctx); err != nil {
		return fmt.Errorf("start socket listener: %w", err)
	}
	defer socketListener.Stop()

	go runAckManager(ctx, ackMgr, log)
	go alarmEngine.Run(ctx)
	go replicationEngine.Run(ctx, cfg.Replication.Interval())
	go jobRunner.Run(ctx)
	go feeder.Run(ctx)

	var metricsServer *http.Server
	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsServer = &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.ErrorCtx(ctx, "metrics server failed", "error", err.Error())
			}
		}()
	}

	<-ctx.Done()
	log.InfoCtx(context.Background(), "shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	return nil
}

func runAckManager(ctx context.Context, mgr *ack.Manager, log logging.Logger) {
	if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
		log.ErrorCtx(ctx, "ack manager exited with error", "error", err.Error())
	}
}

// ackTopicPrefix derives the static prefix ack.Manager publishes under from
// the configured "<prefix>/%s/ack" pattern, e.g. "farmtel/%s/ack" -> "farmtel".
func ackTopicPrefix(pattern string) string {
	prefix, _, found := strings.Cut(pattern, "/")
	if !found {
		return pattern
	}
	return prefix
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
