// Package runtime defines the single explicit Runtime value threaded into
// every farmtel component, per the "ambient process-wide services" redesign
// flag: no package-level singletons for the DB pool, MQTT client, metrics
// provider, logger, or configuration snapshot.
package runtime

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jackc/pgx/v5/pgxpool"

	"farmtel/internal/config"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

// Runtime bundles the process-wide services every component needs.
// Constructed once in cmd/farmtel/main.go and passed by pointer or value to
// constructors — never read from a package variable.
type Runtime struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	MQTT    mqtt.Client
	Metrics metrics.Provider
	Log     logging.Logger
}

// New builds a Runtime from a loaded Config. The Postgres pool is opened
// eagerly (Ping'd) so startup fails fast on a bad DSN; the MQTT client is
// constructed but connection is deferred to the caller (ingest/ack own the
// Connect() lifecycle since they need distinct on-connect subscriptions).
func New(ctx context.Context, cfg *config.Config, log logging.Logger, mp metrics.Provider) (*Runtime, func(), error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.RowStore.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse row store dsn: %w", err)
	}
	if cfg.RowStore.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.RowStore.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open row store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping row store: %w", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Ingest.MQTTBrokerURL).
		SetClientID(cfg.Ingest.MQTTClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	client := mqtt.NewClient(opts)

	rt := &Runtime{Config: cfg, DB: pool, MQTT: client, Metrics: mp, Log: log}
	cleanup := func() {
		client.Disconnect(250)
		pool.Close()
	}
	return rt, cleanup, nil
}
