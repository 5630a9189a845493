package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

// SocketListener is the supplemented local ingest path ported from
// apps/telemetry-sidecar/src/pipeline.rs: a Unix domain socket accepting
// newline-delimited JSON IncomingMetric records from co-located processes
// that would rather write to a local socket than run an MQTT client.
type SocketListener struct {
	path     string
	pipeline *Pipeline
	log      logging.Logger

	rejectedCounter metrics.Counter

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewSocketListener builds a listener bound to path on Start.
func NewSocketListener(path string, pipeline *Pipeline, log logging.Logger, mp metrics.Provider) *SocketListener {
	return &SocketListener{
		path:     path,
		pipeline: pipeline,
		log:      log,
		rejectedCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "ingest", Name: "socket_rejected_total", Help: "socket payloads dropped for parse/queue failure",
		}}),
	}
}

// Start removes any stale socket file, binds, and begins accepting
// connections in the background. Call Stop to close the listener.
func (s *SocketListener) Start(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0o660); err != nil {
		ln.Close()
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Stop closes the listener and the socket file, waiting for the accept
// loop to exit.
func (s *SocketListener) Stop() {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	os.Remove(s.path)
}

func (s *SocketListener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WarnCtx(ctx, "socket accept failed", "error", err.Error())
			return
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *SocketListener) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m models.IncomingMetric
		if err := json.Unmarshal(line, &m); err != nil {
			s.rejectedCounter.Inc(1)
			s.log.WarnCtx(ctx, "dropping unparseable socket line", "error", err.Error())
			continue
		}
		if err := s.pipeline.Enqueue(m); err != nil {
			s.rejectedCounter.Inc(1)
			s.log.WarnCtx(ctx, "dropping metric, queue full", "sensor_id", m.SensorID)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.WarnCtx(ctx, "socket connection read error", "error", err.Error())
	}
}
