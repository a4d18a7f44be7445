// Package app wires the allocation engine to its adapters.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/smartcharge/api/commands"
	"github.com/kilianp07/smartcharge/config"
	"github.com/kilianp07/smartcharge/core/dispatch"
	"github.com/kilianp07/smartcharge/core/engine"
	coremetrics "github.com/kilianp07/smartcharge/core/metrics"
	"github.com/kilianp07/smartcharge/core/notify"
	"github.com/kilianp07/smartcharge/core/topology"
	"github.com/kilianp07/smartcharge/infra/audit"
	"github.com/kilianp07/smartcharge/infra/logger"
	"github.com/kilianp07/smartcharge/infra/metrics"
	"github.com/kilianp07/smartcharge/infra/mqtt"
	"github.com/kilianp07/smartcharge/infra/postgres"
	"github.com/kilianp07/smartcharge/infra/redis"
	"github.com/kilianp07/smartcharge/infra/topofile"
	"github.com/kilianp07/smartcharge/infra/ws"
)

// Service owns the engine and every adapter around it.
type Service struct {
	Engine *engine.Engine

	cfg       *config.Config
	log       logger.Logger
	client    *mqtt.PahoClient
	source    topology.Source
	sink      coremetrics.MetricsSink
	audit     dispatch.AuditStore
	hub       *ws.Hub
	forwarder *notify.Forwarder
	collector *metrics.EventCollector
	closers   []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// New connects to the broker and the configured stores and builds the engine.
// Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config) (svc *Service, err error) {
	s := &Service{cfg: cfg}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	logCloser, err := logger.Setup(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	s.closers = append(s.closers, logCloser)
	s.log = logger.New("service")

	if s.source, err = s.newSource(ctx); err != nil {
		return nil, fmt.Errorf("topology source: %w", err)
	}

	if s.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks); err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	if c, ok := s.sink.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}

	var dopts []dispatch.Option
	if cfg.Redis.Addr != "" {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		store := redis.NewAckStore(rc, cfg.Redis.Key)
		s.closers = append(s.closers, store)
		dopts = append(dopts, dispatch.WithAckStore(store))
	}
	auditStore, err := audit.NewStore(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	if auditStore != nil {
		s.audit = auditStore
		s.closers = append(s.closers, auditStore)
		dopts = append(dopts, dispatch.WithAuditStore(auditStore))
	}

	if s.client, err = mqtt.NewPahoClient(cfg.MQTT, logger.New("mqtt")); err != nil {
		return nil, fmt.Errorf("mqtt client: %w", err)
	}
	s.closers = append(s.closers, closerFunc(func() error { s.client.Disconnect(); return nil }))

	s.Engine, err = engine.New(cfg.Engine, s.client,
		engine.WithLogger(logger.New("engine")),
		engine.WithMetricsSink(s.sink),
		engine.WithDispatchOptions(dopts...),
	)
	if err != nil {
		return nil, err
	}
	if err := s.Engine.Dispatcher().Restore(ctx); err != nil {
		s.log.Warnf("restore acknowledged limits: %v", err)
	}

	if err := mqtt.NewTelemetry(s.Engine, logger.New("telemetry")).Attach(s.client, cfg.MQTT); err != nil {
		return nil, err
	}

	var notifiers []notify.Notifier
	if cfg.Notify.MQTTEnabled() {
		notifiers = append(notifiers, mqtt.NewNotifier(s.client, cfg.MQTT.NotificationTopic))
	}
	if cfg.Notify.WSPath != "" {
		s.hub = ws.NewHub(logger.New("ws"))
		s.closers = append(s.closers, s.hub)
		notifiers = append(notifiers, s.hub)
	}
	s.forwarder = notify.NewForwarder(s.Engine.Bus(), logger.New("notify"), cfg.Notify.Timeout, notifiers...)

	if cfg.Metrics.Listen != "" {
		if s.collector, err = metrics.NewEventCollector(s.Engine.Bus(), nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) newSource(ctx context.Context) (topology.Source, error) {
	tc := s.cfg.Topology
	if tc.Source != "postgres" {
		return topofile.New(tc.File), nil
	}
	pool, err := postgres.NewPool(ctx, postgres.Config{DSN: tc.DSN})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closerFunc(func() error { pool.Close(); return nil }))
	src := postgres.NewSource(pool)
	if tc.Migrate {
		if err := src.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return src, nil
}

// LoadTopology reads the source and hands it to the engine. Sessions listed
// in a topology file are started as well.
func (s *Service) LoadTopology(ctx context.Context) error {
	snap, err := s.source.Load(ctx)
	if err != nil {
		return err
	}
	if err := s.Engine.ApplyTopology(snap); err != nil {
		return err
	}
	file, ok := s.source.(*topofile.Source)
	if !ok {
		return nil
	}
	doc, err := file.Document(ctx)
	if err != nil {
		return err
	}
	for _, sess := range doc.Sessions {
		if err := s.Engine.SessionStarted(sess.StationID, sess.ConnectorID, sess.RequestedKW, sess.TransactionID); err != nil {
			s.log.Warnf("seed session %s/%d: %v", sess.StationID, sess.ConnectorID, err)
		}
	}
	return nil
}

// Run loads the topology and serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.LoadTopology(ctx); err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Engine.Run(ctx) })
	g.Go(func() error { s.forwarder.Run(ctx); return nil })
	if s.collector != nil {
		g.Go(func() error { s.collector.Run(ctx, s.Engine.Bus()); return nil })
	}
	if s.cfg.Metrics.Listen != "" {
		extra := map[string]http.Handler{"/status": StatusHandler(s.Engine)}
		if s.hub != nil {
			extra[s.cfg.Notify.WSPath] = s.hub
		}
		if s.audit != nil {
			extra[commands.Path] = commands.NewHandler(s.audit, s.cfg.API.Token)
		}
		g.Go(func() error { return metrics.StartPromServer(ctx, s.cfg.Metrics.Listen, extra) })
	}
	if s.cfg.Topology.Refresh > 0 {
		g.Go(func() error { s.refresh(ctx, s.cfg.Topology.Refresh); return nil })
	}
	s.log.Infof("service started: %d groups", len(s.Engine.Topology().Keys()))
	return g.Wait()
}

func (s *Service) refresh(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			snap, err := s.source.Load(ctx)
			if err == nil {
				err = s.Engine.ApplyTopology(snap)
			}
			if err != nil {
				s.log.Errorf("topology refresh: %v", err)
			}
		}
	}
}

// Close stops the engine, then releases the adapters in reverse order.
func (s *Service) Close() error {
	var errs []error
	if s.Engine != nil {
		errs = append(errs, s.Engine.Close())
		s.Engine.Bus().Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
