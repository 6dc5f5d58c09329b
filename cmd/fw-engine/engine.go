package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"

	"FlowWarden/internal/api"
	"FlowWarden/internal/binding"
	"FlowWarden/internal/bridge"
	"FlowWarden/internal/config"
	"FlowWarden/internal/decision"
	"FlowWarden/internal/events"
	"FlowWarden/internal/factory"
	"FlowWarden/internal/flowtable"
	"FlowWarden/internal/logger"
	"FlowWarden/internal/metrics"
	"FlowWarden/internal/pipeline"
	"FlowWarden/internal/resolver"
	"FlowWarden/internal/rpc"
	"FlowWarden/internal/sink"
	"FlowWarden/internal/snapshot"
)

// engine owns every long-running component of fw-engine.
type engine struct {
	cfg *config.Config
	log logger.Logger

	pipeline    *pipeline.Pipeline
	sinkWorker  *sink.Worker
	history     *sink.ClickHouseQuerier
	snapshotter *snapshot.Snapshotter

	nc         *nats.Conn
	subscriber *bridge.Subscriber
	httpServer *http.Server
	grpcServer *grpc.Server
}

func newEngine(cfg *config.Config, log logger.Logger) (*engine, error) {
	e := &engine{cfg: cfg, log: log}

	services, err := resolver.LoadServiceTable(cfg.Resolvers.ServicesFile)
	if err != nil {
		return nil, err
	}
	locations, err := resolver.LoadLocationTable(cfg.Resolvers.LocationsFile)
	if err != nil {
		return nil, err
	}
	processes := resolver.NewProcResolver(cfg.Resolvers.ProcRoot,
		config.Duration(cfg.Resolvers.ProcessCacheTTL), cfg.Resolvers.ProcessCacheSize)

	decider, err := buildDecider(cfg.Policy)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	bus := events.NewBus()
	bindings := binding.NewStore()
	table := flowtable.New(bus)
	flowEngine := decision.NewEngine(decider, bus, decision.WithLogger(log.WithFields(map[string]any{"component": "decision"})))
	flowFactory := factory.NewFlowFactory(
		factory.WithProcessResolver(processes),
		factory.WithServiceResolver(services),
		factory.WithLocationResolver(locations),
		factory.WithHostnameResolver(bindings),
	)

	e.pipeline = pipeline.New(pipeline.Options{
		Factory:         flowFactory,
		Engine:          flowEngine,
		Bus:             bus,
		Bindings:        bindings,
		Table:           table,
		Metrics:         m,
		Logger:          log.WithFields(map[string]any{"component": "pipeline"}),
		DNSQueueSize:    cfg.Pipeline.DNSQueueSize,
		ClosedRetention: config.Duration(cfg.Pipeline.ClosedRetention),
		PruneInterval:   config.Duration(cfg.Pipeline.PruneInterval),
	})
	log.Infof("loaded %d services, %d location networks and %d policy rules",
		services.Len(), locations.Len(), len(cfg.Policy.Rules))

	if len(cfg.Sink.Writers) > 0 {
		writers, err := sink.CreateWriters(cfg.Sink, log)
		if err != nil {
			return nil, err
		}
		// Subscribed after the table so the closed state is already stored.
		e.sinkWorker = sink.NewWorker(table, writers, cfg.Sink.ChannelSize, cfg.Sink.BatchSize,
			config.Duration(cfg.Sink.FlushInterval), m, log.WithFields(map[string]any{"component": "sink"}))
		bus.Subscribe(events.KindClosedFlow, e.sinkWorker)
	}
	if slices.Contains(cfg.Sink.Writers, "clickhouse") {
		if e.history, err = sink.NewClickHouseQuerier(cfg.Sink.ClickHouse); err != nil {
			return nil, err
		}
	}
	if cfg.Snapshot.Enabled {
		e.snapshotter = snapshot.NewSnapshotter(table, snapshot.NewWriter(cfg.Snapshot.RootPath),
			config.Duration(cfg.Snapshot.Interval), log.WithFields(map[string]any{"component": "snapshot"}))
	}

	e.nc, err = bridge.Connect(cfg.NATS.URL, "fw-engine", log)
	if err != nil {
		return nil, err
	}
	e.subscriber = bridge.NewSubscriber(e.nc, bridge.Subjects{
		Flows:   cfg.NATS.FlowSubject,
		DNS:     cfg.NATS.DNSSubject,
		Reports: cfg.NATS.ReportSubject,
	}, log.WithFields(map[string]any{"component": "bridge"}))
	if cfg.NATS.EventSubject != "" {
		bus.SubscribeAll(bridge.NewEventPublisher(e.nc, cfg.NATS.EventSubject, log))
	}

	var history sink.Querier
	if e.history != nil {
		history = e.history
	}

	if cfg.API.Enabled {
		hub := api.NewHub(cfg.API.EventBuffer)
		bus.SubscribeAll(hub)
		opts := api.Options{
			Flows:         table,
			Verdicts:      flowEngine,
			Bindings:      bindings,
			History:       history,
			Hub:           hub,
			DefaultLimit:  cfg.API.DefaultLimit,
			AllowedOrigin: cfg.API.AllowedOrigin,
			Logger:        log.WithFields(map[string]any{"component": "api"}),
		}
		if m != nil {
			opts.Metrics, opts.MetricsPath = m.Handler(), cfg.Metrics.Path
		}
		e.httpServer = &http.Server{Addr: cfg.API.ListenAddr, Handler: api.NewServer(opts).Handler()}
	} else if m != nil {
		r := mux.NewRouter()
		r.Handle(cfg.Metrics.Path, m.Handler())
		e.httpServer = &http.Server{Addr: cfg.API.ListenAddr, Handler: r}
	}

	if cfg.RPC.Enabled {
		e.grpcServer = grpc.NewServer()
		rpc.RegisterFlowServiceServer(e.grpcServer, rpc.NewService(rpc.Options{
			Flows:        table,
			Verdicts:     flowEngine,
			Bindings:     bindings,
			History:      history,
			DefaultLimit: cfg.API.DefaultLimit,
			Logger:       log.WithFields(map[string]any{"component": "rpc"}),
		}))
	}
	return e, nil
}

// Start brings up the consumers before subscribing to host input.
func (e *engine) Start() error {
	e.pipeline.Start()
	if e.sinkWorker != nil {
		e.sinkWorker.Start()
	}
	if e.snapshotter != nil {
		e.snapshotter.Start()
	}

	if e.httpServer != nil {
		go func() {
			e.log.Infof("HTTP server listening on %s", e.httpServer.Addr)
			if err := e.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.log.Errorf("HTTP server failed: %v", err)
			}
		}()
	}
	if e.grpcServer != nil {
		lis, err := net.Listen("tcp", e.cfg.RPC.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", e.cfg.RPC.ListenAddr, err)
		}
		go func() {
			e.log.Infof("gRPC server listening on %s", lis.Addr())
			if err := e.grpcServer.Serve(lis); err != nil {
				e.log.Errorf("gRPC server failed: %v", err)
			}
		}()
	}

	return e.subscriber.Start(e.pipeline)
}

// Stop shuts down host input first and the NATS connection last.
func (e *engine) Stop() {
	e.subscriber.Close()
	e.pipeline.Stop()

	if e.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.httpServer.Shutdown(ctx); err != nil {
			e.log.Warnf("HTTP server shutdown: %v", err)
		}
		cancel()
	}
	if e.grpcServer != nil {
		e.grpcServer.GracefulStop()
	}

	if e.sinkWorker != nil {
		e.sinkWorker.Stop()
	}
	if e.history != nil {
		e.history.Close()
	}
	if e.snapshotter != nil {
		e.snapshotter.Stop()
	}
	if e.nc != nil {
		if err := e.nc.Drain(); err != nil {
			e.log.Warnf("failed to drain NATS connection: %v", err)
		}
	}
}
