// Package runtime hosts the transcription pipeline as a long-running service:
// telemetry, optional NATS forwarding, the session journal, the pipeline
// controller with its presentation poller, and the HTTP control surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/audio/device"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/queue"
	"github.com/loqalabs/loqa-scribe/internal/reconcile"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

var traceWriter io.Writer = os.Stderr

type Option func(*Runtime)

// WithRenderer draws the reconciled transcript on every change.
func WithRenderer(r reconcile.Renderer) Option {
	return func(rt *Runtime) { rt.renderer = r }
}

// WithSourceFactory replaces the device opener used for new sessions.
func WithSourceFactory(open func(string, audio.Format) audio.Source) Option {
	return func(rt *Runtime) { rt.openSource = open }
}

func WithDeviceLister(list func() ([]device.Info, error)) Option {
	return func(rt *Runtime) { rt.listDevices = list }
}

// WithoutHTTP skips the control surface, for in-terminal sessions.
func WithoutHTTP() Option {
	return func(rt *Runtime) { rt.noHTTP = true }
}

func withoutTelemetry() Option {
	return func(rt *Runtime) { rt.noTelemetry = true }
}

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	renderer    reconcile.Renderer
	openSource  func(string, audio.Format) audio.Source
	listDevices func() ([]device.Info, error)
	noHTTP      bool
	noTelemetry bool

	httpServer     *http.Server
	metricsHandler http.Handler
	tracerClose    func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	// base bounds refinement work and event streams; it outlives the
	// caller's context so shutdown can drain.
	base       context.Context
	baseCancel context.CancelFunc
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	embedded   *natsserver.EmbeddedServer
	busClient  *bus.Client
	registry   *capability.Registry
	store      *eventstore.Store
	streaming  stt.StreamingModel
	refiner    *stt.Lazy
	events     *events.Bus
	controller *pipeline.Controller
	transcript *reconcile.Transcript
	fanout     *reconcile.Fanout
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:         cfg,
		logger:      logger,
		openSource:  device.Open,
		listDevices: device.ListInputDevices,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start brings the runtime up and blocks until ctx is cancelled, then shuts
// down gracefully.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Setup(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.HTTP.ShutdownTimeout()+5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Setup builds every component and starts the background workers without
// blocking. Pair it with Shutdown.
func (r *Runtime) Setup(ctx context.Context) (err error) {
	r.base, r.baseCancel = context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		if err != nil {
			r.closeResources(context.Background())
		}
	}()

	if !r.noTelemetry {
		shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		r.tracerClose = shutdownTelemetry
		r.metricsHandler = metricsHandler
	}

	pcfg, err := pipeline.ConfigFrom(r.cfg)
	if err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}
	eventPolicy, err := queue.ParsePolicy(r.cfg.Queues.EventPolicy)
	if err != nil {
		return fmt.Errorf("queues.event_policy: %w", err)
	}
	r.events = events.NewBus(events.Options{
		EventCapacity: r.cfg.Queues.EventCapacity,
		EventPolicy:   eventPolicy,
		LevelCapacity: r.cfg.Queues.LevelCapacity,
	})

	r.fanout = reconcile.NewFanout(64)
	sinks := []reconcile.Sink{r.fanout}

	if r.cfg.EventStore.Enabled {
		store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		r.store = store
		sinks = append(sinks, eventstore.NewRecorder(store, r.logger, r.sessionDevice))
	}

	if r.cfg.Bus.Enabled {
		client, err := r.connectBus(ctx)
		if err != nil {
			return err
		}
		sinks = append(sinks, client)
	}

	streaming, streamingErr := stt.NewStreamingModel(r.cfg.STT)
	if streamingErr != nil {
		r.logger.Warn("streaming model unavailable; sessions will be refused", slogError(streamingErr))
	}
	r.streaming = streaming

	inner, err := stt.NewRefiner(r.cfg.Refine, pcfg.Format)
	if err != nil {
		return fmt.Errorf("refiner: %w", err)
	}
	r.refiner = stt.NewLazy(inner)

	r.controller, err = pipeline.NewController(r.base, pcfg, pipeline.Dependencies{
		Bus:          r.events,
		Streaming:    streaming,
		StreamingErr: streamingErr,
		Refiner:      r.refiner,
		OpenSource:   r.openSource,
		Logger:       r.logger,
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	if r.busClient != nil {
		if err := r.startRegistry(); err != nil {
			r.logger.Warn("presence announcements disabled", slogError(err))
		}
	}

	r.transcript = reconcile.NewTranscript()
	poller := reconcile.NewPoller(r.events, r.transcript, reconcile.PollerOptions{
		Interval: r.cfg.Presentation.PollInterval(),
		Renderer: r.renderer,
		Sinks:    sinks,
		Logger:   r.logger,
	})
	var pollCtx context.Context
	pollCtx, r.pollCancel = context.WithCancel(r.base)
	r.pollDone = make(chan struct{})
	go func() {
		defer close(r.pollDone)
		poller.Run(pollCtx)
	}()

	if !r.noHTTP {
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           r.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("http server failed", slogError(err))
			}
		}()
		r.logger.Info("http listening", slog.String("addr", addr))
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.String("refine_mode", r.cfg.Refine.Mode),
		slog.Bool("bus", r.cfg.Bus.Enabled),
		slog.Bool("event_store", r.cfg.EventStore.Enabled))
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) (*bus.Client, error) {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "natsserver")))
		if err != nil {
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		r.embedded = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return nil, err
	}
	r.busClient = client

	if err := client.EnsureTranscriptStream(ctx, busCfg.Stream); err != nil {
		r.logger.Warn("transcript stream unavailable; publishing without persistence", slogError(err))
	}
	return client, nil
}

func (r *Runtime) startRegistry() error {
	nodeID := r.cfg.Bus.NodeID
	if nodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve node id: %w", err)
		}
		nodeID = host
	}
	registry, err := capability.NewRegistry(r.base, r.busClient, capability.Options{
		NodeID:            nodeID,
		Capabilities:      capability.FromConfig(r.cfg),
		HeartbeatInterval: time.Duration(r.cfg.Bus.HeartbeatInterval) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(r.cfg.Bus.HeartbeatTimeout) * time.Millisecond,
		SessionState:      func() string { return r.controller.State().String() },
	}, r.logger)
	if err != nil {
		return err
	}
	r.registry = registry
	return nil
}

// Controller exposes the session controller for in-process callers.
func (r *Runtime) Controller() *pipeline.Controller {
	return r.controller
}

func (r *Runtime) Transcript() *reconcile.Transcript {
	return r.transcript
}

// sessionDevice names the capture device of the running session so the
// journal can record it.
func (r *Runtime) sessionDevice(sessionID string) string {
	if r.controller == nil {
		return ""
	}
	if info := r.controller.Session(); info.ID == sessionID {
		return info.Device
	}
	return ""
}

// Shutdown stops any session, lets queued refinements finish within the
// configured shutdown timeout, then releases everything in reverse order.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.ready.Store(false)

	if r.controller != nil {
		_ = r.controller.Stop()
		drainCtx, cancel := context.WithTimeout(ctx, r.cfg.HTTP.ShutdownTimeout())
		if err := r.controller.Wait(drainCtx); err != nil {
			r.logger.Warn("session did not drain before shutdown timeout", slogError(err))
		}
		cancel()
	}

	// The poller's last tick hands the final events to the journal and the
	// bus, so it has to finish before they close.
	if r.pollCancel != nil {
		r.pollCancel()
		select {
		case <-r.pollDone:
		case <-ctx.Done():
		}
	}

	r.closeResources(ctx)
	return nil
}

func (r *Runtime) closeResources(ctx context.Context) {
	if r.baseCancel != nil {
		r.baseCancel()
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
		r.wg.Wait()
	}
	if r.refiner != nil {
		if err := r.refiner.Close(); err != nil {
			r.logger.Warn("refiner close error", slogError(err))
		}
	}
	if r.streaming != nil {
		_ = r.streaming.Close()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	r.busClient.Close()
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
