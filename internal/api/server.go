// Package api wires FlowPipe's components and serves its HTTP surface:
// provider webhooks, the sync operator endpoints, flow publishing, catalog
// items and conversation inspection.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/action"
	"github.com/BTreeMap/FlowPipe/internal/catalog"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/syncengine"
	"github.com/BTreeMap/FlowPipe/internal/webhook"
)

// Server defaults.
const (
	DefaultServerAddress   = ":8080"
	DefaultJobPollInterval = time.Second
	DefaultShutdownTimeout = 10 * time.Second
	maxWebhookBodyBytes    = 1 << 20
)

// Opts holds configuration for the server and the components it builds.
type Opts struct {
	Addr            string
	VerifyToken     string
	AppSecret       string
	TwilioAuthToken string
	// PublicURL is the externally visible base URL, used to rebuild the URL
	// Twilio signed when the server runs behind a proxy.
	PublicURL        string
	DefaultFlow      string
	FlowsDir         string
	IdleTimeout      time.Duration
	ActionTimeout    time.Duration
	Policy           syncengine.Policy
	Placeholder      string
	HandoverMessage  string
	SyncSweepSpec    string
	SessionSweepSpec string
	JobPollInterval  time.Duration
	Locker           flow.Locker
	Assistant        flow.Assistant
	CatalogRemote    catalog.ItemPusher
	Forms            *webhook.FormRegistry
	Actions          map[string]action.Handler
}

// Option defines a configuration option for the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the token expected by the webhook subscription handshake.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithAppSecret sets the secret used to verify Cloud API webhook signatures.
func WithAppSecret(secret string) Option {
	return func(o *Opts) { o.AppSecret = secret }
}

// WithTwilioAuthToken enables Twilio webhook signature checks.
func WithTwilioAuthToken(token string) Option {
	return func(o *Opts) { o.TwilioAuthToken = token }
}

// WithPublicURL sets the externally visible base URL.
func WithPublicURL(u string) Option {
	return func(o *Opts) { o.PublicURL = u }
}

// WithDefaultFlow sets the flow new conversations start in.
func WithDefaultFlow(name string) Option {
	return func(o *Opts) { o.DefaultFlow = name }
}

// WithFlowsDir sets the directory of YAML flow definitions published at startup.
func WithFlowsDir(dir string) Option {
	return func(o *Opts) { o.FlowsDir = dir }
}

// WithIdleTimeout sets how long a conversation may be silent before it times out.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.IdleTimeout = d }
}

// WithActionTimeout bounds each action invocation.
func WithActionTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ActionTimeout = d }
}

// WithPolicy sets the sync retry policy.
func WithPolicy(p syncengine.Policy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithPlaceholder sets the substitute for empty template parameters.
func WithPlaceholder(p string) Option {
	return func(o *Opts) { o.Placeholder = p }
}

// WithHandoverMessage sets the message sent when a conversation is handed over.
func WithHandoverMessage(m string) Option {
	return func(o *Opts) { o.HandoverMessage = m }
}

// WithSweepSchedules sets the cron specs of the sync and session sweeps.
func WithSweepSchedules(syncSpec, sessionSpec string) Option {
	return func(o *Opts) {
		o.SyncSweepSpec = syncSpec
		o.SessionSweepSpec = sessionSpec
	}
}

// WithJobPollInterval sets how often the effect queue is polled.
func WithJobPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.JobPollInterval = d }
}

// WithLocker replaces the in-process conversation locker.
func WithLocker(l flow.Locker) Option {
	return func(o *Opts) { o.Locker = l }
}

// WithAssistant enables assistant mode replies.
func WithAssistant(a flow.Assistant) Option {
	return func(o *Opts) { o.Assistant = a }
}

// WithCatalogRemote enables pushing catalog items to the remote catalog.
func WithCatalogRemote(r catalog.ItemPusher) Option {
	return func(o *Opts) { o.CatalogRemote = r }
}

// WithForms sets the structured form processors.
func WithForms(r *webhook.FormRegistry) Option {
	return func(o *Opts) { o.Forms = r }
}

// WithAction registers an application action next to the built-ins.
func WithAction(name string, h action.Handler) Option {
	return func(o *Opts) {
		if o.Actions == nil {
			o.Actions = make(map[string]action.Handler)
		}
		o.Actions[name] = h
	}
}

// Server owns every FlowPipe component and serves the HTTP API.
type Server struct {
	st           store.Store
	provider     messaging.Provider
	registry     *action.Registry
	defs         *flow.Definitions
	orchestrator *flow.Orchestrator
	dispatcher   *messaging.Dispatcher
	engine       *syncengine.Engine
	catalog      *catalog.Service
	gateway      *webhook.Gateway
	runner       *store.JobRunner
	sched        *scheduler.Scheduler
	opts         Opts

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer builds the component graph over st and provider. Flow
// definitions in FlowsDir are published before the server is returned.
func NewServer(st store.Store, provider messaging.Provider, opts ...Option) (*Server, error) {
	cfg := Opts{
		Addr:             DefaultServerAddress,
		DefaultFlow:      flow.DefaultFlowName,
		Policy:           syncengine.DefaultPolicy(),
		SyncSweepSpec:    scheduler.DefaultSyncSweepSpec,
		SessionSweepSpec: scheduler.DefaultSessionSweepSpec,
		JobPollInterval:  DefaultJobPollInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if st == nil || provider == nil {
		return nil, errors.New("store and provider are required")
	}

	var regOpts []action.Option
	if cfg.ActionTimeout > 0 {
		regOpts = append(regOpts, action.WithTimeout(cfg.ActionTimeout))
	}
	registry := action.NewRegistry(regOpts...)
	if err := action.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("failed to register built-in actions: %w", err)
	}
	for name, h := range cfg.Actions {
		if err := registry.Register(name, h); err != nil {
			return nil, fmt.Errorf("failed to register action %s: %w", name, err)
		}
	}
	registry.Freeze()

	engine := syncengine.NewEngine(st, syncengine.WithPolicy(cfg.Policy))
	engine.RegisterPusher(models.SyncClassMessage, messaging.NewMessagePusher(provider))
	if cfg.CatalogRemote != nil {
		engine.RegisterPusher(models.SyncClassCatalog, catalog.NewPusher(cfg.CatalogRemote))
	} else {
		slog.Warn("NewServer: no catalog remote configured, catalog records will not sync")
	}

	var dispOpts []messaging.DispatcherOption
	if cfg.Placeholder != "" {
		dispOpts = append(dispOpts, messaging.WithPlaceholder(cfg.Placeholder))
	}
	dispatcher := messaging.NewDispatcher(st, engine, dispOpts...)
	catalogSvc := catalog.NewService(st, engine)

	defs := flow.NewDefinitions(st, registry)
	if cfg.FlowsDir != "" {
		n, err := defs.SyncDir(cfg.FlowsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to publish flows from %s: %w", cfg.FlowsDir, err)
		}
		slog.Info("NewServer: flow definitions synced", "dir", cfg.FlowsDir, "published", n)
	}

	orchOpts := []flow.Option{flow.WithDefaultFlow(cfg.DefaultFlow)}
	if cfg.Locker != nil {
		orchOpts = append(orchOpts, flow.WithLocker(cfg.Locker))
	}
	if cfg.IdleTimeout > 0 {
		orchOpts = append(orchOpts, flow.WithIdleTimeout(cfg.IdleTimeout))
	}
	orchestrator := flow.NewOrchestrator(st, defs, registry, dispatcher, st, orchOpts...)

	runner := store.NewJobRunner(st, cfg.JobPollInterval)
	flow.RegisterEffectHandlers(runner, flow.EffectDeps{
		Records:         st,
		Entities:        catalogSvc,
		Sender:          dispatcher,
		Assistant:       cfg.Assistant,
		HandoverMessage: cfg.HandoverMessage,
	})

	gwOpts := []webhook.Option{}
	if cfg.AppSecret != "" {
		gwOpts = append(gwOpts, webhook.WithAppSecret(cfg.AppSecret))
	}
	if cfg.TwilioAuthToken != "" {
		gwOpts = append(gwOpts, webhook.WithTwilioAuthToken(cfg.TwilioAuthToken))
	}
	if cfg.Forms != nil {
		gwOpts = append(gwOpts, webhook.WithForms(cfg.Forms))
	}
	gateway := webhook.NewGateway(st, st, orchestrator, engine, gwOpts...)

	s := &Server{
		st:           st,
		provider:     provider,
		registry:     registry,
		defs:         defs,
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		engine:       engine,
		catalog:      catalogSvc,
		gateway:      gateway,
		runner:       runner,
		sched:        scheduler.NewScheduler(),
		opts:         cfg,
	}
	if err := s.scheduleSweeps(); err != nil {
		return nil, err
	}
	slog.Info("NewServer: components wired", "provider", provider.Name(), "defaultFlow", cfg.DefaultFlow,
		"actions", len(registry.Names()), "idleTimeout", cfg.IdleTimeout)
	return s, nil
}

func (s *Server) scheduleSweeps() error {
	if err := s.sched.AddJob("sync_sweep", s.opts.SyncSweepSpec, func(ctx context.Context) error {
		_, err := s.engine.Sweep(ctx, time.Now())
		return err
	}); err != nil {
		return err
	}
	if s.opts.IdleTimeout <= 0 {
		return nil
	}
	return s.sched.AddJob("session_sweep", s.opts.SessionSweepSpec, func(ctx context.Context) error {
		n, err := s.orchestrator.ExpireIdle(ctx, time.Now())
		if n > 0 {
			slog.Info("Server.sessionSweep: idle conversations timed out", "count", n)
		}
		return err
	})
}

// Gateway returns the webhook gateway, for providers that push events
// without HTTP.
func (s *Server) Gateway() *webhook.Gateway { return s.gateway }

// Orchestrator returns the conversation orchestrator.
func (s *Server) Orchestrator() *flow.Orchestrator { return s.orchestrator }

// Engine returns the sync engine.
func (s *Server) Engine() *syncengine.Engine { return s.engine }

// Runner returns the effect job runner.
func (s *Server) Runner() *store.JobRunner { return s.runner }

// Definitions returns the flow definition resolver.
func (s *Server) Definitions() *flow.Definitions { return s.defs }

// Catalog returns the catalog service.
func (s *Server) Catalog() *catalog.Service { return s.catalog }

// Store returns the backing store.
func (s *Server) Store() store.Store { return s.st }

// Start launches the background workers: the effect runner, the sync kick
// worker and the sweep scheduler. They stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		if err := s.runner.RecoverStaleJobs(); err != nil {
			slog.Error("Server.Start: stale job recovery failed", "error", err)
		}
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.runner.Run(ctx)
		}()
		go func() {
			defer s.wg.Done()
			s.engine.Run(ctx)
		}()
		s.sched.Start()
		go func() {
			<-ctx.Done()
			s.sched.Stop()
		}()
	})
}

// Wait blocks until the background workers have stopped.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Run starts the workers and serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Start(ctx)

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		cancel()
		s.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer stop()
	err := srv.Shutdown(shutdownCtx)
	s.Wait()
	if err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthHandler)

	mux.HandleFunc("GET /webhook", s.webhookVerifyHandler)
	mux.HandleFunc("POST /webhook", s.webhookHandler)
	mux.HandleFunc("POST /webhook/twilio", s.twilioWebhookHandler)

	mux.HandleFunc("GET /sync", s.listSyncHandler)
	mux.HandleFunc("GET /sync/{id}", s.getSyncHandler)
	mux.HandleFunc("POST /sync/{id}/reset", s.resetSyncHandler)

	mux.HandleFunc("GET /flows", s.listFlowsHandler)
	mux.HandleFunc("POST /flows", s.publishFlowHandler)

	mux.HandleFunc("GET /catalog/items", s.listCatalogHandler)
	mux.HandleFunc("PUT /catalog/items/{retailer_id}", s.putCatalogItemHandler)
	mux.HandleFunc("DELETE /catalog/items/{retailer_id}", s.deleteCatalogItemHandler)

	mux.HandleFunc("GET /conversations/{id}", s.getConversationHandler)
	mux.HandleFunc("POST /conversations/{id}/resume", s.resumeConversationHandler)
	return mux
}
