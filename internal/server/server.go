// Package server composes one worker process: it resolves the bindings,
// opens the storages and the shared namespace store, runs the startup scan
// coordination and serves the HTTP API. Shutdown releases everything in the
// reverse order.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"gwi.com/rag-gateway/internal/api"
	"gwi.com/rag-gateway/internal/auth"
	"gwi.com/rag-gateway/internal/binding"
	"gwi.com/rag-gateway/internal/bootstrap"
	"gwi.com/rag-gateway/internal/config"
	"gwi.com/rag-gateway/internal/metrics"
	"gwi.com/rag-gateway/internal/namespace"
	"gwi.com/rag-gateway/internal/rag"
)

type options struct {
	overrides *binding.Overrides
	store     namespace.Store
}

type Option func(*options)

// WithOverrides registers custom bindings instead of the stock pair used
// when custom bindings are enabled or a provider is set to custom.
func WithOverrides(ov binding.Overrides) Option {
	return func(o *options) { o.overrides = &ov }
}

// WithNamespaceStore uses store instead of opening the configured one. The
// server does not close a store passed this way.
func WithNamespaceStore(store namespace.Store) Option {
	return func(o *options) { o.store = store }
}

type Server struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	auth    *auth.Handler

	resolved *binding.Resolved
	core     *rag.Core
	docs     *rag.DocumentManager

	store     namespace.Store
	ownsStore bool
	coord     *bootstrap.Coordinator
	scanTask  *bootstrap.Task
	http      *http.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// New resolves the bindings and builds every component. Nothing is opened
// yet; a configuration problem is returned here, before any connection is
// accepted.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (*Server, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	bcfg, err := binding.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	var ov binding.Overrides
	switch {
	case o.overrides != nil:
		ov = *o.overrides
	case cfg.UseCustomBindings || bcfg.LLMProvider == binding.LLMCustom || bcfg.EmbeddingProvider == binding.EmbeddingCustom:
		ov = binding.DefaultOverrides(bcfg)
	}
	resolved, err := binding.Resolve(bcfg, ov, binding.WithLogger(log))
	if err != nil {
		return nil, err
	}

	accounts, err := auth.ParseAccounts(cfg.AuthAccounts)
	if err != nil {
		resolved.Close()
		return nil, &config.ConfigurationError{Field: "AUTH_ACCOUNTS", Reason: err.Error()}
	}

	docs, err := rag.NewDocumentManager(cfg.InputDir)
	if err != nil {
		resolved.Close()
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(cfg.WorkerID),
		auth: auth.NewHandler(auth.Config{
			Secret:      cfg.TokenSecret,
			Expire:      auth.Hours(cfg.TokenExpireHours),
			GuestExpire: auth.Hours(cfg.GuestTokenExpireHours),
			Accounts:    accounts,
		}),
		resolved:  resolved,
		core:      rag.NewCore(rag.OptionsFromConfig(cfg), resolved, log),
		docs:      docs,
		store:     o.store,
		ownsStore: o.store == nil,
	}, nil
}

// Bindings returns the resolved bindings.
func (s *Server) Bindings() *binding.Resolved { return s.resolved }

// AuthConfigured reports whether login accounts are configured.
func (s *Server) AuthConfigured() bool { return s.auth.AuthConfigured() }

// open initializes the RAG storages and the namespace store.
func (s *Server) open(ctx context.Context) error {
	if err := s.core.InitializeStorages(ctx); err != nil {
		return err
	}
	if s.store == nil {
		store, err := namespace.Open(ctx, s.cfg.NamespaceStore, s.cfg.WorkingDir, s.cfg.RedisURL)
		if err != nil {
			return &bootstrap.CoordinationError{Op: "open namespace store", Err: err}
		}
		s.store = store
	}
	return nil
}

// Start runs the startup hook: storages are opened, the router is built and
// this worker takes part in the startup scan election. A non-nil error means
// the process must not serve; the caller still calls Shutdown to release what
// was opened.
func (s *Server) Start(ctx context.Context) error {
	if err := s.open(ctx); err != nil {
		return err
	}

	s.coord = bootstrap.NewCoordinator(s.store, s.scan, s.log, s.metrics)

	router := api.NewRouter(api.NewAPIHandler(api.Deps{
		Config:  s.cfg,
		Auth:    s.auth,
		Core:    s.core,
		Status:  s.store,
		Metrics: s.metrics,
		Log:     s.log,
	}))
	s.http = &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(max(s.cfg.Timeout, 60)) * time.Second, // LLM calls can take time
		IdleTimeout:  120 * time.Second,
	}

	task, err := s.coord.MaybeStartScan(ctx, s.cfg.AutoScanAtStartup)
	if err != nil {
		return err
	}
	s.scanTask = task
	return nil
}

// ScanTask returns the startup scan started by this worker, or nil.
func (s *Server) ScanTask() *bootstrap.Task { return s.scanTask }

// Handler returns the HTTP handler. It is nil before Start.
func (s *Server) Handler() http.Handler {
	if s.http == nil {
		return nil
	}
	return s.http.Handler
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.http == nil {
		return errors.New("server not started")
	}
	var err error
	if s.cfg.SSL {
		err = s.http.ServeTLS(ln, s.cfg.SSLCertFile, s.cfg.SSLKeyFile)
	} else {
		err = s.http.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ScanOnce opens the storages and runs the scanning process in the
// foreground, without the startup election. Used by the scan command.
func (s *Server) ScanOnce(ctx context.Context) (rag.ScanResult, error) {
	if err := s.open(ctx); err != nil {
		return rag.ScanResult{}, err
	}
	if err := namespace.InitializePipelineStatus(ctx, s.store); err != nil {
		return rag.ScanResult{}, &bootstrap.CoordinationError{Op: "initialize pipeline status", Err: err}
	}
	return rag.RunScanningProcess(ctx, s.core, s.docs, s.store, s.log)
}

func (s *Server) scan(ctx context.Context) error {
	result, err := rag.RunScanningProcess(ctx, s.core, s.docs, s.store, s.log)
	if err != nil {
		return err
	}
	s.log.Info("startup scan finished",
		zap.Int("found", result.Found),
		zap.Int("indexed", result.Indexed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Bool("queued", result.Queued),
	)
	return nil
}

// Shutdown stops accepting requests, waits for the background tasks (bounded
// by the configured grace period) and only then releases the storages, the
// namespace store and the provider clients. Calling it again returns the
// first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		var errs []error
		if s.http != nil {
			if err := s.http.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if s.coord != nil {
			if err := s.coord.Shutdown(ctx, s.cfg.ShutdownGrace); err != nil {
				s.log.Warn("background tasks did not finish in time", zap.Error(err))
				errs = append(errs, err)
			}
		}
		if err := s.core.FinalizeStorages(); err != nil {
			errs = append(errs, err)
		}
		if s.store != nil && s.ownsStore {
			if err := s.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.resolved.Close(); err != nil {
			errs = append(errs, err)
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}
