// Package app assembles the Data Room service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/dataroom/internal/api"
	"github.com/ashureev/dataroom/internal/completion"
	"github.com/ashureev/dataroom/internal/config"
	"github.com/ashureev/dataroom/internal/dataset"
	"github.com/ashureev/dataroom/internal/engine"
	"github.com/ashureev/dataroom/internal/identity"
	"github.com/ashureev/dataroom/internal/middleware"
	"github.com/ashureev/dataroom/internal/orchestrator"
	"github.com/ashureev/dataroom/internal/planner"
	"github.com/ashureev/dataroom/internal/prompts"
	"github.com/ashureev/dataroom/internal/result"
	"github.com/ashureev/dataroom/internal/session"
	"github.com/ashureev/dataroom/internal/status"
	"github.com/ashureev/dataroom/internal/store"
)

// Core is the conversation pipeline without any HTTP surface. The terminal
// client uses it directly.
type Core struct {
	Registry     *session.Registry
	Orchestrator *orchestrator.Orchestrator
	Engine       engine.Engine
	Prompts      *prompts.Catalogue
	Policy       dataset.UploadPolicy
}

// Deps overrides collaborators that BuildCore would otherwise construct
// from configuration. Every field is optional.
type Deps struct {
	Completion completion.Service
	Reporter   status.Reporter
	Logger     *slog.Logger
}

// BuildCore wires planner, engine, normalizer and orchestrator from cfg.
func BuildCore(ctx context.Context, cfg *config.Config, deps Deps) (*Core, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	catalogue := prompts.Default()
	if cfg.PromptsFile != "" {
		c, err := prompts.Load(cfg.PromptsFile)
		if err != nil {
			return nil, fmt.Errorf("load prompts: %w", err)
		}
		catalogue = c
	}

	svc := deps.Completion
	if svc == nil {
		var err error
		svc, err = completion.New(ctx, completion.Config{
			Provider: completion.Provider(cfg.Planner.Provider),
			APIKey:   cfg.PlannerAPIKey(),
			Retry:    completion.DefaultRetryPolicy(),
		})
		if err != nil {
			return nil, fmt.Errorf("planner completion: %w", err)
		}
	}

	backend := engine.Backend(cfg.Engine.Backend)
	eng, err := engine.FromConfig(engine.Config{
		Backend:  backend,
		Addr:     cfg.Engine.Addr,
		Image:    cfg.Engine.Image,
		Runtime:  cfg.Engine.Runtime,
		WorkDir:  cfg.Engine.WorkDir,
		ChartDir: cfg.ChartDir,
		Network:  cfg.Engine.Network,
		Env:      engineEnv(cfg),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("analysis engine: %w", err)
	}
	if d, ok := eng.(*engine.DockerEngine); ok {
		if _, err := d.EnsureNetwork(ctx); err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("engine network: %w", err)
		}
	}

	orch := orchestrator.New(
		planner.New(svc, catalogue, planner.Config{
			Model:         cfg.Planner.Model,
			HistoryWindow: cfg.Planner.HistoryWindow,
			Logger:        logger,
		}),
		engine.NewExecutor(eng, catalogue, engine.ExecutorConfig{
			Model:    cfg.Engine.Model,
			ChartDir: engine.PromptChartDir(backend, cfg.ChartDir),
			Timeout:  cfg.Engine.Timeout,
			Logger:   logger,
		}),
		result.New(cfg.ChartDir),
		orchestrator.Options{
			RedoSuffix: catalogue.RedoSuffix(),
			Reporter:   deps.Reporter,
			Logger:     logger,
		},
	)

	return &Core{
		Registry:     session.NewRegistry(),
		Orchestrator: orch,
		Engine:       eng,
		Prompts:      catalogue,
		Policy:       dataset.UploadPolicy{MaxBytes: cfg.Upload.MaxBytes, Extensions: cfg.Upload.Extensions},
	}, nil
}

// engineEnv forwards the model credentials a sandboxed engine needs.
func engineEnv(cfg *config.Config) map[string]string {
	env := map[string]string{}
	if cfg.Planner.GoogleAPIKey != "" {
		env["GOOGLE_API_KEY"] = cfg.Planner.GoogleAPIKey
	}
	if cfg.Planner.OpenAIAPIKey != "" {
		env["OPENAI_API_KEY"] = cfg.Planner.OpenAIAPIKey
	}
	return env
}

// Server is the assembled HTTP service.
type Server struct {
	*Core
	Handler http.Handler
	Sweeper *session.Sweeper
	Hub     *status.Hub

	repo    store.Repository
	limiter *api.RateLimiter
}

// Build wires the full service: activity store, pipeline, status hub, sweeper
// and routes. spa may be nil. deps.Reporter is ignored; turn events always go
// to the status hub.
func Build(ctx context.Context, cfg *config.Config, spa http.Handler, deps Deps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	hub := status.NewHub(websocketOrigins(cfg), logger)
	deps.Reporter, deps.Logger = hub, logger
	core, err := BuildCore(ctx, cfg, deps)
	if err != nil {
		hub.Close()
		_ = repo.Close()
		return nil, err
	}
	logger.Info("Analysis pipeline ready",
		"planner", cfg.Planner.Provider,
		"planner_model", cfg.Planner.Model,
		"engine", cfg.Engine.Backend,
		"engine_model", cfg.Engine.Model)

	sweeper := session.NewSweeper(core.Registry, session.SweeperConfig{
		Store:  repo,
		TTL:    cfg.SessionTTL,
		Logger: logger,
	})

	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	room := api.NewRoomHandler(api.RoomOptions{
		Repo:         repo,
		Registry:     core.Registry,
		Orchestrator: core.Orchestrator,
		Policy:       core.Policy,
		Limiter:      limiter,
		Client: api.ClientConfig{
			UploadExtensions: cfg.Upload.Extensions,
			UploadMaxBytes:   cfg.Upload.MaxBytes,
			PlannerProvider:  cfg.Planner.Provider,
			PlannerModel:     cfg.Planner.Model,
			EngineBackend:    cfg.Engine.Backend,
			EngineModel:      cfg.Engine.Model,
			SessionTTL:       int64(cfg.SessionTTL.Seconds()),
		},
		Logger: logger,
	})
	health := api.NewHealthHandler(map[string]api.Pinger{
		"database": repo,
		"engine":   api.PingFunc(core.Engine.Health),
	}, 5*time.Second)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	health.RegisterHealth(r)
	room.RegisterRoutes(r)
	r.Get("/ws/status", hub.ServeHTTP)
	if spa != nil {
		r.Handle("/*", spa)
	}

	return &Server{
		Core:    core,
		Handler: r,
		Sweeper: sweeper,
		Hub:     hub,
		repo:    repo,
		limiter: limiter,
	}, nil
}

func websocketOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return cfg.CORSOrigins
}

// Close releases every resource Build acquired.
func (s *Server) Close() error {
	s.limiter.Close()
	s.Hub.Close()
	return errors.Join(s.Engine.Close(), s.repo.Close())
}
