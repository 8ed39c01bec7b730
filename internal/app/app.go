package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/mapforge/geoflow/internal/db"
	"github.com/mapforge/geoflow/internal/handlers"
	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/server"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Repos    Repos
	Clients  Clients
	Services Services
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	clientset, err := wireClients(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	reposet := wireRepos(theDB, log)

	serviceset, err := wireServices(theDB, log, cfg, reposet, clientset)
	if err != nil {
		log.Sync()
		return nil, err
	}

	var router *gin.Engine
	if cfg.HasRole(RoleAPI) {
		jobsHandler := handlers.NewJobsHandler(
			serviceset.Controller,
			reposet.Job,
			reposet.Task,
			reposet.APIRequest,
			serviceset.Registry,
			log,
		)
		router = server.NewRouter(server.RouterConfig{
			JobsHandler:  jobsHandler,
			AllowOrigins: cfg.AllowOrigins,
		})
	}

	return &App{
		Log:      log,
		DB:       theDB,
		Router:   router,
		Cfg:      cfg,
		Repos:    reposet,
		Clients:  clientset,
		Services: serviceset,
	}, nil
}

// Run starts every configured role and blocks until the context is
// cancelled, then drains the HTTP server before returning.
func (a *App) Run(ctx context.Context) error {
	if a == nil {
		return fmt.Errorf("app not initialized")
	}
	g, ctx := errgroup.WithContext(ctx)

	if a.Cfg.HasRole(RoleDispatcher) {
		a.Log.Info("Starting dispatcher", "group", a.Cfg.ConsumerGroup, "consumer", a.Cfg.ConsumerName)
		g.Go(func() error {
			err := a.Services.Dispatcher.Run(ctx, a.Cfg.ConsumerGroup, a.Cfg.ConsumerName)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if a.Cfg.HasRole(RoleExecutor) {
		a.Log.Info("Starting executor", "group", a.Cfg.ConsumerGroup, "consumer", a.Cfg.ConsumerName)
		g.Go(func() error {
			err := a.Services.Executor.Run(ctx, a.Cfg.ConsumerGroup, a.Cfg.ConsumerName)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if a.Cfg.HasRole(RoleJanitor) {
		a.Log.Info("Starting janitor", "interval", a.Cfg.JanitorInterval)
		a.Services.Janitor.Start(ctx)
	}

	if a.Cfg.HasRole(RoleAPI) && a.Router != nil {
		srv := &http.Server{Addr: a.Cfg.HTTPAddr, Handler: a.Router}
		g.Go(func() error {
			a.Log.Info("HTTP server listening", "addr", a.Cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Clients.Broker != nil {
		_ = a.Clients.Broker.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
