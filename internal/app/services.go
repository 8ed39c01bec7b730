package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/mapforge/geoflow/internal/jobs/controller"
	"github.com/mapforge/geoflow/internal/jobs/executor"
	"github.com/mapforge/geoflow/internal/jobs/geo"
	"github.com/mapforge/geoflow/internal/jobs/handlers"
	"github.com/mapforge/geoflow/internal/jobs/janitor"
	"github.com/mapforge/geoflow/internal/jobs/registry"
	"github.com/mapforge/geoflow/internal/logger"
)

type Services struct {
	Registry   *registry.Registry
	Handlers   *handlers.Registry
	Controller *controller.Controller
	Dispatcher *controller.Dispatcher
	Executor   *executor.Executor
	Janitor    *janitor.Janitor
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, r Repos, c Clients) (Services, error) {
	log.Info("Wiring services...")

	jobReg := registry.NewRegistry()
	for _, def := range geo.Definitions() {
		if !cfg.JobTypeEnabled(def.Type) {
			log.Info("Job type disabled by manifest", "job_type", def.Type)
			continue
		}
		if err := jobReg.Register(def); err != nil {
			return Services{}, fmt.Errorf("register job type %s: %w", def.Type, err)
		}
	}

	taskReg := handlers.NewRegistry()
	if err := geo.RegisterHandlers(taskReg, geo.HandlerDeps{Blob: c.Blob, DB: db}); err != nil {
		return Services{}, fmt.Errorf("register task handlers: %w", err)
	}

	ctrl := controller.New(db, log, r.Job, r.Task, r.APIRequest, jobReg, c.Broker, c.Blob, controller.Options{
		ResultOffloadLimit: cfg.ResultOffloadLimit,
	})
	disp := controller.NewDispatcher(ctrl, c.Broker)

	exec := executor.New(db, log, r.Task, taskReg, c.Broker, executor.Options{
		Retry: executor.RetryPolicy{
			Budget:     cfg.RetryBudget,
			MinBackoff: cfg.MinBackoff,
			MaxBackoff: cfg.MaxBackoff,
		},
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	jan := janitor.New(db, log, r.Job, r.Task, r.JanitorRun, c.Broker, janitor.Options{
		Interval:         cfg.JanitorInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		QueuedTaskAge:    cfg.QueuedTaskAge,
		QueuedJobAge:     cfg.QueuedJobAge,
		RetryBudget:      cfg.RetryBudget,
		JobStallTimeout:  cfg.JobStallTimeout,
	})

	return Services{
		Registry:   jobReg,
		Handlers:   taskReg,
		Controller: ctrl,
		Dispatcher: disp,
		Executor:   exec,
		Janitor:    jan,
	}, nil
}
