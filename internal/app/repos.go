package app

import (
	"gorm.io/gorm"

	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/repos"
)

type Repos struct {
	Job        repos.JobRepo
	Task       repos.TaskRepo
	APIRequest repos.APIRequestRepo
	JanitorRun repos.JanitorRunRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Job:        repos.NewJobRepo(db, log),
		Task:       repos.NewTaskRepo(db, log),
		APIRequest: repos.NewAPIRequestRepo(db, log),
		JanitorRun: repos.NewJanitorRunRepo(db, log),
	}
}
