package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/types"
	"github.com/mapforge/geoflow/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	log.Info("Loading environment variables...")
	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "geoflow", log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	log.Info("Connecting to Postgres...")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		log.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		log.Error("Failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrate(s.db); err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}
	s.log.Info("Installing stage advancement routines...")
	if err := InstallRoutines(s.db); err != nil {
		s.log.Error("Failed to install stage advancement routines", "error", err)
		return err
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}

// AutoMigrate creates the orchestration tables and the task -> job cascade.
// Split out from the service so the repo test harness can reuse it.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&types.Job{},
		&types.Task{},
		&types.APIRequest{},
		&types.JanitorRun{},
	)
	if err != nil {
		return err
	}
	if err := db.Exec(`
		DO $$ BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_constraint WHERE conname = 'fk_task_parent_job_id'
			) THEN
				ALTER TABLE "task"
				ADD CONSTRAINT "fk_task_parent_job_id"
				FOREIGN KEY ("parent_job_id")
				REFERENCES "job"("job_id")
				ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("failed to add fk_task_parent_job_id: %w", err)
	}
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS uq_task_job_stage_index
		ON "task" ("parent_job_id", "stage", "task_index");
	`).Error; err != nil {
		return fmt.Errorf("failed to add uq_task_job_stage_index: %w", err)
	}
	return nil
}

// InstallRoutines creates the two server-side functions that arbitrate task
// completion and stage advancement. They live in the database on purpose:
// the advisory lock serializes the "am I last?" check across every sibling
// task in a stage, and the guarded UPDATEs neutralize duplicate broker
// deliveries. The application never reimplements these checks client-side.
func InstallRoutines(db *gorm.DB) error {
	completeTask := `
CREATE OR REPLACE FUNCTION geoflow_complete_task_and_check_stage(
	p_task_id           text,
	p_job_id            text,
	p_stage             integer,
	p_status            text,
	p_result_data       jsonb,
	p_error_details     text,
	p_next_stage_params jsonb
) RETURNS TABLE(updated boolean, is_last boolean, remaining integer) AS $$
DECLARE
	v_rows      integer;
	v_remaining integer;
BEGIN
	UPDATE "task" SET
		status            = p_status,
		result_data       = p_result_data,
		error_details     = COALESCE(p_error_details, ''),
		next_stage_params = p_next_stage_params,
		heartbeat         = NULL,
		updated_at        = now()
	WHERE task_id = p_task_id
	  AND parent_job_id = p_job_id
	  AND stage = p_stage
	  AND status = 'processing';
	GET DIAGNOSTICS v_rows = ROW_COUNT;
	IF v_rows = 0 THEN
		RETURN QUERY SELECT false, false, -1;
		RETURN;
	END IF;

	-- Serializes the remaining-count check against sibling completions in
	-- the same (job, stage). Released at transaction end.
	PERFORM pg_advisory_xact_lock(hashtextextended(p_job_id || ':' || p_stage::text, 0));

	SELECT COUNT(*)::integer INTO v_remaining FROM "task"
	WHERE parent_job_id = p_job_id
	  AND stage = p_stage
	  AND status NOT IN ('completed', 'failed', 'cancelled');

	RETURN QUERY SELECT true, v_remaining = 0, v_remaining;
END;
$$ LANGUAGE plpgsql;
`
	advanceStage := `
CREATE OR REPLACE FUNCTION geoflow_advance_job_stage(
	p_job_id        text,
	p_current_stage integer,
	p_stage_results jsonb
) RETURNS TABLE(updated boolean, new_stage integer, is_final boolean) AS $$
DECLARE
	v_rows   integer;
	v_stage  integer;
	v_status text;
BEGIN
	-- The stage equality guard is the idempotency gate: a duplicate
	-- StageDone delivery finds the stage already advanced and no-ops.
	UPDATE "job" SET
		stage         = stage + 1,
		stage_results = COALESCE(stage_results, '{}'::jsonb)
		                || jsonb_build_object(p_current_stage::text, COALESCE(p_stage_results, '{}'::jsonb)),
		status        = CASE
			WHEN stage + 1 > total_stages THEN
				CASE WHEN EXISTS (
					SELECT 1 FROM "task"
					WHERE parent_job_id = p_job_id AND status = 'failed'
				) THEN 'completed_with_errors' ELSE 'completed' END
			ELSE 'processing'
		END,
		updated_at    = now()
	WHERE job_id = p_job_id
	  AND stage = p_current_stage
	  AND status = 'processing';
	GET DIAGNOSTICS v_rows = ROW_COUNT;
	IF v_rows = 0 THEN
		RETURN QUERY SELECT false, -1, false;
		RETURN;
	END IF;

	SELECT stage, status INTO v_stage, v_status FROM "job" WHERE job_id = p_job_id;
	RETURN QUERY SELECT true, v_stage, v_status IN ('completed', 'completed_with_errors');
END;
$$ LANGUAGE plpgsql;
`
	if err := db.Exec(completeTask).Error; err != nil {
		return fmt.Errorf("failed to install geoflow_complete_task_and_check_stage: %w", err)
	}
	if err := db.Exec(advanceStage).Error; err != nil {
		return fmt.Errorf("failed to install geoflow_advance_job_stage: %w", err)
	}
	return nil
}
