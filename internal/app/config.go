package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/utils"
)

// Roles a process may run. One binary serves every role; deployments scale
// them independently by setting GEOFLOW_ROLES per process.
const (
	RoleAPI        = "api"
	RoleDispatcher = "dispatcher"
	RoleExecutor   = "executor"
	RoleJanitor    = "janitor"
)

type Config struct {
	HTTPAddr     string
	Roles        []string
	AllowOrigins []string

	ConsumerGroup string
	ConsumerName  string

	RetryBudget       int
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	HeartbeatInterval time.Duration

	JanitorInterval  time.Duration
	HeartbeatTimeout time.Duration
	QueuedTaskAge    time.Duration
	QueuedJobAge     time.Duration
	// JobStallTimeout fails processing jobs with no activity. Disabled when
	// zero, which is the default.
	JobStallTimeout time.Duration

	ResultOffloadLimit int

	// EnabledJobTypes limits which registered job types accept submissions.
	// Empty means all. Loaded from the optional manifest file.
	EnabledJobTypes []string
}

func LoadConfig(log *logger.Logger) Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "geoflow"
	}
	cfg := Config{
		HTTPAddr:     utils.GetEnv("GEOFLOW_HTTP_ADDR", ":8080", log),
		Roles:        splitList(utils.GetEnv("GEOFLOW_ROLES", "api,dispatcher,executor,janitor", log)),
		AllowOrigins: splitList(utils.GetEnv("GEOFLOW_ALLOW_ORIGINS", "", log)),

		ConsumerGroup: utils.GetEnv("GEOFLOW_CONSUMER_GROUP", "geoflow", log),
		ConsumerName:  utils.GetEnv("GEOFLOW_CONSUMER_NAME", hostname, log),

		RetryBudget:       utils.GetEnvAsInt("TASK_RETRY_BUDGET", 3, log),
		MinBackoff:        utils.GetEnvAsDuration("TASK_RETRY_MIN_BACKOFF", time.Second, log),
		MaxBackoff:        utils.GetEnvAsDuration("TASK_RETRY_MAX_BACKOFF", 30*time.Second, log),
		HeartbeatInterval: utils.GetEnvAsDuration("TASK_HEARTBEAT_INTERVAL", 30*time.Second, log),

		JanitorInterval:  utils.GetEnvAsDuration("JANITOR_INTERVAL", time.Minute, log),
		HeartbeatTimeout: utils.GetEnvAsDuration("TASK_HEARTBEAT_TIMEOUT", 5*time.Minute, log),
		QueuedTaskAge:    utils.GetEnvAsDuration("TASK_QUEUED_AGE", 5*time.Minute, log),
		QueuedJobAge:     utils.GetEnvAsDuration("JOB_QUEUED_AGE", 5*time.Minute, log),
		JobStallTimeout:  utils.GetEnvAsDuration("JOB_STALL_TIMEOUT", 0, log),

		ResultOffloadLimit: utils.GetEnvAsInt("RESULT_OFFLOAD_LIMIT", 32*1024, log),
	}

	if manifestPath := utils.GetEnv("GEOFLOW_MANIFEST", "", log); manifestPath != "" {
		enabled, err := loadManifest(manifestPath)
		if err != nil {
			log.Warn("Could not load job type manifest, allowing all types", "path", manifestPath, "error", err)
		} else {
			cfg.EnabledJobTypes = enabled
		}
	}
	return cfg
}

func (c Config) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// JobTypeEnabled reports whether submissions for the type are accepted.
func (c Config) JobTypeEnabled(jobType string) bool {
	if len(c.EnabledJobTypes) == 0 {
		return true
	}
	for _, t := range c.EnabledJobTypes {
		if t == jobType {
			return true
		}
	}
	return false
}

type manifest struct {
	JobTypes []string `yaml:"job_types"`
}

func loadManifest(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return m.JobTypes, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
