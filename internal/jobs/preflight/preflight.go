package preflight

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/mapforge/geoflow/internal/blob"
)

// Pre-flight checks are the only place external resources are probed before
// any state is written. They must be cheap and side-effect free: a check
// that fails rejects the submission synchronously, before a job row exists
// and before anything is queued.

// Resources is the read-only handle set a check may probe.
type Resources struct {
	Blob blob.Store
	DB   *gorm.DB
}

// Check is one named pre-flight validation over submission parameters.
type Check struct {
	Name string
	Run  func(ctx context.Context, params map[string]interface{}, res Resources) error
}

// Failure reports which check rejected the submission and why.
type Failure struct {
	Check  string
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("pre-flight check %q failed: %s", f.Check, f.Reason)
}

// RunAll executes checks in order, short-circuiting on the first failure.
func RunAll(ctx context.Context, checks []Check, params map[string]interface{}, res Resources) error {
	for _, c := range checks {
		if c.Run == nil {
			continue
		}
		if err := c.Run(ctx, params, res); err != nil {
			if f, ok := err.(*Failure); ok {
				return f
			}
			return &Failure{Check: c.Name, Reason: err.Error()}
		}
	}
	return nil
}

// BlobExists checks that the blob key named by the parameter exists in the
// configured store.
func BlobExists(param string) Check {
	return Check{
		Name: "blob_exists:" + param,
		Run: func(ctx context.Context, params map[string]interface{}, res Resources) error {
			key, _ := params[param].(string)
			if strings.TrimSpace(key) == "" {
				return fmt.Errorf("parameter %q is empty", param)
			}
			if res.Blob == nil {
				return fmt.Errorf("no blob store configured")
			}
			ok, err := res.Blob.Exists(ctx, key)
			if err != nil {
				return fmt.Errorf("probe %q: %v", key, err)
			}
			if !ok {
				return fmt.Errorf("blob %q does not exist", key)
			}
			return nil
		},
	}
}

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// TableNameValid checks that the parameter is a safe SQL identifier. It
// guards the ingest job types that interpolate a target table name.
func TableNameValid(param string) Check {
	return Check{
		Name: "table_name_valid:" + param,
		Run: func(ctx context.Context, params map[string]interface{}, res Resources) error {
			name, _ := params[param].(string)
			if !tableNameRe.MatchString(name) {
				return fmt.Errorf("%q is not a valid table name", name)
			}
			return nil
		},
	}
}

// TableReachable checks that a relation with the given name is visible in
// the store.
func TableReachable(param string) Check {
	return Check{
		Name: "table_reachable:" + param,
		Run: func(ctx context.Context, params map[string]interface{}, res Resources) error {
			name, _ := params[param].(string)
			if !tableNameRe.MatchString(name) {
				return fmt.Errorf("%q is not a valid table name", name)
			}
			if res.DB == nil {
				return fmt.Errorf("no store configured")
			}
			var exists bool
			err := res.DB.WithContext(ctx).
				Raw(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = ?)`, name).
				Scan(&exists).Error
			if err != nil {
				return fmt.Errorf("probe table %q: %v", name, err)
			}
			if !exists {
				return fmt.Errorf("table %q does not exist", name)
			}
			return nil
		},
	}
}
