// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/scheduler"
)

// DefaultTimeout bounds each checker run by CheckAll.
const DefaultTimeout = 5 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides DefaultTimeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual subsystem results in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			st := nc.check(ctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// ---------------------------------------------------------------------------
// Checkers
// ---------------------------------------------------------------------------

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database reports whether the connection pool answers a ping.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// TaskLister is satisfied by *scheduler.Scheduler.
type TaskLister interface {
	Tasks() []scheduler.TaskInfo
}

// Scheduler is unhealthy while any of the required tasks is disabled or
// missing. Other disabled tasks are listed in the detail only.
func Scheduler(s TaskLister, required ...string) Checker {
	return func(context.Context) Status {
		byName := make(map[string]scheduler.TaskInfo)
		var disabled []string
		for _, t := range s.Tasks() {
			byName[t.Name] = t
			if !t.Enabled {
				disabled = append(disabled, fmt.Sprintf("%s (%s)", t.Name, t.DisabledReason))
			}
		}
		st := Status{Name: "scheduler", Healthy: true}
		for _, name := range required {
			if t, ok := byName[name]; !ok || !t.Enabled {
				st.Healthy = false
			}
		}
		if len(disabled) > 0 {
			st.Detail = "disabled: " + strings.Join(disabled, "; ")
		}
		return st
	}
}

// BlockSource is satisfied by *chain.Client.
type BlockSource interface {
	Ping(ctx context.Context) (uint64, error)
}

// Chain reports whether network's RPC node returns its head block.
func Chain(network string, src BlockSource) Checker {
	name := "rpc:" + network
	return func(ctx context.Context) Status {
		n, err := src.Ping(ctx)
		if err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true, Detail: fmt.Sprintf("block %d", n)}
	}
}
