package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/pkg/httputil"
	"github.com/ignite/automation-engine/internal/worker"
)

// HealthStatus represents the overall health of the worker.
type HealthStatus struct {
	Status string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Uptime string                    `json:"uptime"`
	Checks map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker pings the worker's dependencies.
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	queue       JobQueue
	startTime   time.Time
}

// NewHealthChecker creates a HealthChecker. Any dependency can be nil.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, queue JobQueue) *HealthChecker {
	return &HealthChecker{
		db:          db,
		redisClient: redisClient,
		queue:       queue,
		startTime:   time.Now(),
	}
}

// HandleHealth always answers 200; the body carries the verdict.
//
//	GET /healthz
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	httputil.OK(w, HealthStatus{
		Status: determineOverallStatus(checks),
		Uptime: time.Since(hc.startTime).Round(time.Second).String(),
		Checks: checks,
	})
}

// HandleLiveness answers 200 while the process runs.
//
//	GET /healthz/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(hc.startTime).Round(time.Second).String(),
	})
}

// HandleReadiness answers 503 when a critical dependency is down.
//
//	GET /healthz/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := determineOverallStatus(checks)

	httpStatus := http.StatusOK
	if overall == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	httputil.JSON(w, httpStatus, map[string]interface{}{
		"ready":  overall != "unhealthy",
		"status": overall,
		"checks": checks,
	})
}

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	type result struct {
		name  string
		check ComponentCheck
	}
	ch := make(chan result, 3)

	go func() { ch <- result{"database", hc.checkDatabase(ctx)} }()
	go func() { ch <- result{"redis", hc.checkRedis(ctx)} }()
	go func() { ch <- result{"jobs", hc.checkJobs(ctx)} }()

	checks := make(map[string]ComponentCheck, 3)
	for i := 0; i < 3; i++ {
		r := <-ch
		checks[r.name] = r.check
	}
	return checks
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return timedCheck(time.Second, func() error { return hc.db.PingContext(pingCtx) })
}

// checkRedis reports not_configured rather than down: the worker runs
// without Redis by polling.
func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return timedCheck(500*time.Millisecond, func() error { return hc.redisClient.Ping(pingCtx).Err() })
}

// checkJobs degrades when anything sits in the dead letter state.
func (hc *HealthChecker) checkJobs(ctx context.Context) ComponentCheck {
	if hc.queue == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	queryCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	stats, err := hc.queue.Stats(queryCtx)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("stats failed: %v", err)}
	}
	if dead := stats[worker.JobDeadLetter]; dead > 0 {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("%d dead-lettered jobs", dead)}
	}
	return ComponentCheck{
		Status:  "up",
		Latency: latency.String(),
		Message: fmt.Sprintf("%d queued, %d running", stats[worker.JobQueued], stats[worker.JobRunning]),
	}
}

func timedCheck(slow time.Duration, ping func() error) ComponentCheck {
	start := time.Now()
	err := ping()
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	if latency > slow {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("slow response (%s)", latency)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

// determineOverallStatus treats the database as the only critical check.
func determineOverallStatus(checks map[string]ComponentCheck) string {
	if checks["database"].Status == "down" {
		return "unhealthy"
	}
	for _, c := range checks {
		if c.Status == "down" || c.Status == "degraded" {
			return "degraded"
		}
	}
	return "healthy"
}
