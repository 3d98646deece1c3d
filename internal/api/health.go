package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PingFunc checks one dependency. A nil PingFunc marks the dependency as
// not configured.
type PingFunc func(ctx context.Context) error

const pingTimeout = time.Second

type HealthHandler struct {
	postgres PingFunc
	redis    PingFunc
	env      string
	version  string
}

func NewHealthHandler(postgres, redis PingFunc, env, version string) *HealthHandler {
	return &HealthHandler{postgres: postgres, redis: redis, env: env, version: version}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	LivenessResponse
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.base("ok"))
}

// Readiness pings Postgres and Redis in parallel. Postgres down is an error;
// Redis down only degrades the engine to the in-process cache.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	var (
		mu   sync.Mutex
		deps = map[string]string{}
	)
	g, ctx := errgroup.WithContext(r.Context())
	for name, fn := range map[string]PingFunc{"postgres": h.postgres, "redis": h.redis} {
		name, fn := name, fn
		g.Go(func() error {
			state := checkDependency(ctx, fn)
			mu.Lock()
			deps[name] = state
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	resp := ReadinessResponse{LivenessResponse: h.base("ok"), Dependencies: deps}
	code := http.StatusOK
	switch {
	case deps["postgres"] != "ok":
		resp.Status = "error"
		code = http.StatusServiceUnavailable
	case deps["redis"] == "down":
		resp.Status = "degraded"
	}
	writeJSON(w, code, resp)
}

func (h *HealthHandler) base(status string) LivenessResponse {
	return LivenessResponse{Status: status, Version: h.version, Env: h.env}
}

func checkDependency(ctx context.Context, fn PingFunc) string {
	if fn == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return "down"
	}
	return "ok"
}
