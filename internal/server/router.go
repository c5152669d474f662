package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/loykin/vigil/internal/agent"
	"github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/supervisor"
	vigiltls "github.com/loykin/vigil/internal/tls"
)

// Router provides embeddable HTTP handlers for driving the supervisor.
// Endpoints under basePath:
//   POST {basePath}/start        body: Spec JSON; query: force, hot_reload, detach
//   POST {basePath}/stop         query: name=... | wildcard=... | all=true; force, wait
//   POST {basePath}/restart      query: name=...; hot_reload, force, wait
//   GET  {basePath}/status       query: name=... (single) | wildcard=... (list) | none (all)
//   GET  {basePath}/debug/agents
//   POST {basePath}/debug/reconcile
//   GET  {basePath}/debug/resources
// Probe and metrics endpoints stay at the root so load balancers keep
// working when base_path moves: GET /live, GET /ready, GET /metrics.

type Router struct {
	sup       *supervisor.Supervisor
	basePath  string
	resources *metrics.ResourceCollector
}

// NewRouter constructs a Router with a configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(sup *supervisor.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath), resources: sup.ResourceCollector()}
}

// SetResourceCollector wires the sampler backing /debug/resources.
func (r *Router) SetResourceCollector(c *metrics.ResourceCollector) { r.resources = c }

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/status", r.handleStatus)
	group.GET("/debug/agents", r.handleDebugAgents)
	group.POST("/debug/reconcile", r.handleDebugReconcile)
	group.GET("/debug/resources", r.handleDebugResources)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(500))
	health.AddReadinessCheck("registry", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return r.sup.PingRegistry(ctx)
	})
	g.GET("/live", gin.WrapF(health.LiveEndpoint))
	g.GET("/ready", gin.WrapF(health.ReadyEndpoint))
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Call Close on the returned server to shut it down.
func NewServer(addr, basePath string, sup *supervisor.Supervisor) (*http.Server, error) {
	r := NewRouter(sup, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// NewTLSServer starts a standalone HTTPS server described by scfg. The
// certificate source (files, directory, auto-generation) comes from
// scfg.TLS; see the tls package for resolution order.
func NewTLSServer(scfg config.ServerConfig, sup *supervisor.Supervisor) (*http.Server, error) {
	tlsCfg, err := vigiltls.SetupTLS(scfg)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return NewServer(scfg.Listen, scfg.BasePath, sup)
	}
	r := NewRouter(sup, scfg.BasePath)
	server := &http.Server{
		Addr:              scfg.Listen,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServeTLS("", "") }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStart(c *gin.Context) {
	var spec agent.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if spec.Name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "spec.name required"})
		return
	}
	// Validate the name and any path-like fields to avoid uncontrolled path usage
	if !isSafeName(spec.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid spec.name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	if !isSafeAbsPath(spec.WorkDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid work_dir: must be absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(spec.PIDFile) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid pid_file: must be absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(spec.Log.Dir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid log.dir: must be absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(spec.Log.StdoutPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid log.stdout_path: must be absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(spec.Log.StderrPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid log.stderr_path: must be absolute path without traversal"})
		return
	}

	opts := supervisor.StartOptions{
		Force:     boolQuery(c, "force"),
		HotReload: boolQuery(c, "hot_reload"),
		// Daemon-spawned agents detach by default so they survive daemon
		// restarts; detach=false keeps them in-session for tests.
		Detach: boolQueryDefault(c, "detach", true),
	}
	if err := r.sup.Start(c.Request.Context(), spec, opts); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	name := c.Query("name")
	wild := c.Query("wildcard")
	all := boolQuery(c, "all")
	force := boolQuery(c, "force")
	wait := durationQuery(c, "wait", 0)

	selCount := 0
	if name != "" {
		selCount++
	}
	if wild != "" {
		selCount++
	}
	if all {
		selCount++
	}
	if selCount == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "one of name, wildcard, all query param required"})
		return
	}
	if selCount > 1 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "only one of name, wildcard, all must be provided"})
		return
	}

	ctx := c.Request.Context()
	if all {
		results, err := r.sup.StopAll(ctx, force, wait)
		if err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, results)
		return
	}
	if wild != "" {
		results, err := r.sup.StopMatch(ctx, wild, force, wait)
		if err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, results)
		return
	}
	if _, err := r.sup.Stop(ctx, name, force, wait); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	hotReload := boolQuery(c, "hot_reload")
	force := boolQuery(c, "force")
	wait := durationQuery(c, "wait", 0)

	if err := r.sup.Restart(c.Request.Context(), name, hotReload, force, wait); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	wild := c.Query("wildcard")
	if name != "" && wild != "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "only one of name, wildcard must be provided"})
		return
	}

	ctx := c.Request.Context()
	if name != "" {
		st, err := r.sup.Status(ctx, name)
		if err != nil {
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, st)
		return
	}
	if wild != "" {
		sts, err := r.sup.StatusMatch(ctx, wild)
		if err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, sts)
		return
	}
	sts, err := r.sup.StatusAll(ctx)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

// Debug endpoints for troubleshooting

type debugAgentInfo struct {
	Status agent.Status `json:"status"`
	Health string       `json:"health"`
}

func (r *Router) handleDebugAgents(c *gin.Context) {
	statuses, err := r.sup.StatusAll(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	infos := make([]debugAgentInfo, len(statuses))
	for i, st := range statuses {
		infos[i] = debugAgentInfo{Status: st, Health: healthLabel(st)}
	}
	writeJSON(c, http.StatusOK, infos)
}

func (r *Router) handleDebugReconcile(c *gin.Context) {
	r.sup.ReconcileOnce(c.Request.Context())
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDebugResources(c *gin.Context) {
	if r.resources == nil || !r.resources.IsEnabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource collection disabled"})
		return
	}
	writeJSON(c, http.StatusOK, r.resources.LatestAll())
}

func healthLabel(st agent.Status) string {
	if !st.Running {
		return "not_running"
	}
	if st.PID == 0 {
		return "no_pid"
	}
	if st.State != agent.StateRunning {
		return "transitioning"
	}
	return "healthy"
}
