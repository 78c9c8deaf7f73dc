package server

import (
	"errors"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/daemonkit/internal/metrics"
	"github.com/loykin/daemonkit/internal/process"
	"github.com/loykin/daemonkit/internal/service"
	"github.com/loykin/daemonkit/internal/supervisor"
)

// Router provides embeddable HTTP handlers for daemons and services.
// Endpoints:
//
//	GET  {basePath}/daemons                    statuses of all records
//	GET  {basePath}/daemons/:id                status of one record
//	POST {basePath}/daemons/:id/start          body: {"command": "..."}
//	POST {basePath}/daemons/:id/stop           query: timeout=10s&signal=TERM (both optional)
//	POST {basePath}/daemons/stop               query: pattern=regexp (empty stops all)
//	GET  {basePath}/services                   names and state of unit files
//	GET  {basePath}/services/:name             state of one service
//	POST {basePath}/services/:name/:action     action: start, stop or restart
//	GET  {basePath}/metrics                    Prometheus metrics, when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      *supervisor.Supervisor
	services *service.Manager
	basePath string
	metrics  bool
	log      *slog.Logger
}

type RouterOptions struct {
	BasePath string
	// Services may be nil, which disables the service endpoints.
	Services *service.Manager
	Metrics  bool
	Logger   *slog.Logger
}

// NewRouter constructs a new Router.
func NewRouter(sup *supervisor.Supervisor, opts RouterOptions) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		sup:      sup,
		services: opts.Services,
		basePath: sanitizeBase(opts.BasePath),
		metrics:  opts.Metrics,
		log:      log,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/daemons", r.handleList)
	group.POST("/daemons/stop", r.handleStopAll)
	group.GET("/daemons/:id", r.handleStatus)
	group.POST("/daemons/:id/start", r.handleStart)
	group.POST("/daemons/:id/stop", r.handleStop)
	if r.services != nil {
		group.GET("/services", r.handleServices)
		group.GET("/services/:name", r.handleService)
		group.POST("/services/:name/:action", r.handleServiceAction)
	}
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// start waits for the startup check and stop for the signal escalation
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("HTTP server stopped.", "addr", addr, "error", err)
		}
	}()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startReq struct {
	Command string `json:"command"`
}

type serviceResp struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

func (r *Router) handleList(c *gin.Context) {
	list, err := r.sup.List()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleStatus(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	writeJSON(c, http.StatusOK, r.sup.Status(id))
}

func (r *Router) handleStart(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Command == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
		return
	}
	if !r.sup.Start(id, req.Command) {
		writeJSON(c, http.StatusConflict, errorResp{Error: "daemon was not started; see server log"})
		return
	}
	writeJSON(c, http.StatusOK, r.sup.Status(id))
}

func (r *Router) handleStop(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	timeout, signals, ok := stopParams(c)
	if !ok {
		return
	}
	stopped, err := r.sup.Stop(id, timeout, signals)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if !stopped {
		writeJSON(c, http.StatusConflict, okResp{OK: false})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStopAll(c *gin.Context) {
	timeout, signals, ok := stopParams(c)
	if !ok {
		return
	}
	all, err := r.sup.StopAll(c.Query("pattern"), timeout, signals)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: all})
}

// stopParams reads the optional timeout and signal query parameters,
// writing a 400 response when they are malformed.
func stopParams(c *gin.Context) (time.Duration, []syscall.Signal, bool) {
	var timeout time.Duration
	if s := c.Query("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + s})
			return 0, nil, false
		}
		timeout = d
	}
	signals, err := process.ParseSignals(c.QueryArray("signal"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return 0, nil, false
	}
	return timeout, signals, true
}

func (r *Router) handleServices(c *gin.Context) {
	names, err := r.services.Names()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := make([]serviceResp, 0, len(names))
	for _, name := range names {
		resp, err := r.describeService(name)
		if err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		out = append(out, resp)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleService(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	resp, err := r.describeService(name)
	if err != nil {
		writeJSON(c, serviceErrorCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleServiceAction(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	var (
		ok  bool
		err error
	)
	switch c.Param("action") {
	case "start":
		ok, err = r.services.Start(name)
	case "stop":
		ok, err = r.services.Stop(name)
	case "restart":
		ok, err = r.services.Restart(name)
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action: " + c.Param("action")})
		return
	}
	if err != nil {
		writeJSON(c, serviceErrorCode(err), errorResp{Error: err.Error()})
		return
	}
	code := http.StatusOK
	if !ok {
		code = http.StatusConflict
	}
	writeJSON(c, code, okResp{OK: ok})
}

func (r *Router) describeService(name string) (serviceResp, error) {
	s, err := r.services.Service(name)
	if err != nil {
		return serviceResp{}, err
	}
	resp := serviceResp{Name: name, Backend: string(s.Backend()), Path: s.FilePath()}
	pid, running, err := r.services.PID(name)
	if err != nil {
		return serviceResp{}, err
	}
	if running {
		resp.PID = pid
		resp.Running = true
	} else if resp.Running, err = r.services.IsRunning(name); err != nil {
		return serviceResp{}, err
	}
	return resp, nil
}

func serviceErrorCode(err error) int {
	if errors.Is(err, service.ErrServiceNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
