package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svcvisor/internal/bootstrap"
	"github.com/loykin/svcvisor/internal/history"
	"github.com/loykin/svcvisor/internal/metrics"
	"github.com/loykin/svcvisor/internal/supervisor"
)

// RestartTimeout bounds a restart requested over HTTP.
const RestartTimeout = 2 * time.Minute

// Services is the view of the supervisor the API needs.
type Services interface {
	Status() []bootstrap.Status
	Restart(ctx context.Context, name string) error
}

// Router provides embeddable HTTP handlers exposing service status.
// Endpoints:
//
//	GET  {basePath}/status
//	GET  {basePath}/status/:name
//	POST {basePath}/restart/:name
//	GET  {basePath}/history/:name   limit=N (only with a history reader)
//	GET  /metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svcs     Services
	history  history.Reader
	log      *slog.Logger
	basePath string
}

// NewRouter constructs a Router. reader may be nil.
func NewRouter(svcs Services, reader history.Reader, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{svcs: svcs, history: reader, log: log, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatusAll)
	group.GET("/status/:name", r.handleStatus)
	group.POST("/restart/:name", r.handleRestart)
	if r.history != nil {
		group.GET("/history/:name", r.handleHistory)
	}
	return g
}

// NewServer starts a standalone HTTP server on addr. Listen errors other than
// a normal shutdown are logged.
func NewServer(addr string, r *Router) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      RestartTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("status api stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatusAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svcs.Status())
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	for _, st := range r.svcs.Status() {
		if st.Service == name {
			writeJSON(c, http.StatusOK, st)
			return
		}
	}
	writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service " + name})
}

func (r *Router) handleRestart(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), RestartTimeout)
	defer cancel()
	err := r.svcs.Restart(ctx, name)
	switch {
	case err == nil:
		r.log.Info("restart requested over api", "service", name)
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case errors.Is(err, supervisor.ErrUnknownService):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, supervisor.ErrExternal):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

func (r *Router) handleHistory(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	events, err := r.history.Recent(c.Request.Context(), name, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
