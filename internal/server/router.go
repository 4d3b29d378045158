// Package server exposes a read-only HTTP view of one supervisor:
// Prometheus metrics, a health check and status. It offers no controls.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/supervisor"
)

// Endpoints, relative to basePath:
//
//	GET /metrics            Prometheus exposition
//	GET /healthz            200 while running, 503 otherwise
//	GET /status             supervisor.Status
//	GET /status/resources   latest and recent resource samples
//	GET /status/history     recent lifecycle events, ?limit=N (default 50)

// StatusSource is satisfied by *supervisor.Supervisor.
type StatusSource interface {
	Status() supervisor.Status
}

// HistoryReader is satisfied by the SQL history sinks.
type HistoryReader interface {
	Recent(ctx context.Context, name string, limit int) ([]history.Event, error)
}

type Router struct {
	sup       StatusSource
	basePath  string
	gatherer  prometheus.Gatherer
	resources *metrics.ResourceSampler
	history   HistoryReader
}

type Option func(*Router)

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option { return func(r *Router) { r.gatherer = g } }

func WithResources(s *metrics.ResourceSampler) Option { return func(r *Router) { r.resources = s } }

func WithHistory(h HistoryReader) Option { return func(r *Router) { r.history = h } }

// NewRouter builds handlers for sup mounted under basePath ("" or "/x").
func NewRouter(sup StatusSource, basePath string, opts ...Option) *Router {
	r := &Router{sup: sup, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns a gin-powered http.Handler that can be mounted anywhere.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/metrics", gin.WrapH(metrics.Handler(r.gatherer)))
	group.GET("/healthz", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/status/resources", r.handleResources)
	group.GET("/status/history", r.handleHistory)
	return g
}

// NewServer listens on addr and serves h in the background. Listen errors
// are returned; Shutdown or Close the server to stop it.
func NewServer(addr string, h http.Handler) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, ln.Addr(), nil
}

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status string           `json:"status"`
	State  supervisor.State `json:"state"`
	PID    int              `json:"pid,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	st := r.sup.Status()
	if st.State != supervisor.Running {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Status: "unavailable", State: st.State})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{Status: "ok", State: st.State, PID: st.PID})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Status())
}

type resourcesResp struct {
	Latest  *metrics.ResourceSample  `json:"latest,omitempty"`
	History []metrics.ResourceSample `json:"history"`
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	var resp resourcesResp
	if s, ok := r.resources.Latest(); ok {
		resp.Latest = &s
	}
	resp.History = r.resources.History()
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no queryable history sink configured"})
		return
	}
	limit, err := parseLimit(c.Query("limit"), 50, 1000)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	events, err := r.history.Recent(c.Request.Context(), r.sup.Status().Name, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
