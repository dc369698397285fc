package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/healer/internal/engine"
	"github.com/loykin/healer/internal/metrics"
	"github.com/loykin/healer/internal/store"
)

// Engine is the part of the recovery engine the router reads.
type Engine interface {
	Snapshot() engine.Snapshot
	Alive() bool
	Check(ctx context.Context) error
}

// Router provides read-only HTTP handlers over the engine state and the
// audit trail.
// Endpoints:
//
//	GET {basePath}/status    last cycle snapshot
//	GET {basePath}/check     observe once without acting; 503 when unhealthy
//	GET {basePath}/actions   query: target=, action=, since=1h, limit=
//	GET {basePath}/failures  query: service=, limit=
//	GET {basePath}/reboots   query: limit=
//	GET {basePath}/updates   query: limit=, active=1
//	GET /healthz             200 while the loop is cycling
//	GET /metrics             prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	eng      Engine
	st       store.Store
	basePath string
	metrics  bool
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

func NewRouter(eng Engine, st store.Store, basePath string) *Router {
	return &Router{eng: eng, st: st, basePath: sanitizeBase(basePath)}
}

// WithMetrics exposes /metrics on the handler.
func (r *Router) WithMetrics(on bool) *Router {
	r.metrics = on
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", r.handleHealthz)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/check", r.handleCheck)
	group.GET("/actions", r.handleActions)
	group.GET("/failures", r.handleFailures)
	group.GET("/reboots", r.handleReboots)
	group.GET("/updates", r.handleUpdates)
	return g
}

// NewServer builds the HTTP server for addr. The caller owns ListenAndServe
// and Shutdown.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Alive bool      `json:"alive"`
	Cycle uint64    `json:"cycle"`
	At    time.Time `json:"at"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	snap := r.eng.Snapshot()
	resp := healthResp{Alive: r.eng.Alive(), Cycle: snap.Cycles, At: snap.At}
	code := http.StatusOK
	if !resp.Alive {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.eng.Snapshot())
}

type checkResp struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func (r *Router) handleCheck(c *gin.Context) {
	if err := r.eng.Check(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, checkResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, checkResp{Healthy: true})
}

func (r *Router) handleActions(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	f := store.ActionFilter{Target: c.Query("target"), ActionType: c.Query("action"), Limit: limit}
	if s := c.Query("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid since: want a positive duration like 1h"})
			return
		}
		f.Since = time.Now().Add(-d)
	}
	if f.Target != "" && !isSafeName(f.Target) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid target"})
		return
	}
	out, err := r.st.ListActions(c.Request.Context(), f)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleFailures(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	svc := c.Query("service")
	if svc != "" && !isSafeName(svc) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service"})
		return
	}
	out, err := r.st.ListFailures(c.Request.Context(), svc, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleReboots(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	out, err := r.st.ListReboots(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleUpdates(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	var (
		out []store.UpdateEvent
		err error
	)
	if active, _ := strconv.ParseBool(c.DefaultQuery("active", "false")); active {
		out, err = r.st.ActiveUpdates(c.Request.Context())
	} else {
		out, err = r.st.ListUpdates(c.Request.Context(), limit)
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, out)
}

// queryLimit parses ?limit=; it writes the 400 itself.
func queryLimit(c *gin.Context) (int, bool) {
	s := c.Query("limit")
	if s == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}
