// Package server exposes any adapter.Adapter over the REST routes spoken by
// adapter/rest, answering collections with the OData
// {"odata.metadata", "odata.count", "value"} envelope.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/entsync/internal/adapter"
	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/telemetry"
)

// Server serves an adapter over HTTP.
type Server struct {
	adapter  adapter.Adapter
	metrics  *telemetry.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	engine   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGatherer exposes g on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the route table.
func New(a adapter.Adapter, opts ...Option) *Server {
	s := &Server{adapter: a, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	// static segments first
	r.POST("/:controller/actions/:action", actionHandler(a))
	r.POST("/:controller/:id/actions/:action", actionHandler(a))

	r.GET("/:controller", listHandler(a))
	r.POST("/:controller", createHandler(a))
	r.GET("/:controller/:id", getOneHandler(a))
	r.PUT("/:controller/:id", updateHandler(a))
	r.DELETE("/:controller/:id", deleteHandler(a))
	r.GET("/:controller/:id/:relation", relationHandler(a))

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on addr until the listener fails.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.ObserveHTTP(c.Request.Method, route, strconv.Itoa(status), time.Since(start))
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
		)
	}
}

func parseQuery(c *gin.Context) (*query.Query, bool) {
	q, err := query.Parse(c.Request.URL.Query())
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return q, true
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var cfgErr *errs.ConfigurationError
	switch {
	case errors.Is(err, adapter.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, adapter.ErrConflict):
		status = http.StatusConflict
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
		c.JSON(status, gin.H{"error": gin.H{"code": cfgErr.Code, "message": cfgErr.Message}})
		return
	}
	c.JSON(status, gin.H{"error": gin.H{"message": err.Error()}})
}

func envelope(c *gin.Context, controller string, q *query.Query, res adapter.Result) gin.H {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	body := gin.H{
		"odata.metadata": scheme + "://" + c.Request.Host + "/$metadata#" + controller,
		"value":          res.Data,
	}
	if q.Total {
		body["odata.count"] = strconv.Itoa(res.Count)
	}
	return body
}

// GET /:controller
func listHandler(a adapter.Adapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, ok := parseQuery(c)
		if !ok {
			return
		}
		res, err := a.GetAll(c.Request.Context(), c.Param("controller"), q)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, envelope(c, c.Param("controller"), q, res))
	}
}

// GET /:controller/:id
func getOneHandler(a adapter.Adapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, ok := parseQuery(c)
		if !ok {
			return
		}
		obj, err := a.GetOne(c.Request.Context(), c.Param("controller"), c.Param("id"), q)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, obj)
	}
}

// POST /:controller
func createHandler(a adapter.Adapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var obj payload.Object
		if err := c.ShouldBindJSON(&obj); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid JSON"}})
			return
		}
		created, err := a.Post(c.Request.Context(), c.Param("controller"), obj)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, created)
	}
}

// PUT /:controller/:id
func updateHandler(a adapter.Adapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var obj payload.Object
		if err := c.ShouldBindJSON(&obj); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid JSON"}})
			return
		}
		updated, err := a.Put(c.Request.Context(), c.Param("controller"), c.Param("id"), obj)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

// DELETE /:controller/:id
func deleteHandler(a adapter.Adapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := a.Remove(c.Request.Context(), c.Param("controller"), c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// GET /:controller/:id/:relation
func relationHandler(a adapter.Adapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		rg, ok := a.(adapter.RelationGetter)
		if !ok {
			c.JSON(http.StatusNotImplemented, gin.H{"error": gin.H{"message": "relations not supported"}})
			return
		}
		q, ok := parseQuery(c)
		if !ok {
			return
		}
		res, err := rg.GetRelation(c.Request.Context(), c.Param("controller"), c.Param("relation"), c.Param("id"), q)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, envelope(c, c.Param("controller"), q, res))
	}
}

// POST /:controller[/:id]/actions/:action
func actionHandler(a adapter.Adapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ai, ok := a.(adapter.ActionInvoker)
		if !ok {
			c.JSON(http.StatusNotImplemented, gin.H{"error": gin.H{"message": "actions not supported"}})
			return
		}
		var params payload.Object
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&params); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid JSON"}})
				return
			}
		}
		out, err := ai.Action(c.Request.Context(), c.Param("controller"), c.Param("action"), params, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		if out == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}
