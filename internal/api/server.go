package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"KDJScreener/internal/logger"
	"KDJScreener/internal/model"
	"KDJScreener/internal/proxy"
	"KDJScreener/internal/scheduler"
	"KDJScreener/internal/selector"
	"KDJScreener/internal/store"
)

// Trigger starts screening runs on demand.
type Trigger interface {
	TriggerAsync() error
	Running() bool
}

// Server exposes selections, oscillator records, proxy health and run
// history over HTTP.
type Server struct {
	addr       string
	store      store.Store
	selector   *selector.Selector
	pool       *proxy.Pool
	trigger    Trigger
	topN       int
	httpServer *http.Server
	log        *logrus.Entry
}

// NewServer builds a server. pool and trigger may be nil.
func NewServer(addr string, st store.Store, pool *proxy.Pool, trigger Trigger, topN int) *Server {
	return &Server{
		addr:     addr,
		store:    st,
		selector: selector.New(st),
		pool:     pool,
		trigger:  trigger,
		topN:     topN,
		log:      logger.WithComponent("api"),
	}
}

// Router returns the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	v1 := r.Group("/api/v1")
	{
		v1.GET("/selection/:timeframe", s.selection)
		v1.GET("/stocks/:symbol/:timeframe", s.latestRecord)
		v1.GET("/proxies", s.proxies)
		v1.POST("/proxies/reinstate", s.reinstate)
		v1.GET("/runs/last", s.lastRun)
		v1.POST("/runs", s.triggerRun)
	}
	return r
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithField("addr", s.addr).Info("api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logger.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}

// GET /healthz
func (s *Server) health(c *gin.Context) {
	running := false
	if s.trigger != nil {
		running = s.trigger.Running()
	}
	degraded := s.pool != nil && s.pool.Degraded()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": running, "proxy_degraded": degraded})
}

// GET /api/v1/selection/:timeframe?top=N
func (s *Server) selection(c *gin.Context) {
	tf, err := model.ParseTimeframe(c.Param("timeframe"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	top := s.topN
	if q := c.Query("top"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "top must be a non-negative integer"})
			return
		}
		top = n
	}

	recs, err := s.selector.SelectLowest(c.Request.Context(), tf, top)
	if err != nil {
		s.log.WithError(err).Error("selection failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeframe": tf, "data": recs, "total": len(recs)})
}

// GET /api/v1/stocks/:symbol/:timeframe
func (s *Server) latestRecord(c *gin.Context) {
	tf, err := model.ParseTimeframe(c.Param("timeframe"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	symbol := c.Param("symbol")
	rec, ok, err := s.store.LatestRecord(c.Request.Context(), symbol, tf)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no oscillator record"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "timeframe": tf, "data": rec})
}

// GET /api/v1/proxies
func (s *Server) proxies(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusOK, gin.H{"degraded": false, "data": []model.ProxyRecord{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"degraded": s.pool.Degraded(), "data": s.pool.Snapshot()})
}

type reinstateRequest struct {
	Address string `json:"address" binding:"required"`
}

// POST /api/v1/proxies/reinstate
func (s *Server) reinstate(c *gin.Context) {
	var req reinstateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "proxy pool disabled"})
		return
	}
	if err := s.pool.Reinstate(req.Address); err != nil {
		if errors.Is(err, proxy.ErrUnknownProxy) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": proxy.Normalize(req.Address), "active": true})
}

// GET /api/v1/runs/last
func (s *Server) lastRun(c *gin.Context) {
	sum, err := s.store.LastRun(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sum == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run recorded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sum})
}

// POST /api/v1/runs
func (s *Server) triggerRun(c *gin.Context) {
	if s.trigger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "manual runs disabled"})
		return
	}
	if err := s.trigger.TriggerAsync(); err != nil {
		if errors.Is(err, scheduler.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}
