package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"watchpower-monitor/internal/collector"
	"watchpower-monitor/internal/exporter"
	"watchpower-monitor/internal/inverter"
	"watchpower-monitor/internal/logger"
	"watchpower-monitor/internal/storage"
	"watchpower-monitor/internal/watchpower"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	defaultSummaryDays  = 30
	maxSummaryDays      = 366
	readTimeout         = 15 * time.Second
)

// Collector is the part of the collector the API reads from.
type Collector interface {
	Inverters() []watchpower.InverterConfig
	Latest(serial string) (*watchpower.Sample, watchpower.Derived, bool)
	Fleet() collector.Fleet
	ForcePoll(ctx context.Context) error
	IsCollecting() bool
}

type Server struct {
	router    *gin.Engine
	server    *http.Server
	collector Collector
	source    inverter.Source
	db        *storage.Database
	exporter  *exporter.Exporter
	hub       *Hub
	port      int
	price     float64
	log       *logger.Logger
}

type ServerConfig struct {
	Port        int
	Collector   Collector
	Source      inverter.Source
	Database    *storage.Database
	Exporter    *exporter.Exporter
	Hub         *Hub
	PricePerKWh float64
	Logger      *logger.Logger
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(DefaultHeartbeat, cfg.Logger)
	}

	s := &Server{
		router:    router,
		collector: cfg.Collector,
		source:    cfg.Source,
		db:        cfg.Database,
		exporter:  cfg.Exporter,
		hub:       hub,
		port:      cfg.Port,
		price:     cfg.PricePerKWh,
		log:       logger.OrNop(cfg.Logger).Named("api"),
	}

	s.setupRoutes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	if s.exporter != nil {
		s.router.GET("/metrics", s.exporter.Handler())
	}

	s.router.GET("/ws", s.aggregateFeedHandler)
	s.router.GET("/ws/:inverterId", s.inverterFeedHandler)

	api := s.router.Group("/api/v1")
	{
		api.GET("/inverters", s.invertersHandler)
		api.GET("/inverters/:id", s.sampleHandler)
		api.GET("/inverters/:id/daily", s.dailyHandler)
		api.GET("/inverters/:id/derived", s.derivedHandler)
		api.GET("/inverters/:id/report", s.reportHandler)
		api.GET("/inverters/:id/history", s.historyHandler)
		api.GET("/inverters/:id/summaries", s.summariesHandler)
		api.GET("/fleet", s.fleetHandler)
		api.POST("/poll/force", s.forcePollHandler)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Start() error {
	s.log.Infow("API server starting", "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"success": false, "error": msg})
}

// failFrom maps a source error to a status code.
func failFrom(c *gin.Context, err error) {
	switch {
	case errors.Is(err, watchpower.ErrNotFound):
		fail(c, http.StatusNotFound, "Inverter not found")
	case errors.Is(err, inverter.ErrDailyUnavailable):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, err.Error())
	default:
		fail(c, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) readCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), readTimeout)
}

func (s *Server) healthHandler(c *gin.Context) {
	collecting := false
	inverters := 0
	if s.collector != nil {
		collecting = s.collector.IsCollecting()
		inverters = len(s.collector.Inverters())
	}
	source := ""
	if s.source != nil {
		source = s.source.Name()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"source":     source,
		"collecting": collecting,
		"inverters":  inverters,
		"clients":    s.hub.Clients(),
		"timestamp":  time.Now(),
	})
}

func (s *Server) invertersHandler(c *gin.Context) {
	if s.collector != nil {
		if invs := s.collector.Inverters(); len(invs) > 0 {
			c.JSON(http.StatusOK, watchpower.InvertersResponse{Success: true, Inverters: invs})
			return
		}
	}
	if s.source == nil {
		fail(c, http.StatusServiceUnavailable, "No inverters available yet")
		return
	}

	ctx, cancel := s.readCtx(c)
	defer cancel()
	invs, err := s.source.Inverters(ctx)
	if err != nil {
		failFrom(c, err)
		return
	}
	c.JSON(http.StatusOK, watchpower.InvertersResponse{Success: true, Inverters: invs})
}

// latest returns the cached sample of id, reading the source when the
// collector has none.
func (s *Server) latest(c *gin.Context, id string) (*watchpower.Sample, watchpower.Derived, error) {
	if s.collector != nil {
		if sample, derived, ok := s.collector.Latest(id); ok {
			return sample, derived, nil
		}
	}
	if s.source == nil {
		return nil, watchpower.Derived{}, watchpower.ErrNotFound
	}

	ctx, cancel := s.readCtx(c)
	defer cancel()
	sample, err := s.source.Sample(ctx, id)
	if err != nil {
		return nil, watchpower.Derived{}, err
	}
	return sample, watchpower.Derive(sample), nil
}

func (s *Server) sampleHandler(c *gin.Context) {
	sample, _, err := s.latest(c, c.Param("id"))
	if err != nil {
		failFrom(c, err)
		return
	}
	c.JSON(http.StatusOK, watchpower.SampleResponse{Success: true, Data: sample})
}

func (s *Server) derivedHandler(c *gin.Context) {
	_, derived, err := s.latest(c, c.Param("id"))
	if err != nil {
		failFrom(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": derived})
}

func (s *Server) daily(c *gin.Context, id string) (*watchpower.DailySeries, error) {
	if s.source != nil {
		ctx, cancel := s.readCtx(c)
		defer cancel()
		series, err := s.source.Daily(ctx, id)
		if err == nil || !errors.Is(err, inverter.ErrDailyUnavailable) || s.db == nil {
			return series, err
		}
	}
	if s.db == nil {
		return nil, inverter.ErrDailyUnavailable
	}
	return s.db.DaySeries(id, time.Now())
}

func (s *Server) dailyHandler(c *gin.Context) {
	series, err := s.daily(c, c.Param("id"))
	if err != nil {
		failFrom(c, err)
		return
	}
	c.JSON(http.StatusOK, watchpower.DailyResponse{Success: true, Titles: series.Titles, Rows: series.Rows})
}

func (s *Server) reportHandler(c *gin.Context) {
	id := c.Param("id")
	series, err := s.daily(c, id)
	if err != nil {
		failFrom(c, err)
		return
	}

	price := s.price
	if p := c.Query("price"); p != "" {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			fail(c, http.StatusBadRequest, "Invalid 'price' value")
			return
		}
		price = v
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"report":  watchpower.BuildReport(id, series, price),
	})
}

func boundedInt(raw string, def, upper int) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > upper {
		return def
	}
	return v
}

func (s *Server) historyHandler(c *gin.Context) {
	if s.db == nil {
		fail(c, http.StatusServiceUnavailable, "Storage is disabled")
		return
	}
	id := c.Param("id")
	fromStr := c.Query("from")
	toStr := c.Query("to")

	if fromStr != "" && toStr != "" {
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			fail(c, http.StatusBadRequest, "Invalid 'from' date format")
			return
		}
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			fail(c, http.StatusBadRequest, "Invalid 'to' date format")
			return
		}

		readings, err := s.db.GetReadingsByRange(id, from, to)
		if err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "readings": readings})
		return
	}

	limit := boundedInt(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)), defaultHistoryLimit, maxHistoryLimit)
	readings, err := s.db.GetReadingsWithLimit(id, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "readings": readings})
}

func (s *Server) summariesHandler(c *gin.Context) {
	if s.db == nil {
		fail(c, http.StatusServiceUnavailable, "Storage is disabled")
		return
	}
	days := boundedInt(c.Query("days"), defaultSummaryDays, maxSummaryDays)
	sums, err := s.db.GetSummaries(c.Param("id"), days)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summaries": sums})
}

func (s *Server) fleetHandler(c *gin.Context) {
	if s.collector == nil {
		fail(c, http.StatusServiceUnavailable, "Collector is disabled")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.collector.Fleet()})
}

func (s *Server) forcePollHandler(c *gin.Context) {
	if s.collector == nil {
		fail(c, http.StatusServiceUnavailable, "Collector is disabled")
		return
	}
	ctx, cancel := s.readCtx(c)
	defer cancel()

	if err := s.collector.ForcePoll(ctx); err != nil {
		if errors.Is(err, collector.ErrNotStarted) {
			fail(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.collector.Fleet()})
}

func (s *Server) aggregateFeedHandler(c *gin.Context) {
	s.hub.Serve(c, "")
}

func (s *Server) inverterFeedHandler(c *gin.Context) {
	id := c.Param("inverterId")
	if !s.known(id) {
		s.hub.Reject(c, id, "Inverter not found")
		return
	}
	s.hub.Serve(c, id)
}

// known reports whether id is a mounted inverter. Before the collector has
// discovered anything every id is accepted.
func (s *Server) known(id string) bool {
	if s.collector == nil {
		return true
	}
	invs := s.collector.Inverters()
	if len(invs) == 0 {
		return true
	}
	for _, inv := range invs {
		if inv.SerialNumber == id {
			return true
		}
	}
	return false
}
