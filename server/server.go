// Package server exposes the query driver and the record history over HTTP.
package server

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"jkble/jkbms"
	"jkble/metrics"
	"jkble/protocol"
	"jkble/store"
)

// Querier runs one command against the BMS.
type Querier interface {
	Address() string
	SendAndReceive(ctx context.Context, command string, proto jkbms.Protocol) ([]byte, error)
}

// RecordStore persists query results.
type RecordStore interface {
	Insert(ctx context.Context, r store.Record) (int64, error)
	Recent(ctx context.Context, limit int) ([]store.Record, error)
}

const defaultRecordsLimit = 20

type Server struct {
	Addr string

	querier  Querier
	protocol *protocol.JK02
	records  RecordStore
	logger   zerolog.Logger
	started  time.Time
	router   *gin.Engine
}

// New builds the router. records may be nil, in which case query results are
// not persisted and the history route answers 503.
func New(addr string, querier Querier, proto *protocol.JK02, records RecordStore, logger zerolog.Logger) *Server {
	metrics.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(RequestMetrics())
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Addr:     addr,
		querier:  querier,
		protocol: proto,
		records:  records,
		logger:   logger,
		started:  time.Now(),
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"address": s.querier.Address(),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	api.GET("/commands", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"commands": s.protocol.Commands()})
	})
	api.POST("/query/:command", s.handleQuery)
	api.GET("/records", s.handleRecords)
}

func (s *Server) handleQuery(c *gin.Context) {
	command := c.Param("command")
	defn, err := s.protocol.CommandDefinition(command)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.querier.SendAndReceive(c.Request.Context(), command, s.protocol)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	rec := store.Record{
		Address:    s.querier.Address(),
		Command:    command,
		RecordType: defn.RecordType,
		Payload:    resp,
		Complete:   len(resp) == jkbms.RecordSize,
		ReceivedAt: time.Now(),
	}
	if s.records != nil {
		id, err := s.records.Insert(c.Request.Context(), rec)
		if err != nil {
			s.logger.Error().Err(err).Str("command", command).Msg("store record failed")
		} else {
			rec.ID = id
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"id":          rec.ID,
		"command":     command,
		"record_type": defn.RecordType,
		"complete":    rec.Complete,
		"length":      len(resp),
		"data":        hex.EncodeToString(resp),
	})
}

func (s *Server) handleRecords(c *gin.Context) {
	if s.records == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "record store disabled"})
		return
	}
	limit := defaultRecordsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := s.records.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(recs))
	for _, r := range recs {
		out = append(out, gin.H{
			"id":          r.ID,
			"address":     r.Address,
			"command":     r.Command,
			"record_type": r.RecordType,
			"complete":    r.Complete,
			"received_at": r.ReceivedAt,
			"data":        hex.EncodeToString(r.Payload),
		})
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, jkbms.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, jkbms.ErrConnectFailure), errors.Is(err, jkbms.ErrDiscovery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info().Msg("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
