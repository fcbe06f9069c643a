package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/wsmine/internal/observability"
	"github.com/danmuck/wsmine/internal/server"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// StatsSource is the view of the search service the admin node reports on.
type StatsSource interface {
	Stats() server.Stats
}

// Admin is the side-channel HTTP node for health, readiness, counters and
// metrics. It never serves search traffic.
type Admin struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	Appeared time.Time `json:"appeared"`

	stats  StatsSource
	router *gin.Engine
	log    zerolog.Logger
}

func Appear(id, addr string, corsOrigins []string, stats StatsSource) *Admin {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminObserver(log.Logger, id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Admin{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		stats:    stats,
		router:   r,
		log:      log.Logger.With().Str("node", id).Logger(),
	}
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

func (a *Admin) RegisterRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.ID,
			"version": Version,
		})
	})

	// Ready reports 503 while every worker slot is held.
	a.router.GET("/ready", func(c *gin.Context) {
		ready := true
		if a.stats != nil {
			ready = !a.stats.Stats().Saturated
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.ID,
			"version": Version,
		})
	})

	a.router.GET("/stats", func(c *gin.Context) {
		if a.stats == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search service not attached"})
			return
		}
		c.JSON(http.StatusOK, a.stats.Stats())
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve registers routes and listens on Addr until ctx is done, then shuts
// the HTTP server down with a bounded grace period.
func (a *Admin) Serve(ctx context.Context) error {
	a.RegisterRoutes()
	srv := &http.Server{
		Addr:              a.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.Addr).Msg("admin listening")
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
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("admin shutdown incomplete")
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
