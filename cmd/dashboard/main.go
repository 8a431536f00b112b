package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/tradeforge/resilience/pkg/config"
	"github.com/tradeforge/resilience/pkg/logging"
	"github.com/tradeforge/resilience/pkg/metrics"
	"github.com/tradeforge/resilience/pkg/probes"
	"github.com/tradeforge/resilience/pkg/resilience"
	"github.com/tradeforge/resilience/pkg/tracing"
)

func main() {
	// Load .env if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.GetLogger().Error("Failed to load configuration", "error", err.Error())
		os.Exit(1)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "resilience-dashboard",
		Version:     "1.0.0",
	})
	if err != nil {
		logging.GetLogger().Error("Failed to initialize logger", "error", err.Error())
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	var tracer *tracing.Service
	if cfg.Tracing.Enabled {
		tracer, err = tracing.NewService(&tracing.Config{
			ServiceName:    "resilience-dashboard",
			ServiceVersion: "1.0.0",
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Enabled:        true,
		})
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err.Error())
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Tracer shutdown failed", "error", err.Error())
			}
		}()
	}

	cp := resilience.NewControlPlane(logger, m, tracer, resilience.DashboardConfig(cfg.Dashboard))
	defer cp.Shutdown()

	registerProbedIntegrations(cp, cfg, logger)

	cp.Dashboard().Start()

	router := buildRouter(cp, m)
	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Dashboard server starting",
			"addr", server.Addr,
			"metrics_enabled", cfg.Metrics.Enabled,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err.Error())
	}
}

// registerProbedIntegrations wires the built-in database and cache probes
// when their connection settings are configured. Both are optional; the
// dashboard still serves everything registered programmatically.
func registerProbedIntegrations(cp *resilience.ControlPlane, cfg *config.Config, logger *logging.Logger) {
	if cfg.Probes.DatabaseDSN != "" {
		db, err := sqlx.Open("postgres", cfg.Probes.DatabaseDSN)
		if err != nil {
			logger.Warn("Database probe disabled", "error", err.Error())
		} else {
			desc := resilience.DefaultDescriptor("primary_database")
			desc.Type = resilience.IntegrationDatabase
			if err := cp.RegisterIntegration(desc, probes.Database(db)); err != nil {
				logger.Warn("Failed to register database integration", "error", err.Error())
			}
		}
	}

	if cfg.Probes.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Probes.RedisAddr,
			DB:   cfg.Probes.RedisDB,
		})
		desc := resilience.DefaultDescriptor("cache")
		desc.Type = resilience.IntegrationCache
		if err := cp.RegisterIntegration(desc, probes.Redis(client)); err != nil {
			logger.Warn("Failed to register cache integration", "error", err.Error())
		} else {
			cp.Healing().RegisterStrategy(resilience.StrategyClearCache, probes.RedisCacheClear(client))
		}
	}
}

func buildRouter(cp *resilience.ControlPlane, m *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", m.Handler())
	cp.Dashboard().RegisterRoutes(router)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/summary", func(c *gin.Context) {
			c.JSON(http.StatusOK, cp.Dashboard().Summary())
		})

		v1.GET("/integrations", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"registered": cp.Registry().Names(),
				"health":     cp.HealthStatuses(),
			})
		})

		v1.GET("/integrations/:name", func(c *gin.Context) {
			name := c.Param("name")
			if !cp.Registry().Known(name) {
				c.JSON(http.StatusNotFound, gin.H{"error": "integration not registered"})
				return
			}
			status, _ := cp.Health().Status(name)
			c.JSON(http.StatusOK, gin.H{
				"descriptor": cp.Registry().Lookup(name),
				"health":     status,
				"breaker":    cp.BreakerMetrics()[name],
				"bulkhead":   cp.BulkheadMetrics()[name],
			})
		})

		v1.GET("/breakers", func(c *gin.Context) {
			c.JSON(http.StatusOK, cp.BreakerMetrics())
		})
		v1.POST("/breakers/:name/reset", func(c *gin.Context) {
			if err := cp.ResetBreaker(c.Param("name")); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "reset"})
		})

		v1.GET("/bulkheads", func(c *gin.Context) {
			c.JSON(http.StatusOK, cp.BulkheadMetrics())
		})
		v1.POST("/bulkheads/:name/reset", func(c *gin.Context) {
			if err := cp.ResetBulkhead(c.Param("name")); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "reset"})
		})

		v1.GET("/errors", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"by_category": cp.Classifier().CategoryCounts(),
				"by_status":   cp.Classifier().StatusCounts(),
				"recent":      cp.Classifier().RecentErrors(),
			})
		})

		v1.GET("/degradation", func(c *gin.Context) {
			c.JSON(http.StatusOK, cp.Degradation().States())
		})
		v1.POST("/degradation/:service/level", func(c *gin.Context) {
			level, err := resilience.ParseDegradationLevel(c.Query("level"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := cp.Degradation().SetLevel(c.Param("service"), level); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "updated", "level": level.String()})
		})

		v1.GET("/healing/attempts", func(c *gin.Context) {
			c.JSON(http.StatusOK, cp.Healing().AttemptLog(c.Query("service")))
		})
		v1.POST("/healing/:service/trigger", func(c *gin.Context) {
			service := c.Param("service")
			reason := c.DefaultQuery("reason", "manual_trigger")
			if err := cp.Healing().TriggerHealing(c.Request.Context(), service, reason); err != nil {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "triggered"})
		})

		v1.GET("/alerts", func(c *gin.Context) {
			c.JSON(http.StatusOK, cp.Dashboard().AlertHistory())
		})
	}

	return router
}
