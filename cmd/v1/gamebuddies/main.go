// Command gamebuddies runs the GameBuddies lobby core: the lobby socket,
// the external-game HTTP surface, health probes, and the background
// reapers, all sharing one Store and Lobby Manager.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/bus"
	"github.com/ennuiii/gamebuddies/internal/v1/config"
	"github.com/ennuiii/gamebuddies/internal/v1/edge"
	"github.com/ennuiii/gamebuddies/internal/v1/health"
	"github.com/ennuiii/gamebuddies/internal/v1/heartbeat"
	"github.com/ennuiii/gamebuddies/internal/v1/lobby"
	"github.com/ennuiii/gamebuddies/internal/v1/logging"
	"github.com/ennuiii/gamebuddies/internal/v1/middleware"
	"github.com/ennuiii/gamebuddies/internal/v1/ratelimit"
	"github.com/ennuiii/gamebuddies/internal/v1/reaper"
	"github.com/ennuiii/gamebuddies/internal/v1/registry"
	"github.com/ennuiii/gamebuddies/internal/v1/returncoord"
	"github.com/ennuiii/gamebuddies/internal/v1/sessiontoken"
	"github.com/ennuiii/gamebuddies/internal/v1/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	var st store.Store
	var redisClient *redis.Client
	var busService *bus.Service

	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		redisClient = busService.Client()
		st = store.NewRedisStore(redisClient)
		logger.Info("using Redis store", zap.String("addr", cfg.RedisAddr))
	} else {
		st = store.NewMemoryStore()
		logger.Warn("Redis disabled: running single-instance with the in-memory store")
	}

	reg := registry.New()
	tokens := sessiontoken.NewService(st, cfg.SessionTokenTTL)
	returns := returncoord.NewService(st, tokens, cfg.ReturnGrace, cfg.PublicHost)
	heartbeats := heartbeat.NewService(st, reg, logger, cfg.HeartbeatDBDebounce, 30*time.Second, cfg.StaleMemberThreshold)

	allowedOrigins := parseOrigins(cfg.AllowedOrigins)
	hub := edge.NewHub(nil, heartbeats, busService, logger, allowedOrigins, cfg.ConnMessageRateLimit, cfg.GameURLTemplate)

	manager := lobby.NewManager(st, reg, tokens, returns, hub, logger, lobby.Config{
		MinPlayers:       cfg.MinPlayers,
		MaxPlayers:       cfg.MaxPlayers,
		MaxSessionAge:    cfg.MaxSessionAge,
		HostGrace:        cfg.HostGrace,
		RoomCodeAlphabet: cfg.RoomCodeAlphabet,
	})
	hub.SetManager(manager)

	rl, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logger.Fatal("failed to build rate limiter", zap.Error(err))
	}

	reaperThresholds := reaper.DefaultThresholds()
	reaperThresholds.IdleTimeout = cfg.RoomIdleReap
	reaperThresholds.MaxAge = cfg.RoomAgeReap
	reaperSvc := reaper.NewService(st, tokens, returns, logger, reaperThresholds, 10*time.Minute, time.Hour)
	healthHandler := health.NewHandler(busService)
	httpHandlers := edge.NewHTTPHandlers(st, tokens, returns, manager, hub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go heartbeats.RunReconciler(ctx)
	go reaperSvc.RunRoomReaper(ctx)
	go reaperSvc.RunSessionTokenPurger(ctx)

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.CorrelationID(), rl.GlobalMiddleware())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "X-API-Key", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsCfg))

	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws/lobby", func(c *gin.Context) {
		if !rl.CheckWebSocketConnectIP(c) {
			return
		}
		hub.ServeWS(c)
	})

	httpHandlers.Register(router, rl, cfg.APIKeyHashes, cfg.SkipAPIKeyAuth)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("gamebuddies lobby core listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if redisClient != nil {
		busService.Close()
	}
}

func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
