package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"

	"github.com/quillchat/backend/internal/auth"
	"github.com/quillchat/backend/internal/chats"
	"github.com/quillchat/backend/internal/config"
	"github.com/quillchat/backend/internal/logger"
	"github.com/quillchat/backend/internal/metrics"
	"github.com/quillchat/backend/internal/openrouter"
	"github.com/quillchat/backend/internal/relay"
	"github.com/quillchat/backend/internal/settings"
	"github.com/quillchat/backend/internal/storage/pg"
	"github.com/quillchat/backend/internal/titlegen"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("Starting chat backend", "port", cfg.Port, "gin_mode", cfg.GinMode)

	db, err := pg.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.DB.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	relayMetrics := metrics.NewRelay(registry)

	tokens := auth.NewTokenIssuer(cfg.JWTSecret, time.Duration(cfg.TokenTTLHours)*time.Hour)
	authSvc := auth.NewService(db.Queries, tokens, log)
	settingsSvc := settings.NewService(db.Queries, log)
	upstream := openrouter.NewClient(cfg.OpenRouterBaseURL, log)
	titles := titlegen.New(upstream, cfg.TitleGeneration, log)

	orchestrator := relay.NewOrchestrator(
		&chatMessageStore{queries: db.Queries},
		relay.Config{
			SubscriberBufferSize: cfg.RelaySubscriberBufferSize,
			SendTimeout:          cfg.RelaySendTimeout(),
			IdleTimeout:          cfg.RelayIdleTimeout(),
			PersistTimeout:       time.Duration(cfg.RelayPersistTimeoutSecs) * time.Second,
		},
		log,
		relayMetrics,
	)

	chatSvc := chats.NewService(db.Queries, orchestrator, upstream, settingsSvc, titles, log)

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.RequestLoggingMiddleware(log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler(registry)))

	api := router.Group("/api/v1")
	authSvc.RegisterRoutes(api)

	authed := api.Group("")
	authed.Use(auth.RequireAuth(tokens))
	settingsSvc.RegisterRoutes(authed)
	chatSvc.RegisterRoutes(authed)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}).Handler(router)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: corsHandler,
	}

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", "error", err)
	}
	// in-flight generations persist their partial text before we exit
	orchestrator.Shutdown()
	log.Info("Shutdown complete")
}

// chatMessageStore persists finished generations as assistant messages.
type chatMessageStore struct {
	queries *pg.Queries
}

func (s *chatMessageStore) SaveAssistantMessage(ctx context.Context, msg relay.AssistantMessage) error {
	_, err := s.queries.InsertMessage(ctx, pg.InsertMessageParams{
		ID:          msg.ID,
		ChatID:      msg.ChatID,
		UserID:      msg.UserID,
		Role:        "assistant",
		Content:     msg.Content,
		Model:       msg.Model,
		Provider:    msg.Provider,
		Annotations: msg.Annotations,
	})
	return err
}
