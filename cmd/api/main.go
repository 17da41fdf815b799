package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"edge-admission/internal/challenge"
	"edge-admission/internal/config"
	"edge-admission/internal/domain"
	"edge-admission/internal/handler"
	"edge-admission/internal/logger"
	"edge-admission/internal/metrics"
	"edge-admission/internal/middleware"
	"edge-admission/internal/reputation"
	"edge-admission/internal/service"
	"edge-admission/internal/storage"
)

func main() {
	// Carregar configurações
	configLoader := config.NewConfigLoader()
	cfg, err := configLoader.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Obter configurações do servidor
	serverConfig := configLoader.GetConfig()

	// Inicializar logger
	appLogger := logger.NewLogger(serverConfig.LogLevel, serverConfig.LogFormat)
	appLogger.Info("Starting Edge Admission API", map[string]interface{}{
		"version":   "1.0.0",
		"log_level": serverConfig.LogLevel,
		"port":      serverConfig.ServerPort,
		"storage":   serverConfig.StorageType,
	})

	// Inicializar storage (memória ou Redis, conforme STORAGE_TYPE)
	storageConfig := storage.BuildStorageConfigFromEnv(
		serverConfig.StorageType,
		serverConfig.RedisHost,
		serverConfig.RedisPort,
		serverConfig.RedisPassword,
		serverConfig.RedisDB,
	)
	stores, err := storage.NewStorageFactory().CreateStores(storageConfig, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize storage", err, nil)
		os.Exit(1)
	}

	recorder := metrics.NewRecorder()

	// Provedores de reputação em ordem de preferência
	providers := []domain.ReputationProvider{
		reputation.NewIPAPIProvider(cfg.Reputation.PrimaryURL, cfg.Reputation.Timeout, cfg.Reputation.ProviderRPM),
		reputation.NewIPAPICoProvider(cfg.Reputation.SecondaryURL, cfg.Reputation.Timeout, cfg.Reputation.ProviderRPM),
	}
	resolver := reputation.NewResolver(
		providers,
		stores.Reputation,
		reputation.NewRiskModel(cfg.Reputation.HighRiskCountries, cfg.Reputation.SuspiciousISPKeywords),
		cfg.Reputation.CacheTTL,
		appLogger,
		recorder,
	)

	// Inicializar service e carregar a política inicial
	admissionService := service.NewAdmissionService(stores.Counters, stores.Policy, cfg, appLogger, recorder)
	seedCtx, seedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = admissionService.SeedPolicy(seedCtx)
	seedCancel()
	if err != nil {
		appLogger.Error("Failed to seed admission policy", err, nil)
		os.Exit(1)
	}

	verifier := challenge.NewVerifier(cfg.Challenge, appLogger)
	if !verifier.Enabled() {
		appLogger.Warn("CAPTCHA_SECRET not set, challenge gate will pass requests through", nil)
	}
	if serverConfig.AdminAPIKey == "" {
		appLogger.Warn("ADMIN_API_KEY not set, admin routes are unauthenticated", nil)
	}

	extractor := middleware.NewClientIPExtractor(middleware.ProxyTrust{
		TrustedProxies:  serverConfig.TrustedProxies,
		TrustedPlatform: serverConfig.TrustedPlatform,
		RemoteIPHeaders: serverConfig.TrustedIPHeaders,
	})
	if len(serverConfig.TrustedProxies) == 0 && serverConfig.TrustedPlatform == "" {
		appLogger.Info("No trusted proxies configured, client IP comes from the connection only", nil)
	}
	routes := service.NewRouteBudgetTable(cfg.RouteBudgets)

	// Inicializar handlers
	handlers := handler.NewHandlers(admissionService, stores.Counters, stores.Reputation, recorder, appLogger)

	// Configurar Gin
	if serverConfig.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Criar router
	router := gin.New()
	if err := extractor.Apply(router); err != nil {
		appLogger.Error("Failed to configure trusted proxies", err, nil)
		os.Exit(1)
	}

	// Middlewares globais
	router.Use(gin.Recovery())

	// Middleware de logging customizado
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))

	// Configurar rotas
	handlers.SetupRoutes(router, handler.Middlewares{
		Admission:   middleware.NewAdmissionInterceptor(admissionService, resolver, routes, cfg, extractor, appLogger, recorder),
		Challenge:   middleware.NewChallengeGate(verifier, cfg.Challenge, extractor, appLogger, recorder),
		AdminAPIKey: serverConfig.AdminAPIKey,
	})

	// Configurar servidor HTTP
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", serverConfig.ServerPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Iniciar servidor em goroutine
	go func() {
		appLogger.Info("Starting HTTP server", map[string]interface{}{
			"port": serverConfig.ServerPort,
			"addr": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Failed to start server", err, nil)
			os.Exit(1)
		}
	}()

	// Aguardar sinais de interrupção
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	appLogger.Info("Edge Admission API is running", map[string]interface{}{
		"port": serverConfig.ServerPort,
		"endpoints": []string{
			"GET  /health",
			"GET  /metrics",
			"GET  /metrics/prometheus",
			"GET  /                  (admission)",
			"GET  /api/whoami        (admission)",
			"POST /api/auth/login    (admission + challenge)",
			"GET  /admin/stats",
			"POST /admin/ban-ip",
			"POST /admin/ban-country",
		},
		"budget": map[string]interface{}{
			"default_max_requests": cfg.DefaultMaxRequests,
			"window":               cfg.DefaultWindow.String(),
			"block_duration":       cfg.BlockDuration.String(),
			"global_limit":         cfg.GlobalLimitEnabled,
			"route_budgets":        len(cfg.RouteBudgets),
		},
	})

	// Bloquear até receber sinal
	<-quit
	appLogger.Info("Shutting down server...", nil)

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", err, nil)
		os.Exit(1)
	}

	if err := stores.Close(); err != nil {
		appLogger.Error("Failed to close storage", err, nil)
	}

	appLogger.Info("Server stopped gracefully", nil)
}
