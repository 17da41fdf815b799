package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"edge-admission/internal/domain"
	"edge-admission/internal/metrics"
	"edge-admission/internal/middleware"
)

const serviceName = "Edge Admission API"

// Handlers contém os handlers da API
type Handlers struct {
	service    domain.AdmissionService
	counters   domain.CounterStore
	reputation domain.ReputationCache
	metrics    *metrics.Recorder
	logger     domain.Logger
	startTime  time.Time
}

// Middlewares agrupa as camadas aplicadas às rotas protegidas
type Middlewares struct {
	Admission   gin.HandlerFunc
	Challenge   gin.HandlerFunc
	AdminAPIKey string
}

// NewHandlers cria uma nova instância dos handlers
func NewHandlers(
	service domain.AdmissionService,
	counters domain.CounterStore,
	reputation domain.ReputationCache,
	recorder *metrics.Recorder,
	logger domain.Logger,
) *Handlers {
	return &Handlers{
		service:    service,
		counters:   counters,
		reputation: reputation,
		metrics:    recorder,
		logger:     logger,
		startTime:  time.Now(),
	}
}

// SetupRoutes configura as rotas da API
func (h *Handlers) SetupRoutes(router *gin.Engine, mw Middlewares) {
	// Rotas públicas (sem admissão)
	router.GET("/health", h.HealthHandler)
	router.GET("/metrics", h.MetricsHandler)
	if h.metrics != nil {
		router.GET("/metrics/prometheus", gin.WrapH(h.metrics.Handler()))
	}

	// Rotas protegidas pelo motor de admissão
	protected := router.Group("/")
	if mw.Admission != nil {
		protected.Use(mw.Admission)
	}
	if mw.Challenge != nil {
		protected.Use(mw.Challenge)
	}
	{
		protected.GET("/", h.ExampleHandler)
		protected.GET("/api/whoami", h.WhoAmIHandler)
		protected.GET("/api/movies/:id", h.ExampleHandler)
		protected.GET("/api/search", h.ExampleHandler)
		protected.POST("/api/auth/login", h.ExampleHandler)
		protected.POST("/api/auth/register", h.ExampleHandler)
		protected.POST("/api/contact", h.ExampleHandler)
	}

	// Rotas administrativas (sem admissão, protegidas por chave opcional)
	admin := router.Group("/admin")
	admin.Use(AdminAuth(mw.AdminAPIKey))
	{
		admin.GET("/stats", h.AdminStatsHandler)
		admin.GET("/status", h.AdminStatusHandler)
		admin.GET("/policy", h.AdminPolicyHandler)
		admin.POST("/reset", h.AdminResetHandler)
		admin.POST("/ban-ip", h.AdminBanIPHandler)
		admin.POST("/unban-ip", h.AdminUnbanIPHandler)
		admin.POST("/allow-ip", h.AdminAllowIPHandler)
		admin.POST("/disallow-ip", h.AdminDisallowIPHandler)
		admin.POST("/ban-country", h.AdminBanCountryHandler)
		admin.POST("/unban-country", h.AdminUnbanCountryHandler)
	}
}

// HealthHandler implementa health check com verificação do storage
func (h *Handlers) HealthHandler(c *gin.Context) {
	response := gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
	}

	if h.counters != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.counters.Health(ctx); err != nil {
			h.log(c).Error("Storage health check failed", err, nil)
			response["status"] = "unhealthy"
			response["storage"] = "unavailable"
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}
		response["storage"] = "ok"
	}

	c.JSON(http.StatusOK, response)
}

// ExampleHandler implementa um endpoint de exemplo protegido pelo motor de admissão
func (h *Handlers) ExampleHandler(c *gin.Context) {
	clientIP := c.GetString(middleware.ClientIPContextKey)

	h.log(c).Debug("Example endpoint accessed", map[string]interface{}{
		"client_ip": clientIP,
		"path":      c.Request.URL.Path,
	})

	response := gin.H{
		"message":   "Hello from " + serviceName + "!",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"client_ip": clientIP,
		"path":      c.Request.URL.Path,
		"method":    c.Request.Method,
	}

	if verification, ok := middleware.ChallengeFromContext(c.Request.Context()); ok {
		response["challenge"] = verification
	}

	c.JSON(http.StatusOK, response)
}

// WhoAmIHandler devolve a reputação resolvida para o cliente
func (h *Handlers) WhoAmIHandler(c *gin.Context) {
	response := gin.H{
		"ip":        c.GetString(middleware.ClientIPContextKey),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if value, ok := c.Get(middleware.ReputationContextKey); ok {
		if record, ok := value.(*domain.ReputationRecord); ok {
			response["reputation"] = record
			response["fallback"] = record.IsFallback()
		}
	}
	c.JSON(http.StatusOK, response)
}

// MetricsHandler implementa endpoint de métricas do sistema
func (h *Handlers) MetricsHandler(c *gin.Context) {
	h.log(c).Debug("Metrics endpoint accessed", map[string]interface{}{
		"path": c.Request.URL.Path,
	})

	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	snapshot := h.metrics.Snapshot()
	cacheSize := -1
	if h.reputation != nil {
		cacheSize = h.reputation.Len()
	}

	response := gin.H{
		"service":        serviceName,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"started":        humanize.Time(h.startTime),
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"system": gin.H{
			"go_version":   runtime.Version(),
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": humanize.Bytes(m.Alloc),
			"memory_total": humanize.Bytes(m.TotalAlloc),
			"memory_sys":   humanize.Bytes(m.Sys),
			"gc_runs":      m.NumGC,
		},
		"admission": gin.H{
			"allowed":          snapshot.Allowed,
			"denied":           snapshot.Denied,
			"fail_open":        snapshot.FailOpen,
			"allowed_display":  humanize.Comma(snapshot.Allowed),
			"denied_display":   humanize.Comma(snapshot.Denied),
			"reputation_cache": cacheSize,
		},
	}

	c.JSON(http.StatusOK, response)
}

// log retorna o logger enriquecido com o contexto da requisição
func (h *Handlers) log(c *gin.Context) domain.Logger {
	if h.logger == nil {
		return nopLogger{}
	}
	return h.logger.WithContext(c.Request.Context())
}

// nopLogger descarta logs quando nenhum logger foi configurado
type nopLogger struct{}

func (nopLogger) Debug(string, map[string]interface{})        {}
func (nopLogger) Info(string, map[string]interface{})         {}
func (nopLogger) Warn(string, map[string]interface{})         {}
func (nopLogger) Error(string, error, map[string]interface{}) {}
func (n nopLogger) WithContext(context.Context) domain.Logger { return n }
func (n nopLogger) WithFields(map[string]interface{}) domain.Logger {
	return n
}
