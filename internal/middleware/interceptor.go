package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"edge-admission/internal/domain"
	"edge-admission/internal/logger"
	"edge-admission/internal/metrics"
	"edge-admission/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Chaves publicadas no gin.Context para os handlers seguintes
const (
	ClientIPContextKey   = "client_ip"
	RequestIDContextKey  = "request_id"
	ReputationContextKey = "reputation"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderError      = "X-RateLimit-Error"
	HeaderCountry    = "X-Client-Country"
	HeaderRiskScore  = "X-Client-Risk-Score"
	HeaderRequestID  = "X-Request-ID"
	unlimitedValue   = "unlimited"
	admissionTimeout = 5 * time.Second
)

// AdmissionInterceptor compõe reputação, quota de rota e limite geral por requisição
type AdmissionInterceptor struct {
	service     domain.AdmissionService
	resolver    domain.ReputationResolver
	routes      *service.RouteBudgetTable
	ipExtractor *ClientIPExtractor
	globalLimit bool
	skipPaths   map[string]struct{}
	logger      domain.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
}

// NewAdmissionInterceptor cria o middleware de admissão
func NewAdmissionInterceptor(
	admission domain.AdmissionService,
	resolver domain.ReputationResolver,
	routes *service.RouteBudgetTable,
	config *domain.AdmissionConfig,
	ipExtractor *ClientIPExtractor,
	logger domain.Logger,
	recorder *metrics.Recorder,
) gin.HandlerFunc {
	return newAdmissionInterceptor(admission, resolver, routes, config, ipExtractor, logger, recorder).Handle
}

func newAdmissionInterceptor(
	admission domain.AdmissionService,
	resolver domain.ReputationResolver,
	routes *service.RouteBudgetTable,
	config *domain.AdmissionConfig,
	ipExtractor *ClientIPExtractor,
	logger domain.Logger,
	recorder *metrics.Recorder,
) *AdmissionInterceptor {
	if ipExtractor == nil {
		ipExtractor = NewClientIPExtractor(ProxyTrust{})
	}
	skip := make(map[string]struct{}, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skip[path] = struct{}{}
	}
	return &AdmissionInterceptor{
		service:     admission,
		resolver:    resolver,
		routes:      routes,
		ipExtractor: ipExtractor,
		globalLimit: config.GlobalLimitEnabled,
		skipPaths:   skip,
		logger:      logger,
		metrics:     recorder,
		now:         time.Now,
	}
}

// Handle é o handler principal do middleware
func (m *AdmissionInterceptor) Handle(c *gin.Context) {
	if _, skip := m.skipPaths[c.Request.URL.Path]; skip {
		c.Next()
		return
	}

	requestID := getRequestID(c)
	clientIP := m.ipExtractor.Extract(c)
	userAgent := c.GetHeader("User-Agent")

	c.Set(RequestIDContextKey, requestID)
	c.Set(ClientIPContextKey, clientIP)

	// Contexto com timeout apenas para a decisão de admissão
	ctx, cancel := context.WithTimeout(c.Request.Context(), admissionTimeout)
	defer cancel()
	ctx = logger.ContextWithRequestInfo(ctx, requestID, clientIP, userAgent)

	result, reputation, err := m.evaluate(ctx, c.Request.URL.Path, clientIP)

	if reputation != nil {
		ctx = logger.ContextWithCountry(ctx, reputation.CountryCode)
		c.Set(ReputationContextKey, reputation)
		c.Header(HeaderCountry, reputation.CountryCode)
		c.Header(HeaderRiskScore, strconv.Itoa(reputation.RiskScore))
	}
	log := m.logger.WithContext(ctx)

	// Falha interna: admite a requisição e sinaliza no header
	if err != nil {
		m.metrics.IncFailOpen()
		log.Error("Admission check failed, failing open", err, map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		})
		c.Header(HeaderError, "internal")
		m.next(c, requestID, clientIP, userAgent, reputation)
		return
	}

	if result != nil {
		m.setRateLimitHeaders(c, result)
	}

	if result != nil && !result.Allowed {
		m.deny(c, result, reputation, clientIP)
		return
	}

	log.Debug("Request admitted", map[string]interface{}{
		"method": c.Request.Method,
		"path":   c.Request.URL.Path,
	})
	m.next(c, requestID, clientIP, userAgent, reputation)
}

// evaluate executa a quota de rota e o limite geral; panics viram erro para o fail-open
func (m *AdmissionInterceptor) evaluate(ctx context.Context, path, clientIP string) (result *domain.AdmissionResult, reputation *domain.ReputationRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("admission pipeline panic: %v", r)
		}
	}()

	reputation = m.resolver.Resolve(ctx, clientIP)

	var routeResult *domain.AdmissionResult
	if route, ok := m.routes.Match(path); ok {
		// Bloqueio ativo no contador geral responde antes de consumir a quota da rota
		blocked, err := m.generalBlocked(ctx, clientIP)
		if err != nil {
			return nil, reputation, err
		}
		if blocked {
			general, err := m.service.CheckAdmission(ctx, clientIP, reputation)
			return general, reputation, err
		}

		routeResult, err = m.service.CheckRouteAdmission(ctx, clientIP, reputation, route)
		if err != nil {
			return nil, reputation, err
		}
		if !routeResult.Allowed {
			return routeResult, reputation, nil
		}
	}

	if !m.globalLimit {
		return routeResult, reputation, nil
	}

	general, err := m.service.CheckAdmission(ctx, clientIP, reputation)
	if err != nil {
		return nil, reputation, err
	}
	if !general.Allowed || routeResult == nil {
		return general, reputation, nil
	}
	return tighter(routeResult, general), reputation, nil
}

// generalBlocked informa se o contador geral do IP está em bloqueio temporário
func (m *AdmissionInterceptor) generalBlocked(ctx context.Context, clientIP string) (bool, error) {
	if !m.globalLimit {
		return false, nil
	}
	entry, err := m.service.GetStatus(ctx, clientIP)
	if errors.Is(err, domain.ErrInvalidIP) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entry != nil && entry.IsBlocked(m.now()), nil
}

// tighter escolhe o resultado com menor quota restante para os headers
func tighter(a, b *domain.AdmissionResult) *domain.AdmissionResult {
	if a.Unlimited() {
		return b
	}
	if b.Unlimited() {
		return a
	}
	if b.Remaining < a.Remaining {
		return b
	}
	return a
}

// deny responde 403 para bloqueios de política e 429 para limites de taxa
func (m *AdmissionInterceptor) deny(c *gin.Context, result *domain.AdmissionResult, reputation *domain.ReputationRecord, clientIP string) {
	status := http.StatusTooManyRequests
	errorCode := "rate_limit_exceeded"
	if result.Kind == domain.DecisionDenyListed || result.Kind == domain.DecisionCountryBanned {
		status = http.StatusForbidden
		errorCode = "access_denied"
	}

	retryAfter := result.RetryAfter(m.now())
	c.Header("Retry-After", strconv.Itoa(retryAfter))

	country := domain.UnknownCountryCode
	if reputation != nil {
		country = reputation.CountryCode
	}

	c.JSON(status, gin.H{
		"error":      errorCode,
		"message":    result.Reason,
		"retryAfter": retryAfter,
		"country":    country,
		"ip":         clientIP,
	})
	c.Abort()
}

// next propaga as informações da requisição ao contexto dos handlers seguintes
func (m *AdmissionInterceptor) next(c *gin.Context, requestID, clientIP, userAgent string, reputation *domain.ReputationRecord) {
	ctx := logger.ContextWithRequestInfo(c.Request.Context(), requestID, clientIP, userAgent)
	if reputation != nil {
		ctx = logger.ContextWithCountry(ctx, reputation.CountryCode)
	}
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

// setRateLimitHeaders define headers informativos de admissão
func (m *AdmissionInterceptor) setRateLimitHeaders(c *gin.Context, result *domain.AdmissionResult) {
	if result.Unlimited() {
		c.Header(HeaderLimit, unlimitedValue)
		c.Header(HeaderRemaining, unlimitedValue)
	} else {
		c.Header(HeaderLimit, strconv.Itoa(result.Limit))
		c.Header(HeaderRemaining, strconv.Itoa(result.Remaining))
	}
	c.Header(HeaderReset, result.ResetAt.UTC().Format(time.RFC3339))
}

// getRequestID obtém ou gera um Request ID para tracking
func getRequestID(c *gin.Context) string {
	if requestID := c.GetHeader(HeaderRequestID); requestID != "" {
		c.Header(HeaderRequestID, requestID)
		return requestID
	}

	requestID := uuid.New().String()
	c.Header(HeaderRequestID, requestID)
	return requestID
}
