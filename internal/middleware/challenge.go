package middleware

import (
	"context"
	"net/http"
	"strings"

	"edge-admission/internal/domain"
	"edge-admission/internal/metrics"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderChallengeToken carrega o token de verificação humana
	HeaderChallengeToken = "X-Captcha-Token"
	// ChallengeContextKey é a chave do metadado de verificação no gin.Context
	ChallengeContextKey = "challenge"
)

type challengeContextKey struct{}

// ChallengeFromContext recupera a verificação anexada ao contexto da requisição
func ChallengeFromContext(ctx context.Context) (domain.ChallengeVerification, bool) {
	v, ok := ctx.Value(challengeContextKey{}).(domain.ChallengeVerification)
	return v, ok
}

// ChallengeGate exige token de verificação em rotas sensíveis com métodos mutáveis
type ChallengeGate struct {
	verifier    domain.ChallengeVerifier
	paths       map[string]struct{}
	actions     map[string]struct{}
	minScore    float64
	ipExtractor *ClientIPExtractor
	logger      domain.Logger
	metrics     *metrics.Recorder
}

// NewChallengeGate cria o middleware de verificação humana
func NewChallengeGate(verifier domain.ChallengeVerifier, cfg domain.ChallengeConfig, ipExtractor *ClientIPExtractor, logger domain.Logger, recorder *metrics.Recorder) gin.HandlerFunc {
	return newChallengeGate(verifier, cfg, ipExtractor, logger, recorder).Handle
}

func newChallengeGate(verifier domain.ChallengeVerifier, cfg domain.ChallengeConfig, ipExtractor *ClientIPExtractor, logger domain.Logger, recorder *metrics.Recorder) *ChallengeGate {
	if ipExtractor == nil {
		ipExtractor = NewClientIPExtractor(ProxyTrust{})
	}
	paths := make(map[string]struct{}, len(cfg.Paths))
	for _, p := range cfg.Paths {
		paths[normalizePath(p)] = struct{}{}
	}
	actions := make(map[string]struct{}, len(cfg.Actions))
	for _, a := range cfg.Actions {
		actions[a] = struct{}{}
	}
	return &ChallengeGate{
		verifier:    verifier,
		paths:       paths,
		actions:     actions,
		minScore:    cfg.MinScore,
		ipExtractor: ipExtractor,
		logger:      logger,
		metrics:     recorder,
	}
}

// Handle verifica o token antes de liberar a requisição
func (g *ChallengeGate) Handle(c *gin.Context) {
	if !isMutating(c.Request.Method) {
		c.Next()
		return
	}
	if _, protected := g.paths[normalizePath(c.Request.URL.Path)]; !protected {
		c.Next()
		return
	}

	log := g.logger.WithContext(c.Request.Context())
	fields := map[string]interface{}{
		"method": c.Request.Method,
		"path":   c.Request.URL.Path,
	}

	// Sem token ou sem secret a requisição segue, apenas com aviso
	token := strings.TrimSpace(c.GetHeader(HeaderChallengeToken))
	if token == "" {
		g.metrics.ObserveChallenge("missing_token")
		log.Warn("Challenge token missing on protected route", fields)
		c.Next()
		return
	}
	if g.verifier == nil || !g.verifier.Enabled() {
		g.metrics.ObserveChallenge("not_configured")
		log.Warn("Challenge verification not configured, skipping", fields)
		c.Next()
		return
	}

	clientIP := c.GetString(ClientIPContextKey)
	if clientIP == "" {
		clientIP = g.ipExtractor.Extract(c)
	}

	result, err := g.verifier.Verify(c.Request.Context(), token, clientIP)
	if err != nil {
		g.metrics.ObserveChallenge("unavailable")
		log.Error("Challenge verification request failed", err, fields)
		g.reject(c, "challenge_verification_failed", "verification service unavailable")
		return
	}

	if !result.Success {
		g.metrics.ObserveChallenge("failed")
		fields["error_codes"] = result.ErrorCodes
		log.Warn("Challenge verification rejected", fields)
		g.reject(c, "challenge_verification_failed", result.ErrorCodes)
		return
	}

	// Ação reportada precisa estar na allow-list; lista vazia não aceita nenhuma
	if result.Action != "" {
		if _, ok := g.actions[result.Action]; !ok {
			g.metrics.ObserveChallenge("invalid_action")
			fields["action"] = result.Action
			log.Warn("Challenge action not allowed", fields)
			g.reject(c, "invalid_challenge_action", result.Action)
			return
		}
	}

	score := 1.0
	if result.Score != nil {
		score = *result.Score
		if score < g.minScore {
			g.metrics.ObserveChallenge("low_score")
			fields["score"] = score
			log.Warn("Challenge score below minimum", fields)
			g.reject(c, "challenge_score_too_low", gin.H{"score": score, "minScore": g.minScore})
			return
		}
	}

	verification := domain.ChallengeVerification{
		Verified: true,
		Score:    score,
		Action:   result.Action,
	}
	g.metrics.ObserveChallenge("verified")
	c.Set(ChallengeContextKey, verification)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), challengeContextKey{}, verification))
	c.Next()
}

func (g *ChallengeGate) reject(c *gin.Context, code string, details interface{}) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   code,
		"details": details,
	})
	c.Abort()
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func normalizePath(path string) string {
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}
