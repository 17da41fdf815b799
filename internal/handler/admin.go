package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"edge-admission/internal/domain"
)

// HeaderAdminKey carrega a chave das rotas administrativas
const HeaderAdminKey = "X-Admin-Key"

// AdminAuth exige a chave administrativa quando ela estiver configurada
func AdminAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		provided := c.GetHeader(HeaderAdminKey)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "valid " + HeaderAdminKey + " header is required",
			})
			return
		}
		c.Next()
	}
}

// AdminIPRequest representa o corpo das operações sobre um IP
type AdminIPRequest struct {
	IP string `json:"ip" binding:"required"`
}

// AdminBanIPRequest representa o corpo do banimento de IP
type AdminBanIPRequest struct {
	IP string `json:"ip" binding:"required"`
	// DurationSeconds zero significa banimento permanente
	DurationSeconds int `json:"durationSeconds" binding:"gte=0"`
}

// AdminCountryRequest representa o corpo das operações sobre um país
type AdminCountryRequest struct {
	CountryCode string `json:"countryCode" binding:"required"`
	Reason      string `json:"reason"`
}

// AdminStatsHandler retorna os agregados do motor de admissão
func (h *Handlers) AdminStatsHandler(c *gin.Context) {
	stats, err := h.service.GetStats(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to get admission stats", err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":     stats,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminStatusHandler retorna o contador geral de um IP
func (h *Handlers) AdminStatusHandler(c *gin.Context) {
	ip := strings.TrimSpace(c.Query("ip"))
	if ip == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "ip parameter is required",
		})
		return
	}

	entry, err := h.service.GetStatus(c.Request.Context(), ip)
	if err != nil {
		h.respondError(c, "Failed to get admission status", err, map[string]interface{}{"ip": ip})
		return
	}

	now := time.Now()
	response := gin.H{
		"ip":         ip,
		"tracked":    entry != nil,
		"current":    0,
		"is_blocked": false,
		"timestamp":  now.UTC().Format(time.RFC3339),
	}
	if entry != nil {
		response["current"] = entry.CurrentCount(now)
		response["is_blocked"] = entry.IsBlocked(now)
		response["window_reset_at"] = entry.WindowResetAt.UTC().Format(time.RFC3339)
		response["last_country"] = entry.LastCountry
		response["last_risk_score"] = entry.LastRiskScore
		if entry.BlockedUntil != nil {
			response["blocked_until"] = entry.BlockedUntil.UTC().Format(time.RFC3339)
		}
	}
	if h.reputation != nil {
		if record, ok := h.reputation.Get(c.Request.Context(), ip, now); ok {
			response["reputation"] = record
		}
	}

	c.JSON(http.StatusOK, response)
}

// AdminPolicyHandler retorna listas e overrides de país vigentes
func (h *Handlers) AdminPolicyHandler(c *gin.Context) {
	snapshot, err := h.service.GetPolicy(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to get admission policy", err, nil)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// AdminResetHandler remove os contadores de um IP
func (h *Handlers) AdminResetHandler(c *gin.Context) {
	var req AdminIPRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.service.Reset(c.Request.Context(), req.IP); err != nil {
		h.respondError(c, "Failed to reset admission counters", err, map[string]interface{}{"ip": req.IP})
		return
	}
	h.respondSuccess(c, "Admission counters reset successfully", gin.H{"ip": req.IP})
}

// AdminBanIPHandler bane um IP, temporária ou permanentemente
func (h *Handlers) AdminBanIPHandler(c *gin.Context) {
	var req AdminBanIPRequest
	if !bindJSON(c, &req) {
		return
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	if err := h.service.BanIP(c.Request.Context(), req.IP, duration); err != nil {
		h.respondError(c, "Failed to ban IP", err, map[string]interface{}{"ip": req.IP})
		return
	}
	h.respondSuccess(c, "IP banned successfully", gin.H{
		"ip":              req.IP,
		"durationSeconds": req.DurationSeconds,
	})
}

// AdminUnbanIPHandler remove o banimento de um IP
func (h *Handlers) AdminUnbanIPHandler(c *gin.Context) {
	var req AdminIPRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.service.UnbanIP(c.Request.Context(), req.IP); err != nil {
		h.respondError(c, "Failed to unban IP", err, map[string]interface{}{"ip": req.IP})
		return
	}
	h.respondSuccess(c, "IP unbanned successfully", gin.H{"ip": req.IP})
}

// AdminAllowIPHandler adiciona um IP à allow-list
func (h *Handlers) AdminAllowIPHandler(c *gin.Context) {
	var req AdminIPRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.service.AllowIP(c.Request.Context(), req.IP); err != nil {
		h.respondError(c, "Failed to allow-list IP", err, map[string]interface{}{"ip": req.IP})
		return
	}
	h.respondSuccess(c, "IP added to allow-list", gin.H{"ip": req.IP})
}

// AdminDisallowIPHandler remove um IP da allow-list
func (h *Handlers) AdminDisallowIPHandler(c *gin.Context) {
	var req AdminIPRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.service.DisallowIP(c.Request.Context(), req.IP); err != nil {
		h.respondError(c, "Failed to remove IP from allow-list", err, map[string]interface{}{"ip": req.IP})
		return
	}
	h.respondSuccess(c, "IP removed from allow-list", gin.H{"ip": req.IP})
}

// AdminBanCountryHandler bane um país com motivo opcional
func (h *Handlers) AdminBanCountryHandler(c *gin.Context) {
	var req AdminCountryRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.service.BanCountry(c.Request.Context(), req.CountryCode, strings.TrimSpace(req.Reason)); err != nil {
		h.respondError(c, "Failed to ban country", err, map[string]interface{}{"country": req.CountryCode})
		return
	}
	h.respondSuccess(c, "Country banned successfully", gin.H{
		"countryCode": strings.ToUpper(strings.TrimSpace(req.CountryCode)),
		"reason":      req.Reason,
	})
}

// AdminUnbanCountryHandler remove o banimento de um país
func (h *Handlers) AdminUnbanCountryHandler(c *gin.Context) {
	var req AdminCountryRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.service.UnbanCountry(c.Request.Context(), req.CountryCode); err != nil {
		h.respondError(c, "Failed to unban country", err, map[string]interface{}{"country": req.CountryCode})
		return
	}
	h.respondSuccess(c, "Country unbanned successfully", gin.H{
		"countryCode": strings.ToUpper(strings.TrimSpace(req.CountryCode)),
	})
}

// bindJSON faz o parse do corpo e responde 400 em caso de erro
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

// respondError mapeia erros de validação para 400 e falhas de storage para 500
func (h *Handlers) respondError(c *gin.Context, msg string, err error, fields map[string]interface{}) {
	if errors.Is(err, domain.ErrInvalidIP) || errors.Is(err, domain.ErrInvalidCountryCode) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	h.log(c).Error(msg, err, fields)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_server_error",
		"message": msg,
	})
}

func (h *Handlers) respondSuccess(c *gin.Context, msg string, extra gin.H) {
	response := gin.H{
		"status":    "success",
		"message":   msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		response[k] = v
	}
	h.log(c).Info(msg, map[string]interface{}(extra))
	c.JSON(http.StatusOK, response)
}
