package middleware

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultRemoteIPHeaders são os headers lidos quando o peer é um proxy confiável
var DefaultRemoteIPHeaders = []string{"X-Forwarded-For", "X-Real-IP"}

// ProxyTrust descreve quais peers podem informar o IP original do cliente
type ProxyTrust struct {
	// TrustedProxies são IPs ou CIDRs dos proxies/load balancers na frente do serviço
	TrustedProxies []string
	// TrustedPlatform é "cloudflare", "google" ou o nome de um header injetado pela plataforma
	TrustedPlatform string
	// RemoteIPHeaders são consultados em ordem, apenas para peers em TrustedProxies
	RemoteIPHeaders []string
}

// ClientIPExtractor resolve o IP do cliente respeitando a cadeia de proxies confiáveis
type ClientIPExtractor struct {
	trust ProxyTrust
}

// NewClientIPExtractor cria o extrator; sem proxies nem plataforma só o RemoteAddr é usado
func NewClientIPExtractor(trust ProxyTrust) *ClientIPExtractor {
	if len(trust.RemoteIPHeaders) == 0 {
		trust.RemoteIPHeaders = DefaultRemoteIPHeaders
	}
	trust.TrustedPlatform = platformHeader(trust.TrustedPlatform)
	return &ClientIPExtractor{trust: trust}
}

// Apply configura o engine para que c.ClientIP() siga a mesma confiança do extrator
func (e *ClientIPExtractor) Apply(engine *gin.Engine) error {
	engine.ForwardedByClientIP = len(e.trust.TrustedProxies) > 0
	engine.RemoteIPHeaders = e.trust.RemoteIPHeaders
	engine.TrustedPlatform = e.trust.TrustedPlatform
	if err := engine.SetTrustedProxies(e.trust.TrustedProxies); err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}
	return nil
}

// Extract retorna o IP canônico do cliente.
// Headers de encaminhamento só valem quando o engine recebeu Apply com proxies ou plataforma.
func (e *ClientIPExtractor) Extract(c *gin.Context) string {
	var raw string
	if e.forwardingTrusted() {
		raw = c.ClientIP()
	} else {
		raw = c.RemoteIP()
	}
	if ip, ok := canonicalIP(raw); ok {
		return ip
	}

	remote := c.Request.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if ip, ok := canonicalIP(remote); ok {
		return ip
	}
	return remote
}

func (e *ClientIPExtractor) forwardingTrusted() bool {
	return len(e.trust.TrustedProxies) > 0 || e.trust.TrustedPlatform != ""
}

// platformHeader traduz os apelidos de plataforma para o header correspondente
func platformHeader(platform string) string {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "":
		return ""
	case "cloudflare":
		return gin.PlatformCloudflare
	case "google", "appengine":
		return gin.PlatformGoogleAppEngine
	default:
		return strings.TrimSpace(platform)
	}
}

func canonicalIP(value string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
