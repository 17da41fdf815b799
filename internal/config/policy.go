package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"edge-admission/internal/domain"

	"gopkg.in/yaml.v3"
)

// policyDocument representa a estrutura do arquivo policy.yaml
type policyDocument struct {
	CountryOverrides map[string]countryOverrideDoc `yaml:"countryOverrides"`
	IPAllowList      []string                      `yaml:"ipAllowList"`
	IPDenyList       []string                      `yaml:"ipDenyList"`
	RouteBudgets     []routeBudgetDoc              `yaml:"routeBudgets"`
	Challenge        struct {
		Paths   []string `yaml:"paths"`
		Actions []string `yaml:"actions"`
	} `yaml:"challenge"`
	HighRiskCountries     []string `yaml:"highRiskCountries"`
	SuspiciousISPKeywords []string `yaml:"suspiciousIspKeywords"`
}

type countryOverrideDoc struct {
	MaxRequests int           `yaml:"maxRequests"`
	Window      time.Duration `yaml:"window"`
	Banned      bool          `yaml:"banned"`
	Reason      string        `yaml:"reason"`
}

type routeBudgetDoc struct {
	Path        string        `yaml:"path"`
	MaxRequests int           `yaml:"maxRequests"`
	Window      time.Duration `yaml:"window"`
}

// DefaultPolicy retorna a política embutida usada quando não há arquivo.
// A ordem das rotas importa: vence a primeira cujo prefixo casar.
func DefaultPolicy() *domain.PolicyFile {
	return &domain.PolicyFile{
		CountryOverrides: map[string]domain.CountryOverride{},
		RouteBudgets: []domain.RouteBudget{
			{PathPrefix: "/api/auth/login", MaxRequests: 5, Window: 15 * time.Minute},
			{PathPrefix: "/api/auth/register", MaxRequests: 3, Window: time.Hour},
			{PathPrefix: "/api/auth/forgot-password", MaxRequests: 3, Window: time.Hour},
			{PathPrefix: "/api/contact", MaxRequests: 5, Window: time.Hour},
			{PathPrefix: "/api/search", MaxRequests: 30, Window: time.Minute},
			{PathPrefix: "/api/", MaxRequests: 60, Window: time.Minute},
		},
		ChallengePaths: []string{
			"/api/auth/login",
			"/api/auth/register",
			"/api/auth/forgot-password",
			"/api/contact",
		},
		ChallengeActions:      []string{"login", "register", "forgot_password", "contact", "submit"},
		HighRiskCountries:     []string{"CN", "RU", "KP", "IR", "SY", "BY"},
		SuspiciousISPKeywords: DefaultSuspiciousISPKeywords(),
	}
}

// DefaultSuspiciousISPKeywords lista termos típicos de provedores de hospedagem e anonimização
func DefaultSuspiciousISPKeywords() []string {
	return []string{
		"hosting", "vps", "vpn", "proxy", "cloud", "datacenter", "data center",
		"server", "colo", "amazon", "digitalocean", "ovh", "hetzner", "linode", "vultr",
	}
}

// ParsePolicy decodifica e valida o conteúdo YAML da política.
// Seções ausentes herdam os valores de DefaultPolicy.
func ParsePolicy(data []byte) (*domain.PolicyFile, error) {
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	policy := DefaultPolicy()

	for code, override := range doc.CountryOverrides {
		normalized, err := NormalizeCountryCode(code)
		if err != nil {
			return nil, fmt.Errorf("invalid country override %q: %w", code, err)
		}
		if !override.Banned && (override.MaxRequests <= 0 || override.Window <= 0) {
			return nil, fmt.Errorf("country override %s must be banned or define maxRequests and window", normalized)
		}
		policy.CountryOverrides[normalized] = domain.CountryOverride{
			MaxRequests: override.MaxRequests,
			Window:      override.Window,
			Banned:      override.Banned,
			Reason:      strings.TrimSpace(override.Reason),
		}
	}

	allow, err := normalizeIPs(doc.IPAllowList)
	if err != nil {
		return nil, fmt.Errorf("invalid ipAllowList: %w", err)
	}
	policy.IPAllowList = allow

	deny, err := normalizeIPs(doc.IPDenyList)
	if err != nil {
		return nil, fmt.Errorf("invalid ipDenyList: %w", err)
	}
	policy.IPDenyList = deny

	if len(doc.RouteBudgets) > 0 {
		routes := make([]domain.RouteBudget, 0, len(doc.RouteBudgets))
		for i, route := range doc.RouteBudgets {
			if !strings.HasPrefix(route.Path, "/") {
				return nil, fmt.Errorf("route budget %d: path must start with '/'", i)
			}
			if route.MaxRequests <= 0 || route.Window <= 0 {
				return nil, fmt.Errorf("route budget %s: maxRequests and window must be greater than 0", route.Path)
			}
			routes = append(routes, domain.RouteBudget{
				PathPrefix:  route.Path,
				MaxRequests: route.MaxRequests,
				Window:      route.Window,
			})
		}
		policy.RouteBudgets = routes
	}

	if len(doc.Challenge.Paths) > 0 {
		policy.ChallengePaths = doc.Challenge.Paths
	}
	if len(doc.Challenge.Actions) > 0 {
		policy.ChallengeActions = doc.Challenge.Actions
	}

	if len(doc.HighRiskCountries) > 0 {
		codes := make([]string, 0, len(doc.HighRiskCountries))
		for _, code := range doc.HighRiskCountries {
			normalized, err := NormalizeCountryCode(code)
			if err != nil {
				return nil, fmt.Errorf("invalid highRiskCountries entry %q: %w", code, err)
			}
			codes = append(codes, normalized)
		}
		policy.HighRiskCountries = codes
	}
	if len(doc.SuspiciousISPKeywords) > 0 {
		policy.SuspiciousISPKeywords = doc.SuspiciousISPKeywords
	}

	return policy, nil
}

// NormalizeCountryCode valida e normaliza um código ISO-2
func NormalizeCountryCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 || code[0] < 'A' || code[0] > 'Z' || code[1] < 'A' || code[1] > 'Z' {
		return "", domain.ErrInvalidCountryCode
	}
	return code, nil
}

// NormalizeIP valida um IP e retorna sua forma canônica
func NormalizeIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidIP, ip)
	}
	return addr.Unmap().String(), nil
}

func normalizeIPs(ips []string) ([]string, error) {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		normalized, err := NormalizeIP(ip)
		if err != nil {
			return nil, err
		}
		out = append(out, normalized)
	}
	return out, nil
}
