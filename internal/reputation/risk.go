package reputation

import (
	"net/netip"
	"strings"

	"edge-admission/internal/domain"
)

// Pesos do modelo de risco
const (
	vpnWeight             = 30
	proxyWeight           = 25
	torWeight             = 40
	highRiskCountryWeight = 20
	suspiciousISPWeight   = 15
	reservedRangeWeight   = 10
)

// RiskModel calcula o score de risco aditivo de um registro de reputação
type RiskModel struct {
	highRiskCountries map[string]struct{}
	ispKeywords       []string
}

// NewRiskModel cria o modelo com os países de alto risco e palavras-chave de ISP
func NewRiskModel(highRiskCountries, ispKeywords []string) *RiskModel {
	model := &RiskModel{
		highRiskCountries: make(map[string]struct{}, len(highRiskCountries)),
		ispKeywords:       make([]string, 0, len(ispKeywords)),
	}
	for _, code := range highRiskCountries {
		model.highRiskCountries[strings.ToUpper(strings.TrimSpace(code))] = struct{}{}
	}
	for _, keyword := range ispKeywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" {
			model.ispKeywords = append(model.ispKeywords, keyword)
		}
	}
	return model
}

// Score soma os pesos dos sinais presentes e limita o resultado a [0,100]
func (m *RiskModel) Score(record *domain.ReputationRecord) int {
	score := 0
	if record.IsVPN {
		score += vpnWeight
	}
	if record.IsProxy {
		score += proxyWeight
	}
	if record.IsTor {
		score += torWeight
	}
	if _, ok := m.highRiskCountries[strings.ToUpper(record.CountryCode)]; ok {
		score += highRiskCountryWeight
	}
	if m.suspiciousISP(record.ISP) {
		score += suspiciousISPWeight
	}
	if isReservedAddress(record.IP) {
		score += reservedRangeWeight
	}

	if score > domain.MaxRiskScore {
		return domain.MaxRiskScore
	}
	if score < 0 {
		return 0
	}
	return score
}

func (m *RiskModel) suspiciousISP(isp string) bool {
	if isp == "" {
		return false
	}
	isp = strings.ToLower(isp)
	for _, keyword := range m.ispKeywords {
		if strings.Contains(isp, keyword) {
			return true
		}
	}
	return false
}

// isReservedAddress cobre RFC1918/ULA, loopback e link-local
func isReservedAddress(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()
}
