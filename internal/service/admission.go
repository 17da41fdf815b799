package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"edge-admission/internal/config"
	"edge-admission/internal/domain"
	"edge-admission/internal/logger"
	"edge-admission/internal/metrics"
)

// Fatores de ajuste da quota padrão por score de risco
const (
	highRiskThreshold      = 70
	mediumRiskThreshold    = 40
	highRiskMaxFactor      = 0.3
	highRiskWindowFactor   = 2.0
	mediumRiskMaxFactor    = 0.6
	mediumRiskWindowFactor = 1.5
)

const (
	ScopeIP    = "ip"
	ScopeRoute = "route"
)

var errMissingReputation = errors.New("reputation record is required")

// AdmissionService implementa o pipeline de decisão de admissão.
// Separada do middleware: recebe IP e reputação já resolvidos.
type AdmissionService struct {
	counters domain.CounterStore
	policy   domain.PolicyStore
	config   *domain.AdmissionConfig
	logger   domain.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// NewAdmissionService cria uma nova instância do serviço
func NewAdmissionService(
	counters domain.CounterStore,
	policy domain.PolicyStore,
	config *domain.AdmissionConfig,
	logger domain.Logger,
	recorder *metrics.Recorder,
) *AdmissionService {
	return &AdmissionService{
		counters: counters,
		policy:   policy,
		config:   config,
		logger:   logger,
		metrics:  recorder,
		now:      time.Now,
	}
}

// SeedPolicy carrega listas e overrides da configuração no policy store
func (s *AdmissionService) SeedPolicy(ctx context.Context) error {
	for _, ip := range s.config.IPAllowList {
		if err := s.policy.AddAllow(ctx, ip); err != nil {
			return fmt.Errorf("failed to seed allow-list: %w", err)
		}
	}
	for _, ip := range s.config.IPDenyList {
		if err := s.policy.AddDeny(ctx, ip, time.Time{}); err != nil {
			return fmt.Errorf("failed to seed deny-list: %w", err)
		}
	}
	for code, override := range s.config.CountryOverrides {
		if err := s.policy.SetCountryOverride(ctx, code, override); err != nil {
			return fmt.Errorf("failed to seed country override %s: %w", code, err)
		}
	}

	s.logger.Info("Admission policy loaded", map[string]interface{}{
		"allow_list":        len(s.config.IPAllowList),
		"deny_list":         len(s.config.IPDenyList),
		"country_overrides": len(s.config.CountryOverrides),
	})
	return nil
}

// CheckAdmission decide a admissão pelo limite geral por IP
func (s *AdmissionService) CheckAdmission(ctx context.Context, ip string, reputation *domain.ReputationRecord) (*domain.AdmissionResult, error) {
	if reputation == nil {
		return nil, errMissingReputation
	}
	s.recordCountry(ctx, reputation.CountryCode)

	return s.decide(ctx, ip, reputation, ScopeIP, ipKey(ip), func(override *domain.CountryOverride) domain.Budget {
		return s.effectiveBudget(override, reputation.RiskScore)
	})
}

// CheckRouteAdmission decide a admissão pela quota da rota, com contador próprio
func (s *AdmissionService) CheckRouteAdmission(ctx context.Context, ip string, reputation *domain.ReputationRecord, route domain.RouteBudget) (*domain.AdmissionResult, error) {
	if reputation == nil {
		return nil, errMissingReputation
	}
	// Sem o limite geral esta é a única checagem da requisição
	if !s.config.GlobalLimitEnabled {
		s.recordCountry(ctx, reputation.CountryCode)
	}

	scope := fmt.Sprintf("%s:%s", ScopeRoute, route.PathPrefix)
	return s.decide(ctx, ip, reputation, scope, routeKey(route.PathPrefix, ip), func(*domain.CountryOverride) domain.Budget {
		return route.Budget()
	})
}

// decide aplica as regras em ordem; a primeira que casar encerra a avaliação
func (s *AdmissionService) decide(
	ctx context.Context,
	ip string,
	reputation *domain.ReputationRecord,
	scope, key string,
	budgetFor func(*domain.CountryOverride) domain.Budget,
) (*domain.AdmissionResult, error) {
	now := s.now()

	// 1. allow-list: sem limite
	allowed, err := s.policy.IsAllowListed(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("failed to check allow-list: %w", err)
	}
	if allowed {
		return s.finish(ctx, scope, ip, &domain.AdmissionResult{
			Allowed:   true,
			Remaining: domain.UnlimitedRemaining,
			ResetAt:   now.Add(s.config.DefaultWindow),
			Kind:      domain.DecisionAllowListed,
			Scope:     scope,
		}), nil
	}

	// 2. deny-list
	denied, err := s.policy.IsDenyListed(ctx, ip, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check deny-list: %w", err)
	}
	if denied {
		return s.finish(ctx, scope, ip, &domain.AdmissionResult{
			Allowed: false,
			ResetAt: now.Add(s.config.BlockDuration),
			Reason:  domain.ReasonBlacklisted,
			Kind:    domain.DecisionDenyListed,
			Scope:   scope,
		}), nil
	}

	// 3. país banido
	override, err := s.policy.CountryOverride(ctx, reputation.CountryCode)
	if err != nil {
		return nil, fmt.Errorf("failed to read country override: %w", err)
	}
	if override != nil && override.Banned {
		reason := override.Reason
		if reason == "" {
			reason = domain.ReasonPolicyViolation
		}
		return s.finish(ctx, scope, ip, &domain.AdmissionResult{
			Allowed: false,
			ResetAt: now.Add(s.config.BlockDuration),
			Reason:  reason,
			Kind:    domain.DecisionCountryBanned,
			Scope:   scope,
		}), nil
	}

	// 4-8. bloqueio temporário + janela + contador, atômico no store
	budget := budgetFor(override)
	take, err := s.counters.Take(ctx, key, domain.TakeRequest{
		Budget:        budget,
		BlockDuration: s.config.BlockDuration,
		Country:       reputation.CountryCode,
		RiskScore:     reputation.RiskScore,
		Now:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update counter: %w", err)
	}

	result := &domain.AdmissionResult{
		Limit:   budget.MaxRequests,
		ResetAt: take.WindowResetAt,
		Scope:   scope,
	}

	switch take.Outcome {
	case domain.TakeBlocked:
		result.Reason = domain.ReasonTemporarilyBlocked
		result.Kind = domain.DecisionTemporarilyBlocked
		if take.BlockedUntil != nil {
			result.ResetAt = *take.BlockedUntil
		}

	case domain.TakeExceeded:
		result.Reason = domain.ReasonRateLimitExceeded
		result.Kind = domain.DecisionRateLimited
		if take.BlockedUntil != nil {
			result.ResetAt = *take.BlockedUntil
		}

	default:
		result.Allowed = true
		result.Kind = domain.DecisionAllowed
		result.Remaining = budget.MaxRequests - take.Count
		if result.Remaining < 0 {
			result.Remaining = 0
		}
	}

	return s.finish(ctx, scope, ip, result), nil
}

// finish registra a decisão em log e métricas
func (s *AdmissionService) finish(ctx context.Context, scope, ip string, result *domain.AdmissionResult) *domain.AdmissionResult {
	s.metrics.ObserveDecision(result.Allowed, string(result.Kind))

	log := s.logger.WithContext(ctx)
	if result.Allowed {
		log.Debug("Admission check passed", map[string]interface{}{
			"scope":     scope,
			"kind":      result.Kind,
			"remaining": result.Remaining,
		})
		return result
	}
	logger.LogAdmissionEvent(log, scope, ip, result, map[string]interface{}{
		"reset_at": result.ResetAt,
	})
	return result
}

// effectiveBudget resolve a quota geral: override do país ou padrão ajustado por risco
func (s *AdmissionService) effectiveBudget(override *domain.CountryOverride, riskScore int) domain.Budget {
	if override != nil && override.HasBudget() {
		return domain.Budget{MaxRequests: override.MaxRequests, Window: override.Window}
	}
	return scaleBudget(s.config.DefaultBudget(), riskScore)
}

// scaleBudget reduz a quota e alonga a janela conforme o risco; a quota nunca fica abaixo de 1
func scaleBudget(budget domain.Budget, riskScore int) domain.Budget {
	var maxFactor, windowFactor float64
	switch {
	case riskScore > highRiskThreshold:
		maxFactor, windowFactor = highRiskMaxFactor, highRiskWindowFactor
	case riskScore > mediumRiskThreshold:
		maxFactor, windowFactor = mediumRiskMaxFactor, mediumRiskWindowFactor
	default:
		return budget
	}

	scaled := domain.Budget{
		MaxRequests: int(float64(budget.MaxRequests) * maxFactor),
		Window:      time.Duration(float64(budget.Window) * windowFactor),
	}
	if scaled.MaxRequests < 1 {
		scaled.MaxRequests = 1
	}
	return scaled
}

// recordCountry alimenta o ranking de países; falhas não interrompem a decisão
func (s *AdmissionService) recordCountry(ctx context.Context, countryCode string) {
	if countryCode == "" {
		countryCode = domain.UnknownCountryCode
	}
	if err := s.counters.RecordCountry(ctx, countryCode); err != nil {
		s.logger.Warn("Failed to record country", map[string]interface{}{
			"country": countryCode,
			"error":   err.Error(),
		})
	}
}

// BanIP adiciona o IP à deny-list; duração zero é permanente
func (s *AdmissionService) BanIP(ctx context.Context, ip string, duration time.Duration) error {
	ip, err := config.NormalizeIP(ip)
	if err != nil {
		return err
	}
	now := s.now()

	var expiresAt time.Time
	blockUntil := now.Add(s.config.BlockDuration)
	if duration > 0 {
		expiresAt = now.Add(duration)
		blockUntil = expiresAt
	}

	if err := s.policy.RemoveAllow(ctx, ip); err != nil {
		return fmt.Errorf("failed to ban IP: %w", err)
	}
	if err := s.policy.AddDeny(ctx, ip, expiresAt); err != nil {
		return fmt.Errorf("failed to ban IP: %w", err)
	}
	for _, key := range s.keysForIP(ip) {
		if err := s.counters.Block(ctx, key, blockUntil); err != nil {
			return fmt.Errorf("failed to block counter: %w", err)
		}
	}

	s.logger.Info("IP banned", map[string]interface{}{
		"ip":       ip,
		"duration": duration.String(),
	})
	return nil
}

// UnbanIP remove o IP da deny-list e limpa bloqueios temporários
func (s *AdmissionService) UnbanIP(ctx context.Context, ip string) error {
	ip, err := config.NormalizeIP(ip)
	if err != nil {
		return err
	}

	if err := s.policy.RemoveDeny(ctx, ip); err != nil {
		return fmt.Errorf("failed to unban IP: %w", err)
	}
	for _, key := range s.keysForIP(ip) {
		if err := s.counters.Unblock(ctx, key); err != nil {
			return fmt.Errorf("failed to unblock counter: %w", err)
		}
	}

	s.logger.Info("IP unbanned", map[string]interface{}{"ip": ip})
	return nil
}

// AllowIP adiciona o IP à allow-list; um IP nunca fica nas duas listas
func (s *AdmissionService) AllowIP(ctx context.Context, ip string) error {
	ip, err := config.NormalizeIP(ip)
	if err != nil {
		return err
	}

	if err := s.policy.RemoveDeny(ctx, ip); err != nil {
		return fmt.Errorf("failed to allow IP: %w", err)
	}
	if err := s.policy.AddAllow(ctx, ip); err != nil {
		return fmt.Errorf("failed to allow IP: %w", err)
	}

	s.logger.Info("IP allow-listed", map[string]interface{}{"ip": ip})
	return nil
}

// DisallowIP remove o IP da allow-list
func (s *AdmissionService) DisallowIP(ctx context.Context, ip string) error {
	ip, err := config.NormalizeIP(ip)
	if err != nil {
		return err
	}

	if err := s.policy.RemoveAllow(ctx, ip); err != nil {
		return fmt.Errorf("failed to disallow IP: %w", err)
	}

	s.logger.Info("IP removed from allow-list", map[string]interface{}{"ip": ip})
	return nil
}

// BanCountry bane o país preservando uma quota própria já configurada
func (s *AdmissionService) BanCountry(ctx context.Context, countryCode, reason string) error {
	code, err := config.NormalizeCountryCode(countryCode)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = domain.ReasonPolicyViolation
	}

	override := domain.CountryOverride{}
	existing, err := s.policy.CountryOverride(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to ban country: %w", err)
	}
	if existing != nil {
		override = *existing
	}
	override.Banned = true
	override.Reason = reason

	if err := s.policy.SetCountryOverride(ctx, code, override); err != nil {
		return fmt.Errorf("failed to ban country: %w", err)
	}

	s.logger.Info("Country banned", map[string]interface{}{
		"country": code,
		"reason":  reason,
	})
	return nil
}

// UnbanCountry remove o banimento; overrides sem quota própria são descartados
func (s *AdmissionService) UnbanCountry(ctx context.Context, countryCode string) error {
	code, err := config.NormalizeCountryCode(countryCode)
	if err != nil {
		return err
	}

	existing, err := s.policy.CountryOverride(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to unban country: %w", err)
	}
	if existing == nil {
		return nil
	}

	if existing.HasBudget() {
		override := *existing
		override.Banned = false
		override.Reason = ""
		err = s.policy.SetCountryOverride(ctx, code, override)
	} else {
		err = s.policy.DeleteCountryOverride(ctx, code)
	}
	if err != nil {
		return fmt.Errorf("failed to unban country: %w", err)
	}

	s.logger.Info("Country unbanned", map[string]interface{}{"country": code})
	return nil
}

// GetStats agrega contadores, listas e o ranking de países
func (s *AdmissionService) GetStats(ctx context.Context) (*domain.AdmissionStats, error) {
	now := s.now()

	storeStats, err := s.counters.Stats(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	snapshot, err := s.policy.Snapshot(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}

	stats := &domain.AdmissionStats{
		TotalTracked:     storeStats.TrackedKeys,
		CurrentlyBlocked: storeStats.BlockedKeys,
		Countries:        make([]domain.CountryCount, 0, len(storeStats.CountryRequests)),
		DenyListed:       len(snapshot.DenyList),
		AllowListed:      len(snapshot.AllowList),
		BannedCountries:  []string{},
	}
	for code, count := range storeStats.CountryRequests {
		stats.Countries = append(stats.Countries, domain.CountryCount{CountryCode: code, Requests: count})
	}
	sort.Slice(stats.Countries, func(i, j int) bool {
		if stats.Countries[i].Requests != stats.Countries[j].Requests {
			return stats.Countries[i].Requests > stats.Countries[j].Requests
		}
		return stats.Countries[i].CountryCode < stats.Countries[j].CountryCode
	})
	for code, override := range snapshot.CountryOverrides {
		if override.Banned {
			stats.BannedCountries = append(stats.BannedCountries, code)
		}
	}
	sort.Strings(stats.BannedCountries)

	return stats, nil
}

// GetStatus retorna a entrada do contador geral do IP
func (s *AdmissionService) GetStatus(ctx context.Context, ip string) (*domain.CounterEntry, error) {
	ip, err := config.NormalizeIP(ip)
	if err != nil {
		return nil, err
	}

	entry, err := s.counters.Get(ctx, ipKey(ip))
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return entry, nil
}

// GetPolicy retorna a fotografia atual da política
func (s *AdmissionService) GetPolicy(ctx context.Context) (*domain.PolicySnapshot, error) {
	snapshot, err := s.policy.Snapshot(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return snapshot, nil
}

// Reset remove todos os contadores do IP (geral e por rota)
func (s *AdmissionService) Reset(ctx context.Context, ip string) error {
	ip, err := config.NormalizeIP(ip)
	if err != nil {
		return err
	}

	for _, key := range s.keysForIP(ip) {
		if err := s.counters.Reset(ctx, key); err != nil {
			return fmt.Errorf("failed to reset key: %w", err)
		}
	}

	s.logger.Info("Admission counters reset", map[string]interface{}{"ip": ip})
	return nil
}

// keysForIP lista a chave geral e as chaves por rota do IP
func (s *AdmissionService) keysForIP(ip string) []string {
	keys := []string{ipKey(ip)}
	for _, route := range s.config.RouteBudgets {
		keys = append(keys, routeKey(route.PathPrefix, ip))
	}
	return keys
}

func ipKey(ip string) string {
	return fmt.Sprintf("admission:ip:%s", ip)
}

func routeKey(prefix, ip string) string {
	return fmt.Sprintf("admission:route:%s:%s", prefix, ip)
}
