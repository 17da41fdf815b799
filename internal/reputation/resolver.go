package reputation

import (
	"context"
	"errors"
	"time"

	"edge-admission/internal/domain"
	"edge-admission/internal/metrics"

	"golang.org/x/sync/singleflight"
)

// FallbackSource é a origem gravada nos registros de fallback
const FallbackSource = domain.FallbackSource

// Resolver produz o registro de reputação de um IP consultando cache e provedores.
// Nunca falha: sem provedor disponível retorna o registro de fallback.
type Resolver struct {
	providers []domain.ReputationProvider
	cache     domain.ReputationCache
	risk      *RiskModel
	ttl       time.Duration
	logger    domain.Logger
	metrics   *metrics.Recorder
	group     singleflight.Group
	now       func() time.Time
}

// NewResolver cria o resolver; a ordem dos provedores define a preferência
func NewResolver(providers []domain.ReputationProvider, cache domain.ReputationCache, risk *RiskModel, ttl time.Duration, logger domain.Logger, recorder *metrics.Recorder) *Resolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Resolver{
		providers: providers,
		cache:     cache,
		risk:      risk,
		ttl:       ttl,
		logger:    logger,
		metrics:   recorder,
		now:       time.Now,
	}
}

// Resolve retorna o registro em cache ou consulta os provedores em ordem
func (r *Resolver) Resolve(ctx context.Context, ip string) *domain.ReputationRecord {
	if record, ok := r.cache.Get(ctx, ip, r.now()); ok {
		return record
	}

	// Requisições simultâneas do mesmo IP compartilham uma única consulta
	value, _, _ := r.group.Do(ip, func() (interface{}, error) {
		now := r.now()
		if record, ok := r.cache.Get(ctx, ip, now); ok {
			return record, nil
		}

		record := r.lookup(context.WithoutCancel(ctx), ip, now)
		r.cache.Set(ctx, record, now.Add(r.ttl))
		return record, nil
	})
	return value.(*domain.ReputationRecord)
}

// Cached retorna o registro apenas se estiver em cache
func (r *Resolver) Cached(ctx context.Context, ip string) (*domain.ReputationRecord, bool) {
	return r.cache.Get(ctx, ip, r.now())
}

func (r *Resolver) lookup(ctx context.Context, ip string, now time.Time) *domain.ReputationRecord {
	for _, provider := range r.providers {
		start := time.Now()
		record, err := provider.Lookup(ctx, ip)
		elapsed := time.Since(start)

		if err != nil {
			result := "error"
			if errors.Is(err, ErrProviderQuota) {
				result = "quota_exhausted"
			}
			r.metrics.ObserveLookup(provider.Name(), result, elapsed)
			if r.logger != nil {
				r.logger.Warn("Reputation provider failed", map[string]interface{}{
					"provider": provider.Name(),
					"ip":       ip,
					"error":    err.Error(),
				})
			}
			continue
		}

		r.metrics.ObserveLookup(provider.Name(), "success", elapsed)

		// Registro novo: nada é alterado depois de entrar no cache
		resolved := *record
		resolved.IP = ip
		resolved.Source = provider.Name()
		resolved.ResolvedAt = now
		resolved.RiskScore = r.risk.Score(&resolved)

		if r.logger != nil {
			r.logger.Debug("Reputation resolved", map[string]interface{}{
				"provider":   provider.Name(),
				"ip":         ip,
				"country":    resolved.CountryCode,
				"risk_score": resolved.RiskScore,
			})
		}
		return &resolved
	}

	if r.logger != nil {
		r.logger.Warn("All reputation providers failed, using fallback", map[string]interface{}{
			"ip": ip,
		})
	}
	return FallbackRecord(ip, now)
}

// FallbackRecord é o registro usado quando nenhum provedor responde
func FallbackRecord(ip string, now time.Time) *domain.ReputationRecord {
	return &domain.ReputationRecord{
		IP:          ip,
		Country:     "Unknown",
		CountryCode: domain.UnknownCountryCode,
		RiskScore:   domain.FallbackRiskScore,
		Source:      FallbackSource,
		ResolvedAt:  now,
	}
}
