package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"edge-admission/internal/domain"
)

// MemoryPolicyStore implementa domain.PolicyStore em memória do processo
type MemoryPolicyStore struct {
	mu        sync.RWMutex
	allow     map[string]struct{}
	deny      map[string]time.Time // ip -> expira em (zero = permanente)
	countries map[string]domain.CountryOverride
}

// NewMemoryPolicyStore cria a política vazia
func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		allow:     make(map[string]struct{}),
		deny:      make(map[string]time.Time),
		countries: make(map[string]domain.CountryOverride),
	}
}

func (p *MemoryPolicyStore) IsAllowListed(ctx context.Context, ip string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.allow[ip]
	return exists, nil
}

func (p *MemoryPolicyStore) IsDenyListed(ctx context.Context, ip string, now time.Time) (bool, error) {
	p.mu.RLock()
	expiresAt, exists := p.deny[ip]
	p.mu.RUnlock()

	if !exists {
		return false, nil
	}
	if expiresAt.IsZero() || now.Before(expiresAt) {
		return true, nil
	}

	// Expirou: remove de forma preguiçosa
	p.mu.Lock()
	if current, ok := p.deny[ip]; ok && current.Equal(expiresAt) {
		delete(p.deny, ip)
	}
	p.mu.Unlock()
	return false, nil
}

func (p *MemoryPolicyStore) AddAllow(ctx context.Context, ip string) error {
	p.mu.Lock()
	p.allow[ip] = struct{}{}
	p.mu.Unlock()
	return nil
}

func (p *MemoryPolicyStore) RemoveAllow(ctx context.Context, ip string) error {
	p.mu.Lock()
	delete(p.allow, ip)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPolicyStore) AddDeny(ctx context.Context, ip string, expiresAt time.Time) error {
	p.mu.Lock()
	p.deny[ip] = expiresAt
	p.mu.Unlock()
	return nil
}

func (p *MemoryPolicyStore) RemoveDeny(ctx context.Context, ip string) error {
	p.mu.Lock()
	delete(p.deny, ip)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPolicyStore) CountryOverride(ctx context.Context, countryCode string) (*domain.CountryOverride, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	override, exists := p.countries[countryCode]
	if !exists {
		return nil, nil
	}
	return &override, nil
}

func (p *MemoryPolicyStore) SetCountryOverride(ctx context.Context, countryCode string, override domain.CountryOverride) error {
	p.mu.Lock()
	p.countries[countryCode] = override
	p.mu.Unlock()
	return nil
}

func (p *MemoryPolicyStore) DeleteCountryOverride(ctx context.Context, countryCode string) error {
	p.mu.Lock()
	delete(p.countries, countryCode)
	p.mu.Unlock()
	return nil
}

// Snapshot retorna uma cópia ordenada da política, omitindo bloqueios expirados
func (p *MemoryPolicyStore) Snapshot(ctx context.Context, now time.Time) (*domain.PolicySnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot := &domain.PolicySnapshot{
		AllowList:        make([]string, 0, len(p.allow)),
		DenyList:         make([]domain.DenyListEntry, 0, len(p.deny)),
		CountryOverrides: make(map[string]domain.CountryOverride, len(p.countries)),
	}
	for ip := range p.allow {
		snapshot.AllowList = append(snapshot.AllowList, ip)
	}
	for ip, expiresAt := range p.deny {
		if !expiresAt.IsZero() && !now.Before(expiresAt) {
			continue
		}
		snapshot.DenyList = append(snapshot.DenyList, newDenyListEntry(ip, expiresAt))
	}
	for code, override := range p.countries {
		snapshot.CountryOverrides[code] = override
	}

	sortSnapshot(snapshot)
	return snapshot, nil
}

func newDenyListEntry(ip string, expiresAt time.Time) domain.DenyListEntry {
	entry := domain.DenyListEntry{IP: ip}
	if !expiresAt.IsZero() {
		expires := expiresAt
		entry.ExpiresAt = &expires
	}
	return entry
}

func sortSnapshot(snapshot *domain.PolicySnapshot) {
	sort.Strings(snapshot.AllowList)
	sort.Slice(snapshot.DenyList, func(i, j int) bool {
		return snapshot.DenyList[i].IP < snapshot.DenyList[j].IP
	})
}
