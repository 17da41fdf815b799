package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"edge-admission/internal/domain"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	redisAllowKey     = "admission:policy:allow"
	redisDenyKey      = "admission:policy:deny"
	redisCountryKey   = "admission:policy:countries"
	redisReputationNS = "admission:reputation:"
)

// RedisPolicyStore compartilha listas e overrides de país entre instâncias
type RedisPolicyStore struct {
	client redis.Cmdable
}

// NewRedisPolicyStore cria o policy store sobre um cliente existente
func NewRedisPolicyStore(client redis.Cmdable) *RedisPolicyStore {
	return &RedisPolicyStore{client: client}
}

func (p *RedisPolicyStore) IsAllowListed(ctx context.Context, ip string) (bool, error) {
	allowed, err := p.client.SIsMember(ctx, redisAllowKey, ip).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check allow-list for %s: %w", ip, err)
	}
	return allowed, nil
}

func (p *RedisPolicyStore) IsDenyListed(ctx context.Context, ip string, now time.Time) (bool, error) {
	raw, err := p.client.HGet(ctx, redisDenyKey, ip).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check deny-list for %s: %w", ip, err)
	}

	expiresAt, err := parseDenyExpiry(raw)
	if err != nil {
		return false, fmt.Errorf("invalid deny-list entry for %s: %w", ip, err)
	}
	if expiresAt.IsZero() || now.Before(expiresAt) {
		return true, nil
	}

	// Expirou: remove de forma preguiçosa
	p.client.HDel(ctx, redisDenyKey, ip)
	return false, nil
}

func (p *RedisPolicyStore) AddAllow(ctx context.Context, ip string) error {
	if err := p.client.SAdd(ctx, redisAllowKey, ip).Err(); err != nil {
		return fmt.Errorf("failed to add %s to allow-list: %w", ip, err)
	}
	return nil
}

func (p *RedisPolicyStore) RemoveAllow(ctx context.Context, ip string) error {
	if err := p.client.SRem(ctx, redisAllowKey, ip).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from allow-list: %w", ip, err)
	}
	return nil
}

func (p *RedisPolicyStore) AddDeny(ctx context.Context, ip string, expiresAt time.Time) error {
	if err := p.client.HSet(ctx, redisDenyKey, ip, formatDenyExpiry(expiresAt)).Err(); err != nil {
		return fmt.Errorf("failed to add %s to deny-list: %w", ip, err)
	}
	return nil
}

func (p *RedisPolicyStore) RemoveDeny(ctx context.Context, ip string) error {
	if err := p.client.HDel(ctx, redisDenyKey, ip).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from deny-list: %w", ip, err)
	}
	return nil
}

func (p *RedisPolicyStore) CountryOverride(ctx context.Context, countryCode string) (*domain.CountryOverride, error) {
	raw, err := p.client.HGet(ctx, redisCountryKey, countryCode).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read override for %s: %w", countryCode, err)
	}

	var override domain.CountryOverride
	if err := json.Unmarshal(raw, &override); err != nil {
		return nil, fmt.Errorf("failed to decode override for %s: %w", countryCode, err)
	}
	return &override, nil
}

func (p *RedisPolicyStore) SetCountryOverride(ctx context.Context, countryCode string, override domain.CountryOverride) error {
	data, err := json.Marshal(override)
	if err != nil {
		return fmt.Errorf("failed to encode override for %s: %w", countryCode, err)
	}
	if err := p.client.HSet(ctx, redisCountryKey, countryCode, data).Err(); err != nil {
		return fmt.Errorf("failed to store override for %s: %w", countryCode, err)
	}
	return nil
}

func (p *RedisPolicyStore) DeleteCountryOverride(ctx context.Context, countryCode string) error {
	if err := p.client.HDel(ctx, redisCountryKey, countryCode).Err(); err != nil {
		return fmt.Errorf("failed to delete override for %s: %w", countryCode, err)
	}
	return nil
}

// Snapshot lê as três estruturas em um único pipeline
func (p *RedisPolicyStore) Snapshot(ctx context.Context, now time.Time) (*domain.PolicySnapshot, error) {
	pipe := p.client.Pipeline()
	allowCmd := pipe.SMembers(ctx, redisAllowKey)
	denyCmd := pipe.HGetAll(ctx, redisDenyKey)
	countriesCmd := pipe.HGetAll(ctx, redisCountryKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}

	snapshot := &domain.PolicySnapshot{
		AllowList:        allowCmd.Val(),
		DenyList:         []domain.DenyListEntry{},
		CountryOverrides: make(map[string]domain.CountryOverride),
	}
	if snapshot.AllowList == nil {
		snapshot.AllowList = []string{}
	}

	for ip, raw := range denyCmd.Val() {
		expiresAt, err := parseDenyExpiry(raw)
		if err != nil {
			continue
		}
		if !expiresAt.IsZero() && !now.Before(expiresAt) {
			continue
		}
		snapshot.DenyList = append(snapshot.DenyList, newDenyListEntry(ip, expiresAt))
	}

	for code, raw := range countriesCmd.Val() {
		var override domain.CountryOverride
		if err := json.Unmarshal([]byte(raw), &override); err != nil {
			continue
		}
		snapshot.CountryOverrides[code] = override
	}

	sortSnapshot(snapshot)
	return snapshot, nil
}

// formatDenyExpiry serializa a expiração em unix ms ("0" = permanente)
func formatDenyExpiry(expiresAt time.Time) string {
	if expiresAt.IsZero() {
		return "0"
	}
	return strconv.FormatInt(expiresAt.UnixMilli(), 10)
}

func parseDenyExpiry(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

// RedisReputationCache compartilha registros de reputação entre instâncias
type RedisReputationCache struct {
	client redis.Cmdable
	logger domain.Logger
}

// NewRedisReputationCache cria o cache sobre um cliente existente
func NewRedisReputationCache(client redis.Cmdable, logger domain.Logger) *RedisReputationCache {
	return &RedisReputationCache{client: client, logger: logger}
}

func (c *RedisReputationCache) Get(ctx context.Context, ip string, now time.Time) (*domain.ReputationRecord, bool) {
	raw, err := c.client.Get(ctx, redisReputationNS+ip).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) && c.logger != nil {
			c.logger.Warn("Reputation cache read failed", map[string]interface{}{
				"ip":    ip,
				"error": err.Error(),
			})
		}
		return nil, false
	}

	var record domain.ReputationRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false
	}
	return &record, true
}

func (c *RedisReputationCache) Set(ctx context.Context, record *domain.ReputationRecord, expiresAt time.Time) {
	if record == nil {
		return
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisReputationNS+record.IP, data, ttl).Err(); err != nil && c.logger != nil {
		c.logger.Warn("Reputation cache write failed", map[string]interface{}{
			"ip":    record.IP,
			"error": err.Error(),
		})
	}
}

func (c *RedisReputationCache) Delete(ctx context.Context, ip string) {
	c.client.Del(ctx, redisReputationNS+ip)
}

// Len não é rastreado no Redis; o tamanho real fica no servidor
func (c *RedisReputationCache) Len() int {
	return -1
}
