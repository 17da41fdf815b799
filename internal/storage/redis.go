package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"edge-admission/internal/domain"

	"github.com/go-redis/redis/v8"
)

const (
	redisIndexKey     = "admission:index"
	redisCountriesKey = "admission:countries"
	// redisEntryGrace mantém a entrada um pouco além da janela/bloqueio
	redisEntryGrace = time.Hour
)

// takeScript executa bloqueio + reset de janela + incremento atomicamente
var takeScript = redis.NewScript(`
	local key = KEYS[1]
	local index = KEYS[2]
	local maxRequests = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local block = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])
	local grace = tonumber(ARGV[7])

	local data = redis.call('HMGET', key, 'count', 'reset_at', 'blocked_until')
	local count = tonumber(data[1]) or 0
	local resetAt = tonumber(data[2]) or 0
	local blockedUntil = tonumber(data[3]) or 0
	local outcome = 'allowed'

	if blockedUntil > now then
		outcome = 'blocked'
	elseif count == 0 or now >= resetAt then
		count = 1
		resetAt = now + window
		blockedUntil = 0
	elseif count >= maxRequests then
		blockedUntil = now + block
		outcome = 'exceeded'
	else
		count = count + 1
	end

	redis.call('HSET', key,
		'count', count,
		'reset_at', resetAt,
		'blocked_until', blockedUntil,
		'country', ARGV[5],
		'risk', ARGV[6],
		'last_seen', now)

	local expireAt = math.max(resetAt, blockedUntil)
	redis.call('PEXPIRE', key, math.max(expireAt - now, 0) + grace)
	redis.call('SADD', index, key)

	return {outcome, count, resetAt, blockedUntil}
`)

// blockScript altera blocked_until somente se a entrada existir
var blockScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call('EXISTS', key) == 0 then
		return 0
	end
	local blockedUntil = tonumber(ARGV[1])
	redis.call('HSET', key, 'blocked_until', blockedUntil)
	if blockedUntil > 0 then
		local ttl = redis.call('PTTL', key)
		local needed = blockedUntil - tonumber(ARGV[2]) + tonumber(ARGV[3])
		if ttl < needed then
			redis.call('PEXPIRE', key, needed)
		end
	end
	return 1
`)

// RedisStorage implementa domain.CounterStore usando Redis
type RedisStorage struct {
	client redis.Cmdable
	logger domain.Logger
}

// NewRedisClient configura e testa um cliente Redis
func NewRedisClient(host, port, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,

		// Configurações de performance
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// NewRedisStorage cria o counter store sobre um cliente existente
func NewRedisStorage(client redis.Cmdable, logger domain.Logger) *RedisStorage {
	return &RedisStorage{
		client: client,
		logger: logger,
	}
}

// Take executa o consumo de quota via script Lua
func (r *RedisStorage) Take(ctx context.Context, key string, req domain.TakeRequest) (*domain.TakeResult, error) {
	start := time.Now()

	reply, err := takeScript.Run(ctx, r.client, []string{key, redisIndexKey},
		req.Budget.MaxRequests,
		req.Budget.Window.Milliseconds(),
		req.BlockDuration.Milliseconds(),
		req.Now.UnixMilli(),
		req.Country,
		req.RiskScore,
		redisEntryGrace.Milliseconds(),
	).Result()
	if err != nil {
		r.logStorageOperation("TAKE", key, start, err)
		return nil, fmt.Errorf("failed to take quota for key %s: %w", key, err)
	}

	result, err := parseTakeReply(reply)
	if err != nil {
		r.logStorageOperation("TAKE", key, start, err)
		return nil, fmt.Errorf("invalid take result for key %s: %w", key, err)
	}

	r.logStorageOperation("TAKE", key, start, nil)
	return result, nil
}

// Get recupera a entrada de uma chave
func (r *RedisStorage) Get(ctx context.Context, key string) (*domain.CounterEntry, error) {
	start := time.Now()

	values, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		r.logStorageOperation("GET", key, start, err)
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if len(values) == 0 {
		r.logStorageOperation("GET", key, start, nil)
		return nil, nil
	}

	entry, err := parseEntry(key, values)
	if err != nil {
		r.logStorageOperation("GET", key, start, err)
		return nil, fmt.Errorf("failed to parse entry for key %s: %w", key, err)
	}

	r.logStorageOperation("GET", key, start, nil)
	return entry, nil
}

// Block define blockedUntil em uma entrada existente
func (r *RedisStorage) Block(ctx context.Context, key string, until time.Time) error {
	return r.setBlockedUntil(ctx, "BLOCK", key, until.UnixMilli())
}

// Unblock limpa blockedUntil de uma entrada existente
func (r *RedisStorage) Unblock(ctx context.Context, key string) error {
	return r.setBlockedUntil(ctx, "UNBLOCK", key, 0)
}

func (r *RedisStorage) setBlockedUntil(ctx context.Context, operation, key string, untilMs int64) error {
	start := time.Now()

	err := blockScript.Run(ctx, r.client, []string{key},
		untilMs, time.Now().UnixMilli(), redisEntryGrace.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logStorageOperation(operation, key, start, err)
		return fmt.Errorf("failed to update block for key %s: %w", key, err)
	}

	r.logStorageOperation(operation, key, start, nil)
	return nil
}

// Reset limpa os dados de uma chave
func (r *RedisStorage) Reset(ctx context.Context, key string) error {
	start := time.Now()

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, redisIndexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logStorageOperation("RESET", key, start, err)
		return fmt.Errorf("failed to reset key %s: %w", key, err)
	}

	r.logStorageOperation("RESET", key, start, nil)
	return nil
}

// RecordCountry incrementa o total de requisições do país
func (r *RedisStorage) RecordCountry(ctx context.Context, countryCode string) error {
	if err := r.client.HIncrBy(ctx, redisCountriesKey, countryCode, 1).Err(); err != nil {
		return fmt.Errorf("failed to record country %s: %w", countryCode, err)
	}
	return nil
}

// Stats percorre o índice de chaves e agrega contadores e bloqueios
func (r *RedisStorage) Stats(ctx context.Context, now time.Time) (*domain.StoreStats, error) {
	stats := &domain.StoreStats{CountryRequests: make(map[string]int64)}
	nowMs := now.UnixMilli()

	var cursor uint64
	for {
		keys, next, err := r.client.SScan(ctx, redisIndexKey, cursor, "", 500).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan key index: %w", err)
		}

		if len(keys) > 0 {
			pipe := r.client.Pipeline()
			cmds := make([]*redis.SliceCmd, len(keys))
			for i, key := range keys {
				cmds[i] = pipe.HMGet(ctx, key, "blocked_until")
			}
			if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
				return nil, fmt.Errorf("failed to read entries: %w", err)
			}

			var stale []interface{}
			for i, cmd := range cmds {
				values, err := cmd.Result()
				if err != nil || len(values) == 0 || values[0] == nil {
					// A chave expirou no Redis; remove do índice
					stale = append(stale, keys[i])
					continue
				}
				stats.TrackedKeys++
				if blockedUntil, err := strconv.ParseInt(fmt.Sprint(values[0]), 10, 64); err == nil && blockedUntil > nowMs {
					stats.BlockedKeys++
				}
			}
			if len(stale) > 0 {
				r.client.SRem(ctx, redisIndexKey, stale...)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	countries, err := r.client.HGetAll(ctx, redisCountriesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read country tally: %w", err)
	}
	for code, value := range countries {
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		stats.CountryRequests[code] = count
	}

	return stats, nil
}

// Health verifica se o storage está saudável
func (r *RedisStorage) Health(ctx context.Context) error {
	start := time.Now()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logStorageOperation("HEALTH", "ping", start, err)
		return fmt.Errorf("Redis health check failed: %w", err)
	}

	r.logStorageOperation("HEALTH", "ping", start, nil)
	return nil
}

// Close fecha a conexão com o storage
func (r *RedisStorage) Close() error {
	if client, ok := r.client.(*redis.Client); ok {
		if err := client.Close(); err != nil {
			if r.logger != nil {
				r.logger.Error("Failed to close Redis connection", err, nil)
			}
			return err
		}
		if r.logger != nil {
			r.logger.Info("Redis connection closed", nil)
		}
	}
	return nil
}

// parseTakeReply converte o retorno do script em TakeResult
func parseTakeReply(reply interface{}) (*domain.TakeResult, error) {
	values, ok := reply.([]interface{})
	if !ok || len(values) != 4 {
		return nil, fmt.Errorf("unexpected reply format: %v", reply)
	}

	outcome, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected outcome: %v", values[0])
	}

	numbers := make([]int64, 3)
	for i := range numbers {
		n, err := strconv.ParseInt(fmt.Sprint(values[i+1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected numeric value %v: %w", values[i+1], err)
		}
		numbers[i] = n
	}

	result := &domain.TakeResult{
		Outcome:       domain.TakeOutcome(outcome),
		Count:         int(numbers[0]),
		WindowResetAt: time.UnixMilli(numbers[1]),
	}
	switch result.Outcome {
	case domain.TakeAllowed, domain.TakeBlocked, domain.TakeExceeded:
	default:
		return nil, fmt.Errorf("unknown outcome %q", outcome)
	}
	if numbers[2] > 0 {
		blockedUntil := time.UnixMilli(numbers[2])
		result.BlockedUntil = &blockedUntil
	}
	return result, nil
}

// parseEntry converte o hash do Redis em CounterEntry
func parseEntry(key string, values map[string]string) (*domain.CounterEntry, error) {
	entry := &domain.CounterEntry{
		Key:         key,
		LastCountry: values["country"],
	}

	count, err := strconv.Atoi(values["count"])
	if err != nil {
		return nil, fmt.Errorf("invalid count: %w", err)
	}
	entry.Count = count

	resetAt, err := strconv.ParseInt(values["reset_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid reset_at: %w", err)
	}
	entry.WindowResetAt = time.UnixMilli(resetAt)

	if raw := values["blocked_until"]; raw != "" && raw != "0" {
		blockedUntil, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked_until: %w", err)
		}
		until := time.UnixMilli(blockedUntil)
		entry.BlockedUntil = &until
	}

	if raw := values["risk"]; raw != "" {
		if risk, err := strconv.Atoi(raw); err == nil {
			entry.LastRiskScore = risk
		}
	}
	if raw := values["last_seen"]; raw != "" {
		if lastSeen, err := strconv.ParseInt(raw, 10, 64); err == nil {
			entry.LastSeen = time.UnixMilli(lastSeen)
		}
	}

	return entry, nil
}

// logStorageOperation registra operações de storage
func (r *RedisStorage) logStorageOperation(operation, key string, start time.Time, err error) {
	if r.logger == nil {
		return
	}

	fields := map[string]interface{}{
		"operation": operation,
		"key":       key,
		"latency":   time.Since(start).Seconds() * 1000,
	}
	if err != nil {
		r.logger.Error("Storage operation failed", err, fields)
		return
	}
	r.logger.Debug("Storage operation completed", fields)
}
