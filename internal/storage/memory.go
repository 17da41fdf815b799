package storage

import (
	"context"
	"sync"
	"time"

	"edge-admission/internal/domain"

	"github.com/zeebo/xxh3"
)

const memoryShardCount = 32

// staleEntryGrace é quanto tempo uma entrada expirada e sem bloqueio sobrevive à limpeza
const staleEntryGrace = time.Hour

type counterShard struct {
	mu      sync.Mutex
	entries map[string]*domain.CounterEntry
}

// MemoryStorage implementa domain.CounterStore em memória do processo.
// Cada shard serializa o check-then-increment das suas chaves.
type MemoryStorage struct {
	shards    []counterShard
	countryMu sync.Mutex
	countries map[string]int64
	logger    domain.Logger
	now       func() time.Time
	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStorage cria uma nova instância do MemoryStorage
func NewMemoryStorage(logger domain.Logger) *MemoryStorage {
	storage := &MemoryStorage{
		shards:    make([]counterShard, memoryShardCount),
		countries: make(map[string]int64),
		logger:    logger,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	for i := range storage.shards {
		storage.shards[i].entries = make(map[string]*domain.CounterEntry)
	}

	// Inicia goroutine de limpeza
	go storage.cleanup()

	if logger != nil {
		logger.Info("Memory storage initialized", map[string]interface{}{
			"shards": memoryShardCount,
		})
	}

	return storage
}

// Take executa o consumo de quota de forma atômica para a chave
func (m *MemoryStorage) Take(ctx context.Context, key string, req domain.TakeRequest) (*domain.TakeResult, error) {
	start := time.Now()
	shard := m.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := req.Now
	entry, exists := shard.entries[key]
	if !exists {
		entry = &domain.CounterEntry{Key: key}
		shard.entries[key] = entry
	}
	entry.LastCountry = req.Country
	entry.LastRiskScore = req.RiskScore
	entry.LastSeen = now

	result := &domain.TakeResult{Outcome: domain.TakeAllowed}

	switch {
	case entry.IsBlocked(now):
		result.Outcome = domain.TakeBlocked

	case entry.Count == 0 || !now.Before(entry.WindowResetAt):
		// Janela nova (ou expirada): reinicia o contador
		entry.Count = 1
		entry.WindowResetAt = now.Add(req.Budget.Window)
		entry.BlockedUntil = nil

	case entry.Count >= req.Budget.MaxRequests:
		blockedUntil := now.Add(req.BlockDuration)
		entry.BlockedUntil = &blockedUntil
		result.Outcome = domain.TakeExceeded

	default:
		entry.Count++
	}

	result.Count = entry.Count
	result.WindowResetAt = entry.WindowResetAt
	if entry.BlockedUntil != nil {
		blockedUntil := *entry.BlockedUntil
		result.BlockedUntil = &blockedUntil
	}

	m.logStorageOperation("TAKE", key, start, nil)
	return result, nil
}

// Get recupera uma cópia da entrada de uma chave
func (m *MemoryStorage) Get(ctx context.Context, key string) (*domain.CounterEntry, error) {
	start := time.Now()
	shard := m.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, exists := shard.entries[key]
	if !exists {
		m.logStorageOperation("GET", key, start, nil)
		return nil, nil
	}

	m.logStorageOperation("GET", key, start, nil)
	return copyEntry(entry), nil
}

// Block define blockedUntil em uma entrada existente
func (m *MemoryStorage) Block(ctx context.Context, key string, until time.Time) error {
	start := time.Now()
	shard := m.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, exists := shard.entries[key]; exists {
		blockedUntil := until
		entry.BlockedUntil = &blockedUntil
	}

	m.logStorageOperation("BLOCK", key, start, nil)
	return nil
}

// Unblock remove o bloqueio de uma entrada existente
func (m *MemoryStorage) Unblock(ctx context.Context, key string) error {
	start := time.Now()
	shard := m.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, exists := shard.entries[key]; exists {
		entry.BlockedUntil = nil
	}

	m.logStorageOperation("UNBLOCK", key, start, nil)
	return nil
}

// Reset limpa os dados de uma chave
func (m *MemoryStorage) Reset(ctx context.Context, key string) error {
	start := time.Now()
	shard := m.shardFor(key)

	shard.mu.Lock()
	delete(shard.entries, key)
	shard.mu.Unlock()

	m.logStorageOperation("RESET", key, start, nil)
	return nil
}

// RecordCountry incrementa o total de requisições do país
func (m *MemoryStorage) RecordCountry(ctx context.Context, countryCode string) error {
	m.countryMu.Lock()
	m.countries[countryCode]++
	m.countryMu.Unlock()
	return nil
}

// Stats retorna os agregados do store em memória
func (m *MemoryStorage) Stats(ctx context.Context, now time.Time) (*domain.StoreStats, error) {
	stats := &domain.StoreStats{CountryRequests: make(map[string]int64)}

	for i := range m.shards {
		shard := &m.shards[i]
		shard.mu.Lock()
		stats.TrackedKeys += len(shard.entries)
		for _, entry := range shard.entries {
			if entry.IsBlocked(now) {
				stats.BlockedKeys++
			}
		}
		shard.mu.Unlock()
	}

	m.countryMu.Lock()
	for code, count := range m.countries {
		stats.CountryRequests[code] = count
	}
	m.countryMu.Unlock()

	return stats, nil
}

// Health verifica se o storage está saudável
func (m *MemoryStorage) Health(ctx context.Context) error {
	if m.logger != nil {
		stats, _ := m.Stats(ctx, m.now())
		m.logger.Debug("Memory storage health check", map[string]interface{}{
			"tracked_keys": stats.TrackedKeys,
			"blocked_keys": stats.BlockedKeys,
		})
	}
	return nil
}

// Close encerra a limpeza periódica e descarta os dados
func (m *MemoryStorage) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)

		for i := range m.shards {
			shard := &m.shards[i]
			shard.mu.Lock()
			shard.entries = make(map[string]*domain.CounterEntry)
			shard.mu.Unlock()
		}

		if m.logger != nil {
			m.logger.Info("Memory storage closed", nil)
		}
	})
	return nil
}

// cleanup remove entradas expiradas periodicamente
func (m *MemoryStorage) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.cleanupExpiredEntries(m.now())
		}
	}
}

// cleanupExpiredEntries remove entradas com janela vencida, sem bloqueio ativo e ociosas.
// Uma entrada ausente equivale a uma entrada com janela expirada.
func (m *MemoryStorage) cleanupExpiredEntries(now time.Time) int {
	removed := 0
	for i := range m.shards {
		shard := &m.shards[i]
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if entry.IsBlocked(now) || now.Before(entry.WindowResetAt) {
				continue
			}
			if now.Sub(entry.LastSeen) > staleEntryGrace {
				delete(shard.entries, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}

	if removed > 0 && m.logger != nil {
		m.logger.Debug("Memory storage cleanup completed", map[string]interface{}{
			"removed_entries": removed,
		})
	}
	return removed
}

func (m *MemoryStorage) shardFor(key string) *counterShard {
	return &m.shards[xxh3.HashString(key)%uint64(len(m.shards))]
}

func copyEntry(entry *domain.CounterEntry) *domain.CounterEntry {
	result := *entry
	if entry.BlockedUntil != nil {
		blockedUntil := *entry.BlockedUntil
		result.BlockedUntil = &blockedUntil
	}
	return &result
}

// logStorageOperation registra operações de storage
func (m *MemoryStorage) logStorageOperation(operation, key string, start time.Time, err error) {
	if m.logger == nil {
		return
	}

	fields := map[string]interface{}{
		"operation": operation,
		"key":       key,
		"latency":   time.Since(start).Seconds() * 1000,
	}
	if err != nil {
		m.logger.Error("Storage operation failed", err, fields)
		return
	}
	m.logger.Debug("Storage operation completed", fields)
}
