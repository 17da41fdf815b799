package storage

import (
	"fmt"
	"strings"
	"time"

	"edge-admission/internal/domain"

	"github.com/go-redis/redis/v8"
)

// StorageType define os tipos de storage disponíveis
type StorageType string

const (
	RedisStorageType  StorageType = "redis"
	MemoryStorageType StorageType = "memory"
)

// reputationSweepInterval é a frequência de varredura do cache de reputação em memória
const reputationSweepInterval = 5 * time.Minute

// StorageConfig contém configurações para criação de storage
type StorageConfig struct {
	Type        StorageType
	RedisConfig *RedisConfig
}

// RedisConfig contém configurações específicas do Redis
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	Database int
}

// Stores agrupa os três stores usados pelo motor de admissão.
// Todos compartilham a mesma estratégia (memória ou Redis).
type Stores struct {
	Counters   domain.CounterStore
	Policy     domain.PolicyStore
	Reputation domain.ReputationCache

	closers []func() error
}

// Close libera os recursos de todos os stores
func (s *Stores) Close() error {
	var firstErr error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StorageFactory cria instâncias de storage seguindo Strategy Pattern
type StorageFactory struct{}

// NewStorageFactory cria uma nova instância da factory
func NewStorageFactory() *StorageFactory {
	return &StorageFactory{}
}

// CreateStores cria os stores baseados na configuração
func (f *StorageFactory) CreateStores(config *StorageConfig, logger domain.Logger) (*Stores, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	switch StorageType(strings.ToLower(string(config.Type))) {
	case RedisStorageType:
		return f.createRedisStores(config.RedisConfig, logger)
	default:
		return f.createMemoryStores(logger), nil
	}
}

// createRedisStores conecta no Redis e monta os stores compartilhados
func (f *StorageFactory) createRedisStores(config *RedisConfig, logger domain.Logger) (*Stores, error) {
	client, err := NewRedisClient(config.Host, config.Port, config.Password, config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis storage: %w", err)
	}

	if logger != nil {
		logger.Info("Redis storage created successfully", map[string]interface{}{
			"host":     config.Host,
			"port":     config.Port,
			"database": config.Database,
		})
	}

	return NewRedisStores(client, logger), nil
}

// NewRedisStores monta os stores sobre um cliente já conectado
func NewRedisStores(client redis.Cmdable, logger domain.Logger) *Stores {
	counters := NewRedisStorage(client, logger)
	return &Stores{
		Counters:   counters,
		Policy:     NewRedisPolicyStore(client),
		Reputation: NewRedisReputationCache(client, logger),
		closers:    []func() error{counters.Close},
	}
}

// createMemoryStores cria os stores em memória do processo
func (f *StorageFactory) createMemoryStores(logger domain.Logger) *Stores {
	counters := NewMemoryStorage(logger)
	cache := NewMemoryReputationCache(reputationSweepInterval)

	if logger != nil {
		logger.Info("Memory storage created successfully", nil)
	}

	return &Stores{
		Counters:   counters,
		Policy:     NewMemoryPolicyStore(),
		Reputation: cache,
		closers: []func() error{
			counters.Close,
			func() error { cache.Close(); return nil },
		},
	}
}

// GetSupportedTypes retorna os tipos de storage suportados
func (f *StorageFactory) GetSupportedTypes() []StorageType {
	return []StorageType{RedisStorageType, MemoryStorageType}
}

// ValidateConfig valida uma configuração de storage
func (f *StorageFactory) ValidateConfig(config *StorageConfig) error {
	if config == nil {
		return fmt.Errorf("storage config cannot be nil")
	}

	switch StorageType(strings.ToLower(string(config.Type))) {
	case RedisStorageType:
		return f.validateRedisConfig(config.RedisConfig)
	case MemoryStorageType:
		// Memory storage não precisa de configurações específicas
		return nil
	default:
		return fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// validateRedisConfig valida configuração do Redis
func (f *StorageFactory) validateRedisConfig(config *RedisConfig) error {
	if config == nil {
		return fmt.Errorf("Redis config cannot be nil")
	}
	if config.Host == "" {
		return fmt.Errorf("Redis host cannot be empty")
	}
	if config.Port == "" {
		return fmt.Errorf("Redis port cannot be empty")
	}
	if config.Database < 0 || config.Database > 15 {
		return fmt.Errorf("Redis database must be between 0 and 15, got: %d", config.Database)
	}
	return nil
}

// BuildStorageConfigFromEnv constrói configuração de storage a partir de variáveis de ambiente
func BuildStorageConfigFromEnv(storageType, redisHost, redisPort, redisPassword string, redisDB int) *StorageConfig {
	config := &StorageConfig{
		Type: StorageType(strings.ToLower(storageType)),
	}

	if config.Type == RedisStorageType {
		config.RedisConfig = &RedisConfig{
			Host:     redisHost,
			Port:     redisPort,
			Password: redisPassword,
			Database: redisDB,
		}
	}

	return config
}
