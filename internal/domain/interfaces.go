package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidIP            = errors.New("invalid IP address")
	ErrInvalidCountryCode   = errors.New("invalid country code")
	ErrProviderFailed       = errors.New("reputation provider failed")
	ErrChallengeUnavailable = errors.New("challenge verification unavailable")
)

// CounterStore define a interface para armazenamento dos contadores
// Implementa o Strategy Pattern: memória do processo ou Redis compartilhado
type CounterStore interface {
	// Take executa atomicamente bloqueio + reset de janela + incremento para uma chave
	Take(ctx context.Context, key string, req TakeRequest) (*TakeResult, error)

	// Get recupera a entrada de uma chave (nil se não existir)
	Get(ctx context.Context, key string) (*CounterEntry, error)

	// Block define blockedUntil em uma entrada existente
	Block(ctx context.Context, key string, until time.Time) error

	// Unblock limpa blockedUntil de uma entrada existente
	Unblock(ctx context.Context, key string) error

	// Reset remove a entrada de uma chave
	Reset(ctx context.Context, key string) error

	// RecordCountry incrementa o total de requisições vistas de um país
	RecordCountry(ctx context.Context, countryCode string) error

	// Stats retorna os agregados do store
	Stats(ctx context.Context, now time.Time) (*StoreStats, error)

	// Health verifica se o storage está saudável
	Health(ctx context.Context) error

	// Close fecha a conexão com o storage
	Close() error
}

// PolicyStore guarda o estado mutável da política: listas e overrides de país
type PolicyStore interface {
	IsAllowListed(ctx context.Context, ip string) (bool, error)
	IsDenyListed(ctx context.Context, ip string, now time.Time) (bool, error)
	AddAllow(ctx context.Context, ip string) error
	RemoveAllow(ctx context.Context, ip string) error
	// AddDeny adiciona o IP à deny-list; expiresAt zero significa permanente
	AddDeny(ctx context.Context, ip string, expiresAt time.Time) error
	RemoveDeny(ctx context.Context, ip string) error
	CountryOverride(ctx context.Context, countryCode string) (*CountryOverride, error)
	SetCountryOverride(ctx context.Context, countryCode string, override CountryOverride) error
	DeleteCountryOverride(ctx context.Context, countryCode string) error
	Snapshot(ctx context.Context, now time.Time) (*PolicySnapshot, error)
}

// ReputationCache guarda registros de reputação com expiração
type ReputationCache interface {
	Get(ctx context.Context, ip string, now time.Time) (*ReputationRecord, bool)
	Set(ctx context.Context, record *ReputationRecord, expiresAt time.Time)
	Delete(ctx context.Context, ip string)
	Len() int
}

// ReputationProvider é um provedor externo de geolocalização/reputação
type ReputationProvider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*ReputationRecord, error)
}

// ReputationResolver resolve a reputação de um IP; nunca falha
type ReputationResolver interface {
	Resolve(ctx context.Context, ip string) *ReputationRecord
	Cached(ctx context.Context, ip string) (*ReputationRecord, bool)
}

// AdmissionService define a interface do serviço de decisão de admissão
// Separação da lógica do middleware
type AdmissionService interface {
	// CheckAdmission decide se a requisição passa pelo limite geral por IP
	CheckAdmission(ctx context.Context, ip string, reputation *ReputationRecord) (*AdmissionResult, error)

	// CheckRouteAdmission decide usando a quota específica da rota (contador IP+rota)
	CheckRouteAdmission(ctx context.Context, ip string, reputation *ReputationRecord, route RouteBudget) (*AdmissionResult, error)

	BanIP(ctx context.Context, ip string, duration time.Duration) error
	UnbanIP(ctx context.Context, ip string) error
	AllowIP(ctx context.Context, ip string) error
	DisallowIP(ctx context.Context, ip string) error
	BanCountry(ctx context.Context, countryCode, reason string) error
	UnbanCountry(ctx context.Context, countryCode string) error

	GetStats(ctx context.Context) (*AdmissionStats, error)
	GetStatus(ctx context.Context, ip string) (*CounterEntry, error)
	GetPolicy(ctx context.Context) (*PolicySnapshot, error)
	Reset(ctx context.Context, ip string) error
}

// ChallengeVerifier valida tokens de verificação humana em um serviço externo
type ChallengeVerifier interface {
	Enabled() bool
	Verify(ctx context.Context, token, sourceIP string) (*ChallengeResult, error)
}

// Logger define a interface para logging estruturado
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
	WithFields(fields map[string]interface{}) Logger
}

// ConfigLoader define a interface para carregamento de configurações
type ConfigLoader interface {
	LoadConfig() (*AdmissionConfig, error)
	LoadPolicy() (*PolicyFile, error)
	Reload() error
}

// PolicyFile representa o conteúdo do arquivo de política
type PolicyFile struct {
	CountryOverrides      map[string]CountryOverride
	IPAllowList           []string
	IPDenyList            []string
	RouteBudgets          []RouteBudget
	ChallengePaths        []string
	ChallengeActions      []string
	HighRiskCountries     []string
	SuspiciousISPKeywords []string
}
