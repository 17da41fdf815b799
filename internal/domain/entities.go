package domain

import "time"

const (
	// UnknownCountryCode é usado quando nenhum provedor consegue resolver o IP
	UnknownCountryCode = "XX"
	// FallbackRiskScore é o score atribuído a IPs sem reputação conhecida
	FallbackRiskScore = 50
	// MaxRiskScore é o teto do score de risco
	MaxRiskScore = 100
	// UnlimitedRemaining sinaliza quota ilimitada (IPs da allow-list)
	UnlimitedRemaining = -1
)

// Motivos de negação expostos ao cliente
const (
	ReasonBlacklisted        = "IP address is blacklisted"
	ReasonPolicyViolation    = "Policy violation"
	ReasonTemporarilyBlocked = "Temporarily blocked due to rate limit violation"
	ReasonRateLimitExceeded  = "Rate limit exceeded"
)

// DecisionKind identifica qual regra do pipeline produziu a decisão
type DecisionKind string

const (
	DecisionAllowListed        DecisionKind = "allow_listed"
	DecisionDenyListed         DecisionKind = "deny_listed"
	DecisionCountryBanned      DecisionKind = "country_banned"
	DecisionTemporarilyBlocked DecisionKind = "temporarily_blocked"
	DecisionRateLimited        DecisionKind = "rate_limited"
	DecisionAllowed            DecisionKind = "allowed"
)

// ReputationRecord representa a reputação normalizada de um IP.
// Nunca é alterado após criado: uma nova consulta gera um novo registro.
type ReputationRecord struct {
	IP          string    `json:"ip"`
	Country     string    `json:"country"`
	CountryCode string    `json:"countryCode"`
	Region      string    `json:"region"`
	City        string    `json:"city"`
	Timezone    string    `json:"timezone"`
	ISP         string    `json:"isp"`
	IsVPN       bool      `json:"isVpn"`
	IsProxy     bool      `json:"isProxy"`
	IsTor       bool      `json:"isTor"`
	RiskScore   int       `json:"riskScore"`
	Source      string    `json:"source"`
	ResolvedAt  time.Time `json:"resolvedAt"`
}

// FallbackSource identifica registros criados sem resposta de nenhum provedor
const FallbackSource = "fallback"

// IsFallback indica se o registro veio do fallback (nenhum provedor respondeu)
func (r *ReputationRecord) IsFallback() bool {
	return r.Source == FallbackSource
}

// Budget define uma quota de requisições por janela
type Budget struct {
	MaxRequests int           `json:"maxRequests"`
	Window      time.Duration `json:"window"`
}

// CountryOverride substitui a quota padrão para um país, ou o bane
type CountryOverride struct {
	MaxRequests int           `json:"maxRequests,omitempty"`
	Window      time.Duration `json:"window,omitempty"`
	Banned      bool          `json:"banned"`
	Reason      string        `json:"reason,omitempty"`
}

// HasBudget indica se o override define uma quota própria
func (o CountryOverride) HasBudget() bool {
	return o.MaxRequests > 0 && o.Window > 0
}

// RouteBudget define uma quota mais restrita para um prefixo de rota
type RouteBudget struct {
	PathPrefix  string        `json:"pathPrefix"`
	MaxRequests int           `json:"maxRequests"`
	Window      time.Duration `json:"window"`
}

// Budget retorna a quota da rota
func (r RouteBudget) Budget() Budget {
	return Budget{MaxRequests: r.MaxRequests, Window: r.Window}
}

// CounterEntry representa o estado de uma chave de escopo (IP, IP+rota)
type CounterEntry struct {
	Key           string     `json:"key"`
	Count         int        `json:"count"`
	WindowResetAt time.Time  `json:"windowResetAt"`
	BlockedUntil  *time.Time `json:"blockedUntil,omitempty"`
	LastCountry   string     `json:"lastCountry"`
	LastRiskScore int        `json:"lastRiskScore"`
	LastSeen      time.Time  `json:"lastSeen"`
}

// IsBlocked indica se a chave está bloqueada no instante informado
func (e *CounterEntry) IsBlocked(now time.Time) bool {
	return e.BlockedUntil != nil && now.Before(*e.BlockedUntil)
}

// CurrentCount retorna o contador válido: zero quando a janela já expirou
func (e *CounterEntry) CurrentCount(now time.Time) int {
	if !now.Before(e.WindowResetAt) {
		return 0
	}
	return e.Count
}

// TakeOutcome é o resultado atômico de consumir uma unidade da quota
type TakeOutcome string

const (
	TakeAllowed  TakeOutcome = "allowed"
	TakeBlocked  TakeOutcome = "blocked"
	TakeExceeded TakeOutcome = "exceeded"
)

// TakeRequest descreve um consumo de quota para uma chave
type TakeRequest struct {
	Budget        Budget
	BlockDuration time.Duration
	Country       string
	RiskScore     int
	Now           time.Time
}

// TakeResult é o retorno do store após o check-then-increment
type TakeResult struct {
	Outcome       TakeOutcome
	Count         int
	WindowResetAt time.Time
	BlockedUntil  *time.Time
}

// AdmissionResult representa a decisão de admissão de uma requisição
type AdmissionResult struct {
	Allowed   bool         `json:"allowed"`
	Limit     int          `json:"limit"`
	Remaining int          `json:"remaining"`
	ResetAt   time.Time    `json:"resetAt"`
	Reason    string       `json:"reason,omitempty"`
	Kind      DecisionKind `json:"kind"`
	Scope     string       `json:"scope"`
}

// Unlimited indica se a quota é ilimitada
func (r *AdmissionResult) Unlimited() bool {
	return r.Remaining == UnlimitedRemaining
}

// RetryAfter retorna quantos segundos o cliente deve aguardar
func (r *AdmissionResult) RetryAfter(now time.Time) int {
	seconds := int(r.ResetAt.Sub(now).Seconds() + 0.999)
	if seconds < 0 {
		return 0
	}
	return seconds
}

// StoreStats são os agregados brutos de um CounterStore
type StoreStats struct {
	TrackedKeys     int              `json:"trackedKeys"`
	BlockedKeys     int              `json:"blockedKeys"`
	CountryRequests map[string]int64 `json:"countryRequests"`
}

// CountryCount é uma linha do ranking de requisições por país
type CountryCount struct {
	CountryCode string `json:"countryCode"`
	Requests    int64  `json:"requests"`
}

// AdmissionStats é a visão administrativa agregada
type AdmissionStats struct {
	TotalTracked     int            `json:"totalTracked"`
	CurrentlyBlocked int            `json:"currentlyBlocked"`
	Countries        []CountryCount `json:"countries"`
	DenyListed       int            `json:"denyListed"`
	AllowListed      int            `json:"allowListed"`
	BannedCountries  []string       `json:"bannedCountries"`
}

// DenyListEntry é um IP bloqueado administrativamente
type DenyListEntry struct {
	IP        string     `json:"ip"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// PolicySnapshot é a fotografia das listas e overrides de país
type PolicySnapshot struct {
	AllowList        []string                   `json:"allowList"`
	DenyList         []DenyListEntry            `json:"denyList"`
	CountryOverrides map[string]CountryOverride `json:"countryOverrides"`
}

// ChallengeResult é a resposta normalizada do serviço de verificação
type ChallengeResult struct {
	Success     bool     `json:"success"`
	Score       *float64 `json:"score,omitempty"`
	Action      string   `json:"action,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	ChallengeTS string   `json:"challengeTs,omitempty"`
	ErrorCodes  []string `json:"errorCodes,omitempty"`
}

// ChallengeVerification é o metadado anexado ao contexto após verificação
type ChallengeVerification struct {
	Verified bool    `json:"verified"`
	Score    float64 `json:"score"`
	Action   string  `json:"action"`
}

// ReputationConfig agrupa parâmetros dos provedores de reputação
type ReputationConfig struct {
	PrimaryURL            string
	SecondaryURL          string
	Timeout               time.Duration
	CacheTTL              time.Duration
	ProviderRPM           int
	HighRiskCountries     []string
	SuspiciousISPKeywords []string
}

// ChallengeConfig agrupa parâmetros do gate de verificação humana
type ChallengeConfig struct {
	Secret    string
	VerifyURL string
	MinScore  float64
	Timeout   time.Duration
	Paths     []string
	Actions   []string
}

// AdmissionConfig representa todas as configurações do motor de admissão
type AdmissionConfig struct {
	DefaultMaxRequests int                        `json:"defaultMaxRequests"`
	DefaultWindow      time.Duration              `json:"defaultWindow"`
	BlockDuration      time.Duration              `json:"blockDuration"`
	GlobalLimitEnabled bool                       `json:"globalLimitEnabled"`
	CountryOverrides   map[string]CountryOverride `json:"countryOverrides"`
	IPAllowList        []string                   `json:"ipAllowList"`
	IPDenyList         []string                   `json:"ipDenyList"`
	RouteBudgets       []RouteBudget              `json:"routeBudgets"`
	SkipPaths          []string                   `json:"skipPaths"`
	Reputation         ReputationConfig           `json:"-"`
	Challenge          ChallengeConfig            `json:"-"`
}

// DefaultBudget retorna a quota padrão
func (c *AdmissionConfig) DefaultBudget() Budget {
	return Budget{MaxRequests: c.DefaultMaxRequests, Window: c.DefaultWindow}
}
