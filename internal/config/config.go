package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"edge-admission/internal/domain"

	"github.com/joho/godotenv"
)

// Config representa todas as configurações da aplicação
type Config struct {
	// Redis Configuration
	StorageType   string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Admission Configuration
	DefaultMaxRequests int
	RateWindow         int // em segundos
	BlockDuration      int // em segundos
	GlobalLimitEnabled bool

	// Reputation Configuration
	ReputationPrimaryURL   string
	ReputationSecondaryURL string
	ReputationTimeoutMS    int
	ReputationCacheTTL     int // em segundos
	ReputationProviderRPM  int

	// Challenge Configuration
	CaptchaSecret    string
	CaptchaVerifyURL string
	CaptchaMinScore  float64
	CaptchaTimeoutMS int

	// Server Configuration
	ServerPort       string
	GinMode          string
	AdminAPIKey      string
	TrustedIPHeaders []string
	TrustedProxies   []string
	TrustedPlatform  string

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Policy File
	PolicyFile string
}

// ConfigLoader implementa a interface domain.ConfigLoader
type ConfigLoader struct {
	config *Config
	policy *domain.PolicyFile
}

// NewConfigLoader cria uma nova instância do ConfigLoader
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig carrega as configurações do .env e do arquivo de política
func (c *ConfigLoader) LoadConfig() (*domain.AdmissionConfig, error) {
	// Carrega o arquivo .env se existir; sem ele usa as variáveis do sistema
	_ = godotenv.Load()

	config, err := c.loadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}
	c.config = config

	policy, err := c.LoadPolicy()
	if err != nil {
		return nil, fmt.Errorf("failed to load policy file: %w", err)
	}

	return &domain.AdmissionConfig{
		DefaultMaxRequests: config.DefaultMaxRequests,
		DefaultWindow:      time.Duration(config.RateWindow) * time.Second,
		BlockDuration:      time.Duration(config.BlockDuration) * time.Second,
		GlobalLimitEnabled: config.GlobalLimitEnabled,
		CountryOverrides:   policy.CountryOverrides,
		IPAllowList:        policy.IPAllowList,
		IPDenyList:         policy.IPDenyList,
		RouteBudgets:       policy.RouteBudgets,
		SkipPaths:          []string{"/health", "/metrics", "/metrics/prometheus"},
		Reputation: domain.ReputationConfig{
			PrimaryURL:            config.ReputationPrimaryURL,
			SecondaryURL:          config.ReputationSecondaryURL,
			Timeout:               time.Duration(config.ReputationTimeoutMS) * time.Millisecond,
			CacheTTL:              time.Duration(config.ReputationCacheTTL) * time.Second,
			ProviderRPM:           config.ReputationProviderRPM,
			HighRiskCountries:     policy.HighRiskCountries,
			SuspiciousISPKeywords: policy.SuspiciousISPKeywords,
		},
		Challenge: domain.ChallengeConfig{
			Secret:    config.CaptchaSecret,
			VerifyURL: config.CaptchaVerifyURL,
			MinScore:  config.CaptchaMinScore,
			Timeout:   time.Duration(config.CaptchaTimeoutMS) * time.Millisecond,
			Paths:     policy.ChallengePaths,
			Actions:   policy.ChallengeActions,
		},
	}, nil
}

// LoadPolicy carrega o arquivo YAML de política, ou os defaults se ele não existir
func (c *ConfigLoader) LoadPolicy() (*domain.PolicyFile, error) {
	policyFile := c.getPolicyFile()

	if _, err := os.Stat(policyFile); os.IsNotExist(err) {
		fmt.Printf("Warning: policy file %s not found, using built-in defaults\n", policyFile)
		c.policy = DefaultPolicy()
		return c.policy, nil
	}

	data, err := os.ReadFile(policyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	policy, err := ParsePolicy(data)
	if err != nil {
		return nil, err
	}

	c.policy = policy
	return policy, nil
}

// Reload recarrega todas as configurações
func (c *ConfigLoader) Reload() error {
	_, err := c.LoadConfig()
	return err
}

// GetConfig retorna a configuração atual
func (c *ConfigLoader) GetConfig() *Config {
	return c.config
}

// loadFromEnv carrega configurações das variáveis de ambiente
func (c *ConfigLoader) loadFromEnv() (*Config, error) {
	config := &Config{
		StorageType:   strings.ToLower(getEnvWithDefault("STORAGE_TYPE", "memory")),
		RedisHost:     getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvWithDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvWithDefault("REDIS_PASSWORD", ""),

		ReputationPrimaryURL:   getEnvWithDefault("REPUTATION_PRIMARY_URL", "http://ip-api.com/json"),
		ReputationSecondaryURL: getEnvWithDefault("REPUTATION_SECONDARY_URL", "https://ipapi.co"),

		CaptchaSecret:    getEnvWithDefault("CAPTCHA_SECRET", ""),
		CaptchaVerifyURL: getEnvWithDefault("CAPTCHA_VERIFY_URL", "https://www.google.com/recaptcha/api/siteverify"),

		ServerPort:       getEnvWithDefault("SERVER_PORT", "8080"),
		GinMode:          getEnvWithDefault("GIN_MODE", "debug"),
		AdminAPIKey:      getEnvWithDefault("ADMIN_API_KEY", ""),
		TrustedIPHeaders: splitList(getEnvWithDefault("TRUSTED_IP_HEADERS", "X-Forwarded-For,X-Real-IP")),
		TrustedProxies:   splitList(getEnvWithDefault("TRUSTED_PROXIES", "")),
		TrustedPlatform:  getEnvWithDefault("TRUSTED_PLATFORM", ""),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),

		PolicyFile: getEnvWithDefault("POLICY_FILE", "config/policy.yaml"),
	}

	ints := []struct {
		key          string
		defaultValue string
		target       *int
	}{
		{"REDIS_DB", "0", &config.RedisDB},
		{"DEFAULT_MAX_REQUESTS", "100", &config.DefaultMaxRequests},
		{"RATE_WINDOW", "900", &config.RateWindow},
		{"BLOCK_DURATION", "900", &config.BlockDuration},
		{"REPUTATION_TIMEOUT_MS", "2000", &config.ReputationTimeoutMS},
		{"REPUTATION_CACHE_TTL", "3600", &config.ReputationCacheTTL},
		{"REPUTATION_PROVIDER_RPM", "45", &config.ReputationProviderRPM},
		{"CAPTCHA_TIMEOUT_MS", "3000", &config.CaptchaTimeoutMS},
	}
	for _, item := range ints {
		value, err := strconv.Atoi(getEnvWithDefault(item.key, item.defaultValue))
		if err != nil {
			return nil, fmt.Errorf("invalid %s value: %w", item.key, err)
		}
		*item.target = value
	}

	globalLimit, err := strconv.ParseBool(getEnvWithDefault("ENABLE_GLOBAL_LIMIT", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid ENABLE_GLOBAL_LIMIT value: %w", err)
	}
	config.GlobalLimitEnabled = globalLimit

	minScore, err := strconv.ParseFloat(getEnvWithDefault("CAPTCHA_MIN_SCORE", "0.5"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid CAPTCHA_MIN_SCORE value: %w", err)
	}
	config.CaptchaMinScore = minScore

	if err := c.validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateConfig valida se as configurações são válidas
func (c *ConfigLoader) validateConfig(config *Config) error {
	if config.DefaultMaxRequests <= 0 {
		return fmt.Errorf("DEFAULT_MAX_REQUESTS must be greater than 0")
	}

	if config.RateWindow <= 0 {
		return fmt.Errorf("RATE_WINDOW must be greater than 0")
	}

	if config.BlockDuration <= 0 {
		return fmt.Errorf("BLOCK_DURATION must be greater than 0")
	}

	if config.ReputationTimeoutMS <= 0 {
		return fmt.Errorf("REPUTATION_TIMEOUT_MS must be greater than 0")
	}

	if config.ReputationCacheTTL <= 0 {
		return fmt.Errorf("REPUTATION_CACHE_TTL must be greater than 0")
	}

	if config.ReputationProviderRPM < 0 {
		return fmt.Errorf("REPUTATION_PROVIDER_RPM must not be negative")
	}

	if config.CaptchaMinScore < 0 || config.CaptchaMinScore > 1 {
		return fmt.Errorf("CAPTCHA_MIN_SCORE must be between 0 and 1")
	}

	if config.StorageType != "memory" && config.StorageType != "redis" {
		return fmt.Errorf("STORAGE_TYPE must be 'memory' or 'redis'")
	}

	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}

	// Proxies confiáveis aceitam IP ou CIDR
	for _, proxy := range config.TrustedProxies {
		if _, err := netip.ParsePrefix(proxy); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(proxy); err != nil {
			return fmt.Errorf("TRUSTED_PROXIES contains invalid entry %q", proxy)
		}
	}

	return nil
}

// getPolicyFile retorna o caminho do arquivo de política
func (c *ConfigLoader) getPolicyFile() string {
	if c.config != nil && c.config.PolicyFile != "" {
		return c.config.PolicyFile
	}
	return getEnvWithDefault("POLICY_FILE", "config/policy.yaml")
}

// getEnvWithDefault retorna o valor da variável de ambiente ou um valor padrão
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList quebra uma lista separada por vírgulas
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
