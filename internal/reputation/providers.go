package reputation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"edge-admission/internal/domain"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	IPAPIProviderName   = "ip-api"
	IPAPICoProviderName = "ipapi.co"

	maxProviderBody = 1 << 20
	ipAPIFields     = "status,message,country,countryCode,regionName,city,timezone,isp,proxy,hosting,query"
)

// ErrProviderQuota indica que a quota local do provedor se esgotou
var ErrProviderQuota = errors.New("provider quota exhausted")

// httpProvider concentra cliente HTTP, quota e leitura limitada do corpo
type httpProvider struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPProvider(name, baseURL string, timeout time.Duration, requestsPerMinute int) httpProvider {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	}
	return httpProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   timeout,
				ExpectContinueTimeout: timeout,
				MaxIdleConnsPerHost:   10,
			},
		},
		limiter: limiter,
	}
}

// fetch executa o GET e decodifica o JSON em out
func (p httpProvider) fetch(ctx context.Context, endpoint string, out interface{}) error {
	if !p.limiter.Allow() {
		return fmt.Errorf("%s: %w", p.name, ErrProviderQuota)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", p.name, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "edge-admission/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", p.name, domain.ErrProviderFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxProviderBody))
		return fmt.Errorf("%s: %w: unexpected status %d", p.name, domain.ErrProviderFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return fmt.Errorf("%s: %w: %v", p.name, domain.ErrProviderFailed, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: %w: invalid body: %v", p.name, domain.ErrProviderFailed, err)
	}
	return nil
}

// IPAPIProvider consulta a API JSON do ip-api.com.
// status "fail" é erro do provedor; proxy vira IsProxy e hosting vira IsVPN.
type IPAPIProvider struct {
	httpProvider
}

type ipAPIResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	RegionName  string `json:"regionName"`
	City        string `json:"city"`
	Timezone    string `json:"timezone"`
	ISP         string `json:"isp"`
	Proxy       bool   `json:"proxy"`
	Hosting     bool   `json:"hosting"`
	Query       string `json:"query"`
}

// NewIPAPIProvider cria o provedor primário
func NewIPAPIProvider(baseURL string, timeout time.Duration, requestsPerMinute int) *IPAPIProvider {
	if baseURL == "" {
		baseURL = "http://ip-api.com/json"
	}
	return &IPAPIProvider{newHTTPProvider(IPAPIProviderName, baseURL, timeout, requestsPerMinute)}
}

func (p *IPAPIProvider) Name() string { return p.name }

func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*domain.ReputationRecord, error) {
	endpoint := fmt.Sprintf("%s/%s?fields=%s", p.baseURL, url.PathEscape(ip), ipAPIFields)

	var parsed ipAPIResponse
	if err := p.fetch(ctx, endpoint, &parsed); err != nil {
		return nil, err
	}
	if parsed.Status != "success" {
		return nil, fmt.Errorf("%s: %w: %s", p.name, domain.ErrProviderFailed, parsed.Message)
	}
	if len(strings.TrimSpace(parsed.CountryCode)) != 2 {
		return nil, fmt.Errorf("%s: %w: missing country code", p.name, domain.ErrProviderFailed)
	}

	return &domain.ReputationRecord{
		IP:          ip,
		Country:     parsed.Country,
		CountryCode: strings.ToUpper(parsed.CountryCode),
		Region:      parsed.RegionName,
		City:        parsed.City,
		Timezone:    parsed.Timezone,
		ISP:         parsed.ISP,
		IsVPN:       parsed.Hosting,
		IsProxy:     parsed.Proxy,
	}, nil
}

// IPAPICoProvider consulta a API JSON do ipapi.co; error=true é erro do provedor
type IPAPICoProvider struct {
	httpProvider
}

type ipAPICoResponse struct {
	IP          string `json:"ip"`
	Error       bool   `json:"error"`
	Reason      string `json:"reason"`
	CountryName string `json:"country_name"`
	CountryCode string `json:"country_code"`
	Region      string `json:"region"`
	City        string `json:"city"`
	Timezone    string `json:"timezone"`
	Org         string `json:"org"`
}

// NewIPAPICoProvider cria o provedor secundário
func NewIPAPICoProvider(baseURL string, timeout time.Duration, requestsPerMinute int) *IPAPICoProvider {
	if baseURL == "" {
		baseURL = "https://ipapi.co"
	}
	return &IPAPICoProvider{newHTTPProvider(IPAPICoProviderName, baseURL, timeout, requestsPerMinute)}
}

func (p *IPAPICoProvider) Name() string { return p.name }

func (p *IPAPICoProvider) Lookup(ctx context.Context, ip string) (*domain.ReputationRecord, error) {
	endpoint := fmt.Sprintf("%s/%s/json/", p.baseURL, url.PathEscape(ip))

	var parsed ipAPICoResponse
	if err := p.fetch(ctx, endpoint, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error {
		return nil, fmt.Errorf("%s: %w: %s", p.name, domain.ErrProviderFailed, parsed.Reason)
	}
	if len(strings.TrimSpace(parsed.CountryCode)) != 2 {
		return nil, fmt.Errorf("%s: %w: missing country code", p.name, domain.ErrProviderFailed)
	}

	return &domain.ReputationRecord{
		IP:          ip,
		Country:     parsed.CountryName,
		CountryCode: strings.ToUpper(parsed.CountryCode),
		Region:      parsed.Region,
		City:        parsed.City,
		Timezone:    parsed.Timezone,
		ISP:         parsed.Org,
	}, nil
}
