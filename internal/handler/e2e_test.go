package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge-admission/internal/challenge"
	"edge-admission/internal/domain"
	"edge-admission/internal/logger"
	"edge-admission/internal/metrics"
	"edge-admission/internal/middleware"
	"edge-admission/internal/reputation"
	"edge-admission/internal/service"
	"edge-admission/internal/storage"
)

const e2eAdminKey = "admin-test-key"

// E2ETestSuite contém os componentes necessários para os testes E2E
type E2ETestSuite struct {
	server        *httptest.Server
	geoServer     *httptest.Server
	captchaServer *httptest.Server
	stores        *storage.Stores
	recorder      *metrics.Recorder
	geoCalls      atomic.Int32
	client        *http.Client
}

// fakeGeo devolve respostas no formato do ip-api para IPs conhecidos
var fakeGeo = map[string]string{
	"198.51.100.20": `{"status":"success","country":"Brazil","countryCode":"BR","city":"Sao Paulo","isp":"Vivo","proxy":false,"hosting":false}`,
	"198.51.100.21": `{"status":"success","country":"Brazil","countryCode":"BR","city":"Sao Paulo","isp":"Vivo","proxy":false,"hosting":false}`,
	"198.51.100.22": `{"status":"success","country":"Brazil","countryCode":"BR","city":"Rio","isp":"Claro","proxy":false,"hosting":false}`,
	"198.51.100.23": `{"status":"success","country":"Germany","countryCode":"DE","city":"Berlin","isp":"Telekom","proxy":false,"hosting":false}`,
	"203.0.113.50":  `{"status":"success","country":"North Korea","countryCode":"KP","city":"Pyongyang","isp":"Star JV","proxy":false,"hosting":false}`,
}

// setupE2ETest configura o ambiente completo em memória, com provedores falsos.
// O cliente HTTP do teste fala via loopback, que é tratado como proxy confiável.
func setupE2ETest(t *testing.T) *E2ETestSuite {
	return setupE2ETestWithProxyTrust(t, middleware.ProxyTrust{TrustedProxies: []string{"127.0.0.1", "::1"}})
}

func setupE2ETestWithProxyTrust(t *testing.T, trust middleware.ProxyTrust) *E2ETestSuite {
	gin.SetMode(gin.TestMode)
	suite := &E2ETestSuite{client: &http.Client{Timeout: 5 * time.Second}}

	suite.geoServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		suite.geoCalls.Add(1)
		ip := strings.TrimPrefix(r.URL.Path, "/")
		body, ok := fakeGeo[ip]
		if !ok {
			body = `{"status":"fail","message":"reserved range"}`
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))

	suite.captchaServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.PostForm.Get("response") {
		case "human":
			io.WriteString(w, `{"success":true,"score":0.9,"action":"login"}`)
		case "bot":
			io.WriteString(w, `{"success":true,"score":0.1,"action":"login"}`)
		default:
			io.WriteString(w, `{"success":false,"error-codes":["invalid-input-response"]}`)
		}
	}))

	cfg := &domain.AdmissionConfig{
		DefaultMaxRequests: 3,
		DefaultWindow:      time.Minute,
		BlockDuration:      time.Minute,
		GlobalLimitEnabled: true,
		CountryOverrides: map[string]domain.CountryOverride{
			"KP": {Banned: true, Reason: "Sanctioned jurisdiction"},
		},
		IPAllowList:  []string{"198.51.100.99"},
		RouteBudgets: []domain.RouteBudget{{PathPrefix: "/api/auth/login", MaxRequests: 2, Window: time.Minute}},
		SkipPaths:    []string{"/health", "/metrics", "/metrics/prometheus"},
		Reputation: domain.ReputationConfig{
			Timeout:  time.Second,
			CacheTTL: time.Hour,
		},
		Challenge: domain.ChallengeConfig{
			Secret:    "captcha-secret",
			VerifyURL: suite.captchaServer.URL,
			MinScore:  0.5,
			Timeout:   time.Second,
			Paths:     []string{"/api/auth/login"},
			Actions:   []string{"login"},
		},
	}

	appLogger := logger.NewLoggerWithOutput("error", "json", io.Discard)
	suite.recorder = metrics.NewRecorder()

	stores, err := storage.NewStorageFactory().CreateStores(&storage.StorageConfig{Type: storage.MemoryStorageType}, appLogger)
	require.NoError(t, err)
	suite.stores = stores

	resolver := reputation.NewResolver(
		[]domain.ReputationProvider{reputation.NewIPAPIProvider(suite.geoServer.URL, time.Second, 0)},
		stores.Reputation,
		reputation.NewRiskModel(nil, nil),
		cfg.Reputation.CacheTTL,
		appLogger,
		suite.recorder,
	)

	admission := service.NewAdmissionService(stores.Counters, stores.Policy, cfg, appLogger, suite.recorder)
	require.NoError(t, admission.SeedPolicy(context.Background()))

	extractor := middleware.NewClientIPExtractor(trust)
	handlers := NewHandlers(admission, stores.Counters, stores.Reputation, suite.recorder, appLogger)

	router := gin.New()
	require.NoError(t, extractor.Apply(router))
	router.Use(gin.Recovery())
	handlers.SetupRoutes(router, Middlewares{
		Admission:   middleware.NewAdmissionInterceptor(admission, resolver, service.NewRouteBudgetTable(cfg.RouteBudgets), cfg, extractor, appLogger, suite.recorder),
		Challenge:   middleware.NewChallengeGate(challenge.NewVerifier(cfg.Challenge, appLogger), cfg.Challenge, extractor, appLogger, suite.recorder),
		AdminAPIKey: e2eAdminKey,
	})

	suite.server = httptest.NewServer(router)
	return suite
}

// teardownE2ETest limpa os recursos do teste E2E
func (suite *E2ETestSuite) teardownE2ETest() {
	suite.server.Close()
	suite.geoServer.Close()
	suite.captchaServer.Close()
	suite.stores.Close()
}

func (suite *E2ETestSuite) get(t *testing.T, path, ip string) *http.Response {
	req, err := http.NewRequest("GET", suite.server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", ip)
	resp, err := suite.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (suite *E2ETestSuite) post(t *testing.T, path, ip string, headers map[string]string, body interface{}) *http.Response {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest("POST", suite.server.URL+path, payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := suite.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (suite *E2ETestSuite) admin(t *testing.T, path string, body interface{}) *http.Response {
	return suite.post(t, path, "", map[string]string{HeaderAdminKey: e2eAdminKey}, body)
}

func readJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestE2E_Admission_BasicFunctionality(t *testing.T) {
	suite := setupE2ETest(t)
	defer suite.teardownE2ETest()

	t.Run("Health endpoint should be accessible", func(t *testing.T) {
		resp, err := suite.client.Get(suite.server.URL + "/health")
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		response := readJSON(t, resp)
		assert.Equal(t, "healthy", response["status"])
		assert.Equal(t, "ok", response["storage"])
		assert.Empty(t, resp.Header.Get(middleware.HeaderLimit))
	})

	t.Run("Metrics endpoint should return system info", func(t *testing.T) {
		resp, err := suite.client.Get(suite.server.URL + "/metrics")
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		response := readJSON(t, resp)
		assert.Contains(t, response, "uptime")
		assert.Contains(t, response, "system")
		assert.Contains(t, response, "admission")
	})
}

func TestE2E_Admission_IPLimiting(t *testing.T) {
	suite := setupE2ETest(t)
	defer suite.teardownE2ETest()

	ip := "198.51.100.20"
	for i, expectedRemaining := range []string{"2", "1", "0"} {
		resp := suite.get(t, "/", ip)
		resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
		assert.Equal(t, "3", resp.Header.Get(middleware.HeaderLimit))
		assert.Equal(t, expectedRemaining, resp.Header.Get(middleware.HeaderRemaining))
		assert.Equal(t, "BR", resp.Header.Get(middleware.HeaderCountry))
		assert.Equal(t, "0", resp.Header.Get(middleware.HeaderRiskScore))
		_, err := time.Parse(time.RFC3339, resp.Header.Get(middleware.HeaderReset))
		assert.NoError(t, err)
	}

	resp := suite.get(t, "/", ip)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	body := readJSON(t, resp)
	assert.Equal(t, "rate_limit_exceeded", body["error"])
	assert.Equal(t, domain.ReasonRateLimitExceeded, body["message"])
	assert.Equal(t, "BR", body["country"])
	assert.Equal(t, ip, body["ip"])

	// Bloqueio temporário persiste nas requisições seguintes
	resp = suite.get(t, "/", ip)
	body = readJSON(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, domain.ReasonTemporarilyBlocked, body["message"])

	// Outro IP não é afetado
	resp = suite.get(t, "/", "198.51.100.21")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Reputação é consultada uma vez por IP dentro do TTL
	assert.Equal(t, int32(2), suite.geoCalls.Load())
}

func TestE2E_Admission_ForwardingHeaderFromUntrustedPeer(t *testing.T) {
	// Nenhum proxy confiável: o peer loopback é o cliente, não o X-Forwarded-For
	suite := setupE2ETestWithProxyTrust(t, middleware.ProxyTrust{})
	defer suite.teardownE2ETest()

	var denied map[string]interface{}
	for i := 0; i < 10; i++ {
		resp := suite.get(t, "/", "198.51.100.99")
		assert.NotEqual(t, "unlimited", resp.Header.Get(middleware.HeaderRemaining), "request %d", i+1)
		if resp.StatusCode == http.StatusTooManyRequests {
			denied = readJSON(t, resp)
			break
		}
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
	}

	require.NotNil(t, denied, "spoofed allow-listed address must not bypass the limit")
	assert.Equal(t, "rate_limit_exceeded", denied["error"])
	assert.Equal(t, "127.0.0.1", denied["ip"])
}

func TestE2E_Admission_PolicyRules(t *testing.T) {
	suite := setupE2ETest(t)
	defer suite.teardownE2ETest()

	t.Run("Banned country is rejected on the first request", func(t *testing.T) {
		resp := suite.get(t, "/", "203.0.113.50")
		body := readJSON(t, resp)

		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "access_denied", body["error"])
		assert.Equal(t, "Sanctioned jurisdiction", body["message"])
		assert.Equal(t, "KP", body["country"])
	})

	t.Run("Allow-listed IP is never limited", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			resp := suite.get(t, "/", "198.51.100.99")
			resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "unlimited", resp.Header.Get(middleware.HeaderRemaining))
		}
	})

	t.Run("Unknown reputation falls back to XX", func(t *testing.T) {
		resp := suite.get(t, "/api/whoami", "192.0.2.200")
		body := readJSON(t, resp)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, domain.UnknownCountryCode, resp.Header.Get(middleware.HeaderCountry))
		assert.Equal(t, "50", resp.Header.Get(middleware.HeaderRiskScore))
		rep := body["reputation"].(map[string]interface{})
		assert.Equal(t, reputation.FallbackSource, rep["source"])
		assert.Equal(t, true, body["fallback"])

		resp = suite.get(t, "/api/whoami", "198.51.100.23")
		body = readJSON(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, body["fallback"])
	})
}

func TestE2E_Admission_AdminRoundTrip(t *testing.T) {
	suite := setupE2ETest(t)
	defer suite.teardownE2ETest()

	ip := "198.51.100.22"

	t.Run("Admin routes require the key", func(t *testing.T) {
		resp := suite.post(t, "/admin/ban-ip", "", nil, map[string]interface{}{"ip": ip})
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Ban then unban IP", func(t *testing.T) {
		resp := suite.admin(t, "/admin/ban-ip", map[string]interface{}{"ip": ip})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = suite.get(t, "/", ip)
		body := readJSON(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, domain.ReasonBlacklisted, body["message"])

		resp = suite.admin(t, "/admin/unban-ip", map[string]interface{}{"ip": ip})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = suite.get(t, "/", ip)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Ban then unban country", func(t *testing.T) {
		resp := suite.admin(t, "/admin/ban-country", map[string]interface{}{"countryCode": "de", "reason": "Abuse wave"})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = suite.get(t, "/", "198.51.100.23")
		body := readJSON(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "Abuse wave", body["message"])

		resp = suite.admin(t, "/admin/unban-country", map[string]interface{}{"countryCode": "DE"})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = suite.get(t, "/", "198.51.100.23")
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Stats reflect traffic and bans", func(t *testing.T) {
		req, err := http.NewRequest("GET", suite.server.URL+"/admin/stats", nil)
		require.NoError(t, err)
		req.Header.Set(HeaderAdminKey, e2eAdminKey)
		resp, err := suite.client.Do(req)
		require.NoError(t, err)

		body := readJSON(t, resp)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		stats := body["stats"].(map[string]interface{})
		assert.GreaterOrEqual(t, stats["totalTracked"], float64(2))
		assert.Equal(t, []interface{}{"KP"}, stats["bannedCountries"])
		assert.NotEmpty(t, stats["countries"])
	})

	t.Run("Invalid input is a validation error", func(t *testing.T) {
		resp := suite.admin(t, "/admin/ban-ip", map[string]interface{}{"ip": "not-an-ip"})
		body := readJSON(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "validation_error", body["error"])
	})
}

func TestE2E_Admission_RouteBudgetAndChallenge(t *testing.T) {
	suite := setupE2ETest(t)
	defer suite.teardownE2ETest()

	login := func(ip, token string) *http.Response {
		headers := map[string]string{}
		if token != "" {
			headers[middleware.HeaderChallengeToken] = token
		}
		return suite.post(t, "/api/auth/login", ip, headers, map[string]string{"user": "demo"})
	}

	t.Run("Low score token is rejected by the gate", func(t *testing.T) {
		resp := login("198.51.100.20", "bot")
		body := readJSON(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "challenge_score_too_low", body["error"])
	})

	t.Run("Provider failure is rejected", func(t *testing.T) {
		resp := login("198.51.100.21", "garbage")
		body := readJSON(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "challenge_verification_failed", body["error"])
	})

	t.Run("Human token passes and route budget applies", func(t *testing.T) {
		ip := "198.51.100.22"
		for i := 0; i < 2; i++ {
			resp := login(ip, "human")
			body := readJSON(t, resp)
			require.Equal(t, http.StatusOK, resp.StatusCode, fmt.Sprintf("login %d", i+1))
			assert.Equal(t, "2", resp.Header.Get(middleware.HeaderLimit))
			challengeInfo := body["challenge"].(map[string]interface{})
			assert.Equal(t, true, challengeInfo["verified"])
			assert.Equal(t, "login", challengeInfo["action"])
		}

		resp := login(ip, "human")
		resp.Body.Close()
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	})

	t.Run("Missing token passes through", func(t *testing.T) {
		resp := login("198.51.100.23", "")
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
