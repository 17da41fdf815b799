package challenge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"edge-admission/internal/domain"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"
	maxVerifyBody    = 64 << 10
)

// siteVerifyResponse é o formato de resposta do endpoint siteverify
type siteVerifyResponse struct {
	Success     bool     `json:"success"`
	Score       *float64 `json:"score"`
	Action      string   `json:"action"`
	Hostname    string   `json:"hostname"`
	ChallengeTS string   `json:"challenge_ts"`
	ErrorCodes  []string `json:"error-codes"`
}

// Verifier valida tokens de desafio em um endpoint externo, sem retentativas
type Verifier struct {
	secret    string
	verifyURL string
	client    *http.Client
	logger    domain.Logger
}

// NewVerifier cria o verificador; sem secret ele fica desabilitado
func NewVerifier(cfg domain.ChallengeConfig, logger domain.Logger) *Verifier {
	verifyURL := cfg.VerifyURL
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Verifier{
		secret:    strings.TrimSpace(cfg.Secret),
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Enabled indica se há secret configurado
func (v *Verifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// Verify envia token e IP de origem ao endpoint de verificação
func (v *Verifier) Verify(ctx context.Context, token, sourceIP string) (*domain.ChallengeResult, error) {
	if !v.Enabled() {
		return nil, domain.ErrChallengeUnavailable
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if sourceIP != "" {
		form.Set("remoteip", sourceIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrChallengeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxVerifyBody))
		return nil, fmt.Errorf("%w: unexpected status %d", domain.ErrChallengeUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifyBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrChallengeUnavailable, err)
	}

	var parsed siteVerifyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: invalid body: %v", domain.ErrChallengeUnavailable, err)
	}

	if v.logger != nil {
		v.logger.Debug("Challenge verification completed", map[string]interface{}{
			"success":  parsed.Success,
			"action":   parsed.Action,
			"latency":  time.Since(start).Seconds() * 1000,
			"remoteip": sourceIP,
		})
	}

	return &domain.ChallengeResult{
		Success:     parsed.Success,
		Score:       parsed.Score,
		Action:      parsed.Action,
		Hostname:    parsed.Hostname,
		ChallengeTS: parsed.ChallengeTS,
		ErrorCodes:  parsed.ErrorCodes,
	}, nil
}
