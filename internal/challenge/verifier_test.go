package challenge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"edge-admission/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_Verify(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		expectError   bool
		expectSuccess bool
		expectScore   *float64
		expectAction  string
	}{
		{
			name:          "Successful verification with score",
			status:        http.StatusOK,
			body:          `{"success":true,"score":0.9,"action":"login","hostname":"example.com","challenge_ts":"2024-01-01T00:00:00Z"}`,
			expectSuccess: true,
			expectScore:   floatPtr(0.9),
			expectAction:  "login",
		},
		{
			name:   "Provider reported failure",
			status: http.StatusOK,
			body:   `{"success":false,"error-codes":["invalid-input-response"]}`,
		},
		{
			name:        "Unexpected status",
			status:      http.StatusBadGateway,
			body:        `{}`,
			expectError: true,
		},
		{
			name:        "Invalid JSON",
			status:      http.StatusOK,
			body:        `<html>`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, r.ParseForm())
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "test-secret", r.PostForm.Get("secret"))
				assert.Equal(t, "token-123", r.PostForm.Get("response"))
				assert.Equal(t, "198.51.100.1", r.PostForm.Get("remoteip"))
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			verifier := NewVerifier(domain.ChallengeConfig{
				Secret:    "test-secret",
				VerifyURL: server.URL,
				Timeout:   time.Second,
			}, nil)

			// Act
			result, err := verifier.Verify(context.Background(), "token-123", "198.51.100.1")

			// Assert
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrChallengeUnavailable))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectSuccess, result.Success)
			assert.Equal(t, tt.expectScore, result.Score)
			assert.Equal(t, tt.expectAction, result.Action)
			if !tt.expectSuccess {
				assert.NotEmpty(t, result.ErrorCodes)
			}
		})
	}
}

func TestVerifier_Disabled(t *testing.T) {
	verifier := NewVerifier(domain.ChallengeConfig{Secret: "  "}, nil)

	assert.False(t, verifier.Enabled())
	_, err := verifier.Verify(context.Background(), "token", "1.1.1.1")
	assert.ErrorIs(t, err, domain.ErrChallengeUnavailable)

	var nilVerifier *Verifier
	assert.False(t, nilVerifier.Enabled())
}

func TestVerifier_NoRetryOnNetworkError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	verifier := NewVerifier(domain.ChallengeConfig{
		Secret:    "s",
		VerifyURL: server.URL,
		Timeout:   10 * time.Millisecond,
	}, nil)

	_, err := verifier.Verify(context.Background(), "token", "")

	assert.ErrorIs(t, err, domain.ErrChallengeUnavailable)
	server.Close()
	assert.Equal(t, int32(1), calls.Load())
}

func floatPtr(v float64) *float64 {
	return &v
}
