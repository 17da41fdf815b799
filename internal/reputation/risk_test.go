package reputation

import (
	"testing"

	"edge-admission/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestRiskModel_Score(t *testing.T) {
	model := NewRiskModel([]string{"cn", "RU", "KP"}, []string{"Hosting", "vpn", "datacenter"})

	tests := []struct {
		name     string
		record   domain.ReputationRecord
		expected int
	}{
		{
			name:     "Clean residential IP",
			record:   domain.ReputationRecord{IP: "8.8.8.8", CountryCode: "US", ISP: "Comcast Cable"},
			expected: 0,
		},
		{
			name:     "VPN only",
			record:   domain.ReputationRecord{IP: "8.8.8.8", CountryCode: "US", IsVPN: true},
			expected: 30,
		},
		{
			name:     "Proxy from high risk country",
			record:   domain.ReputationRecord{IP: "8.8.8.8", CountryCode: "ru", IsProxy: true},
			expected: 45,
		},
		{
			name:     "Suspicious ISP is case insensitive",
			record:   domain.ReputationRecord{IP: "8.8.8.8", CountryCode: "DE", ISP: "Example HOSTING GmbH"},
			expected: 15,
		},
		{
			name:     "Private range",
			record:   domain.ReputationRecord{IP: "192.168.10.4", CountryCode: "US"},
			expected: 10,
		},
		{
			name:     "Loopback IPv6",
			record:   domain.ReputationRecord{IP: "::1"},
			expected: 10,
		},
		{
			name:     "Link local",
			record:   domain.ReputationRecord{IP: "169.254.1.1"},
			expected: 10,
		},
		{
			name: "Everything is capped at 100",
			record: domain.ReputationRecord{
				IP: "10.0.0.1", CountryCode: "KP", ISP: "Shady VPN Datacenter",
				IsVPN: true, IsProxy: true, IsTor: true,
			},
			expected: 100,
		},
		{
			name:     "Tor exit",
			record:   domain.ReputationRecord{IP: "8.8.8.8", IsTor: true},
			expected: 40,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := tt.record
			assert.Equal(t, tt.expected, model.Score(&record))
		})
	}
}

func TestIsReservedAddress(t *testing.T) {
	assert.True(t, isReservedAddress("10.1.2.3"))
	assert.True(t, isReservedAddress("172.16.0.1"))
	assert.True(t, isReservedAddress("::ffff:192.168.0.1"))
	assert.True(t, isReservedAddress("fe80::1"))
	assert.False(t, isReservedAddress("1.1.1.1"))
	assert.False(t, isReservedAddress("not-an-ip"))
}
