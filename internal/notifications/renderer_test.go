package notifications

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRenderer(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	assert.Len(t, r.templates, 2)
}

func TestRenderer_RenderVerification(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	subject, body, err := r.RenderVerification(VerificationData{
		ShopName:        "Service Shop",
		Name:            "john doe",
		VerificationURL: "https://shop.example.com/api/v1/auth/verify-email?token=abc",
		ExpiresIn:       24 * time.Hour,
	})
	require.NoError(t, err)

	assert.Equal(t, "Verify your Service Shop account", subject)
	assert.Contains(t, body, "Hello John Doe,")
	assert.Contains(t, body, "https://shop.example.com/api/v1/auth/verify-email?token=abc")
	assert.Contains(t, body, "expires in 24h")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{input: 30 * time.Second, expected: "30s"},
		{input: 15 * time.Minute, expected: "15m"},
		{input: 2 * time.Hour, expected: "2h"},
		{input: 90 * time.Minute, expected: "1h 30m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.input))
		})
	}
}
