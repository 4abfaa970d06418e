package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "local format with trunk zero",
			raw:  "0771234567",
			want: "94771234567@c.us",
		},
		{
			name: "already in international format",
			raw:  "94771234567",
			want: "94771234567@c.us",
		},
		{
			name: "plus prefix stripped",
			raw:  "+94771234567",
			want: "94771234567@c.us",
		},
		{
			name: "spaces and dashes stripped",
			raw:  "077-123 45 67",
			want: "94771234567@c.us",
		},
		{
			name: "doubled country code collapsed",
			raw:  "9494771234567",
			want: "94771234567@c.us",
		},
		{
			name: "bare subscriber number gets country code",
			raw:  "771234567",
			want: "94771234567@c.us",
		},
		{
			name:    "too short",
			raw:     "07712345",
			wantErr: true,
		},
		{
			name:    "too long",
			raw:     "077123456789",
			wantErr: true,
		},
		{
			name:    "empty",
			raw:     "",
			wantErr: true,
		},
		{
			name:    "letters only",
			raw:     "not-a-number",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPhone)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizePhoneWithCode(t *testing.T) {
	got, err := NormalizePhoneWithCode("0812345678", "44")
	require.NoError(t, err)
	assert.Equal(t, "44812345678@c.us", got)

	_, err = NormalizePhoneWithCode("12345", "44")
	assert.ErrorIs(t, err, ErrInvalidPhone)
}
