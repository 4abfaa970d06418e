package idcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{
			name: "typical record id",
			id:   "507f1f77bcf86cd799439011",
			want: "1287 3871 1915 3320 1741 1945 1081 0017",
		},
		{
			name: "all zeros",
			id:   "000000000000000000000000",
			want: "0000 0000 0000 0000 0000 0000 0000 0000",
		},
		{
			name: "all f",
			id:   "ffffffffffffffffffffffff",
			want: "4095 4095 4095 4095 4095 4095 4095 4095",
		},
		{
			name: "uppercase hex accepted",
			id:   "507F1F77BCF86CD799439011",
			want: "1287 3871 1915 3320 1741 1945 1081 0017",
		},
		{
			name: "separators stripped before encoding",
			id:   "507f-1f77-bcf8-6cd7-9943-9011",
			want: "1287 3871 1915 3320 1741 1945 1081 0017",
		},
		{
			name:    "too short",
			id:      "507f1f77bcf86cd7",
			wantErr: true,
		},
		{
			name:    "too long",
			id:      "507f1f77bcf86cd79943901100",
			wantErr: true,
		},
		{
			name:    "empty",
			id:      "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		want    string
		wantErr bool
	}{
		{
			name: "typical card code",
			code: "1287 3871 1915 3320 1741 1945 1081 0017",
			want: "507f1f77bcf86cd799439011",
		},
		{
			name: "extra whitespace tolerated",
			code: "  1287  3871 1915 3320\t1741 1945 1081 0017 ",
			want: "507f1f77bcf86cd799439011",
		},
		{
			name: "zero id",
			code: "0000 0000 0000 0000 0000 0000 0000 0000",
			want: "000000000000000000000000",
		},
		{
			name:    "too few groups",
			code:    "1287 3959 3023",
			wantErr: true,
		},
		{
			name:    "too many groups",
			code:    "1287 3871 1915 3320 1741 1945 1081 0017 0001",
			wantErr: true,
		},
		{
			name:    "non-numeric group",
			code:    "1287 38x1 1915 3320 1741 1945 1081 0017",
			wantErr: true,
		},
		{
			name:    "group out of range",
			code:    "1287 4096 1915 3320 1741 1945 1081 0017",
			wantErr: true,
		},
		{
			name:    "empty",
			code:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.code)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ids := []string{
		"507f1f77bcf86cd799439011",
		"65a1b2c3d4e5f60718293a4b",
		"000000000000000000000001",
		"fffffffffffffffffffffffe",
	}
	for _, id := range ids {
		code, err := Encode(id)
		require.NoError(t, err)
		back, err := Decode(code)
		require.NoError(t, err)
		assert.Equal(t, id, back)
	}
}
