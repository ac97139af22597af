package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRawAmount(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{name: "integer", value: "1000000000000000000000", want: "1000000000000000000000"},
		{name: "zero", value: "0", want: "0"},
		{name: "max uint256", value: "115792089237316195423570985008687907853269984665640564039457584007913129639935",
			want: "115792089237316195423570985008687907853269984665640564039457584007913129639935"},
		{name: "above uint256", value: "115792089237316195423570985008687907853269984665640564039457584007913129639936", wantErr: true},
		{name: "exponent", value: "1e400", wantErr: true},
		{name: "fraction", value: "12345.678", wantErr: true},
		{name: "hex", value: "0x10", wantErr: true},
		{name: "empty", value: "", wantErr: true},
		{name: "text", value: "lots", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRawAmount(tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestValidDecimals(t *testing.T) {
	assert.True(t, ValidDecimals(0))
	assert.True(t, ValidDecimals(18))
	assert.True(t, ValidDecimals(MaxTokenDecimals))
	assert.False(t, ValidDecimals(MaxTokenDecimals+1))
	assert.False(t, ValidDecimals(-1))
	assert.False(t, ValidDecimals(2147483649))
}
