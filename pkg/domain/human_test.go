package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSizeBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"64k", 64 << 10},
		{"64KiB", 64 << 10},
		{"1.5g", 3 << 29},
		{" 2M ", 2 << 20},
		{"1t", 1 << 40},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSizeBytes(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, in := range []string{"", "lots", "-1", "1x", "k"} {
		_, err := ParseSizeBytes(in)
		assert.Error(t, err, in)
	}
}

func TestFormatSizeBytes(t *testing.T) {
	assert.Equal(t, "512b", FormatSizeBytes(512))
	assert.Equal(t, "64k", FormatSizeBytes(64<<10))
	assert.Equal(t, "1.5g", FormatSizeBytes(3<<29))
	assert.Equal(t, "-2m", FormatSizeBytes(-2<<20))
}
