package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sdsync/internal/config"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"100", 100},
		{"100B", 100},
		{"4k", 4096},
		{"10M", 10 << 20},
		{"10MB", 10 << 20},
		{"10MiB", 10 << 20},
		{"1.5G", 3 << 29},
		{"2T", 2 << 40},
		{" 64K ", 64 << 10},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := config.ParseSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, in := range []string{"", "B", "MB", "abc", "-5", "1.2.3K"} {
		t.Run(in, func(t *testing.T) {
			_, err := config.ParseSize(in)
			assert.Error(t, err)
		})
	}
}
