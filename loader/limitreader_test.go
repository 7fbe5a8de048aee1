package loader

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitedReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		limit   int64
		wantErr bool
	}{
		{name: "under limit", input: "abc", limit: 10},
		{name: "exactly at limit", input: "abcdefghij", limit: 10},
		{name: "over limit", input: "abcdefghijk", limit: 10, wantErr: true},
		{name: "empty", input: "", limit: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := io.ReadAll(newLimitedReader(strings.NewReader(tt.input), tt.limit))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsSizeLimitExceededError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, string(data))
		})
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "512 bytes", FormatSize(512))
	assert.Equal(t, "1.5 KB", FormatSize(1536))
	assert.Equal(t, "64.0 MB", FormatSize(DefaultMaxModuleSize))
	assert.Equal(t, "2.0 GB", FormatSize(2<<30))
}
