package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1KB", KB},
		{"1.5 GB", GB + GB/2},
		{"64Mi", 64 * MB},
		{"2T", 2 * TB},
		{"0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "lots", "10XB", "MB10"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.Error(t, err)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 KB", Format(KB))
	assert.Equal(t, "1.50 GB", Format(GB+GB/2))
}

func TestSizeUnmarshalYAML(t *testing.T) {
	var doc struct {
		Limit Size `yaml:"limit"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("limit: 64Mi"), &doc))
	assert.Equal(t, int64(64*MB), doc.Limit.Bytes())

	require.NoError(t, yaml.Unmarshal([]byte("limit: 4096"), &doc))
	assert.Equal(t, int64(4096), doc.Limit.Bytes())

	assert.Error(t, yaml.Unmarshal([]byte("limit: [1, 2]"), &doc))
}
