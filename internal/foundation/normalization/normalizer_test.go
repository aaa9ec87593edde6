package normalization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type level string

const (
	levelDebug level = "debug"
	levelInfo  level = "info"
)

func newLevels() *Normalizer[level] {
	return NewNormalizer(map[string]level{
		"debug": levelDebug,
		"INFO":  levelInfo,
	}, levelInfo)
}

func TestNormalizer_Normalize(t *testing.T) {
	n := newLevels()

	tests := []struct {
		input    string
		expected level
	}{
		{"debug", levelDebug},
		{"  DEBUG ", levelDebug},
		{"info", levelInfo},
		{"verbose", levelInfo},
		{"", levelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, n.Normalize(tt.input))
		})
	}
}

func TestNormalizer_NormalizeWithError(t *testing.T) {
	n := newLevels()

	v, err := n.NormalizeWithError("Debug")
	require.NoError(t, err)
	assert.Equal(t, levelDebug, v)

	_, err = n.NormalizeWithError("trace")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[debug info]")
}

func TestNormalizer_ValidKeysIsCopy(t *testing.T) {
	n := newLevels()
	keys := n.ValidKeys()
	keys[0] = "mutated"
	assert.Equal(t, []string{"debug", "info"}, n.ValidKeys())
}
