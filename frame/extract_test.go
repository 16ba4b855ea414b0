package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	ex := NewExtractor(Config{
		Prefixes:  []string{"TAG:", "EPC:"},
		Preambles: []string{"\x02RF"},
	})

	tests := []struct {
		name  string
		chunk string
		token string
		rule  Rule
	}{
		{"prefix", "TAG:E200341200011400000000", "E200341200011400000000", RulePrefix},
		{"prefix trims", "  EPC: 197416145132046400000000 ", "197416145132046400000000", RulePrefix},
		{"preamble keeps chunk", "\x02RF0011", "\x02RF0011", RulePreamble},
		{"hex", "E20034120001140000000ABC", "E20034120001140000000ABC", RuleHex},
		{"decimal", "197416145132046400000000", "197416145132046400000000", RuleDecimal},
		{"lowercase hex", "e20034120001140000000abc", "e20034120001140000000abc", RuleHex},
		{"embedded hex", "rssi=-51 id=E20034120001140000000ABC ant=1", "E20034120001140000000ABC", RuleEmbedded},
		{"embedded decimal", "READ 197416145132046400000000 OK", "197416145132046400000000", RuleEmbedded},
		{"long run truncated", "1234567890123456789012345678901234567890", "12345678901234567890123456789012", RuleEmbedded},
		{"long embedded run", "id=E2003412000114000000000000000000ABCD;", "E2003412000114000000000000000000", RuleEmbedded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := ex.Extract(tt.chunk)
			require.True(t, ok)
			assert.Equal(t, tt.token, m.Token)
			assert.Equal(t, tt.rule, m.Rule)
		})
	}
}

func TestExtractBareDecimalWithoutPrefixes(t *testing.T) {
	ex := NewExtractor(Config{})
	m, ok := ex.Extract("197416145132046400000000")
	require.True(t, ok)
	assert.Equal(t, "197416145132046400000000", m.Token)
	assert.Equal(t, RuleDecimal, m.Rule)
}

func TestExtractRejects(t *testing.T) {
	ex := NewExtractor(DefaultConfig())
	for _, chunk := range []string{
		"",
		"hello world",
		"TAG:",
		"12345678901234567890", // too short
		"READ 1234567890 5678901234 OK",
	} {
		_, ok := ex.Extract(chunk)
		assert.False(t, ok, "chunk %q", chunk)
	}
}

func TestRuleString(t *testing.T) {
	assert.Equal(t, "prefix", RulePrefix.String())
	assert.Equal(t, "none", Rule(99).String())
}
