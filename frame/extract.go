// Package frame pulls candidate tag tokens out of decoded reader chunks.
package frame

import (
	"regexp"
	"strings"
)

// Rule identifies which extraction rule produced a token.
type Rule int

const (
	RuleNone Rule = iota
	RulePrefix
	RulePreamble
	RuleHex
	RuleDecimal
	RuleEmbedded
)

func (r Rule) String() string {
	switch r {
	case RulePrefix:
		return "prefix"
	case RulePreamble:
		return "preamble"
	case RuleHex:
		return "hex"
	case RuleDecimal:
		return "decimal"
	case RuleEmbedded:
		return "embedded"
	default:
		return "none"
	}
}

// A longer embedded run yields its leading 32 characters.
var (
	decimalToken = regexp.MustCompile(`^[0-9]{24,32}$`)
	hexToken     = regexp.MustCompile(`^[0-9A-Fa-f]{24,32}$`)
	embeddedRun  = regexp.MustCompile(`[0-9A-Fa-f]{24,32}`)
)

// Config holds the configurable extraction rules.
type Config struct {
	Prefixes  []string `yaml:"prefixes"`
	Preambles []string `yaml:"preambles"`
}

// DefaultConfig returns the prefixes readers commonly emit.
func DefaultConfig() Config {
	return Config{Prefixes: []string{"TAG:", "EPC:"}}
}

// Match is a token found in a chunk.
type Match struct {
	Token string
	Rule  Rule
}

// Extractor applies the rules in order; the first match wins.
type Extractor struct {
	prefixes  []string
	preambles []string
}

// NewExtractor creates an Extractor from cfg. Empty entries are ignored.
func NewExtractor(cfg Config) *Extractor {
	return &Extractor{
		prefixes:  nonEmpty(cfg.Prefixes),
		preambles: nonEmpty(cfg.Preambles),
	}
}

// Extract returns the token in chunk, or ok=false when no rule matches.
func (e *Extractor) Extract(chunk string) (Match, bool) {
	chunk = strings.TrimSpace(chunk)
	if chunk == "" {
		return Match{}, false
	}

	for _, p := range e.prefixes {
		if strings.HasPrefix(chunk, p) {
			token := strings.TrimSpace(chunk[len(p):])
			if token == "" {
				return Match{}, false
			}
			return Match{Token: token, Rule: RulePrefix}, true
		}
	}

	for _, p := range e.preambles {
		if strings.HasPrefix(chunk, p) {
			return Match{Token: chunk, Rule: RulePreamble}, true
		}
	}

	// Digits are also hex digits, so decimal goes first
	if decimalToken.MatchString(chunk) {
		return Match{Token: chunk, Rule: RuleDecimal}, true
	}
	if hexToken.MatchString(chunk) {
		return Match{Token: chunk, Rule: RuleHex}, true
	}

	if run := embeddedRun.FindString(chunk); run != "" {
		return Match{Token: run, Rule: RuleEmbedded}, true
	}
	return Match{}, false
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
