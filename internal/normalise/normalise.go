// Package normalise provides canonical-form functions for postcodes and
// street names. All functions are pure and deterministic: the same input
// always yields the same output, with no I/O.
package normalise

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/gridref-data/streetbuild/internal/config"
)

var (
	nonAlnumRe   = regexp.MustCompile(`[^A-Za-z0-9]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// defaultAliasMap expands common street-type abbreviations so that
// "HIGH ST" and "HIGH STREET" share one canonical key. Keys and values
// are uppercase tokens.
var defaultAliasMap = map[string]string{
	"RD":   "ROAD",
	"ST":   "STREET",
	"AVE":  "AVENUE",
	"AV":   "AVENUE",
	"LN":   "LANE",
	"CL":   "CLOSE",
	"CT":   "COURT",
	"DR":   "DRIVE",
	"GDNS": "GARDENS",
	"GRN":  "GREEN",
	"PK":   "PARK",
	"PL":   "PLACE",
	"SQ":   "SQUARE",
	"TERR": "TERRACE",
	"CRES": "CRESCENT",
}

const defaultStripPunctuation = ".,'-"

// PostcodeNorm strips every non-alphanumeric character and uppercases the
// remainder. Returns "" for inputs with no usable characters.
func PostcodeNorm(value string) string {
	return strings.ToUpper(nonAlnumRe.ReplaceAllString(value, ""))
}

// PostcodeDisplay renders the canonical display form: outward code, one
// space, three-character inward code. Short fragments are returned as-is.
func PostcodeDisplay(value string) string {
	normed := PostcodeNorm(value)
	if len(normed) <= 3 {
		return normed
	}
	return normed[:len(normed)-3] + " " + normed[len(normed)-3:]
}

// Normaliser canonicalises street names using a configured alias map and
// punctuation strip set.
type Normaliser struct {
	aliasMap  map[string]string
	stripSet  string
	stripRepl *strings.Replacer
}

// New builds a Normaliser from configuration. Empty config fields fall back
// to the embedded defaults so normalisation never silently degrades to a
// pass-through.
func New(cfg config.NormaliseConfig) *Normaliser {
	aliases := make(map[string]string, len(defaultAliasMap)+len(cfg.AliasMap))
	for k, v := range defaultAliasMap {
		aliases[k] = v
	}
	for k, v := range cfg.AliasMap {
		aliases[strings.ToUpper(k)] = strings.ToUpper(v)
	}

	strip := cfg.StripPunctuation
	if strip == "" {
		strip = defaultStripPunctuation
	}

	pairs := make([]string, 0, len(strip)*2)
	for _, r := range strip {
		pairs = append(pairs, string(r), "")
	}

	return &Normaliser{
		aliasMap:  aliases,
		stripSet:  strip,
		stripRepl: strings.NewReplacer(pairs...),
	}
}

// Default returns a Normaliser with the embedded defaults only.
func Default() *Normaliser {
	return New(config.NormaliseConfig{})
}

// StreetKey computes the canonical comparison key for a street name:
// NFKC normalisation, uppercase, whitespace collapse, punctuation strip,
// then per-token alias substitution. Returns "" when nothing usable remains.
func (n *Normaliser) StreetKey(value string) string {
	text := strings.ToUpper(strings.TrimSpace(norm.NFKC.String(value)))
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = n.stripRepl.Replace(text)
	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	if text == "" {
		return ""
	}

	tokens := strings.Split(text, " ")
	for i, token := range tokens {
		if alias, ok := n.aliasMap[token]; ok {
			tokens[i] = alias
		}
	}
	return strings.Join(tokens, " ")
}
