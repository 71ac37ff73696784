package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule selects which label keys participate in the fingerprint for
// alerts from one source. Rules are supplied externally so per-vendor
// differences live in configuration, not code.
type Rule struct {
	Source    string   `yaml:"source"`
	LabelKeys []string `yaml:"label_keys"`
}

// RulesFile is the on-disk shape of the normalization configuration.
type RulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Normalizer computes stable fingerprints from alerts. Structurally
// identical alerts collapse to the same fingerprint regardless of
// instance-specific noise (pod suffixes, timestamps, request ids).
type Normalizer struct {
	rules map[string][]string // source -> label keys
}

// Variable tokens stripped during normalization, matched against whole
// words of the lowercased title.
var (
	numericToken = regexp.MustCompile(`^[0-9]+$`)
	hexToken     = regexp.MustCompile(`^[0-9a-f]{8,}$`)
	uuidToken    = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	podSuffix    = regexp.MustCompile(`-[0-9a-f]{6,10}-[a-z0-9]{5}$|-[0-9]+$`)
	timestampish = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}t?[0-9:.z+-]*$`)
	splitter     = regexp.MustCompile(`[^a-z0-9_.:/-]+`)
)

// NewNormalizer creates a Normalizer with the given per-source rules.
// A nil or empty rule set fingerprints on source and title alone.
func NewNormalizer(rules []Rule) *Normalizer {
	m := make(map[string][]string, len(rules))
	for _, r := range rules {
		keys := append([]string(nil), r.LabelKeys...)
		sort.Strings(keys)
		m[strings.ToLower(r.Source)] = keys
	}
	return &Normalizer{rules: m}
}

// LoadRules reads per-source normalization rules from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f RulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	for i, r := range f.Rules {
		if strings.TrimSpace(r.Source) == "" {
			return nil, fmt.Errorf("rules file: rule %d has no source", i)
		}
	}
	return f.Rules, nil
}

// Fingerprint derives the dedup key for an alert. It is stable across
// restarts: identical normalized input always yields the same key.
func (n *Normalizer) Fingerprint(a *Alert) string {
	sig := n.Signature(a)
	sum := sha256.Sum256([]byte(sig))
	return hex.EncodeToString(sum[:8])
}

// Signature returns the normalized string the fingerprint hashes.
// Exposed so callers can reject alerts whose signature is empty.
func (n *Normalizer) Signature(a *Alert) string {
	var parts []string

	source := strings.ToLower(strings.TrimSpace(a.Source))
	parts = append(parts, source)
	parts = append(parts, NormalizeTokens(a.Title)...)

	for _, key := range n.rules[source] {
		if v, ok := a.Labels[key]; ok {
			parts = append(parts, key+"="+stripVariable(strings.ToLower(v)))
		}
	}

	return strings.Join(parts, "|")
}

// NormalizeTokens lowercases text, splits it into words, and drops
// variable tokens that vary per instance of the same underlying problem.
func NormalizeTokens(text string) []string {
	var out []string
	for _, tok := range splitter.Split(strings.ToLower(text), -1) {
		// Check the raw token first: suffix stripping would mangle
		// uuids and timestamps before the whole-token patterns match.
		if tok == "" || isVariable(tok) {
			continue
		}
		tok = stripVariable(tok)
		if tok == "" || isVariable(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func isVariable(tok string) bool {
	return numericToken.MatchString(tok) || uuidToken.MatchString(tok) ||
		hexToken.MatchString(tok) || timestampish.MatchString(tok)
}

// stripVariable removes trailing instance suffixes like the
// "-6d4cf56db6-x7x9p" tail of a Kubernetes pod name.
func stripVariable(tok string) string {
	return podSuffix.ReplaceAllString(tok, "")
}
