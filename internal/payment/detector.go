// Package payment infers a payment method label from the free text of a
// receipt using an ordered rule table.
package payment

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zombor/receipt-ledger/internal/normalize"
)

//go:embed rules.yaml
var embeddedRules []byte

// Rule maps a set of keywords to a payment method label.
//
// Keywords are matched case-sensitively, aliases case-insensitively. Both
// match anywhere in the text.
type Rule struct {
	Label    string   `yaml:"label"`
	Keywords []string `yaml:"keywords"`
	Aliases  []string `yaml:"aliases"`
}

// ruleSet is the top-level YAML structure
type ruleSet struct {
	Rules []Rule `yaml:"rules"`
}

// Detector evaluates rules top to bottom and returns the first match.
// A Detector is immutable once built and safe for concurrent use.
type Detector struct {
	rules []compiledRule
}

type compiledRule struct {
	label    string
	keywords []string
	aliases  []string // upper-cased
}

// Default returns a Detector over the embedded rule table.
func Default() *Detector {
	d, err := Load(bytes.NewReader(embeddedRules))
	if err != nil {
		// The embedded table is validated by tests.
		panic(fmt.Sprintf("payment: embedded rules: %v", err))
	}
	return d
}

// Load builds a Detector from a YAML rule table. Every rule needs a label and
// at least one keyword or alias.
func Load(r io.Reader) (*Detector, error) {
	var set ruleSet
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}
	return New(set.Rules)
}

// New builds a Detector from rules in priority order.
func New(rules []Rule) (*Detector, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("no rules defined")
	}
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		label := strings.TrimSpace(r.Label)
		if label == "" {
			return nil, fmt.Errorf("rule %d: label is required", i+1)
		}
		cr := compiledRule{label: label}
		for _, kw := range r.Keywords {
			if kw = normalize.Text(strings.TrimSpace(kw)); kw != "" {
				cr.keywords = append(cr.keywords, kw)
			}
		}
		for _, a := range r.Aliases {
			if a = strings.ToUpper(normalize.Text(strings.TrimSpace(a))); a != "" {
				cr.aliases = append(cr.aliases, a)
			}
		}
		if len(cr.keywords) == 0 && len(cr.aliases) == 0 {
			return nil, fmt.Errorf("rule %d (%s): at least one keyword or alias is required", i+1, label)
		}
		compiled = append(compiled, cr)
	}
	return &Detector{rules: compiled}, nil
}

// Labels returns the rule labels in evaluation order.
func (d *Detector) Labels() []string {
	labels := make([]string, len(d.rules))
	for i, r := range d.rules {
		labels[i] = r.label
	}
	return labels
}

// Detect returns the label of the first rule matching text.
func (d *Detector) Detect(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	text = normalize.Text(text)
	upper := strings.ToUpper(text)
	for _, r := range d.rules {
		if r.matches(text, upper) {
			return r.label, true
		}
	}
	return "", false
}

func (r compiledRule) matches(text, upper string) bool {
	for _, kw := range r.keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	for _, a := range r.aliases {
		if strings.Contains(upper, a) {
			return true
		}
	}
	return false
}
