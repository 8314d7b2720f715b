package country

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/zero-logement-vacant/zlv-address/internal/address"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

//go:embed rules.yaml
var defaultCorpus []byte

// Rule classes understood by the corpus loader.
const (
	ClassPostalPrefix   = "postal_prefix"
	ClassTrailingPhrase = "trailing_phrase"
	ClassFinalPhrase    = "final_phrase"
	ClassTailPattern    = "tail_pattern"
)

// Rule ids the Monaco policy rewrites.
const (
	foreignRuleID   = "foreign_country"
	territoryRuleID = "domtom_territory"
	monacoPhrase    = "monaco"
)

type corpusFile struct {
	Version  string       `yaml:"version"`
	Rules    []ruleSpec   `yaml:"rules"`
	Canaries []canarySpec `yaml:"canaries"`
}

type ruleSpec struct {
	ID      string   `yaml:"id"`
	Class   string   `yaml:"class"`
	Emit    Country  `yaml:"emit"`
	Window  int      `yaml:"window"`
	Payload []string `yaml:"payload"`
	Veto    []string `yaml:"veto_preceding"`
}

type canarySpec struct {
	Address string  `yaml:"address"`
	Want    Country `yaml:"want"`
	Rule    string  `yaml:"rule"`
}

// rule is a compiled corpus entry.
type rule struct {
	index   int
	id      string
	class   string
	emit    Country
	window  int
	prefix  []string
	phrases [][]string
	veto    map[string]bool
	pattern []*regexp.Regexp
}

type corpus struct {
	version  string
	rules    []rule
	canaries []canarySpec
}

// loadCorpus parses and compiles a YAML rule corpus under the given policy.
func loadCorpus(data []byte, policy MonacoPolicy) (*corpus, error) {
	var f corpusFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, corpusError(eris.Wrap(err, "country: parse rule corpus"))
	}
	if f.Version == "" {
		return nil, corpusError(eris.New("country: rule corpus has no version"))
	}
	if len(f.Rules) == 0 {
		return nil, corpusError(eris.New("country: rule corpus has no rules"))
	}

	applyMonacoPolicy(f.Rules, policy)

	sum := sha256.New()
	sum.Write(data)
	sum.Write([]byte("\x00monaco=" + string(policy)))

	c := &corpus{
		version:  f.Version + "+" + hex.EncodeToString(sum.Sum(nil))[:8],
		canaries: f.Canaries,
	}

	seen := make(map[string]bool, len(f.Rules))
	for i, spec := range f.Rules {
		if spec.ID == "" || seen[spec.ID] || spec.ID == DefaultRuleID {
			return nil, corpusError(eris.Errorf("country: rule %d: missing or duplicate id %q", i+1, spec.ID))
		}
		seen[spec.ID] = true

		r, err := compileRule(i+1, spec)
		if err != nil {
			return nil, corpusError(err)
		}
		c.rules = append(c.rules, r)
	}
	return c, nil
}

func compileRule(index int, spec ruleSpec) (rule, error) {
	r := rule{index: index, id: spec.ID, class: spec.Class, emit: spec.Emit, window: spec.Window}

	if spec.Emit != France && spec.Emit != Foreign {
		return r, eris.Errorf("country: rule %s: emit must be FRANCE or FOREIGN, got %q", spec.ID, spec.Emit)
	}
	if len(spec.Payload) == 0 {
		return r, eris.Errorf("country: rule %s: empty payload", spec.ID)
	}

	switch spec.Class {
	case ClassPostalPrefix:
		for _, p := range spec.Payload {
			if !address.IsDigits(p) {
				return r, eris.Errorf("country: rule %s: postal prefix %q is not numeric", spec.ID, p)
			}
		}
		r.prefix = spec.Payload

	case ClassTrailingPhrase, ClassFinalPhrase:
		if r.window <= 0 {
			r.window = address.TrailingWindow
		}
		uniq := make(map[string]bool, len(spec.Payload))
		for _, p := range spec.Payload {
			n := address.Normalize(p)
			if n == "" || uniq[n] {
				continue
			}
			uniq[n] = true
			r.phrases = append(r.phrases, strings.Fields(n))
		}
		// Longest phrase first so the trace names the most specific match.
		sort.SliceStable(r.phrases, func(i, j int) bool { return len(r.phrases[i]) > len(r.phrases[j]) })
		if len(spec.Veto) > 0 {
			r.veto = make(map[string]bool, len(spec.Veto))
			for _, v := range spec.Veto {
				r.veto[address.Normalize(v)] = true
			}
		}

	case ClassTailPattern:
		if r.window <= 0 {
			r.window = address.TrailingWindow
		}
		for _, p := range spec.Payload {
			re, err := regexp.Compile(p)
			if err != nil {
				return r, eris.Wrapf(err, "country: rule %s: compile pattern", spec.ID)
			}
			r.pattern = append(r.pattern, re)
		}

	default:
		return r, eris.Errorf("country: rule %s: unknown class %q", spec.ID, spec.Class)
	}
	return r, nil
}

// applyMonacoPolicy moves Monaco from the foreign vocabulary to the
// territory rule when the policy says it is French.
func applyMonacoPolicy(rules []ruleSpec, policy MonacoPolicy) {
	if policy != MonacoFrance {
		return
	}
	for i := range rules {
		switch rules[i].ID {
		case foreignRuleID:
			kept := rules[i].Payload[:0:0]
			for _, p := range rules[i].Payload {
				if !strings.Contains(address.Normalize(p), monacoPhrase) {
					kept = append(kept, p)
				}
			}
			rules[i].Payload = kept
		case territoryRuleID:
			rules[i].Payload = append(rules[i].Payload, monacoPhrase)
		}
	}
}

func corpusError(err error) error {
	return &resilience.InvariantError{Invariant: "rule_corpus", Err: err}
}
