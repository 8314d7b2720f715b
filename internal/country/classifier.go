package country

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/agnivade/levenshtein"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/address"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// nearMissMinLen keeps short keywords (uk, usa) out of near-miss tracing.
const nearMissMinLen = 5

// Classifier applies the rule corpus. It is safe for concurrent use.
type Classifier struct {
	corpus   *corpus
	keywords []string

	total     atomic.Int64
	france    atomic.Int64
	foreign   atomic.Int64
	ruleBased atomic.Int64
}

type options struct {
	policy MonacoPolicy
	corpus []byte
}

// Option configures a Classifier.
type Option func(*options)

// WithMonacoPolicy selects the Monaco policy. Default: MonacoForeign.
func WithMonacoPolicy(p MonacoPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithCorpus replaces the embedded rule corpus.
func WithCorpus(data []byte) Option {
	return func(o *options) { o.corpus = data }
}

// New loads the rule corpus and runs its canaries. A canary mismatch returns
// an InvariantError and no classifier.
func New(opts ...Option) (*Classifier, error) {
	o := options{policy: MonacoForeign, corpus: defaultCorpus}
	for _, fn := range opts {
		fn(&o)
	}
	if o.policy != MonacoForeign && o.policy != MonacoFrance {
		return nil, resilience.NewConfigError("classifier.monaco_policy", eris.Errorf("unknown policy %q", o.policy))
	}

	c, err := loadCorpus(o.corpus, o.policy)
	if err != nil {
		return nil, err
	}

	cl := &Classifier{corpus: c}
	for _, r := range c.rules {
		if r.class != ClassFinalPhrase || r.emit != Foreign {
			continue
		}
		for _, ph := range r.phrases {
			if len(ph) == 1 && len(ph[0]) >= nearMissMinLen {
				cl.keywords = append(cl.keywords, ph[0])
			}
		}
	}

	if err := cl.runCanaries(); err != nil {
		return nil, err
	}

	zap.L().With(zap.String("component", "country")).Debug("classifier ready",
		zap.String("version", c.version),
		zap.String("monaco_policy", string(o.policy)),
		zap.Int("rules", len(c.rules)),
		zap.Int("canaries", len(c.canaries)),
	)
	return cl, nil
}

func (c *Classifier) runCanaries() error {
	for _, cn := range c.corpus.canaries {
		d := c.decide(address.Parse(cn.Address))
		if d.Country != cn.Want || (cn.Rule != "" && d.RuleID != cn.Rule) {
			return &resilience.InvariantError{
				Invariant: "classifier_canary",
				Err: eris.Errorf("country: canary %q classified %s by %s, want %s by %s",
					cn.Address, d.Country, d.RuleID, cn.Want, ruleOrAny(cn.Rule)),
			}
		}
	}
	return nil
}

func ruleOrAny(id string) string {
	if id == "" {
		return "any rule"
	}
	return id
}

// Version identifies the rule corpus and policy. It is recorded with every
// downstream output.
func (c *Classifier) Version() string {
	return c.corpus.version
}

// Classify decides the country of a raw address and updates the counters.
// Empty input falls through to the default rule.
func (c *Classifier) Classify(raw string) Decision {
	return c.ClassifyParsed(address.Parse(raw))
}

// ClassifyParsed is Classify for an address the caller already parsed.
func (c *Classifier) ClassifyParsed(p address.Parsed) Decision {
	d := c.decide(p)

	c.total.Add(1)
	if d.Country == France {
		c.france.Add(1)
	} else {
		c.foreign.Add(1)
	}
	if d.RuleBased() {
		c.ruleBased.Add(1)
	}
	return d
}

// Stats returns a snapshot of the counters.
func (c *Classifier) Stats() Stats {
	return Stats{
		TotalProcessed: c.total.Load(),
		FranceCount:    c.france.Load(),
		ForeignCount:   c.foreign.Load(),
		RuleBasedUsed:  c.ruleBased.Load(),
	}
}

// ResetStatistics zeroes the counters.
func (c *Classifier) ResetStatistics() {
	c.total.Store(0)
	c.france.Store(0)
	c.foreign.Store(0)
	c.ruleBased.Store(0)
}

func (c *Classifier) decide(p address.Parsed) Decision {
	nonDigit := p.NonDigit()
	trace := make([]TraceEntry, 0, len(c.corpus.rules)+1)

	for _, r := range c.corpus.rules {
		matched, hit := r.match(p, nonDigit)
		trace = append(trace, TraceEntry{Index: r.index, RuleID: r.id, Hit: hit, Matched: matched})
		if hit {
			return Decision{
				Country:   r.emit,
				RuleID:    r.id,
				RuleIndex: r.index,
				Matched:   matched,
				Trace:     trace,
				Version:   c.corpus.version,
			}
		}
	}

	defaultIndex := len(c.corpus.rules) + 1
	trace = append(trace, TraceEntry{Index: defaultIndex, RuleID: DefaultRuleID, Hit: true})
	if miss := c.nearMiss(nonDigit); miss != "" {
		trace = append(trace, TraceEntry{Index: defaultIndex, RuleID: NearMissRuleID, Matched: miss})
	}
	return Decision{
		Country:   France,
		RuleID:    DefaultRuleID,
		RuleIndex: defaultIndex,
		Trace:     trace,
		Version:   c.corpus.version,
	}
}

// nearMiss reports "token~keyword" when the last token is one edit away from
// a foreign keyword, which usually means a misspelt country.
func (c *Classifier) nearMiss(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	last := tokens[len(tokens)-1]
	if len(last) < nearMissMinLen {
		return ""
	}
	for _, kw := range c.keywords {
		if levenshtein.ComputeDistance(last, kw) == 1 {
			return fmt.Sprintf("%s~%s", last, kw)
		}
	}
	return ""
}

func (r rule) match(p address.Parsed, nonDigit []string) (string, bool) {
	switch r.class {
	case ClassPostalPrefix:
		if p.PostalCode == "" {
			return "", false
		}
		for _, pre := range r.prefix {
			if strings.HasPrefix(p.PostalCode, pre) {
				return p.PostalCode, true
			}
		}

	case ClassTrailingPhrase:
		windowStart := len(nonDigit) - r.window
		for _, ph := range r.phrases {
			for end := len(nonDigit) - 1; end >= 0 && end >= windowStart; end-- {
				if phraseEndsAt(nonDigit, ph, end) {
					return strings.Join(ph, " "), true
				}
			}
		}

	case ClassFinalPhrase:
		last := len(nonDigit) - 1
		stop := last
		for stop >= 0 && isTailNoise(nonDigit[stop]) {
			stop--
		}
		windowStart := stop - r.window + 1
		for end := last; end >= 0 && end >= windowStart; end-- {
			for _, ph := range r.phrases {
				if !phraseEndsAt(nonDigit, ph, end) {
					continue
				}
				start := end - len(ph) + 1
				if start > 0 && r.veto[nonDigit[start-1]] {
					continue
				}
				return strings.Join(ph, " "), true
			}
		}

	case ClassTailPattern:
		tokens := p.Tokens
		if len(tokens) > r.window {
			tokens = tokens[len(tokens)-r.window:]
		}
		tail := strings.Join(tokens, " ")
		for _, re := range r.pattern {
			if m := re.FindString(tail); m != "" {
				return strings.TrimSpace(m), true
			}
		}
	}
	return "", false
}

// phraseEndsAt reports whether phrase occupies tokens[end-len(phrase)+1 : end+1].
func phraseEndsAt(tokens, phrase []string, end int) bool {
	start := end - len(phrase) + 1
	if start < 0 || end >= len(tokens) {
		return false
	}
	for i, w := range phrase {
		if tokens[start+i] != w {
			return false
		}
	}
	return true
}

// isTailNoise matches trailing tokens that follow a country name without
// being part of it: postcode fragments (b 1000, sw1a 2aa) and initials.
func isTailNoise(tok string) bool {
	if len(tok) == 1 {
		return true
	}
	return strings.ContainsAny(tok, "0123456789")
}
