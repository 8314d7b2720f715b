package country

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-logement-vacant/zlv-address/internal/address"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

func TestNew_CanaryFailure(t *testing.T) {
	corpus := []byte(`
version: "test"
rules:
  - id: always_france
    class: postal_prefix
    emit: FRANCE
    payload: ["0", "1", "2", "3", "4", "5", "6", "7", "8", "9"]
canaries:
  - address: "VIA MARMENIA 30 ROMA RM 00178 ITALIE"
    want: FOREIGN
`)
	_, err := New(WithCorpus(corpus))
	require.Error(t, err)
	assert.Equal(t, resilience.KindInvariant, resilience.KindOf(err))
	assert.Contains(t, err.Error(), "classifier_canary")
	assert.Contains(t, err.Error(), "ITALIE")
}

func TestNew_CanaryRuleMismatch(t *testing.T) {
	corpus := []byte(`
version: "test"
rules:
  - id: italy
    class: final_phrase
    emit: FOREIGN
    payload: [italie]
canaries:
  - address: "ROMA ITALIE"
    want: FOREIGN
    rule: some_other_rule
`)
	_, err := New(WithCorpus(corpus))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "some_other_rule")
}

func TestLoadCorpus_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		corpus string
		want   string
	}{
		{"yaml", "rules: [", "parse rule corpus"},
		{"no version", "rules:\n  - id: a\n    class: final_phrase\n    emit: FOREIGN\n    payload: [x]\n", "no version"},
		{"no rules", "version: v\n", "no rules"},
		{"duplicate id", "version: v\nrules:\n  - {id: a, class: final_phrase, emit: FOREIGN, payload: [x]}\n  - {id: a, class: final_phrase, emit: FOREIGN, payload: [y]}\n", "duplicate id"},
		{"reserved id", "version: v\nrules:\n  - {id: default_france, class: final_phrase, emit: FRANCE, payload: [x]}\n", "duplicate id"},
		{"bad emit", "version: v\nrules:\n  - {id: a, class: final_phrase, emit: MARS, payload: [x]}\n", "emit must be"},
		{"bad class", "version: v\nrules:\n  - {id: a, class: fuzzy, emit: FOREIGN, payload: [x]}\n", "unknown class"},
		{"empty payload", "version: v\nrules:\n  - {id: a, class: final_phrase, emit: FOREIGN}\n", "empty payload"},
		{"bad prefix", "version: v\nrules:\n  - {id: a, class: postal_prefix, emit: FRANCE, payload: [9a]}\n", "not numeric"},
		{"bad regex", "version: v\nrules:\n  - {id: a, class: tail_pattern, emit: FOREIGN, payload: ['(']}\n", "compile pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadCorpus([]byte(tt.corpus), MonacoForeign)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, resilience.KindInvariant, resilience.KindOf(err))
		})
	}
}

func TestLoadCorpus_PayloadNormalized(t *testing.T) {
	c, err := loadCorpus([]byte("version: v\nrules:\n  - {id: a, class: final_phrase, emit: FOREIGN, payload: ['Côte-d’Ivoire', 'COTE D IVOIRE', 'Mali']}\n"), MonacoForeign)
	require.NoError(t, err)
	require.Len(t, c.rules, 1)
	assert.Equal(t, [][]string{{"cote", "d", "ivoire"}, {"mali"}}, c.rules[0].phrases)
	assert.Equal(t, address.TrailingWindow, c.rules[0].window)
}

func TestApplyMonacoPolicy(t *testing.T) {
	rules := []ruleSpec{
		{ID: territoryRuleID, Payload: []string{"martinique"}},
		{ID: foreignRuleID, Payload: []string{"italie", "Monaco", "principauté de monaco"}},
	}
	applyMonacoPolicy(rules, MonacoFrance)
	assert.Equal(t, []string{"martinique", "monaco"}, rules[0].Payload)
	assert.Equal(t, []string{"italie"}, rules[1].Payload)
}

func TestEmbeddedCorpusLoads(t *testing.T) {
	for _, p := range []MonacoPolicy{MonacoForeign, MonacoFrance} {
		c, err := loadCorpus(defaultCorpus, p)
		require.NoError(t, err)
		assert.NotEmpty(t, c.canaries)
		assert.GreaterOrEqual(t, len(c.rules), 4)
	}
}
