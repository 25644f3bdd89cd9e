package problem

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/moeva/internal/attack"
	"github.com/copyleftdev/moeva/internal/attack/constraints"
)

const botnetYAML = `
name: botnet-flows
description: NetFlow aggregates of one host
features:
  - {name: bytes_in, type: continuous, lower: 0, upper: 1000000}
  - {name: bytes_out, type: continuous, lower: 0, upper: 1000000}
  - {name: packets, type: integer, lower: 0, upper: 10000}
  - {name: protocol, type: categorical, categories: [6, 17, 1]}
  - {name: dst_port, type: integer, lower: 0, upper: 65535, immutable: true}
aggregation: max
constraints:
  - kind: linear
    name: bytes-per-packet
    terms:
      - {feature: bytes_in, coef: 1}
      - {feature: packets, coef: -1500}
    op: "<="
    bound: 0
  - kind: implication
    name: icmp-no-port
    if: {feature: protocol, values: [1]}
    then: {feature: dst_port, values: [0]}
`

func TestParse(t *testing.T) {
	p, err := Parse(strings.NewReader(botnetYAML))
	require.NoError(t, err)
	assert.Equal(t, "botnet-flows", p.Name)
	assert.Equal(t, 5, p.Schema.Len())
	assert.Equal(t, 4, p.Schema.MutableCount())
	assert.Equal(t, 2, p.Constraints.Len())
	assert.Equal(t, constraints.AggregateMax, p.Constraints.Aggregation())

	raw := []float64{3000, 100, 1, 6, 443}
	assert.Equal(t, 1500.0, p.Constraints.Violation(raw))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "problem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(botnetYAML), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "NetFlow aggregates of one host", p.Description)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"no name", "features:\n  - {name: a, type: continuous, lower: 0, upper: 1}\n"},
		{"no features", "name: p\nfeatures: []\n"},
		{"bad type", "name: p\nfeatures:\n  - {name: a, type: complex}\n"},
		{"duplicate feature", "name: p\nfeatures:\n  - {name: a, type: continuous, upper: 1}\n  - {name: a, type: continuous, upper: 1}\n"},
		{"inverted bounds", "name: p\nfeatures:\n  - {name: a, type: continuous, lower: 2, upper: 1}\n"},
		{"unknown field", "name: p\ncolour: red\nfeatures:\n  - {name: a, type: continuous, upper: 1}\n"},
		{"bad constraint", "name: p\nfeatures:\n  - {name: a, type: continuous, upper: 1}\nconstraints:\n  - kind: range\n    feature: b\n    lower: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, attack.ErrConstraintSpec), "got %v", err)
		})
	}
}
