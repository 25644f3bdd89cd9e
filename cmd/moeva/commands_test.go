package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const problemYAML = `
name: unit
features:
  - {name: x0, type: continuous, lower: 0, upper: 1}
  - {name: x1, type: continuous, lower: 0, upper: 1}
  - {name: fixed, type: integer, lower: 0, upper: 10, immutable: true}
constraints:
  - kind: linear
    name: budget
    terms: [{feature: x0, coef: 1}, {feature: x1, coef: 1}]
    op: "<="
    bound: 1
`

// Class 0 wins while x0 is small.
const modelYAML = `
weights:
  - [-6, 0, 0]
  - [6, 0, 0]
bias: [3, -3]
`

const runYAML = `
population_size: 12
generations: 4
init: {radius: 1}
output: {feasible_only: true}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestAttackCommand(t *testing.T) {
	dir := t.TempDir()
	prob := writeFile(t, dir, "problem.yaml", problemYAML)
	model := writeFile(t, dir, "model.yaml", modelYAML)
	cfg := writeFile(t, dir, "run.yaml", runYAML)
	inputs := writeFile(t, dir, "inputs.json", `[[0.1, 0.2, 3], [0.3, 0.3, 5]]`)

	args := []string{"attack", "--problem", prob, "--model", model, "--config", cfg,
		"--inputs", inputs, "--seed", "11", "--workers", "2", "--cache-ttl", "1m"}
	out, err := execute(t, args...)
	require.NoError(t, err)

	var report attackReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "unit", report.Problem)
	assert.Equal(t, int64(11), report.Seed)
	require.Len(t, report.Results, 2)
	for i, res := range report.Results {
		require.NotNil(t, res, "result %d", i)
		assert.Equal(t, 4, res.Generations)
		assert.NotEmpty(t, res.Front)
		for _, c := range res.Front {
			assert.Equal(t, res.Reference[2], c.Features[2], "immutable feature changed")
			assert.LessOrEqual(t, c.Features[0]+c.Features[1], 1.0+1e-9)
		}
	}
	assert.Equal(t, 1.0, report.Rates.Constraints)
	assert.Empty(t, report.Errors)

	// Same seed, same report.
	again, err := execute(t, args...)
	require.NoError(t, err)
	var second attackReport
	require.NoError(t, json.Unmarshal([]byte(again), &second))
	for i := range report.Results {
		assert.Equal(t, report.Results[i].Front, second.Results[i].Front)
	}
}

func TestAttackCommandWritesFile(t *testing.T) {
	dir := t.TempDir()
	prob := writeFile(t, dir, "problem.yaml", problemYAML)
	model := writeFile(t, dir, "model.yaml", modelYAML)
	cfg := writeFile(t, dir, "run.yaml", runYAML)
	inputs := writeFile(t, dir, "inputs.json", `[[0.1, 0.2, 3]]`)
	outPath := filepath.Join(dir, "report.json")

	out, err := execute(t, "attack", "--problem", prob, "--model", model, "--config", cfg,
		"--inputs", inputs, "--seed", "5", "--out", outPath)
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var report attackReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Len(t, report.Results, 1)
}

func TestAttackCommandErrors(t *testing.T) {
	dir := t.TempDir()
	prob := writeFile(t, dir, "problem.yaml", problemYAML)
	model := writeFile(t, dir, "model.yaml", modelYAML)
	inputs := writeFile(t, dir, "inputs.json", `[[0.1, 0.2, 3]]`)

	tests := []struct {
		name string
		args []string
	}{
		{"missing inputs flag", []string{"attack", "--problem", prob, "--model", model}},
		{"no scorer", []string{"attack", "--problem", prob, "--inputs", inputs}},
		{"empty inputs", []string{"attack", "--problem", prob, "--model", model, "--inputs", writeFile(t, dir, "empty.json", `[]`)}},
		{"bad problem", []string{"attack", "--problem", writeFile(t, dir, "bad.yaml", "name: x\n"), "--model", model, "--inputs", inputs}},
		{"bad config", []string{"attack", "--problem", prob, "--model", model, "--inputs", inputs, "--config", writeFile(t, dir, "bad-run.yaml", "population_size: 0\n")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	prob := writeFile(t, dir, "problem.yaml", problemYAML)

	out, err := execute(t, "validate", "--problem", prob)
	require.NoError(t, err)
	var report validateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 3, report.Features)
	assert.Equal(t, 2, report.Mutable)
	assert.Equal(t, []string{"budget"}, report.Constraints)
	assert.Equal(t, "sum", report.Aggregation)

	inputs := writeFile(t, dir, "inputs.json", `[[0.1, 0.2, 3], [0.8, 0.7, 3], [0.1, 0.1]]`)
	out, err = execute(t, "validate", "--problem", prob, "--inputs", inputs)
	require.Error(t, err)

	report = validateReport{}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Inputs, 3)
	assert.True(t, report.Inputs[0].Feasible)
	assert.False(t, report.Inputs[1].Feasible)
	assert.InDelta(t, 0.5, report.Inputs[1].PerConstraint["budget"], 1e-9)
	assert.False(t, report.Inputs[2].Valid)
	assert.NotEmpty(t, report.Inputs[2].Error)
}
