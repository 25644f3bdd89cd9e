package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/moeva/internal/attack/moeva"
	"github.com/copyleftdev/moeva/internal/attack/problem"
	"github.com/copyleftdev/moeva/internal/logging"
)

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "moeva",
		Short: "Search for constrained adversarial examples against a classifier",
		Long: `moeva evolves perturbations of reference inputs that lower a classifier's
confidence while staying close to the reference and inside the domain
constraints declared in a problem file.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format (json, text)")

	cmd.AddCommand(newAttackCmd(opts), newValidateCmd())
	return cmd
}

func (o *rootOptions) logger() (*logging.Logger, error) {
	return logging.NewLogger(&logging.Config{Level: o.logLevel, Format: o.logFormat, Output: "stderr"})
}

func loadRunConfig(path string) (moeva.Config, error) {
	if path == "" {
		return moeva.DefaultConfig(), nil
	}
	return moeva.LoadConfig(path)
}

// readInputs reads a JSON array of reference feature vectors.
func readInputs(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening inputs: %w", err)
	}
	defer f.Close()

	var inputs [][]float64
	if err := json.NewDecoder(f).Decode(&inputs); err != nil {
		return nil, fmt.Errorf("decoding inputs: %w", err)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("inputs file %s holds no references", path)
	}
	return inputs, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadProblem(path string) (*problem.Problem, error) {
	if path == "" {
		return nil, fmt.Errorf("--problem is required")
	}
	return problem.Load(path)
}
