package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/moeva/internal/attack/encoding"
)

type validateOptions struct {
	problem string
	config  string
	inputs  string
}

// inputReport describes how one reference fares against the problem.
type inputReport struct {
	Index         int                `json:"index"`
	Valid         bool               `json:"valid"`
	Error         string             `json:"error,omitempty"`
	Violation     float64            `json:"violation"`
	Feasible      bool               `json:"feasible"`
	PerConstraint map[string]float64 `json:"per_constraint,omitempty"`
}

type validateReport struct {
	Problem     string        `json:"problem"`
	Features    int           `json:"features"`
	Mutable     int           `json:"mutable"`
	Constraints []string      `json:"constraints"`
	Aggregation string        `json:"aggregation"`
	Inputs      []inputReport `json:"inputs,omitempty"`
}

func newValidateCmd() *cobra.Command {
	o := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a problem file, a run configuration and optionally reference inputs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd, o)
		},
	}
	cmd.Flags().StringVar(&o.problem, "problem", "", "problem file (feature schema and constraints)")
	cmd.Flags().StringVar(&o.config, "config", "", "run configuration file to check")
	cmd.Flags().StringVar(&o.inputs, "inputs", "", "JSON array of reference feature vectors to check")
	_ = cmd.MarkFlagRequired("problem")
	return cmd
}

func runValidate(cmd *cobra.Command, o *validateOptions) error {
	prob, err := loadProblem(o.problem)
	if err != nil {
		return err
	}
	if _, err := loadRunConfig(o.config); err != nil {
		return err
	}

	report := validateReport{
		Problem:     prob.Name,
		Features:    prob.Schema.Len(),
		Mutable:     prob.Schema.MutableCount(),
		Aggregation: string(prob.Constraints.Aggregation()),
	}
	for _, c := range prob.Constraints.Constraints() {
		report.Constraints = append(report.Constraints, c.Name())
	}

	invalid := 0
	if o.inputs != "" {
		inputs, err := readInputs(o.inputs)
		if err != nil {
			return err
		}
		for i, ref := range inputs {
			r := inputReport{Index: i}
			if _, err := encoding.NewEncoder(prob.Schema, ref); err != nil {
				r.Error = err.Error()
				invalid++
				report.Inputs = append(report.Inputs, r)
				continue
			}
			r.Valid = true
			r.Violation = prob.Constraints.Violation(ref)
			r.Feasible = prob.Constraints.Feasible(ref)
			if !r.Feasible {
				r.PerConstraint = make(map[string]float64)
				per := prob.Constraints.PerConstraint(ref)
				for j, c := range prob.Constraints.Constraints() {
					if per[j] > 0 {
						r.PerConstraint[c.Name()] = per[j]
					}
				}
			}
			report.Inputs = append(report.Inputs, r)
		}
	}

	if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d inputs do not match the problem schema", invalid, len(report.Inputs))
	}
	return nil
}
