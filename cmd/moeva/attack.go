package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/moeva/internal/attack"
	"github.com/copyleftdev/moeva/internal/attack/moeva"
	"github.com/copyleftdev/moeva/internal/attack/success"
	"github.com/copyleftdev/moeva/internal/classifier"
	"github.com/copyleftdev/moeva/internal/logging"
)

type attackOptions struct {
	problem   string
	config    string
	model     string
	scorerURL string
	timeout   time.Duration
	cacheTTL  time.Duration
	inputs    string
	out       string
	workers   int
	seed      int64
	class     int
	threshold success.Thresholds
}

// attackReport is the JSON document written by the attack command.
type attackReport struct {
	Problem string           `json:"problem"`
	Seed    int64            `json:"seed"`
	Rates   success.Rates    `json:"rates"`
	Results []*attack.Result `json:"results"`
	Errors  []string         `json:"errors,omitempty"`
}

func newAttackCmd(root *rootOptions) *cobra.Command {
	o := &attackOptions{}
	cmd := &cobra.Command{
		Use:   "attack",
		Short: "Attack every reference input in a JSON file",
		Example: `  moeva attack --problem botnet.yaml --model model.yaml --inputs refs.json
  moeva attack --problem botnet.yaml --scorer-url http://localhost:8501/predict --inputs refs.json --out report.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := root.logger()
			if err != nil {
				return err
			}
			return runAttack(cmd, o, logger)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.problem, "problem", "", "problem file (feature schema and constraints)")
	f.StringVar(&o.config, "config", "", "run configuration file; defaults are used when empty")
	f.StringVar(&o.model, "model", "", "softmax model file")
	f.StringVar(&o.scorerURL, "scorer-url", "", "remote model server URL, overrides --model")
	f.DurationVar(&o.timeout, "scorer-timeout", 10*time.Second, "timeout per remote scoring request")
	f.DurationVar(&o.cacheTTL, "cache-ttl", 0, "cache classifier scores for this long (0 disables)")
	f.StringVar(&o.inputs, "inputs", "", "JSON array of reference feature vectors")
	f.StringVar(&o.out, "out", "", "write the report here instead of stdout")
	f.IntVar(&o.workers, "workers", 0, "concurrent runs (0 means one per input)")
	f.Int64Var(&o.seed, "seed", 0, "base seed, overrides the run configuration")
	f.IntVar(&o.class, "class", -1, "class to evade or target, overrides the run configuration")
	f.Float64Var(&o.threshold.Evasion, "success-evasion", 0.5, "evasion below which a candidate is misclassified")
	f.Float64Var(&o.threshold.Distance, "success-distance", 0.1, "distance ball radius for success rates")
	_ = cmd.MarkFlagRequired("problem")
	_ = cmd.MarkFlagRequired("inputs")
	return cmd
}

func runAttack(cmd *cobra.Command, o *attackOptions, logger *logging.Logger) error {
	prob, err := loadProblem(o.problem)
	if err != nil {
		return err
	}
	cfg, err := loadRunConfig(o.config)
	if err != nil {
		return err
	}
	if o.seed != 0 {
		cfg.Seed = o.seed
	}
	if o.class >= 0 {
		cfg.Objectives.Class = o.class
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	scorer, err := classifier.Open(classifier.Source{
		ModelPath: o.model,
		URL:       o.scorerURL,
		Timeout:   o.timeout,
		CacheTTL:  o.cacheTTL,
	})
	if err != nil {
		return err
	}

	inputs, err := readInputs(o.inputs)
	if err != nil {
		return err
	}

	logger.Info("attack batch started", logging.Fields{
		"problem": prob.Name,
		"inputs":  len(inputs),
		"seed":    cfg.Seed,
	})
	start := time.Now()

	factory := func(i int, runCfg moeva.Config) (*moeva.Engine, error) {
		zl := logging.NewZapLogger(logger.WithField("input", i))
		return moeva.New(runCfg, prob.Schema, prob.Constraints, scorer, moeva.WithLogger(zl))
	}
	results, runErr := moeva.AttackAll(cmd.Context(), cfg, inputs, o.workers, factory)

	report := attackReport{
		Problem: prob.Name,
		Seed:    cfg.Seed,
		Rates:   success.Evaluate(results, o.threshold),
		Results: results,
	}
	if runErr != nil {
		report.Errors = append(report.Errors, runErr.Error())
	}

	logger.Info("attack batch finished", logging.Fields{
		"duration":      time.Since(start).String(),
		"misclassified": report.Rates.Misclassified,
		"success":       report.Rates.ConstraintsMisclassifiedDistance,
	})

	out := cmd.OutOrStdout()
	if o.out != "" {
		f, err := os.Create(o.out)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err := writeJSON(out, report); err != nil {
		return err
	}
	return runErr
}
