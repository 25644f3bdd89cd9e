package moeva

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/moeva/internal/attack/objectives"
	"github.com/copyleftdev/moeva/internal/attack/variation"
)

var validate = validator.New()

// Config holds the parameters of one attack run.
type Config struct {
	// PopulationSize is the number of survivors kept each generation.
	PopulationSize int `json:"population_size" yaml:"population_size" validate:"min=1"`
	// OffspringSize is the number of children bred each generation. 0 means
	// PopulationSize.
	OffspringSize int `json:"offspring_size" yaml:"offspring_size" validate:"gte=0"`
	// Generations is the generation budget after initialisation.
	Generations int `json:"generations" yaml:"generations" validate:"gte=0"`
	// Seed drives every random draw of the run. 0 picks a time-based seed,
	// which is reported in the result.
	Seed int64 `json:"seed" yaml:"seed"`
	// TournamentSize is the number of contestants per parent draw. 0 means 2.
	TournamentSize int `json:"tournament_size" yaml:"tournament_size" validate:"gte=0"`

	Init        InitConfig        `json:"init" yaml:"init"`
	Variation   variation.Config  `json:"variation" yaml:"variation"`
	Objectives  objectives.Config `json:"objectives" yaml:"objectives"`
	Repair      RepairConfig      `json:"repair" yaml:"repair"`
	Termination TerminationConfig `json:"termination" yaml:"termination"`
	Output      OutputConfig      `json:"output" yaml:"output"`

	// RecordHistory copies per-generation statistics into the result.
	RecordHistory bool `json:"record_history" yaml:"record_history"`
}

// InitConfig controls the initial population.
type InitConfig struct {
	// Radius bounds initial perturbations as a fraction of each feature range.
	Radius float64 `json:"radius" yaml:"radius" validate:"gte=0,lte=1"`
	// PerturbedRatio is the share of the initial population sampled around the
	// reference. The rest are exact copies of it.
	PerturbedRatio float64 `json:"perturbed_ratio" yaml:"perturbed_ratio" validate:"gte=0,lte=1"`
}

// RepairConfig enables the repair step.
type RepairConfig struct {
	Enabled   bool `json:"enabled" yaml:"enabled"`
	MaxPasses int  `json:"max_passes" yaml:"max_passes" validate:"gte=0"`
}

// TerminationConfig holds the stopping criteria besides the generation budget.
type TerminationConfig struct {
	// SuccessThreshold is the evasion value below which a feasible candidate
	// counts as a successful attack.
	SuccessThreshold float64 `json:"success_threshold" yaml:"success_threshold" validate:"gte=0"`
	// EarlyStop ends the run as soon as a successful candidate exists.
	EarlyStop bool `json:"early_stop" yaml:"early_stop"`
	// StagnationWindow ends the run after this many generations without
	// improvement of the best candidate. 0 disables it.
	StagnationWindow int `json:"stagnation_window" yaml:"stagnation_window" validate:"gte=0"`
	// StagnationTolerance is the smallest change that counts as improvement.
	StagnationTolerance float64 `json:"stagnation_tolerance" yaml:"stagnation_tolerance" validate:"gte=0"`
}

// OutputConfig shapes the returned front.
type OutputConfig struct {
	// FeasibleOnly drops infeasible members of the front. When none is
	// feasible the least-infeasible members are returned instead.
	FeasibleOnly bool `json:"feasible_only" yaml:"feasible_only"`
	// Deduplicate drops candidates with identical features.
	Deduplicate bool `json:"deduplicate" yaml:"deduplicate"`
}

// DefaultConfig returns the configuration used when a field is not set.
func DefaultConfig() Config {
	return Config{
		PopulationSize: 100,
		Generations:    100,
		TournamentSize: 2,
		Init: InitConfig{
			Radius:         0.1,
			PerturbedRatio: 0.9,
		},
		Variation:  variation.DefaultConfig(),
		Objectives: objectives.DefaultConfig(),
		Repair: RepairConfig{
			Enabled:   true,
			MaxPasses: 3,
		},
		Termination: TerminationConfig{
			SuccessThreshold:    0.5,
			StagnationTolerance: 1e-6,
		},
		Output: OutputConfig{
			Deduplicate: true,
		},
		RecordHistory: true,
	}
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid run config: %w", err)
	}
	return nil
}

// ParseConfig decodes a YAML run configuration over DefaultConfig and
// validates it.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding run config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML run configuration from path.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening run config: %w", err)
	}
	defer f.Close()
	return ParseConfig(f)
}
