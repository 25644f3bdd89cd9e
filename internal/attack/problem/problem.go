// Package problem loads attack problem files: the feature schema of a dataset
// together with its domain constraints.
package problem

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/moeva/internal/attack"
	"github.com/copyleftdev/moeva/internal/attack/constraints"
	"github.com/copyleftdev/moeva/internal/attack/encoding"
)

var validate = validator.New()

// File is the on-disk form of a problem.
type File struct {
	Name        string             `json:"name" yaml:"name" validate:"required"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Features    []encoding.Feature `json:"features" yaml:"features" validate:"required,min=1,dive"`

	constraints.Spec `yaml:",inline"`
}

// Problem is a loaded and validated problem.
type Problem struct {
	Name        string
	Description string
	Schema      *encoding.Schema
	Constraints *constraints.Evaluator
}

// Parse decodes and validates a YAML problem.
func Parse(r io.Reader) (*Problem, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, specError("empty problem file", nil)
		}
		return nil, specError("decoding problem file", err)
	}
	return f.Build()
}

// Load reads a YAML problem from path.
func Load(path string) (*Problem, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening problem file: %w", err)
	}
	defer fh.Close()

	p, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Build validates the file and compiles its constraints.
func (f *File) Build() (*Problem, error) {
	if err := validate.Struct(f); err != nil {
		return nil, specError("invalid problem file", err)
	}
	seen := make(map[string]struct{}, len(f.Features))
	for _, feat := range f.Features {
		if _, dup := seen[feat.Name]; dup {
			return nil, specError(fmt.Sprintf("duplicate feature %q", feat.Name), nil)
		}
		seen[feat.Name] = struct{}{}
	}

	schema := encoding.NewSchema(f.Features...)
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	cons, err := f.Spec.Build(schema)
	if err != nil {
		return nil, err
	}
	return &Problem{
		Name:        f.Name,
		Description: f.Description,
		Schema:      schema,
		Constraints: cons,
	}, nil
}

func specError(msg string, err error) error {
	if err != nil {
		return attack.WrapError(err, attack.KindConstraintSpec, msg).WithComponent("problem")
	}
	return attack.NewError(attack.KindConstraintSpec, msg).WithComponent("problem")
}
