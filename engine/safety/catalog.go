package safety

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed triggers.yaml
var defaultTriggers []byte

type catalog struct {
	Triggers []Trigger `yaml:"triggers"`
}

// Parse decodes a YAML trigger catalog. Unknown fields are rejected so typos
// surface at startup.
func Parse(data []byte) ([]Trigger, error) {
	var c catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("safety: parse triggers: %w", err)
	}
	return c.Triggers, nil
}

// LoadFile reads and validates a trigger catalog. An empty path loads the
// embedded default catalog.
func LoadFile(path string, opts ...Option) (*Evaluator, error) {
	data := defaultTriggers
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("safety: load triggers: %w", err)
		}
	}
	triggers, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return NewEvaluator(triggers, opts...)
}

// Default returns an evaluator over the embedded catalog.
func Default(opts ...Option) (*Evaluator, error) { return LoadFile("", opts...) }
