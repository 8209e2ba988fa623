package scenario

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parse decodes and validates a scenario.
func Parse(input []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if sc.Name == "" {
		return errors.New("scenario has no name")
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("scenario %q has no steps", sc.Name)
	}
	for i, step := range sc.Steps {
		if step.Exec == "" {
			return fmt.Errorf("scenario %q: step %d has no exec", sc.Name, i+1)
		}
		if _, _, err := sc.UserPassword(step); err != nil {
			return fmt.Errorf("scenario %q: step %d: %w", sc.Name, i+1, err)
		}
	}
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence of scalars.
func (c *Chunks) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*c = Chunks{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return err
		}
		*c = Chunks(ss)
		return nil
	default:
		return fmt.Errorf("line %d: input must be a string or a list of strings", node.Line)
	}
}
