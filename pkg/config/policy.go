package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kenhuangus/agent-payment-platform/pkg/risk"
	"github.com/kenhuangus/agent-payment-platform/pkg/router"
)

// Policy is the policy file: risk rules and thresholds, routing bands and
// the rail catalog. Sections left out keep their built-in defaults.
type Policy struct {
	Risk   risk.Policy   `yaml:"risk"`
	Router router.Policy `yaml:"router"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{Risk: risk.DefaultPolicy(), Router: router.DefaultPolicy()}
}

// LoadPolicy reads the policy file at path. An empty path returns defaults.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("load policy %s: %w", path, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy decodes a policy document over the defaults and validates it.
// Unknown keys are rejected.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, err
	}
	if err := p.Risk.Validate(); err != nil {
		return Policy{}, fmt.Errorf("risk: %w", err)
	}
	if err := p.Router.Validate(); err != nil {
		return Policy{}, fmt.Errorf("router: %w", err)
	}
	return p, nil
}
