package policy

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Policy is the versioned rollout configuration. Version is stamped into the
// metadata of every version and rollout created under it.
type Policy struct {
	Version                  string  `yaml:"version" json:"version"`
	CanaryByDefault          bool    `yaml:"canaryByDefault" json:"canaryByDefault"`
	DefaultTrafficPercent    int     `yaml:"defaultTrafficPercent" json:"defaultTrafficPercent"`
	DefaultMinimumSampleSize int     `yaml:"defaultMinimumSampleSize" json:"defaultMinimumSampleSize"`
	RegressionTolerance      float64 `yaml:"regressionTolerance" json:"regressionTolerance"`
	TieEpsilon               float64 `yaml:"tieEpsilon" json:"tieEpsilon"`
	MinimumSuccessRate       float64 `yaml:"minimumSuccessRate" json:"minimumSuccessRate"`
}

func Default() Policy {
	return Policy{
		Version:                  "default-v1",
		CanaryByDefault:          true,
		DefaultTrafficPercent:    10,
		DefaultMinimumSampleSize: 50,
		RegressionTolerance:      0.02,
		TieEpsilon:               1e-9,
		MinimumSuccessRate:       0,
	}
}

func (p Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("policy version required")
	}
	if p.DefaultTrafficPercent < 0 || p.DefaultTrafficPercent > 100 {
		return fmt.Errorf("defaultTrafficPercent must be between 0 and 100, got %d", p.DefaultTrafficPercent)
	}
	if p.DefaultMinimumSampleSize < 0 {
		return fmt.Errorf("defaultMinimumSampleSize must be >= 0, got %d", p.DefaultMinimumSampleSize)
	}
	for name, v := range map[string]float64{
		"regressionTolerance": p.RegressionTolerance,
		"tieEpsilon":          p.TieEpsilon,
		"minimumSuccessRate":  p.MinimumSuccessRate,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be a finite number, got %g", name, v)
		}
	}
	if p.RegressionTolerance < 0 || p.RegressionTolerance > 1 {
		return fmt.Errorf("regressionTolerance must be between 0 and 1, got %g", p.RegressionTolerance)
	}
	if p.TieEpsilon < 0 {
		return fmt.Errorf("tieEpsilon must be >= 0, got %g", p.TieEpsilon)
	}
	if p.MinimumSuccessRate < 0 || p.MinimumSuccessRate > 1 {
		return fmt.Errorf("minimumSuccessRate must be between 0 and 1, got %g", p.MinimumSuccessRate)
	}
	return nil
}

// Parse decodes a YAML policy document. Keys absent from the document keep
// their Default values; unknown keys are rejected.
func Parse(data []byte) (Policy, error) {
	p := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	return Parse(data)
}

// Provider hands out the policy in force at the time of the call.
type Provider interface {
	Current() Policy
}

// Holder is a Provider whose policy can be replaced at runtime.
type Holder struct {
	mu sync.RWMutex
	p  Policy
}

func NewHolder(p Policy) *Holder {
	return &Holder{p: p}
}

func (h *Holder) Current() Policy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.p
}

// Set replaces the policy after validating it. An invalid policy leaves the
// current one in place.
func (h *Holder) Set(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.p = p
	return nil
}

// Reload re-reads path and swaps the policy in when it is valid.
func (h *Holder) Reload(path string) (Policy, error) {
	p, err := LoadFile(path)
	if err != nil {
		return h.Current(), err
	}
	if err := h.Set(p); err != nil {
		return h.Current(), err
	}
	return p, nil
}
