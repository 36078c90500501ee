// Copyright 2025 Aura Protocol
//
// Per-flow ceremony policy overrides, loaded from a YAML file with
// ${VAR_NAME} / ${VAR_NAME:-default} environment variable substitution,
// carrying ceremony.Flow overrides instead of anchor/network/database
// settings.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aura-fabric/coord-core/pkg/ceremony"
)

// Duration round-trips YAML scalars like "120s" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// FlowOverride overrides zero or more fields of a ceremony.Flow for one
// ceremony kind. Empty fields leave the reference policy_for(flow) value
// untouched.
type FlowOverride struct {
	Keygen       string   `yaml:"keygen,omitempty"`
	AllowedModes []string `yaml:"allowed_modes,omitempty"`
	DeadlineMs   Duration `yaml:"deadline_ms,omitempty"`
}

// PolicyOverrides is a deployment's per-flow overrides of the reference
// ceremony policy table.
type PolicyOverrides struct {
	Environment string                  `yaml:"environment"`
	Ceremonies  map[string]FlowOverride `yaml:"ceremonies"`
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// LoadPolicyOverrides loads per-flow policy overrides from a YAML file,
// expanding ${VAR_NAME} references against the process environment first.
func LoadPolicyOverrides(path string) (*PolicyOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy overrides file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var overrides PolicyOverrides
	if err := yaml.Unmarshal([]byte(expanded), &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse policy overrides file %s: %w", path, err)
	}
	return &overrides, nil
}

var keygenByName = map[string]ceremony.KeygenPolicy{
	"k1_self_signed":   ceremony.K1SelfSigned,
	"k2_dealer_based":  ceremony.K2DealerBased,
	"k3_consensus_dkg": ceremony.K3ConsensusDkg,
}

var agreementModeByName = map[string]ceremony.AgreementMode{
	"local_only":          ceremony.LocalOnly,
	"quorum_attested":     ceremony.QuorumAttested,
	"consensus_finalized": ceremony.ConsensusFinalized,
}

// ApplyTo returns flow with any override registered for kind applied.
// Unrecognized keygen/mode names are ignored rather than rejected, since
// a config typo should not widen a ceremony's policy by falling through
// to a zero value; the base reference Flow stays in effect for that
// field.
func (o *PolicyOverrides) ApplyTo(kind ceremony.Kind, flow ceremony.Flow) ceremony.Flow {
	if o == nil {
		return flow
	}
	override, ok := o.Ceremonies[string(kind)]
	if !ok {
		return flow
	}

	result := flow
	if keygen, ok := keygenByName[override.Keygen]; ok {
		result.Keygen = keygen
	}
	if len(override.AllowedModes) > 0 {
		modes := make([]ceremony.AgreementMode, 0, len(override.AllowedModes))
		for _, name := range override.AllowedModes {
			if mode, ok := agreementModeByName[name]; ok {
				modes = append(modes, mode)
			}
		}
		if len(modes) > 0 {
			result.AllowedModes = modes
		}
	}
	return result
}

// DeadlineFor returns the deadline override registered for kind, or
// fallback if none is configured or the override is zero.
func (o *PolicyOverrides) DeadlineFor(kind ceremony.Kind, fallback time.Duration) time.Duration {
	if o == nil {
		return fallback
	}
	override, ok := o.Ceremonies[string(kind)]
	if !ok || override.DeadlineMs.Duration() == 0 {
		return fallback
	}
	return override.DeadlineMs.Duration()
}
