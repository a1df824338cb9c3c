// Package policy evaluates a deployment against the Cloud Run deploy policy written in Rego.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"github.com/savaki/run-deployer/internal/config"
)

//go:embed deploy.rego
var policyContent string

type Validator struct {
	allow      rego.PreparedEvalQuery
	violations rego.PreparedEvalQuery
}

type ValidationResult struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// NewValidator compiles the allow and violations queries once; every evaluation reuses them.
func NewValidator() (*Validator, error) {
	ctx := context.Background()

	allow, err := rego.New(
		rego.Query("data.deploy.allow"),
		rego.Module("deploy.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy query: %w", err)
	}

	violations, err := rego.New(
		rego.Query("data.deploy.violations"),
		rego.Module("deploy.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare violations query: %w", err)
	}

	return &Validator{
		allow:      allow,
		violations: violations,
	}, nil
}

// ValidateDeployment checks the service and image that cfg would deploy against the registry
// coordinates cfg names.
func (v *Validator) ValidateDeployment(ctx context.Context, cfg config.Config) (*ValidationResult, error) {
	input := map[string]interface{}{
		"service":       cfg.Service,
		"image":         cfg.ImageReference(),
		"memory_mib":    MemoryMiB(cfg.Memory),
		"concurrency":   cfg.Concurrency,
		"max_instances": cfg.MaxInstances,
		"registry_host": cfg.RegistryHost(),
		"project":       cfg.Project,
		"repository":    cfg.Repository,
	}

	results, err := v.allow.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 {
		return &ValidationResult{
			Allowed:    false,
			Violations: []string{"policy evaluation returned no results"},
		}, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return &ValidationResult{
			Allowed:    false,
			Violations: []string{"policy evaluation returned non-boolean result"},
		}, nil
	}

	result := &ValidationResult{
		Allowed: allowed,
	}

	if !allowed {
		violations, err := v.getViolations(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to get violations: %w", err)
		}
		result.Violations = violations
	}

	return result, nil
}

func (v *Validator) getViolations(ctx context.Context, input map[string]interface{}) ([]string, error) {
	results, err := v.violations.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate violations: %w", err)
	}

	if len(results) == 0 {
		return []string{"unknown policy violation"}, nil
	}

	var violations []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, violation := range v {
			if str, ok := violation.(string); ok {
				violations = append(violations, str)
			}
		}
	case map[string]interface{}:
		// sets may come back as objects
		for violation := range v {
			violations = append(violations, violation)
		}
	}

	if len(violations) == 0 {
		return []string{"policy validation failed but no specific violations found"}, nil
	}
	sort.Strings(violations)
	return violations, nil
}

// MemoryMiB converts a Cloud Run memory limit such as 512Mi or 2Gi to MiB. Unparseable
// values return 0.
func MemoryMiB(memory string) int {
	multiplier := 1
	switch {
	case strings.HasSuffix(memory, "Gi"):
		multiplier = 1024
		memory = strings.TrimSuffix(memory, "Gi")
	case strings.HasSuffix(memory, "Mi"):
		memory = strings.TrimSuffix(memory, "Mi")
	default:
		return 0
	}
	n, err := strconv.Atoi(memory)
	if err != nil {
		return 0
	}
	return n * multiplier
}
