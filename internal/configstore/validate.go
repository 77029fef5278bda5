package configstore

import (
	"fmt"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/go-playground/validator/v10"
)

// Validator checks DeploymentConfigs: struct tags first, then the
// strategy-specific rules that tags cannot express.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *Validator) Validate(cfg *model.DeploymentConfig) error {
	if err := v.validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidConfig, err)
	}
	return validateStrategy(cfg)
}

func validateStrategy(cfg *model.DeploymentConfig) error {
	switch cfg.Strategy {
	case model.StrategyCanary:
		if cfg.Canary == nil {
			return invalidParams("canary strategy requires canary parameters")
		}
		// canary + stable must sum to 100
		if cfg.Canary.Percentage < 0 || cfg.Canary.Percentage > 100 {
			return invalidParams("canary percentage %d out of range", cfg.Canary.Percentage)
		}
		if cfg.Canary.IncrementPercentage <= 0 || cfg.Canary.IncrementPercentage > 100 {
			return invalidParams("canary increment %d out of range", cfg.Canary.IncrementPercentage)
		}

	case model.StrategyABTesting:
		if cfg.ABTesting == nil || len(cfg.ABTesting.Variants) < 2 {
			return invalidParams("ab-testing strategy requires at least two variants")
		}
		total := 0
		seen := make(map[string]bool, len(cfg.ABTesting.Variants))
		for _, variant := range cfg.ABTesting.Variants {
			if seen[variant.Name] {
				return invalidParams("duplicate variant %q", variant.Name)
			}
			seen[variant.Name] = true
			total += variant.Percentage
		}
		if total != 100 {
			return invalidParams("variant percentages sum to %d, want 100", total)
		}

	case model.StrategyRolling:
		if cfg.Rolling != nil {
			if cfg.Rolling.MaxUnavailable > cfg.Application.Replicas {
				return invalidParams("maxUnavailable %d exceeds replicas %d", cfg.Rolling.MaxUnavailable, cfg.Application.Replicas)
			}
			if cfg.Rolling.MaxSurge > cfg.Application.Replicas {
				return invalidParams("maxSurge %d exceeds replicas %d", cfg.Rolling.MaxSurge, cfg.Application.Replicas)
			}
		}

	case model.StrategyShadow:
		if cfg.Shadow == nil {
			return invalidParams("shadow strategy requires shadow parameters")
		}
	}

	for _, check := range cfg.HealthChecks {
		if err := validateHealthCheck(check); err != nil {
			return err
		}
	}
	return nil
}

func validateHealthCheck(check model.HealthCheck) error {
	switch check.Kind {
	case model.HealthCheckHTTP:
		if check.Target.URL == "" {
			return fmt.Errorf("%w: health check %q: http probe requires url", model.ErrInvalidConfig, check.Name)
		}
	case model.HealthCheckTCP:
		if check.Target.Host == "" || check.Target.Port <= 0 {
			return fmt.Errorf("%w: health check %q: tcp probe requires host and port", model.ErrInvalidConfig, check.Name)
		}
	case model.HealthCheckGRPC:
		if check.Target.Host == "" || check.Target.Port <= 0 {
			return fmt.Errorf("%w: health check %q: grpc probe requires host and port", model.ErrInvalidConfig, check.Name)
		}
	case model.HealthCheckCommand:
		if check.Target.Command == "" {
			return fmt.Errorf("%w: health check %q: command probe requires command", model.ErrInvalidConfig, check.Name)
		}
	}
	return nil
}

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidStrategyParameters, fmt.Sprintf(format, args...))
}
