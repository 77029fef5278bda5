package model

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound            = errors.New("deployment config not found")
	ErrDeploymentNotFound        = errors.New("deployment not found")
	ErrFlagNotFound              = errors.New("feature flag not found")
	ErrAlreadyExists             = errors.New("already exists")
	ErrInvalidConfig             = errors.New("invalid deployment config")
	ErrInvalidStrategyParameters = errors.New("invalid strategy parameters")
	ErrInvalidState              = errors.New("invalid deployment state")
	ErrHealthCheckFailed         = errors.New("health check failed")
	ErrThresholdExceeded         = errors.New("rollback threshold exceeded")
	ErrStrategyExecution         = errors.New("strategy execution failed")
	ErrRollbackFailed            = errors.New("rollback failed")
)

// ThresholdError carries the breached condition so it can become the
// rollback reason.
type ThresholdError struct {
	Reason string
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("%s: %s", ErrThresholdExceeded, e.Reason)
}

func (e *ThresholdError) Is(target error) bool {
	return target == ErrThresholdExceeded
}
