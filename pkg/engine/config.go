package engine

import (
	"fmt"
	"time"
)

// StepPolicy bounds how one step is retried.
type StepPolicy struct {
	// MaxAttempts is the total number of attempts.
	MaxAttempts int `json:"max_attempts"`

	// Delay is the pause between attempts.
	Delay time.Duration `json:"delay"`

	// Timeout bounds a single attempt.
	Timeout time.Duration `json:"timeout"`
}

// Validate checks the policy.
func (p StepPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("delay must not be negative")
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// FlowConfig tunes the create and delete flows.
type FlowConfig struct {
	// DefaultStep applies to steps without an entry in Steps.
	DefaultStep StepPolicy `json:"default_step"`

	// Steps overrides the policy per step.
	Steps map[Step]StepPolicy `json:"steps,omitempty"`

	// CreateDeadline bounds a whole creation, rollback excluded.
	CreateDeadline time.Duration `json:"create_deadline"`

	// DeleteDeadline bounds a whole deletion.
	DeleteDeadline time.Duration `json:"delete_deadline"`

	// RollbackTimeout bounds the rollback of a failed creation.
	RollbackTimeout time.Duration `json:"rollback_timeout"`
}

// DefaultFlowConfig returns the default tuning.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		DefaultStep: StepPolicy{MaxAttempts: 3, Delay: 5 * time.Second, Timeout: 30 * time.Second},
		Steps: map[Step]StepPolicy{
			StepVolumes:    {MaxAttempts: 3, Delay: 5 * time.Second, Timeout: time.Minute},
			StepDeployment: {MaxAttempts: 3, Delay: 10 * time.Second, Timeout: 2 * time.Minute},
			StepIngress:    {MaxAttempts: 5, Delay: 5 * time.Second, Timeout: time.Minute},
		},
		CreateDeadline:  10 * time.Minute,
		DeleteDeadline:  5 * time.Minute,
		RollbackTimeout: 5 * time.Minute,
	}
}

// Policy returns the retry policy of a step.
func (c FlowConfig) Policy(step Step) StepPolicy {
	if p, ok := c.Steps[step]; ok {
		return p
	}
	return c.DefaultStep
}

// Validate checks the configuration.
func (c FlowConfig) Validate() error {
	if err := c.DefaultStep.Validate(); err != nil {
		return fmt.Errorf("default step policy: %w", err)
	}
	for step, p := range c.Steps {
		if err := step.Validate(); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("step %s policy: %w", step, err)
		}
	}
	if c.CreateDeadline <= 0 || c.DeleteDeadline <= 0 || c.RollbackTimeout <= 0 {
		return fmt.Errorf("flow deadlines must be positive")
	}
	return nil
}
