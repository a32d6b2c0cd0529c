package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Step identifies one stage of the creation pipeline.
type Step string

const (
	StepNamespace      Step = "namespace"
	StepNetworkPolicy  Step = "network_policy"
	StepDockerSecrets  Step = "docker_secrets"
	StepStorageClasses Step = "storage_classes"
	StepVolumes        Step = "volumes"
	StepDeployment     Step = "deployment"
	StepServices       Step = "services"
	StepIngress        Step = "ingress"
	StepMiddlewares    Step = "middlewares"
)

// AllSteps lists every step in pipeline order.
func AllSteps() []Step {
	return []Step{
		StepNamespace,
		StepNetworkPolicy,
		StepDockerSecrets,
		StepStorageClasses,
		StepVolumes,
		StepDeployment,
		StepServices,
		StepMiddlewares,
		StepIngress,
	}
}

// RollbackOrder is the fixed order in which created objects are removed
// after a failed creation. Namespace and network policy are never rolled back.
var RollbackOrder = []Step{
	StepIngress,
	StepMiddlewares,
	StepDeployment,
	StepServices,
	StepVolumes,
	StepStorageClasses,
	StepDockerSecrets,
}

// CreationDependencies maps each step to the steps that must succeed before it starts.
// Middlewares are provisioned inside the ingress step and have no edge of their own.
var CreationDependencies = map[Step][]Step{
	StepNamespace:      nil,
	StepNetworkPolicy:  {StepNamespace},
	StepDockerSecrets:  {StepNamespace},
	StepStorageClasses: {StepNamespace},
	StepVolumes:        {StepStorageClasses},
	StepDeployment:     {StepVolumes, StepDockerSecrets, StepStorageClasses, StepNetworkPolicy},
	StepServices:       {StepDeployment},
	StepIngress:        {StepServices},
}

// String implements fmt.Stringer.
func (s Step) String() string {
	return string(s)
}

// Validate checks that the step is known.
func (s Step) Validate() error {
	for _, known := range AllSteps() {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid step: %s", s)
}

// ParseStep converts a name such as "storage-classes" or "STORAGE_CLASSES" into a Step.
func ParseStep(name string) (Step, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	s := Step(normalized)
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// impliedRollback returns the steps that must be deleted in addition to the
// succeeded ones when the given step is the one that failed.
func impliedRollback(failed Step) []Step {
	switch failed {
	case StepIngress:
		return []Step{StepMiddlewares}
	case StepDeployment:
		return []Step{StepDeployment}
	default:
		return nil
	}
}

// StepSet is a set of steps safe for concurrent use.
type StepSet struct {
	mu    sync.Mutex
	steps map[Step]struct{}
}

// NewStepSet creates a set holding the given steps.
func NewStepSet(steps ...Step) *StepSet {
	s := &StepSet{steps: make(map[Step]struct{}, len(steps))}
	for _, step := range steps {
		s.steps[step] = struct{}{}
	}
	return s
}

// Add records a step.
func (s *StepSet) Add(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step] = struct{}{}
}

// Has reports whether the step is in the set.
func (s *StepSet) Has(step Step) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.steps[step]
	return ok
}

// Len returns the number of steps in the set.
func (s *StepSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Union returns a new set containing the steps of s and the extra steps.
func (s *StepSet) Union(extra ...Step) *StepSet {
	out := NewStepSet(extra...)
	s.mu.Lock()
	defer s.mu.Unlock()
	for step := range s.steps {
		out.steps[step] = struct{}{}
	}
	return out
}

// Slice returns the steps sorted by name.
func (s *StepSet) Slice() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Step, 0, len(s.steps))
	for step := range s.steps {
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ordered returns the members of s that appear in order, preserving that order.
func (s *StepSet) Ordered(order []Step) []Step {
	out := make([]Step, 0, len(order))
	for _, step := range order {
		if s.Has(step) {
			out = append(out, step)
		}
	}
	return out
}
