package engine

import (
	"encoding/json"
	"fmt"
)

// ResultState is the tri-state outcome of a provisioning operation.
type ResultState string

const (
	// ResultSuccess indicates the operation completed.
	ResultSuccess ResultState = "success"

	// ResultFailed indicates the operation failed.
	ResultFailed ResultState = "failed"

	// ResultWaitTimeout indicates the objects exist but did not become ready
	// in time. It is not a failure and never triggers rollback.
	ResultWaitTimeout ResultState = "wait_timeout"
)

// Validate checks if the result state is valid.
func (s ResultState) Validate() error {
	switch s {
	case ResultSuccess, ResultFailed, ResultWaitTimeout:
		return nil
	default:
		return fmt.Errorf("invalid result state: %s", s)
	}
}

// FlowStatus represents the overall status of one create or delete invocation.
type FlowStatus string

const (
	// FlowStatusRunning indicates the flow is executing steps.
	FlowStatusRunning FlowStatus = "running"

	// FlowStatusSucceeded indicates the flow completed successfully.
	FlowStatusSucceeded FlowStatus = "succeeded"

	// FlowStatusWaitTimeout indicates the flow completed but the workload was not ready yet.
	FlowStatusWaitTimeout FlowStatus = "wait_timeout"

	// FlowStatusFailed indicates the flow failed.
	FlowStatusFailed FlowStatus = "failed"

	// FlowStatusRollingBack indicates created objects are being removed.
	FlowStatusRollingBack FlowStatus = "rolling_back"

	// FlowStatusRolledBack indicates the flow failed and its objects were removed.
	FlowStatusRolledBack FlowStatus = "rolled_back"
)

// IsTerminal returns true if the flow status represents a final state.
func (s FlowStatus) IsTerminal() bool {
	return s == FlowStatusSucceeded || s == FlowStatusWaitTimeout ||
		s == FlowStatusFailed || s == FlowStatusRolledBack
}

// Validate checks if the flow status is valid.
func (s FlowStatus) Validate() error {
	switch s {
	case FlowStatusRunning, FlowStatusSucceeded, FlowStatusWaitTimeout,
		FlowStatusFailed, FlowStatusRollingBack, FlowStatusRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid flow status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s FlowStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *FlowStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = FlowStatus(str)
	return s.Validate()
}

// OperationType is the kind of flow being executed.
type OperationType string

const (
	// OperationCreate provisions a resource.
	OperationCreate OperationType = "create"

	// OperationDelete tears a resource down.
	OperationDelete OperationType = "delete"

	// OperationRollback removes objects created by a failed create.
	OperationRollback OperationType = "rollback"
)

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationDelete, OperationRollback:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// StepStatus is the outcome of one step within a flow.
type StepStatus string

const (
	StepStatusRunning     StepStatus = "running"
	StepStatusSucceeded   StepStatus = "succeeded"
	StepStatusWaitTimeout StepStatus = "wait_timeout"
	StepStatusRetrying    StepStatus = "retrying"
	StepStatusFailed      StepStatus = "failed"
	StepStatusCancelled   StepStatus = "cancelled"
	StepStatusRolledBack  StepStatus = "rolled_back"
)

// IsTerminal returns true if the step will not change status again within the flow.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusWaitTimeout || s == StepStatusFailed ||
		s == StepStatusCancelled || s == StepStatusRolledBack
}

// ResourceStatus represents the lifecycle status of a resource.
type ResourceStatus string

const (
	// ResourceStatusUnknown indicates the resource has never been provisioned.
	ResourceStatusUnknown ResourceStatus = "unknown"

	// ResourceStatusCreating indicates a create flow is running.
	ResourceStatusCreating ResourceStatus = "creating"

	// ResourceStatusReady indicates the resource is provisioned and ready.
	ResourceStatusReady ResourceStatus = "ready"

	// ResourceStatusPending indicates the resource is provisioned but not ready yet.
	ResourceStatusPending ResourceStatus = "pending"

	// ResourceStatusDeleting indicates a delete flow is running.
	ResourceStatusDeleting ResourceStatus = "deleting"

	// ResourceStatusError indicates the last flow failed.
	ResourceStatusError ResourceStatus = "error"

	// ResourceStatusDeleted indicates the resource has been torn down.
	ResourceStatusDeleted ResourceStatus = "deleted"
)

// IsTransitional returns true if a flow is currently operating on the resource.
func (s ResourceStatus) IsTransitional() bool {
	return s == ResourceStatusCreating || s == ResourceStatusDeleting
}

// Validate checks if the resource status is valid.
func (s ResourceStatus) Validate() error {
	switch s {
	case ResourceStatusUnknown, ResourceStatusCreating, ResourceStatusReady,
		ResourceStatusPending, ResourceStatusDeleting, ResourceStatusError,
		ResourceStatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// EventType represents the type of event in a flow timeline.
type EventType string

const (
	EventTypeFlowStarted     EventType = "flow_started"
	EventTypeFlowCompleted   EventType = "flow_completed"
	EventTypeFlowFailed      EventType = "flow_failed"
	EventTypeStepStarted     EventType = "step_started"
	EventTypeStepRetrying    EventType = "step_retrying"
	EventTypeStepCompleted   EventType = "step_completed"
	EventTypeStepFailed      EventType = "step_failed"
	EventTypeRollbackStep    EventType = "rollback_step"
	EventTypeClusterAssigned EventType = "cluster_assigned"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeFlowFailed, EventTypeStepFailed:
		return "error"
	case EventTypeStepRetrying, EventTypeRollbackStep:
		return "warning"
	default:
		return "info"
	}
}
