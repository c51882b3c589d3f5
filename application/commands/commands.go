// Package commands defines the write-side intents of the saga engine.
// Commands carry their own validation so the bus can reject malformed
// intents before any handler runs.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StartSagaCommand opens a new saga execution
type StartSagaCommand struct {
	DefinitionName string          `json:"definition_name"`
	Parameters     json.RawMessage `json:"parameters"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

// Validate implements bus.Command
func (c StartSagaCommand) Validate() error {
	if c.DefinitionName == "" {
		return errors.New("definition_name is required")
	}
	if len(c.Parameters) > 0 && !json.Valid(c.Parameters) {
		return errors.New("parameters must be valid JSON")
	}
	return nil
}

// ReportStepResultCommand carries an executor-reported step outcome
type ReportStepResultCommand struct {
	SagaID    string          `json:"saga_id"`
	StepIndex int             `json:"step_index"`
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Validate implements bus.Command
func (c ReportStepResultCommand) Validate() error {
	if c.SagaID == "" {
		return errors.New("saga_id is required")
	}
	if c.StepIndex < 0 {
		return fmt.Errorf("step_index %d is negative", c.StepIndex)
	}
	if !c.Success && c.Reason == "" {
		return errors.New("failed results require a reason")
	}
	return nil
}

// CancelSagaCommand drives a running saga through compensation
type CancelSagaCommand struct {
	SagaID string `json:"saga_id"`
	Reason string `json:"reason,omitempty"`
}

// Validate implements bus.Command
func (c CancelSagaCommand) Validate() error {
	if c.SagaID == "" {
		return errors.New("saga_id is required")
	}
	return nil
}
