package handlers

import (
	"context"
	"fmt"

	"provisioner/application/commands"
	"provisioner/application/commands/bus"
	"provisioner/application/sagas"
	"provisioner/domain/saga"

	"go.uber.org/zap"
)

// StartSagaHandler handles StartSagaCommand. It is invoked directly by the
// HTTP layer because starting returns the assigned SagaID.
type StartSagaHandler struct {
	engine *sagas.Engine
	logger *zap.Logger
}

// NewStartSagaHandler creates the handler
func NewStartSagaHandler(engine *sagas.Engine, logger *zap.Logger) *StartSagaHandler {
	return &StartSagaHandler{engine: engine, logger: logger}
}

// Handle starts a saga and returns its id
func (h *StartSagaHandler) Handle(ctx context.Context, cmd commands.StartSagaCommand) (saga.SagaID, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	return h.engine.Start(ctx, cmd.DefinitionName, cmd.Parameters, saga.CorrelationID(cmd.CorrelationID))
}

// ReportStepResultHandler handles ReportStepResultCommand
type ReportStepResultHandler struct {
	engine *sagas.Engine
	logger *zap.Logger
}

// NewReportStepResultHandler creates the handler
func NewReportStepResultHandler(engine *sagas.Engine, logger *zap.Logger) *ReportStepResultHandler {
	return &ReportStepResultHandler{engine: engine, logger: logger}
}

// Handle implements bus.CommandHandler
func (h *ReportStepResultHandler) Handle(ctx context.Context, cmd bus.Command) error {
	c, ok := cmd.(commands.ReportStepResultCommand)
	if !ok {
		return fmt.Errorf("unexpected command type %T", cmd)
	}

	outcome := saga.StepOutcome{
		Success: c.Success,
		Output:  c.Output,
		Reason:  c.Reason,
	}
	return h.engine.ReportStepResult(ctx, saga.SagaID(c.SagaID), c.StepIndex, outcome)
}

// CancelSagaHandler handles CancelSagaCommand
type CancelSagaHandler struct {
	engine *sagas.Engine
	logger *zap.Logger
}

// NewCancelSagaHandler creates the handler
func NewCancelSagaHandler(engine *sagas.Engine, logger *zap.Logger) *CancelSagaHandler {
	return &CancelSagaHandler{engine: engine, logger: logger}
}

// Handle implements bus.CommandHandler
func (h *CancelSagaHandler) Handle(ctx context.Context, cmd bus.Command) error {
	c, ok := cmd.(commands.CancelSagaCommand)
	if !ok {
		return fmt.Errorf("unexpected command type %T", cmd)
	}
	return h.engine.Cancel(ctx, saga.SagaID(c.SagaID), c.Reason)
}
