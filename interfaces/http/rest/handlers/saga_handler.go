// Package handlers translates HTTP requests into commands and queries.
// Handlers stay thin: body decoding, validation, and response shaping
// live here, every decision about saga state lives behind the buses.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"provisioner/application/commands"
	"provisioner/application/commands/bus"
	cmdhandlers "provisioner/application/commands/handlers"
	"provisioner/application/queries"
	querybus "provisioner/application/queries/bus"
	"provisioner/domain/saga"
	"provisioner/pkg/common"
	appErrors "provisioner/pkg/errors"
	"provisioner/pkg/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// SagaHandler handles saga lifecycle HTTP requests
type SagaHandler struct {
	starter    *cmdhandlers.StartSagaHandler
	commandBus *bus.CommandBus
	queryBus   *querybus.QueryBus
	errors     *appErrors.ErrorHandler
	logger     *zap.Logger
}

// NewSagaHandler creates a new saga handler. Starting a saga bypasses the
// command bus because the caller needs the generated saga id back.
func NewSagaHandler(
	starter *cmdhandlers.StartSagaHandler,
	commandBus *bus.CommandBus,
	queryBus *querybus.QueryBus,
	errors *appErrors.ErrorHandler,
	logger *zap.Logger,
) *SagaHandler {
	return &SagaHandler{
		starter:    starter,
		commandBus: commandBus,
		queryBus:   queryBus,
		errors:     errors,
		logger:     logger,
	}
}

// StartSagaRequest is the request body for starting a saga
type StartSagaRequest struct {
	DefinitionName string          `json:"definition_name" validate:"required,min=1,max=128"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty" validate:"omitempty,max=256"`
}

// StartSagaResponse is the response body for a started saga
type StartSagaResponse struct {
	SagaID        string `json:"saga_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ReportStepResultRequest is the request body for reporting a step outcome
type ReportStepResultRequest struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Reason  string          `json:"reason,omitempty" validate:"omitempty,max=1024"`
}

// CancelSagaRequest is the request body for cancelling a saga
type CancelSagaRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=1024"`
}

// StartSaga handles POST /sagas
func (h *SagaHandler) StartSaga(w http.ResponseWriter, r *http.Request) {
	var req StartSagaRequest
	if err := common.ParseJSONBody(r, &req, maxBodyBytes); err != nil {
		h.errors.Handle(w, r, appErrors.NewValidationError(err.Error()))
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		h.errors.Handle(w, r, appErrors.NewValidationError(err.Error()))
		return
	}

	cmd := commands.StartSagaCommand{
		DefinitionName: req.DefinitionName,
		Parameters:     req.Parameters,
		CorrelationID:  req.CorrelationID,
	}
	id, err := h.starter.Handle(r.Context(), cmd)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}

	common.RespondJSON(w, http.StatusCreated, StartSagaResponse{
		SagaID:        id.String(),
		CorrelationID: req.CorrelationID,
	})
}

// ReportStepResult handles POST /sagas/{sagaID}/steps/{stepIndex}/result
func (h *SagaHandler) ReportStepResult(w http.ResponseWriter, r *http.Request) {
	stepIndex, err := strconv.Atoi(chi.URLParam(r, "stepIndex"))
	if err != nil {
		h.errors.Handle(w, r, appErrors.NewValidationError("step index must be an integer"))
		return
	}

	var req ReportStepResultRequest
	if err := common.ParseJSONBody(r, &req, maxBodyBytes); err != nil {
		h.errors.Handle(w, r, appErrors.NewValidationError(err.Error()))
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		h.errors.Handle(w, r, appErrors.NewValidationError(err.Error()))
		return
	}

	cmd := commands.ReportStepResultCommand{
		SagaID:    chi.URLParam(r, "sagaID"),
		StepIndex: stepIndex,
		Success:   req.Success,
		Output:    req.Output,
		Reason:    req.Reason,
	}
	if err := h.commandBus.Send(r.Context(), cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}

	common.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// CancelSaga handles POST /sagas/{sagaID}/cancel
func (h *SagaHandler) CancelSaga(w http.ResponseWriter, r *http.Request) {
	var req CancelSagaRequest
	if r.ContentLength > 0 {
		if err := common.ParseJSONBody(r, &req, maxBodyBytes); err != nil {
			h.errors.Handle(w, r, appErrors.NewValidationError(err.Error()))
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			h.errors.Handle(w, r, appErrors.NewValidationError(err.Error()))
			return
		}
	}

	cmd := commands.CancelSagaCommand{
		SagaID: chi.URLParam(r, "sagaID"),
		Reason: req.Reason,
	}
	if err := h.commandBus.Send(r.Context(), cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}

	common.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// GetSaga handles GET /sagas/{sagaID}
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	view, err := h.queryBus.Ask(r.Context(), queries.GetSagaQuery{
		SagaID: chi.URLParam(r, "sagaID"),
	})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	common.RespondJSON(w, http.StatusOK, view)
}

// ListOpenSagas handles GET /sagas
func (h *SagaHandler) ListOpenSagas(w http.ResponseWriter, r *http.Request) {
	params := common.ExtractListParams(r)

	views, err := h.queryBus.Ask(r.Context(), queries.ListOpenSagasQuery{
		Status: r.URL.Query().Get("status"),
		Limit:  params.Limit,
	})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}

	meta := &common.MetaInfo{RequestID: common.ExtractRequestID(r)}
	if vs, ok := views.([]saga.View); ok {
		meta.Pagination = common.BuildListMeta(params.Limit, len(vs))
	}
	common.RespondWithMeta(w, http.StatusOK, views, meta)
}

// ReadStream handles GET /sagas/{sagaID}/events
func (h *SagaHandler) ReadStream(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.errors.Handle(w, r, appErrors.NewValidationError("from must be a positive integer"))
			return
		}
		from = parsed
	}

	envelopes, err := h.queryBus.Ask(r.Context(), queries.ReadStreamQuery{
		SagaID:      chi.URLParam(r, "sagaID"),
		FromVersion: from,
	})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	common.RespondJSON(w, http.StatusOK, envelopes)
}

// GetStats handles GET /stats
func (h *SagaHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.queryBus.Ask(r.Context(), queries.GetStatsQuery{})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	common.RespondJSON(w, http.StatusOK, snapshot)
}
