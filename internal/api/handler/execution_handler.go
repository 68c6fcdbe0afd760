package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"codebattle/internal/app/service"
	"codebattle/internal/common"
	"codebattle/internal/domain/model"

	"github.com/go-chi/chi/v5"
)

type ExecutionHandler struct {
	execService *service.ExecutionService
}

func NewExecutionHandler(execService *service.ExecutionService) *ExecutionHandler {
	return &ExecutionHandler{execService: execService}
}

func (h *ExecutionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/execute", h.execute)
	r.Get("/languages", h.listLanguages)
}

// executeResponse is the wire envelope for one sandbox run. success reflects
// only whether the program ran to a clean exit; a timeout or crash is still a
// 200 with success=false, because the request itself was served.
type executeResponse struct {
	Success   bool               `json:"success"`
	Data      *executeOutput     `json:"data,omitempty"`
	Execution *executionMetadata `json:"execution,omitempty"`
	Error     *executeError      `json:"error,omitempty"`
}

type executeOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

type executionMetadata struct {
	DurationMs      int64 `json:"duration_ms"`
	TimeoutOccurred bool  `json:"timeout_occurred"`
	MemoryExceeded  bool  `json:"memory_exceeded"`
	Crashed         bool  `json:"crashed"`
	OutputTruncated bool  `json:"output_truncated,omitempty"`
}

type executeError struct {
	Type    string      `json:"type"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (h *ExecutionHandler) execute(w http.ResponseWriter, r *http.Request) {
	var req service.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}

	result, err := h.execService.Execute(r.Context(), req)
	if err != nil {
		h.respondExecuteError(w, err)
		return
	}

	resp := executeResponse{
		Success: result.OK(),
		Data: &executeOutput{
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			ExitCode: result.ExitCode,
		},
		Execution: &executionMetadata{
			DurationMs:      result.DurationMs,
			TimeoutOccurred: result.TimedOut,
			MemoryExceeded:  result.MemoryExceeded,
			Crashed:         result.Crashed,
			OutputTruncated: result.OutputTruncated,
		},
	}
	if !result.OK() {
		resp.Error = &executeError{
			Type:    service.ErrorType(nil, result),
			Message: executionFailureMessage(result),
		}
	}
	common.RespondWithJSON(w, http.StatusOK, resp)
}

func (h *ExecutionHandler) respondExecuteError(w http.ResponseWriter, err error) {
	errResp := &executeError{
		Type:    service.ErrorType(err, nil),
		Message: err.Error(),
	}
	var vErr *service.ValidationFailedError
	if errors.As(err, &vErr) {
		errResp.Details = vErr.Violations
	}
	common.RespondWithJSON(w, common.HTTPStatusFromError(err), executeResponse{
		Success: false,
		Error:   errResp,
	})
}

func executionFailureMessage(res *model.ExecutionResult) string {
	switch {
	case res.TimedOut:
		return "Execution exceeded the time limit"
	case res.MemoryExceeded:
		return "Execution exceeded the memory limit"
	default:
		return "Program exited with a non-zero status"
	}
}

func (h *ExecutionHandler) listLanguages(w http.ResponseWriter, r *http.Request) {
	type languageInfo struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	var out []languageInfo
	for _, lang := range h.execService.ListLanguages() {
		out = append(out, languageInfo{ID: lang.ID, Name: lang.Name})
	}
	common.RespondWithJSON(w, http.StatusOK, out)
}
