package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"codebattle/internal/api/middleware"
	"codebattle/internal/app/service"
	"codebattle/internal/common"
	"codebattle/internal/domain/model"

	"github.com/go-chi/chi/v5"
)

type ProblemHandler struct {
	problemService *service.ProblemService
}

func NewProblemHandler(problemService *service.ProblemService) *ProblemHandler {
	return &ProblemHandler{problemService: problemService}
}

// RegisterRoutes wires the public read routes; RegisterAdminRoutes the
// authoring routes.
func (h *ProblemHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{slug}", h.getBySlug)
}

func (h *ProblemHandler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/", h.create)
}

func (h *ProblemHandler) create(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "User not identified")
		return
	}

	var req service.CreateProblemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}

	problem, err := h.problemService.CreateProblem(r.Context(), userID, req)
	if err != nil {
		common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		return
	}
	common.RespondWithJSON(w, http.StatusCreated, problem)
}

func (h *ProblemHandler) getBySlug(w http.ResponseWriter, r *http.Request) {
	problem, err := h.problemService.GetProblemBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		return
	}
	common.RespondWithJSON(w, http.StatusOK, problem)
}

func (h *ProblemHandler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	difficulty := model.ProblemDifficulty(r.URL.Query().Get("difficulty"))

	problems, err := h.problemService.ListProblems(r.Context(), limit, offset, difficulty)
	if err != nil {
		common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		return
	}
	common.RespondWithJSON(w, http.StatusOK, problems)
}
