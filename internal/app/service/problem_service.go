package service

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"codebattle/internal/common"
	"codebattle/internal/domain/model"
	"codebattle/internal/domain/repository"
	"codebattle/internal/platform/config"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// ProblemService manages the problem catalogue battles draw from.
type ProblemService struct {
	problemRepo repository.ProblemRepository
	db          *sql.DB
}

func NewProblemService(problemRepo repository.ProblemRepository, db *sql.DB) *ProblemService {
	return &ProblemService{problemRepo: problemRepo, db: db}
}

type TestCaseInput struct {
	Args     string `json:"args"`     // JSON array literal of call arguments
	Expected string `json:"expected"` // JSON literal
	Hidden   bool   `json:"hidden"`
}

type CreateProblemRequest struct {
	Title          string                  `json:"title"`
	Description    string                  `json:"description"`
	Difficulty     model.ProblemDifficulty `json:"difficulty"`
	EntryPoint     string                  `json:"entryPoint"`
	RuntimeLimitMs int                     `json:"runtimeLimitMs,omitempty"`
	MemoryLimitKb  int                     `json:"memoryLimitKb,omitempty"`
	TestCases      []TestCaseInput         `json:"testCases"`
}

func (s *ProblemService) CreateProblem(ctx context.Context, creatorID string, req CreateProblemRequest) (*model.Problem, error) {
	if req.Title == "" || req.Description == "" || req.EntryPoint == "" {
		return nil, fmt.Errorf("%w: title, description and entryPoint are required", common.ErrValidation)
	}
	if len(req.TestCases) == 0 {
		return nil, fmt.Errorf("%w: at least one test case is required", common.ErrValidation)
	}
	switch req.Difficulty {
	case model.DifficultyEasy, model.DifficultyMedium, model.DifficultyHard:
	default:
		return nil, fmt.Errorf("%w: unknown difficulty %q", common.ErrValidation, req.Difficulty)
	}

	cfg := config.AppConfig
	if req.RuntimeLimitMs <= 0 {
		req.RuntimeLimitMs = cfg.ExecDefaultTimeoutMs
	}
	if req.MemoryLimitKb <= 0 {
		req.MemoryLimitKb = cfg.ExecDefaultMemoryKb
	}

	problem := &model.Problem{
		ID:             uuid.NewString(),
		Title:          req.Title,
		Slug:           slug.Make(req.Title),
		Description:    req.Description,
		Difficulty:     req.Difficulty,
		EntryPoint:     req.EntryPoint,
		RuntimeLimitMs: req.RuntimeLimitMs,
		MemoryLimitKb:  req.MemoryLimitKb,
		CreatedByID:    &creatorID,
	}
	for i, tc := range req.TestCases {
		problem.TestCases = append(problem.TestCases, model.TestCase{
			ID:        uuid.NewString(),
			ProblemID: problem.ID,
			Args:      tc.Args,
			Expected:  tc.Expected,
			Hidden:    tc.Hidden,
			SortOrder: i,
		})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ProblemService.CreateProblem: begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.problemRepo.CreateProblem(ctx, tx, problem); err != nil {
		return nil, err
	}
	if err := s.problemRepo.AddTestCases(ctx, tx, problem.ID, problem.TestCases); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ProblemService.CreateProblem: commit: %w", err)
	}

	log.Printf("INFO: Problem %s (%s) created", problem.ID, problem.Slug)
	return problem, nil
}

// GetProblemBySlug returns the problem with its visible test cases only.
// Hidden cases stay server-side until grading.
func (s *ProblemService) GetProblemBySlug(ctx context.Context, slugStr string) (*model.Problem, error) {
	problem, err := s.problemRepo.FindProblemBySlug(ctx, slugStr)
	if err != nil {
		return nil, err
	}
	cases, err := s.problemRepo.GetTestCasesByProblemID(ctx, problem.ID)
	if err != nil {
		return nil, err
	}
	problem.TestCases = cases
	problem.TestCases = problem.VisibleTestCases()
	return problem, nil
}

func (s *ProblemService) ListProblems(ctx context.Context, limit, offset int, difficulty model.ProblemDifficulty) ([]model.Problem, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.problemRepo.ListProblems(ctx, limit, offset, difficulty)
}
