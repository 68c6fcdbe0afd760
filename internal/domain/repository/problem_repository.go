package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"codebattle/internal/common"
	"codebattle/internal/domain/model"

	"github.com/jackc/pgx/v5/pgconn"
)

type ProblemRepository interface {
	CreateProblem(ctx context.Context, tx *sql.Tx, problem *model.Problem) error
	FindProblemByID(ctx context.Context, id string) (*model.Problem, error)
	FindProblemBySlug(ctx context.Context, slug string) (*model.Problem, error)
	ListProblems(ctx context.Context, limit, offset int, difficulty model.ProblemDifficulty) ([]model.Problem, error)
	PickRandomByDifficulty(ctx context.Context, difficulty model.ProblemDifficulty) (*model.Problem, error)

	AddTestCases(ctx context.Context, tx *sql.Tx, problemID string, testCases []model.TestCase) error
	GetTestCasesByProblemID(ctx context.Context, problemID string) ([]model.TestCase, error)
}

type pgProblemRepository struct {
	db *sql.DB
}

func NewPgProblemRepository(db *sql.DB) ProblemRepository {
	return &pgProblemRepository{db: db}
}

const problemColumns = `id, title, slug, description, difficulty, entry_point, runtime_limit_ms, memory_limit_kb, created_by, created_at, updated_at`

func (r *pgProblemRepository) CreateProblem(ctx context.Context, tx *sql.Tx, p *model.Problem) error {
	query := `INSERT INTO problems (id, title, slug, description, difficulty, entry_point, runtime_limit_ms, memory_limit_kb, created_by)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, p.ID, p.Title, p.Slug, p.Description, p.Difficulty, p.EntryPoint, p.RuntimeLimitMs, p.MemoryLimitKb, p.CreatedByID)
	} else {
		_, err = r.db.ExecContext(ctx, query, p.ID, p.Title, p.Slug, p.Description, p.Difficulty, p.EntryPoint, p.RuntimeLimitMs, p.MemoryLimitKb, p.CreatedByID)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique slug
			return fmt.Errorf("problem with this slug already exists: %w", common.ErrConflict)
		}
		return fmt.Errorf("pgProblemRepository.CreateProblem: %w", err)
	}
	return nil
}

func (r *pgProblemRepository) FindProblemByID(ctx context.Context, id string) (*model.Problem, error) {
	return r.findOne(ctx, `SELECT `+problemColumns+` FROM problems WHERE id = $1`, id)
}

func (r *pgProblemRepository) FindProblemBySlug(ctx context.Context, slug string) (*model.Problem, error) {
	return r.findOne(ctx, `SELECT `+problemColumns+` FROM problems WHERE slug = $1`, slug)
}

func (r *pgProblemRepository) PickRandomByDifficulty(ctx context.Context, difficulty model.ProblemDifficulty) (*model.Problem, error) {
	if difficulty == "" {
		return r.findOne(ctx, `SELECT `+problemColumns+` FROM problems ORDER BY random() LIMIT 1`)
	}
	return r.findOne(ctx, `SELECT `+problemColumns+` FROM problems WHERE difficulty = $1 ORDER BY random() LIMIT 1`, string(difficulty))
}

func (r *pgProblemRepository) findOne(ctx context.Context, query string, args ...interface{}) (*model.Problem, error) {
	problem := &model.Problem{}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&problem.ID, &problem.Title, &problem.Slug, &problem.Description, &problem.Difficulty,
		&problem.EntryPoint, &problem.RuntimeLimitMs, &problem.MemoryLimitKb,
		&problem.CreatedByID, &problem.CreatedAt, &problem.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgProblemRepository.findOne: %w", err)
	}
	return problem, nil
}

func (r *pgProblemRepository) ListProblems(ctx context.Context, limit, offset int, difficulty model.ProblemDifficulty) ([]model.Problem, error) {
	query := `SELECT ` + problemColumns + ` FROM problems`
	args := []interface{}{}
	if difficulty != "" {
		query += ` WHERE difficulty = $1`
		args = append(args, string(difficulty))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgProblemRepository.ListProblems: %w", err)
	}
	defer rows.Close()

	var problems []model.Problem
	for rows.Next() {
		var p model.Problem
		if err := rows.Scan(
			&p.ID, &p.Title, &p.Slug, &p.Description, &p.Difficulty,
			&p.EntryPoint, &p.RuntimeLimitMs, &p.MemoryLimitKb,
			&p.CreatedByID, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("pgProblemRepository.ListProblems: scan: %w", err)
		}
		problems = append(problems, p)
	}
	return problems, rows.Err()
}

func (r *pgProblemRepository) AddTestCases(ctx context.Context, tx *sql.Tx, problemID string, testCases []model.TestCase) error {
	query := `INSERT INTO test_cases (id, problem_id, args, expected, hidden, sort_order)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	for _, tc := range testCases {
		var err error
		if tx != nil {
			_, err = tx.ExecContext(ctx, query, tc.ID, problemID, tc.Args, tc.Expected, tc.Hidden, tc.SortOrder)
		} else {
			_, err = r.db.ExecContext(ctx, query, tc.ID, problemID, tc.Args, tc.Expected, tc.Hidden, tc.SortOrder)
		}
		if err != nil {
			return fmt.Errorf("pgProblemRepository.AddTestCases: %w", err)
		}
	}
	return nil
}

func (r *pgProblemRepository) GetTestCasesByProblemID(ctx context.Context, problemID string) ([]model.TestCase, error) {
	query := `SELECT id, problem_id, args, expected, hidden, sort_order, created_at
	          FROM test_cases WHERE problem_id = $1 ORDER BY sort_order ASC`
	rows, err := r.db.QueryContext(ctx, query, problemID)
	if err != nil {
		return nil, fmt.Errorf("pgProblemRepository.GetTestCasesByProblemID: %w", err)
	}
	defer rows.Close()

	var cases []model.TestCase
	for rows.Next() {
		var tc model.TestCase
		if err := rows.Scan(&tc.ID, &tc.ProblemID, &tc.Args, &tc.Expected, &tc.Hidden, &tc.SortOrder, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgProblemRepository.GetTestCasesByProblemID: scan: %w", err)
		}
		cases = append(cases, tc)
	}
	return cases, rows.Err()
}
