package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"codebattle/internal/common"
	"codebattle/internal/domain/model"
)

// SubmissionRepository persists one time-ordered record per graded attempt.
// These rows are written by the battle core and queried by the reporting/UI
// layer; the live battle reads only the summaries embedded in room state.
type SubmissionRepository interface {
	// SaveWithResults stores the submission and its per-case results
	// atomically.
	SaveWithResults(ctx context.Context, sub *model.Submission) error
	GetSubmissionByID(ctx context.Context, id string) (*model.Submission, error)
	ListByRoom(ctx context.Context, roomID string) ([]model.Submission, error)
}

type pgSubmissionRepository struct {
	db *sql.DB
}

func NewPgSubmissionRepository(db *sql.DB) SubmissionRepository {
	return &pgSubmissionRepository{db: db}
}

func (r *pgSubmissionRepository) SaveWithResults(ctx context.Context, sub *model.Submission) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgSubmissionRepository.SaveWithResults: begin: %w", err)
	}
	defer tx.Rollback()

	if err := r.createSubmission(ctx, tx, sub); err != nil {
		return err
	}
	if err := r.createTestResults(ctx, tx, sub.ID, sub.TestResults); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgSubmissionRepository.SaveWithResults: commit: %w", err)
	}
	return nil
}

func (r *pgSubmissionRepository) createSubmission(ctx context.Context, tx *sql.Tx, sub *model.Submission) error {
	query := `INSERT INTO submissions (id, user_id, room_id, problem_id, language, code, passed, total, execution_time_ms, score, submitted_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := tx.ExecContext(ctx, query, sub.ID, sub.UserID, sub.RoomID, sub.ProblemID, sub.Language, sub.Code, sub.Passed, sub.Total, sub.ExecutionTimeMs, sub.Score, sub.SubmittedAt)
	if err != nil {
		return fmt.Errorf("pgSubmissionRepository.createSubmission: %w", err)
	}
	return nil
}

func (r *pgSubmissionRepository) createTestResults(ctx context.Context, tx *sql.Tx, submissionID string, results []model.TestCaseResult) error {
	query := `INSERT INTO submission_test_results (submission_id, test_case_id, passed, actual, error, duration_ms)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	for _, res := range results {
		if _, err := tx.ExecContext(ctx, query, submissionID, res.TestCaseID, res.Passed, res.Actual, res.Error, res.DurationMs); err != nil {
			return fmt.Errorf("pgSubmissionRepository.createTestResults: %w", err)
		}
	}
	return nil
}

func (r *pgSubmissionRepository) GetSubmissionByID(ctx context.Context, id string) (*model.Submission, error) {
	query := `SELECT id, user_id, room_id, problem_id, language, code, passed, total, execution_time_ms, score, submitted_at
	          FROM submissions WHERE id = $1`
	sub := &model.Submission{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&sub.ID, &sub.UserID, &sub.RoomID, &sub.ProblemID, &sub.Language, &sub.Code,
		&sub.Passed, &sub.Total, &sub.ExecutionTimeMs, &sub.Score, &sub.SubmittedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgSubmissionRepository.GetSubmissionByID: %w", err)
	}
	return sub, nil
}

func (r *pgSubmissionRepository) ListByRoom(ctx context.Context, roomID string) ([]model.Submission, error) {
	query := `SELECT id, user_id, room_id, problem_id, language, passed, total, execution_time_ms, score, submitted_at
	          FROM submissions WHERE room_id = $1 ORDER BY submitted_at ASC`
	rows, err := r.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("pgSubmissionRepository.ListByRoom: %w", err)
	}
	defer rows.Close()

	var subs []model.Submission
	for rows.Next() {
		var sub model.Submission
		// Code omitted from listings on purpose.
		if err := rows.Scan(
			&sub.ID, &sub.UserID, &sub.RoomID, &sub.ProblemID, &sub.Language,
			&sub.Passed, &sub.Total, &sub.ExecutionTimeMs, &sub.Score, &sub.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("pgSubmissionRepository.ListByRoom: scan: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
