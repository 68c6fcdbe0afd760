package repository

import (
	"context"
	"database/sql"
	"fmt"

	"codebattle/internal/domain/model"
)

type LeaderboardRepository interface {
	// UpsertIfHigher stores the entry only when its score is strictly greater
	// than the participant's current best for the category. Returns whether
	// the stored value changed, so entries are monotonically non-decreasing.
	UpsertIfHigher(ctx context.Context, entry *model.LeaderboardEntry) (bool, error)
	Top(ctx context.Context, category string, limit int) ([]model.LeaderboardEntry, error)
}

type pgLeaderboardRepository struct {
	db *sql.DB
}

func NewPgLeaderboardRepository(db *sql.DB) LeaderboardRepository {
	return &pgLeaderboardRepository{db: db}
}

func (r *pgLeaderboardRepository) UpsertIfHigher(ctx context.Context, entry *model.LeaderboardEntry) (bool, error) {
	query := `INSERT INTO leaderboard_entries (user_id, category, score, details, updated_at)
	          VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
	          ON CONFLICT (user_id, category)
	          DO UPDATE SET score = EXCLUDED.score, details = EXCLUDED.details, updated_at = CURRENT_TIMESTAMP
	          WHERE leaderboard_entries.score < EXCLUDED.score`
	res, err := r.db.ExecContext(ctx, query, entry.UserID, entry.Category, entry.Score, entry.Details)
	if err != nil {
		return false, fmt.Errorf("pgLeaderboardRepository.UpsertIfHigher: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pgLeaderboardRepository.UpsertIfHigher: %w", err)
	}
	return affected > 0, nil
}

func (r *pgLeaderboardRepository) Top(ctx context.Context, category string, limit int) ([]model.LeaderboardEntry, error) {
	query := `SELECT l.user_id, u.username, l.score, l.details, l.updated_at,
	                 RANK() OVER (ORDER BY l.score DESC) AS rank
	          FROM leaderboard_entries l
	          JOIN users u ON u.id = l.user_id
	          WHERE l.category = $1
	          ORDER BY l.score DESC, l.updated_at ASC
	          LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, category, limit)
	if err != nil {
		return nil, fmt.Errorf("pgLeaderboardRepository.Top: %w", err)
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		entry := model.LeaderboardEntry{Category: category}
		if err := rows.Scan(&entry.UserID, &entry.Username, &entry.Score, &entry.Details, &entry.UpdatedAt, &entry.Rank); err != nil {
			return nil, fmt.Errorf("pgLeaderboardRepository.Top: scan: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
