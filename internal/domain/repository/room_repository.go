package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"codebattle/internal/common"
	"codebattle/internal/domain/model"
)

// RoomRepository is the durable fallback store for room documents. It is
// consulted only when the redis primary has no record (crash or eviction
// recovery) and is eventually consistent with it. The whole room is stored as
// one JSON document; the row exists for recovery, not for relational queries.
type RoomRepository interface {
	Upsert(ctx context.Context, room *model.Room) error
	FindByID(ctx context.Context, id string) (*model.Room, error)
	FindByCode(ctx context.Context, code string) (*model.Room, error)
}

type pgRoomRepository struct {
	db *sql.DB
}

func NewPgRoomRepository(db *sql.DB) RoomRepository {
	return &pgRoomRepository{db: db}
}

func (r *pgRoomRepository) Upsert(ctx context.Context, room *model.Room) error {
	doc, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("pgRoomRepository.Upsert: marshal: %w", err)
	}
	query := `INSERT INTO rooms (id, code, doc, updated_at)
	          VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
	          ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = CURRENT_TIMESTAMP`
	if _, err := r.db.ExecContext(ctx, query, room.ID, room.Code, doc); err != nil {
		return fmt.Errorf("pgRoomRepository.Upsert: %w", err)
	}
	return nil
}

func (r *pgRoomRepository) FindByID(ctx context.Context, id string) (*model.Room, error) {
	return r.findOne(ctx, `SELECT doc FROM rooms WHERE id = $1`, id)
}

func (r *pgRoomRepository) FindByCode(ctx context.Context, code string) (*model.Room, error) {
	return r.findOne(ctx, `SELECT doc FROM rooms WHERE code = $1`, code)
}

func (r *pgRoomRepository) findOne(ctx context.Context, query, arg string) (*model.Room, error) {
	var doc []byte
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgRoomRepository.findOne: %w", err)
	}
	room := &model.Room{}
	if err := json.Unmarshal(doc, room); err != nil {
		return nil, fmt.Errorf("pgRoomRepository.findOne: unmarshal: %w", err)
	}
	return room, nil
}
