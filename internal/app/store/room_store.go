package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"codebattle/internal/common"
	"codebattle/internal/domain/model"
	"codebattle/internal/domain/repository"
	"codebattle/internal/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	roomKeyPrefix = "room:"
	codeKeyPrefix = "roomcode:"

	// How many times a guarded update retries after losing a WATCH race
	// before giving up. Conflicts are short-lived (two near-simultaneous
	// submissions), so a handful of retries is plenty.
	maxUpdateRetries = 8
)

// RoomStore owns every Room and BattleState mutation. The redis primary is
// authoritative for low-latency access; the Postgres fallback exists purely
// for crash/eviction recovery and is reconciled on read. All writes are
// full read-merge-write cycles executed under redis WATCH, so two concurrent
// updates can never silently clobber each other: the loser retries against
// the winner's committed state.
type RoomStore struct {
	rdb      *redis.Client
	fallback repository.RoomRepository
	grace    time.Duration
}

func NewRoomStore(rdb *redis.Client, fallback repository.RoomRepository, grace time.Duration) *RoomStore {
	return &RoomStore{rdb: rdb, fallback: fallback, grace: grace}
}

func roomKey(roomID string) string { return roomKeyPrefix + roomID }
func codeKey(code string) string   { return codeKeyPrefix + code }

func (s *RoomStore) CreateRoom(ctx context.Context, room *model.Room) error {
	now := time.Now().UTC()
	room.Version = 1
	room.CreatedAt = now
	room.UpdatedAt = now

	doc, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("RoomStore.CreateRoom: marshal: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, roomKey(room.ID), doc, 0).Result()
	if err != nil {
		return fmt.Errorf("RoomStore.CreateRoom: %w", err)
	}
	if !ok {
		return fmt.Errorf("room %s already exists: %w", room.ID, common.ErrConflict)
	}
	if err := s.rdb.Set(ctx, codeKey(room.Code), room.ID, 0).Err(); err != nil {
		return fmt.Errorf("RoomStore.CreateRoom: code index: %w", err)
	}

	s.mirror(ctx, room)
	return nil
}

// GetRoom reads the primary; on a miss it consults the durable fallback and
// repopulates the primary, so an eviction is not an irrecoverable room loss.
func (s *RoomStore) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	doc, err := s.rdb.Get(ctx, roomKey(roomID)).Bytes()
	if err == nil {
		room := &model.Room{}
		if err := json.Unmarshal(doc, room); err != nil {
			return nil, fmt.Errorf("RoomStore.GetRoom: unmarshal: %w", err)
		}
		return room, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("RoomStore.GetRoom: %w", err)
	}
	return s.recoverFromFallback(ctx, roomID)
}

func (s *RoomStore) recoverFromFallback(ctx context.Context, roomID string) (*model.Room, error) {
	if s.fallback == nil {
		return nil, common.ErrNotFound
	}
	room, err := s.fallback.FindByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	metrics.RoomFallbackReads.Inc()
	log.Printf("INFO: Room %s recovered from fallback store", roomID)

	// An ended room comes back with the grace TTL reapplied; without it a
	// fallback read would resurrect archived rooms in the primary forever.
	ttl := time.Duration(0)
	if room.Battle.Ended {
		ttl = s.grace
	}
	if doc, err := json.Marshal(room); err == nil {
		if err := s.rdb.Set(ctx, roomKey(room.ID), doc, ttl).Err(); err != nil {
			log.Printf("WARN: Failed to repopulate primary for room %s: %v", room.ID, err)
		}
		if err := s.rdb.Set(ctx, codeKey(room.Code), room.ID, ttl).Err(); err != nil {
			log.Printf("WARN: Failed to repopulate code index for room %s: %v", room.ID, err)
		}
	}
	return room, nil
}

// ResolveCode maps a human-entry join code to a room id.
func (s *RoomStore) ResolveCode(ctx context.Context, code string) (string, error) {
	roomID, err := s.rdb.Get(ctx, codeKey(code)).Result()
	if err == nil {
		return roomID, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("RoomStore.ResolveCode: %w", err)
	}
	if s.fallback == nil {
		return "", common.ErrNotFound
	}
	room, err := s.fallback.FindByCode(ctx, code)
	if err != nil {
		return "", err
	}
	metrics.RoomFallbackReads.Inc()
	if _, err := s.recoverFromFallback(ctx, room.ID); err != nil {
		return "", err
	}
	return room.ID, nil
}

// UpdateRoom applies mutate under optimistic versioning. The mutator receives
// the freshest committed room; if another writer commits first, the WATCH
// fails and the whole read-merge-write cycle reruns against the new state.
// Lifecycle invariants are enforced here, after the mutator: ended never
// reverts and startedAt is written at most once, so a stale scheduler firing
// or a racing submission becomes a harmless no-op.
func (s *RoomStore) UpdateRoom(ctx context.Context, roomID string, mutate func(*model.Room) error) (*model.Room, error) {
	var updated *model.Room

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			doc, err := tx.Get(ctx, roomKey(roomID)).Bytes()
			if errors.Is(err, redis.Nil) {
				room, rerr := s.recoverFromFallback(ctx, roomID)
				if rerr != nil {
					return rerr
				}
				if doc, err = json.Marshal(room); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}

			room := &model.Room{}
			if err := json.Unmarshal(doc, room); err != nil {
				return fmt.Errorf("unmarshal: %w", err)
			}

			prevStartedAt := room.Battle.StartedAt
			prevEnded := room.Battle.Ended
			prevEndedAt := room.Battle.EndedAt

			if err := mutate(room); err != nil {
				return err
			}

			// Monotonic lifecycle guards, regardless of what the mutator did.
			if prevStartedAt != nil {
				room.Battle.Started = true
				room.Battle.StartedAt = prevStartedAt
			}
			if prevEnded {
				room.Battle.Ended = true
				room.Battle.EndedAt = prevEndedAt
			}

			room.Version++
			room.UpdatedAt = time.Now().UTC()

			newDoc, err := json.Marshal(room)
			if err != nil {
				return fmt.Errorf("marshal: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, roomKey(roomID), newDoc, redis.KeepTTL)
				return nil
			})
			if err != nil {
				return err
			}
			updated = room
			return nil
		}, roomKey(roomID))

		if errors.Is(err, redis.TxFailedErr) {
			continue // lost the race, reread and reapply
		}
		if err != nil {
			return nil, fmt.Errorf("RoomStore.UpdateRoom: %w", err)
		}

		s.mirror(ctx, updated)
		return updated, nil
	}

	return nil, fmt.Errorf("RoomStore.UpdateRoom: %w", common.ErrVersionConflict)
}

// JoinRoomByCode adds userID to the room, or reactivates and touches an
// already-joined participant. Idempotent.
func (s *RoomStore) JoinRoomByCode(ctx context.Context, code, userID string) (*model.Room, error) {
	roomID, err := s.ResolveCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.UpdateRoom(ctx, roomID, func(room *model.Room) error {
		if room.Battle.Ended {
			return common.ErrBattleEnded
		}
		now := time.Now().UTC()
		if p := room.FindParticipant(userID); p != nil {
			p.Active = true
			p.LastSeenAt = now
			return nil
		}
		room.Participants = append(room.Participants, model.Participant{
			UserID:     userID,
			Role:       model.RoleParticipant,
			Active:     true,
			JoinedAt:   now,
			LastSeenAt: now,
		})
		return nil
	})
}

// ExpireAfterGrace schedules the primary-store copy to evaporate once the
// battle has been over for the grace period. The durable fallback keeps the
// archived document.
func (s *RoomStore) ExpireAfterGrace(ctx context.Context, room *model.Room) {
	if err := s.rdb.Expire(ctx, roomKey(room.ID), s.grace).Err(); err != nil {
		log.Printf("WARN: Failed to set expiry on room %s: %v", room.ID, err)
	}
	if err := s.rdb.Expire(ctx, codeKey(room.Code), s.grace).Err(); err != nil {
		log.Printf("WARN: Failed to set expiry on code %s: %v", room.Code, err)
	}
}

// mirror pushes the committed document to the durable fallback, best effort.
// The primary has already committed; a fallback hiccup must not fail the
// request, it only narrows the recovery window.
func (s *RoomStore) mirror(ctx context.Context, room *model.Room) {
	if s.fallback == nil {
		return
	}
	if err := s.fallback.Upsert(ctx, room); err != nil {
		log.Printf("ERROR: Failed to mirror room %s to fallback store: %v", room.ID, err)
	}
}
