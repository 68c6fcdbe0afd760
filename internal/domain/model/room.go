package model

import "time"

type RoomMode string
type RoomStatus string

const (
	ModeBattle        RoomMode = "battle"
	ModeCollaboration RoomMode = "collaboration"

	// Client-visible lifecycle labels, derived from the stored booleans.
	RoomStatusWaiting   RoomStatus = "WAITING"
	RoomStatusLobby     RoomStatus = "LOBBY"
	RoomStatusCountdown RoomStatus = "COUNTDOWN"
	RoomStatusActive    RoomStatus = "ACTIVE"
	RoomStatusEnded     RoomStatus = "ENDED"

	RoleHost        = "host"
	RoleParticipant = "participant"
)

type Participant struct {
	UserID     string    `json:"user_id"`
	Role       string    `json:"role"`
	Active     bool      `json:"active"`
	JoinedAt   time.Time `json:"joined_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Room is the authoritative document for one live session. It is stored as a
// single JSON value in Redis (primary) and mirrored to Postgres (durable
// fallback), so every mutation must go through the store's guarded
// read-merge-write; nothing outside the store writes these fields.
type Room struct {
	ID           string        `json:"id"`
	Code         string        `json:"code"` // short human-entry join code
	Mode         RoomMode      `json:"mode"`
	CreatedBy    string        `json:"created_by"`
	Participants []Participant `json:"participants"`
	Battle       BattleState   `json:"battle"`
	Version      int64         `json:"version"` // bumped on every committed update
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (r *Room) Status() RoomStatus {
	switch {
	case r.Battle.Ended:
		return RoomStatusEnded
	case r.Battle.Started:
		return RoomStatusActive
	case len(r.Battle.Ready) > 0 && r.allActiveReady():
		return RoomStatusCountdown
	case len(r.ActiveParticipants()) > 1:
		return RoomStatusLobby
	default:
		return RoomStatusWaiting
	}
}

func (r *Room) allActiveReady() bool {
	for _, p := range r.ActiveParticipants() {
		if !r.Battle.Ready[p.UserID] {
			return false
		}
	}
	return true
}

func (r *Room) FindParticipant(userID string) *Participant {
	for i := range r.Participants {
		if r.Participants[i].UserID == userID {
			return &r.Participants[i]
		}
	}
	return nil
}

func (r *Room) ActiveParticipants() []Participant {
	var active []Participant
	for _, p := range r.Participants {
		if p.Active {
			active = append(active, p)
		}
	}
	return active
}
