package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"codebattle/internal/app/scheduler"
	"codebattle/internal/app/store"
	"codebattle/internal/common"
	"codebattle/internal/domain/model"
	"codebattle/internal/domain/repository"
	"codebattle/internal/metrics"
	"codebattle/internal/platform/config"

	"github.com/google/uuid"
)

const (
	joinCodeLength = 6
	// 0/O and 1/I are excluded so codes survive being read aloud.
	joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// BattleService drives the room lifecycle: create, join, ready, start,
// practice runs, graded submissions, and the end transition. All shared state
// goes through the room store's guarded updates; this service never holds
// battle state of its own beyond the deadline timers.
type BattleService struct {
	store           *store.RoomStore
	sched           *scheduler.Scheduler
	problemRepo     repository.ProblemRepository
	submissionRepo  repository.SubmissionRepository
	leaderboardRepo repository.LeaderboardRepository
	userRepo        repository.UserRepository
	execService     *ExecutionService
}

func NewBattleService(
	st *store.RoomStore,
	sched *scheduler.Scheduler,
	problemRepo repository.ProblemRepository,
	submissionRepo repository.SubmissionRepository,
	leaderboardRepo repository.LeaderboardRepository,
	userRepo repository.UserRepository,
	execService *ExecutionService,
) *BattleService {
	return &BattleService{
		store:           st,
		sched:           sched,
		problemRepo:     problemRepo,
		submissionRepo:  submissionRepo,
		leaderboardRepo: leaderboardRepo,
		userRepo:        userRepo,
		execService:     execService,
	}
}

type CreateBattleRequest struct {
	Difficulty      model.ProblemDifficulty `json:"difficulty,omitempty"`
	DurationMinutes int                     `json:"durationMinutes,omitempty"`
	Mode            model.RoomMode          `json:"mode,omitempty"`
}

// CreateBattle assigns a random problem of the requested difficulty, creates
// the room with the caller as host, and returns it together with its join code.
func (s *BattleService) CreateBattle(ctx context.Context, userID string, req CreateBattleRequest) (*model.Room, error) {
	cfg := config.AppConfig

	duration := req.DurationMinutes
	if duration <= 0 {
		duration = cfg.BattleDefaultDurationMinutes
	}
	if duration > cfg.BattleMaxDurationMinutes {
		return nil, fmt.Errorf("%w: duration exceeds %d minutes", common.ErrBadRequest, cfg.BattleMaxDurationMinutes)
	}

	mode := req.Mode
	if mode == "" {
		mode = model.ModeBattle
	}
	if mode != model.ModeBattle && mode != model.ModeCollaboration {
		return nil, fmt.Errorf("%w: unknown room mode %q", common.ErrBadRequest, req.Mode)
	}

	problem, err := s.problemRepo.PickRandomByDifficulty(ctx, req.Difficulty)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("no problems available for difficulty %q: %w", req.Difficulty, common.ErrNotFound)
		}
		return nil, err
	}

	code, err := s.uniqueJoinCode(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	room := &model.Room{
		ID:        uuid.NewString(),
		Code:      code,
		Mode:      mode,
		CreatedBy: userID,
		Participants: []model.Participant{{
			UserID:     userID,
			Role:       model.RoleHost,
			Active:     true,
			JoinedAt:   now,
			LastSeenAt: now,
		}},
		Battle: model.BattleState{
			ProblemID:       problem.ID,
			Difficulty:      problem.Difficulty,
			HostID:          userID,
			DurationMinutes: duration,
		},
	}

	if err := s.store.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	log.Printf("INFO: Battle room %s created by %s (code %s, problem %s)", room.ID, userID, room.Code, problem.ID)
	return room, nil
}

func (s *BattleService) uniqueJoinCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateJoinCode()
		if err != nil {
			return "", err
		}
		_, err = s.store.ResolveCode(ctx, code)
		if errors.Is(err, common.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("could not allocate a unique join code: %w", common.ErrInternalServer)
}

func generateJoinCode() (string, error) {
	buf := make([]byte, joinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generateJoinCode: %w", err)
	}
	for i, b := range buf {
		buf[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(buf), nil
}

// Join adds the caller to the room identified by its join code. Rejoining is
// idempotent; a room whose battle already ended cannot be joined.
func (s *BattleService) Join(ctx context.Context, code, userID string) (*model.Room, error) {
	return s.store.JoinRoomByCode(ctx, code, userID)
}

// SetReady flips the caller's ready flag in the lobby.
func (s *BattleService) SetReady(ctx context.Context, roomID, userID string, ready bool) (*model.Room, error) {
	return s.store.UpdateRoom(ctx, roomID, func(room *model.Room) error {
		if room.FindParticipant(userID) == nil {
			return common.ErrNotRoomParticipant
		}
		if room.Battle.Started {
			return common.ErrBattleStarted
		}
		if room.Battle.Ready == nil {
			room.Battle.Ready = make(map[string]bool)
		}
		room.Battle.Ready[userID] = ready
		return nil
	})
}

// Leave marks the caller inactive. The participant record stays so their
// submissions remain attributable; a later Join reactivates it.
func (s *BattleService) Leave(ctx context.Context, roomID, userID string) (*model.Room, error) {
	return s.store.UpdateRoom(ctx, roomID, func(room *model.Room) error {
		p := room.FindParticipant(userID)
		if p == nil {
			return common.ErrNotRoomParticipant
		}
		p.Active = false
		p.LastSeenAt = time.Now().UTC()
		delete(room.Battle.Ready, userID)
		return nil
	})
}

// Start begins the battle. Host only. Calling it again while the battle is
// running is a no-op returning the current state, so a double-clicked start
// button or a retried request cannot restart the clock.
func (s *BattleService) Start(ctx context.Context, roomID, userID string) (*model.Room, error) {
	alreadyStarted := false
	room, err := s.store.UpdateRoom(ctx, roomID, func(room *model.Room) error {
		if room.Battle.HostID != userID {
			return fmt.Errorf("only the host can start the battle: %w", common.ErrForbidden)
		}
		if room.Battle.Ended {
			return common.ErrBattleEnded
		}
		if room.Battle.Started {
			alreadyStarted = true
			return nil
		}
		now := time.Now().UTC()
		room.Battle.Started = true
		room.Battle.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	duration := time.Duration(room.Battle.DurationMinutes) * time.Minute
	s.sched.Arm(roomID, duration, s.endByTimer)

	if !alreadyStarted {
		metrics.BattlesStarted.Inc()
		log.Printf("INFO: Battle started in room %s by host %s (%s)", roomID, userID, duration)
	}
	return room, nil
}

// endByTimer is the scheduler callback for the battle deadline. The ended-once
// guard in the store makes a stale fire (battle already ended early) harmless.
func (s *BattleService) endByTimer(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	endedNow := false
	room, err := s.store.UpdateRoom(ctx, roomID, func(room *model.Room) error {
		if room.Battle.Ended {
			return nil
		}
		now := time.Now().UTC()
		room.Battle.Ended = true
		room.Battle.EndedAt = &now
		endedNow = true
		return nil
	})
	if err != nil {
		log.Printf("ERROR: Failed to end battle in room %s on deadline: %v", roomID, err)
		return
	}
	if endedNow {
		metrics.BattlesEnded.WithLabelValues("timer").Inc()
		log.Printf("INFO: Battle in room %s ended by deadline", roomID)
		s.store.ExpireAfterGrace(ctx, room)
	}
}

type RunRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Test grades the caller's code against the problem's visible test cases only.
// Nothing is persisted and scores are untouched; it is a feedback loop, not a
// submission.
func (s *BattleService) Test(ctx context.Context, roomID, userID string, req RunRequest) (*GradeOutcome, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.FindParticipant(userID) == nil {
		return nil, common.ErrNotRoomParticipant
	}
	if !room.Battle.Started {
		return nil, common.ErrBattleNotStarted
	}
	if room.Battle.Ended {
		return nil, common.ErrBattleEnded
	}

	problem, err := s.loadProblemWithCases(ctx, room.Battle.ProblemID)
	if err != nil {
		return nil, err
	}
	return s.execService.Grade(ctx, req.Language, req.Code, problem.EntryPoint, problem.VisibleTestCases(), problem.RuntimeLimitMs)
}

// SubmitResult is what a graded submission returns to the caller.
type SubmitResult struct {
	Submission  *model.Submission      `json:"submission"`
	Results     []model.TestCaseResult `json:"results"`
	Score       int                    `json:"score"`
	BattleEnded bool                   `json:"battleEnded"`
}

// Submit grades the caller's code against all test cases, folds the outcome
// into battle state, persists the attempt, and updates the leaderboard.
// Grading runs outside the store lock; everything race-sensitive (first
// correct, shortest correct length, early end) is decided inside the guarded
// update and recomputed on each retry, so two simultaneous submissions settle
// in commit order.
func (s *BattleService) Submit(ctx context.Context, roomID, userID string, req RunRequest) (*SubmitResult, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.FindParticipant(userID) == nil {
		return nil, common.ErrNotRoomParticipant
	}
	if !room.Battle.Started {
		return nil, common.ErrBattleNotStarted
	}
	if room.Battle.Ended {
		return nil, common.ErrBattleEnded
	}

	problem, err := s.loadProblemWithCases(ctx, room.Battle.ProblemID)
	if err != nil {
		return nil, err
	}

	outcome, err := s.execService.Grade(ctx, req.Language, req.Code, problem.EntryPoint, problem.TestCases, problem.RuntimeLimitMs)
	if err != nil {
		return nil, err
	}

	perfect := outcome.Total > 0 && outcome.Passed == outcome.Total
	codeLen := len(req.Code)
	now := time.Now().UTC()

	var score int
	endedNow := false
	room, err = s.store.UpdateRoom(ctx, roomID, func(room *model.Room) error {
		if room.Battle.Ended {
			return common.ErrBattleEnded
		}

		firstCorrect := false
		if perfect && room.Battle.FirstCorrectUserID == "" {
			room.Battle.FirstCorrectUserID = userID
			firstCorrect = true
		}

		// Brevity compares against the shortest correct solution committed
		// before this one, then this attempt joins the pool.
		prevShortest := room.Battle.ShortestCorrectLen
		if perfect && (prevShortest == 0 || codeLen < prevShortest) {
			room.Battle.ShortestCorrectLen = codeLen
		}

		score = ComputeScore(ScoreInput{
			Passed:             outcome.Passed,
			Total:              outcome.Total,
			CodeLength:         codeLen,
			ExecutionTimeMs:    outcome.ExecutionTimeMs,
			ShortestCorrectLen: prevShortest,
			FirstCorrect:       firstCorrect,
		})

		if room.Battle.Submissions == nil {
			room.Battle.Submissions = make(map[string]model.SubmissionSummary)
		}
		room.Battle.Submissions[userID] = model.SubmissionSummary{
			UserID:          userID,
			Passed:          outcome.Passed,
			Total:           outcome.Total,
			CodeLength:      codeLen,
			ExecutionTimeMs: outcome.ExecutionTimeMs,
			Score:           score,
			SubmittedAt:     now,
		}

		endedNow = false
		if room.Battle.AllActivePerfect(room.ActiveParticipants()) {
			ts := time.Now().UTC()
			room.Battle.Ended = true
			room.Battle.EndedAt = &ts
			endedNow = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SubmissionsTotal.WithLabelValues(req.Language).Inc()
	if endedNow {
		metrics.BattlesEnded.WithLabelValues("all_perfect").Inc()
		log.Printf("INFO: Battle in room %s ended early, all participants perfect", roomID)
		s.store.ExpireAfterGrace(ctx, room)
	}

	sub := &model.Submission{
		ID:              uuid.NewString(),
		UserID:          userID,
		RoomID:          roomID,
		ProblemID:       problem.ID,
		Language:        req.Language,
		Code:            req.Code,
		Passed:          outcome.Passed,
		Total:           outcome.Total,
		ExecutionTimeMs: outcome.ExecutionTimeMs,
		Score:           score,
		SubmittedAt:     now,
		TestResults:     outcome.Results,
	}
	if err := s.submissionRepo.SaveWithResults(ctx, sub); err != nil {
		// Battle state already committed; losing the archive row must not
		// fail the submission.
		log.Printf("ERROR: Failed to archive submission %s: %v", sub.ID, err)
	}

	s.updateLeaderboard(ctx, userID, sub)

	return &SubmitResult{
		Submission:  sub,
		Results:     outcome.Results,
		Score:       score,
		BattleEnded: endedNow,
	}, nil
}

func (s *BattleService) updateLeaderboard(ctx context.Context, userID string, sub *model.Submission) {
	details, err := json.Marshal(map[string]interface{}{
		"room_id":    sub.RoomID,
		"problem_id": sub.ProblemID,
		"language":   sub.Language,
	})
	if err != nil {
		details = []byte("{}")
	}
	improved, err := s.leaderboardRepo.UpsertIfHigher(ctx, &model.LeaderboardEntry{
		UserID:   userID,
		Category: model.LeaderboardCategoryBattle,
		Score:    sub.Score,
		Details:  details,
	})
	if err != nil {
		log.Printf("ERROR: Failed to update leaderboard for user %s: %v", userID, err)
		return
	}
	if improved {
		log.Printf("INFO: New personal best for user %s: %d", userID, sub.Score)
	}
}

func (s *BattleService) loadProblemWithCases(ctx context.Context, problemID string) (*model.Problem, error) {
	problem, err := s.problemRepo.FindProblemByID(ctx, problemID)
	if err != nil {
		return nil, err
	}
	cases, err := s.problemRepo.GetTestCasesByProblemID(ctx, problemID)
	if err != nil {
		return nil, err
	}
	problem.TestCases = cases
	return problem, nil
}

// LobbyView is the read projection clients poll while waiting and playing.
type LobbyView struct {
	RoomID       string             `json:"roomId"`
	Code         string             `json:"code"`
	Mode         model.RoomMode     `json:"mode"`
	Status       model.RoomStatus   `json:"status"`
	HostID       string             `json:"hostId"`
	Difficulty   string             `json:"difficulty"`
	Duration     int                `json:"durationMinutes"`
	StartedAt    *time.Time         `json:"startedAt,omitempty"`
	EndedAt      *time.Time         `json:"endedAt,omitempty"`
	Participants []LobbyParticipant `json:"participants"`
	Version      int64              `json:"version"`
}

type LobbyParticipant struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	Ready     bool   `json:"ready"`
	Submitted bool   `json:"submitted"`
}

// Lobby returns the room's current state for any participant.
func (s *BattleService) Lobby(ctx context.Context, roomID, userID string) (*LobbyView, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.FindParticipant(userID) == nil {
		return nil, common.ErrNotRoomParticipant
	}

	view := &LobbyView{
		RoomID:     room.ID,
		Code:       room.Code,
		Mode:       room.Mode,
		Status:     room.Status(),
		HostID:     room.Battle.HostID,
		Difficulty: string(room.Battle.Difficulty),
		Duration:   room.Battle.DurationMinutes,
		StartedAt:  room.Battle.StartedAt,
		EndedAt:    room.Battle.EndedAt,
		Version:    room.Version,
	}
	for _, p := range room.Participants {
		_, submitted := room.Battle.Submissions[p.UserID]
		view.Participants = append(view.Participants, LobbyParticipant{
			UserID:    p.UserID,
			Username:  s.username(ctx, p.UserID),
			Role:      p.Role,
			Active:    p.Active,
			Ready:     room.Battle.Ready[p.UserID],
			Submitted: submitted,
		})
	}
	return view, nil
}

// ResultEntry is one ranked row of a finished (or running) battle.
type ResultEntry struct {
	Rank            int    `json:"rank"`
	UserID          string `json:"userId"`
	Username        string `json:"username"`
	Passed          int    `json:"passed"`
	Total           int    `json:"total"`
	Score           int    `json:"score"`
	CodeLength      int    `json:"codeLength"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	FirstCorrect    bool   `json:"firstCorrect"`
}

type ResultsView struct {
	RoomID  string           `json:"roomId"`
	Status  model.RoomStatus `json:"status"`
	EndedAt *time.Time       `json:"endedAt,omitempty"`
	Entries []ResultEntry    `json:"entries"`
}

// Results ranks participants by score, breaking ties by earlier submission.
func (s *BattleService) Results(ctx context.Context, roomID string) (*ResultsView, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	summaries := make([]model.SubmissionSummary, 0, len(room.Battle.Submissions))
	for _, sum := range room.Battle.Submissions {
		summaries = append(summaries, sum)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Score != summaries[j].Score {
			return summaries[i].Score > summaries[j].Score
		}
		return summaries[i].SubmittedAt.Before(summaries[j].SubmittedAt)
	})

	view := &ResultsView{
		RoomID:  room.ID,
		Status:  room.Status(),
		EndedAt: room.Battle.EndedAt,
	}
	for i, sum := range summaries {
		view.Entries = append(view.Entries, ResultEntry{
			Rank:            i + 1,
			UserID:          sum.UserID,
			Username:        s.username(ctx, sum.UserID),
			Passed:          sum.Passed,
			Total:           sum.Total,
			Score:           sum.Score,
			CodeLength:      sum.CodeLength,
			ExecutionTimeMs: sum.ExecutionTimeMs,
			FirstCorrect:    room.Battle.FirstCorrectUserID == sum.UserID,
		})
	}
	return view, nil
}

// Leaderboard returns the global top battle scores.
func (s *BattleService) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	return s.leaderboardRepo.Top(ctx, model.LeaderboardCategoryBattle, limit)
}

func (s *BattleService) username(ctx context.Context, userID string) string {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return ""
	}
	return user.Username
}
