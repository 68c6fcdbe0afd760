package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"codebattle/internal/app/scheduler"
	"codebattle/internal/app/store"
	"codebattle/internal/common"
	"codebattle/internal/domain/model"
	"codebattle/internal/evaluator"
	"codebattle/internal/languages"
	"codebattle/internal/platform/config"
	"codebattle/internal/validator"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const twoSumSolution = `
function twoSum(nums, target) {
	for (let i = 0; i < nums.length; i++) {
		for (let j = i + 1; j < nums.length; j++) {
			if (nums[i] + nums[j] === target) {
				return [i, j];
			}
		}
	}
	return [];
}
`

const twoSumWrong = `
function twoSum(nums, target) {
	return [-1, -1];
}
`

type fakeRoomRepo struct {
	mu    sync.Mutex
	rooms map[string]*model.Room
}

func newFakeRoomRepo() *fakeRoomRepo {
	return &fakeRoomRepo{rooms: make(map[string]*model.Room)}
}

func (f *fakeRoomRepo) Upsert(ctx context.Context, room *model.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *room
	f.rooms[room.ID] = &cp
	return nil
}

func (f *fakeRoomRepo) FindByID(ctx context.Context, id string) (*model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *room
	return &cp, nil
}

func (f *fakeRoomRepo) FindByCode(ctx context.Context, code string) (*model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, room := range f.rooms {
		if room.Code == code {
			cp := *room
			return &cp, nil
		}
	}
	return nil, common.ErrNotFound
}

type fakeProblemRepo struct {
	problems map[string]*model.Problem
	cases    map[string][]model.TestCase
}

func newFakeProblemRepo() *fakeProblemRepo {
	return &fakeProblemRepo{
		problems: make(map[string]*model.Problem),
		cases:    make(map[string][]model.TestCase),
	}
}

func (f *fakeProblemRepo) CreateProblem(ctx context.Context, tx *sql.Tx, p *model.Problem) error {
	return nil
}

func (f *fakeProblemRepo) AddTestCases(ctx context.Context, tx *sql.Tx, problemID string, testCases []model.TestCase) error {
	f.cases[problemID] = append(f.cases[problemID], testCases...)
	return nil
}

func (f *fakeProblemRepo) add(p *model.Problem, cases []model.TestCase) {
	f.problems[p.ID] = p
	f.cases[p.ID] = cases
}

func (f *fakeProblemRepo) FindProblemByID(ctx context.Context, id string) (*model.Problem, error) {
	p, ok := f.problems[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProblemRepo) FindProblemBySlug(ctx context.Context, slug string) (*model.Problem, error) {
	for _, p := range f.problems {
		if p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakeProblemRepo) ListProblems(ctx context.Context, limit, offset int, difficulty model.ProblemDifficulty) ([]model.Problem, error) {
	var out []model.Problem
	for _, p := range f.problems {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeProblemRepo) PickRandomByDifficulty(ctx context.Context, difficulty model.ProblemDifficulty) (*model.Problem, error) {
	for _, p := range f.problems {
		if difficulty == "" || p.Difficulty == difficulty {
			cp := *p
			return &cp, nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakeProblemRepo) GetTestCasesByProblemID(ctx context.Context, problemID string) ([]model.TestCase, error) {
	return f.cases[problemID], nil
}

type fakeSubmissionRepo struct {
	mu   sync.Mutex
	subs []*model.Submission
}

func (f *fakeSubmissionRepo) SaveWithResults(ctx context.Context, sub *model.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeSubmissionRepo) GetSubmissionByID(ctx context.Context, id string) (*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakeSubmissionRepo) ListByRoom(ctx context.Context, roomID string) ([]model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Submission
	for _, s := range f.subs {
		if s.RoomID == roomID {
			out = append(out, *s)
		}
	}
	return out, nil
}

type fakeLeaderboardRepo struct {
	mu      sync.Mutex
	entries map[string]*model.LeaderboardEntry // keyed by userID
}

func newFakeLeaderboardRepo() *fakeLeaderboardRepo {
	return &fakeLeaderboardRepo{entries: make(map[string]*model.LeaderboardEntry)}
}

func (f *fakeLeaderboardRepo) UpsertIfHigher(ctx context.Context, entry *model.LeaderboardEntry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.entries[entry.UserID]
	if ok && cur.Score >= entry.Score {
		return false, nil
	}
	cp := *entry
	f.entries[entry.UserID] = &cp
	return true, nil
}

func (f *fakeLeaderboardRepo) Top(ctx context.Context, category string, limit int) ([]model.LeaderboardEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.LeaderboardEntry
	for _, e := range f.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	for i := range out {
		out[i].Rank = i + 1
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeUserRepo struct{}

func (f *fakeUserRepo) Create(ctx context.Context, user *model.User) error { return nil }
func (f *fakeUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return nil, common.ErrNotFound
}
func (f *fakeUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return nil, common.ErrNotFound
}
func (f *fakeUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return &model.User{ID: id, Username: "user-" + id}, nil
}

type battleFixture struct {
	svc   *BattleService
	store *store.RoomStore
	subs  *fakeSubmissionRepo
	board *fakeLeaderboardRepo
	mr    *miniredis.Miniredis
}

func newBattleFixture(t *testing.T) *battleFixture {
	t.Helper()

	config.AppConfig = &config.Config{
		BattleDefaultDurationMinutes: 15,
		BattleMaxDurationMinutes:     120,
		ExecDefaultTimeoutMs:         5000,
		ExecMaxTimeoutMs:             15000,
		ExecDefaultMemoryKb:          131072,
		ExecMaxMemoryKb:              262144,
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	roomRepo := newFakeRoomRepo()
	st := store.NewRoomStore(rdb, roomRepo, time.Hour)

	sched := scheduler.New()
	t.Cleanup(sched.Stop)

	registry := languages.NewRegistry()
	val := validator.New(registry, 65536)
	ev := evaluator.New(2*time.Second, 16384, 65536)
	execSvc := NewExecutionService(registry, val, nil, ev)

	problems := newFakeProblemRepo()
	problems.add(
		&model.Problem{
			ID:             "prob-1",
			Title:          "Two Sum",
			Slug:           "two-sum",
			Difficulty:     model.DifficultyEasy,
			EntryPoint:     "twoSum",
			RuntimeLimitMs: 5000,
		},
		[]model.TestCase{
			{ID: "tc-1", ProblemID: "prob-1", Args: `[[2,7,11,15], 9]`, Expected: `[0,1]`, SortOrder: 0},
			{ID: "tc-2", ProblemID: "prob-1", Args: `[[3,2,4], 6]`, Expected: `[1,2]`, Hidden: true, SortOrder: 1},
		},
	)

	subs := &fakeSubmissionRepo{}
	board := newFakeLeaderboardRepo()

	svc := NewBattleService(st, sched, problems, subs, board, &fakeUserRepo{}, execSvc)
	return &battleFixture{svc: svc, store: st, subs: subs, board: board, mr: mr}
}

func TestCreateAndJoinBattle(t *testing.T) {
	ctx := context.Background()
	f := newBattleFixture(t)

	room, err := f.svc.CreateBattle(ctx, "host", CreateBattleRequest{Difficulty: model.DifficultyEasy})
	if err != nil {
		t.Fatalf("CreateBattle failed: %v", err)
	}
	if room.Code == "" || len(room.Code) != joinCodeLength {
		t.Fatalf("expected a %d-char join code, got %q", joinCodeLength, room.Code)
	}
	if room.Battle.HostID != "host" {
		t.Fatalf("creator must be host, got %q", room.Battle.HostID)
	}

	joined, err := f.svc.Join(ctx, room.Code, "guest")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if len(joined.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(joined.Participants))
	}

	again, err := f.svc.Join(ctx, room.Code, "guest")
	if err != nil {
		t.Fatalf("rejoin must be idempotent: %v", err)
	}
	if len(again.Participants) != 2 {
		t.Fatalf("rejoin duplicated the participant: %d", len(again.Participants))
	}
}

func TestStartIsHostOnlyAndIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newBattleFixture(t)

	room, err := f.svc.CreateBattle(ctx, "host", CreateBattleRequest{})
	if err != nil {
		t.Fatalf("CreateBattle failed: %v", err)
	}
	if _, err := f.svc.Join(ctx, room.Code, "guest"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if _, err := f.svc.Start(ctx, room.ID, "guest"); !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("non-host start must be forbidden, got %v", err)
	}

	started, err := f.svc.Start(ctx, room.ID, "host")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !started.Battle.Started || started.Battle.StartedAt == nil {
		t.Fatalf("battle not marked started: %+v", started.Battle)
	}
	firstStartedAt := *started.Battle.StartedAt

	again, err := f.svc.Start(ctx, room.ID, "host")
	if err != nil {
		t.Fatalf("repeated start must be a no-op: %v", err)
	}
	if !again.Battle.StartedAt.Equal(firstStartedAt) {
		t.Fatalf("repeated start moved the clock: %v vs %v", again.Battle.StartedAt, firstStartedAt)
	}
}

func TestSubmitBeforeStartRejected(t *testing.T) {
	ctx := context.Background()
	f := newBattleFixture(t)

	room, _ := f.svc.CreateBattle(ctx, "host", CreateBattleRequest{})
	_, err := f.svc.Submit(ctx, room.ID, "host", RunRequest{Language: "javascript", Code: twoSumSolution})
	if !errors.Is(err, common.ErrBattleNotStarted) {
		t.Fatalf("expected ErrBattleNotStarted, got %v", err)
	}
}

func TestSubmitGradesScoresAndPersists(t *testing.T) {
	ctx := context.Background()
	f := newBattleFixture(t)

	room, _ := f.svc.CreateBattle(ctx, "host", CreateBattleRequest{})
	if _, err := f.svc.Join(ctx, room.Code, "guest"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := f.svc.Start(ctx, room.ID, "host"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res, err := f.svc.Submit(ctx, room.ID, "guest", RunRequest{Language: "javascript", Code: twoSumSolution})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Submission.Passed != 2 || res.Submission.Total != 2 {
		t.Fatalf("expected a perfect run over both cases, got %d/%d", res.Submission.Passed, res.Submission.Total)
	}
	if res.Score != 100 {
		t.Fatalf("perfect first-correct submission must score 100, got %d", res.Score)
	}

	archived, err := f.subs.ListByRoom(ctx, room.ID)
	if err != nil || len(archived) != 1 {
		t.Fatalf("expected 1 archived submission, got %d (%v)", len(archived), err)
	}

	top, err := f.board.Top(ctx, model.LeaderboardCategoryBattle, 10)
	if err != nil || len(top) != 1 || top[0].Score != 100 {
		t.Fatalf("leaderboard not updated: %+v (%v)", top, err)
	}

	updated, err := f.store.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if updated.Battle.FirstCorrectUserID != "guest" {
		t.Fatalf("first correct not recorded: %q", updated.Battle.FirstCorrectUserID)
	}
	if updated.Battle.ShortestCorrectLen != len(twoSumSolution) {
		t.Fatalf("shortest correct length not recorded: %d", updated.Battle.ShortestCorrectLen)
	}
}

func TestSubmitWrongAnswerScoresBelowPerfect(t *testing.T) {
	ctx := context.Background()
	f := newBattleFixture(t)

	room, _ := f.svc.CreateBattle(ctx, "host", CreateBattleRequest{})
	if _, err := f.svc.Start(ctx, room.ID, "host"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res, err := f.svc.Submit(ctx, room.ID, "host", RunRequest{Language: "javascript", Code: twoSumWrong})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Submission.Passed != 0 {
		t.Fatalf("wrong answer must pass 0 cases, got %d", res.Submission.Passed)
	}
	if res.Score >= 100 {
		t.Fatalf("wrong answer scored %d", res.Score)
	}
}

func TestAllPerfectEndsBattleEarly(t *testing.T) {
	ctx := context.Background()
	f := newBattleFixture(t)

	room, _ := f.svc.CreateBattle(ctx, "host", CreateBattleRequest{})
	if _, err := f.svc.Join(ctx, room.Code, "guest"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := f.svc.Start(ctx, room.ID, "host"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first, err := f.svc.Submit(ctx, room.ID, "host", RunRequest{Language: "javascript", Code: twoSumSolution})
	if err != nil {
		t.Fatalf("host Submit failed: %v", err)
	}
	if first.BattleEnded {
		t.Fatal("battle must not end while the guest has not submitted")
	}

	second, err := f.svc.Submit(ctx, room.ID, "guest", RunRequest{Language: "javascript", Code: twoSumSolution})
	if err != nil {
		t.Fatalf("guest Submit failed: %v", err)
	}
	if !second.BattleEnded {
		t.Fatal("battle must end once every active participant is perfect")
	}

	_, err = f.svc.Submit(ctx, room.ID, "host", RunRequest{Language: "javascript", Code: twoSumSolution})
	if !errors.Is(err, common.ErrBattleEnded) {
		t.Fatalf("submission after the end must be rejected, got %v", err)
	}
}

func TestEndByTimerEndsBattle(t *testing.T) {
	ctx := context.Background()
	f := newBattleFixture(t)

	room, _ := f.svc.CreateBattle(ctx, "host", CreateBattleRequest{})
	if _, err := f.svc.Start(ctx, room.ID, "host"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Invoke the deadline callback directly instead of waiting out the timer.
	f.svc.endByTimer(room.ID)

	ended, err := f.store.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if !ended.Battle.Ended || ended.Battle.EndedAt == nil {
		t.Fatalf("deadline did not end the battle: %+v", ended.Battle)
	}
	if ttl := f.mr.TTL("room:" + room.ID); ttl <= 0 {
		t.Fatalf("ended room not scheduled for grace expiry, ttl=%v", ttl)
	}

	if _, err := f.svc.Submit(ctx, room.ID, "host", RunRequest{Language: "javascript", Code: twoSumSolution}); !errors.Is(err, common.ErrBattleEnded) {
		t.Fatalf("submission after the deadline must be rejected, got %v", err)
	}
}

func TestEndByTimerAfterEarlyEndIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newBattleFixture(t)

	room, _ := f.svc.CreateBattle(ctx, "host", CreateBattleRequest{})
	if _, err := f.svc.Start(ctx, room.ID, "host"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	res, err := f.svc.Submit(ctx, room.ID, "host", RunRequest{Language: "javascript", Code: twoSumSolution})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !res.BattleEnded {
		t.Fatal("sole participant going perfect must end the battle")
	}

	before, err := f.store.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}

	// The armed timer still fires after the early end; it must change nothing.
	f.svc.endByTimer(room.ID)

	after, err := f.store.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if !after.Battle.Ended {
		t.Fatal("battle must stay ended")
	}
	if !after.Battle.EndedAt.Equal(*before.Battle.EndedAt) {
		t.Fatalf("stale deadline fire moved endedAt: %v vs %v", after.Battle.EndedAt, before.Battle.EndedAt)
	}
}

func TestTestUsesVisibleCasesOnly(t *testing.T) {
	ctx := context.Background()
	f := newBattleFixture(t)

	room, _ := f.svc.CreateBattle(ctx, "host", CreateBattleRequest{})
	if _, err := f.svc.Start(ctx, room.ID, "host"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	outcome, err := f.svc.Test(ctx, room.ID, "host", RunRequest{Language: "javascript", Code: twoSumSolution})
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if outcome.Total != 1 {
		t.Fatalf("practice run must see only the visible case, got %d", outcome.Total)
	}

	archived, _ := f.subs.ListByRoom(ctx, room.ID)
	if len(archived) != 0 {
		t.Fatalf("practice run must not be archived, found %d", len(archived))
	}
}

func TestReadyAndLeave(t *testing.T) {
	ctx := context.Background()
	f := newBattleFixture(t)

	room, _ := f.svc.CreateBattle(ctx, "host", CreateBattleRequest{})
	if _, err := f.svc.Join(ctx, room.Code, "guest"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if _, err := f.svc.SetReady(ctx, room.ID, "stranger", true); !errors.Is(err, common.ErrNotRoomParticipant) {
		t.Fatalf("non-participant ready must be rejected, got %v", err)
	}

	if _, err := f.svc.SetReady(ctx, room.ID, "host", true); err != nil {
		t.Fatalf("SetReady failed: %v", err)
	}
	updated, err := f.svc.SetReady(ctx, room.ID, "guest", true)
	if err != nil {
		t.Fatalf("SetReady failed: %v", err)
	}
	if updated.Status() != model.RoomStatusCountdown {
		t.Fatalf("expected COUNTDOWN with everyone ready, got %s", updated.Status())
	}

	left, err := f.svc.Leave(ctx, room.ID, "guest")
	if err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if p := left.FindParticipant("guest"); p == nil || p.Active {
		t.Fatalf("leaving must deactivate, not remove: %+v", p)
	}
}

func TestResultsRanking(t *testing.T) {
	ctx := context.Background()
	f := newBattleFixture(t)

	room, _ := f.svc.CreateBattle(ctx, "host", CreateBattleRequest{})
	if _, err := f.svc.Join(ctx, room.Code, "guest"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := f.svc.Start(ctx, room.ID, "host"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := f.svc.Submit(ctx, room.ID, "host", RunRequest{Language: "javascript", Code: twoSumWrong}); err != nil {
		t.Fatalf("host Submit failed: %v", err)
	}
	if _, err := f.svc.Submit(ctx, room.ID, "guest", RunRequest{Language: "javascript", Code: twoSumSolution}); err != nil {
		t.Fatalf("guest Submit failed: %v", err)
	}

	view, err := f.svc.Results(ctx, room.ID)
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if len(view.Entries) != 2 {
		t.Fatalf("expected 2 ranked entries, got %d", len(view.Entries))
	}
	if view.Entries[0].UserID != "guest" || view.Entries[0].Rank != 1 {
		t.Fatalf("perfect submission must rank first: %+v", view.Entries[0])
	}
	if !view.Entries[0].FirstCorrect {
		t.Fatal("first correct flag missing from the winner")
	}
}

func TestLobbyView(t *testing.T) {
	ctx := context.Background()
	f := newBattleFixture(t)

	room, _ := f.svc.CreateBattle(ctx, "host", CreateBattleRequest{})
	if _, err := f.svc.Join(ctx, room.Code, "guest"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if _, err := f.svc.Lobby(ctx, room.ID, "stranger"); !errors.Is(err, common.ErrNotRoomParticipant) {
		t.Fatalf("lobby must be participant-only, got %v", err)
	}

	view, err := f.svc.Lobby(ctx, room.ID, "guest")
	if err != nil {
		t.Fatalf("Lobby failed: %v", err)
	}
	if view.Status != model.RoomStatusLobby {
		t.Fatalf("expected LOBBY with two participants, got %s", view.Status)
	}
	if len(view.Participants) != 2 {
		t.Fatalf("expected 2 participants in view, got %d", len(view.Participants))
	}
	if view.Participants[0].Username == "" {
		t.Fatal("usernames must be resolved in the lobby view")
	}
}
