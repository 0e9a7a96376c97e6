package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/quizlive/internal/domain"
	"github.com/quizlive/internal/leaderboard"
	rediscache "github.com/quizlive/internal/redis"
	"github.com/redis/go-redis/v9"
)

// memStore is an in-memory durable store implementing both the engine's and
// the maintainer's store surfaces
type memStore struct {
	mu         sync.Mutex
	users      map[string]string
	questions  map[string]*domain.Question
	scores     map[string]*domain.UserQuizScore // by score row id
	byUserQuiz map[string]string                // userID+"/"+quizID -> score row id
	history    []*domain.AnswerHistoryRecord

	// failHistoryAt makes the n-th (1-based) history insert fail
	failHistoryAt int
	historyCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		users:      make(map[string]string),
		questions:  make(map[string]*domain.Question),
		scores:     make(map[string]*domain.UserQuizScore),
		byUserQuiz: make(map[string]string),
	}
}

func (s *memStore) addQuestion(q *domain.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[q.ID] = q
}

func (s *memStore) EnsureUser(_ context.Context, userID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = username
	}
	return nil
}

func (s *memStore) GetQuestion(_ context.Context, questionID string) (*domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[questionID]
	if !ok {
		return nil, domain.ErrQuestionNotFound
	}
	return q, nil
}

func (s *memStore) CreateUserQuizScore(_ context.Context, userID, quizID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "/" + quizID
	if _, ok := s.byUserQuiz[key]; ok {
		return "", domain.ErrDuplicateSubmission
	}
	id := fmt.Sprintf("score-%d", len(s.scores)+1)
	s.scores[id] = &domain.UserQuizScore{ID: id, UserID: userID, QuizID: quizID}
	s.byUserQuiz[key] = id
	return id, nil
}

func (s *memStore) UpdateUserQuizScore(_ context.Context, scoreID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.scores[scoreID]
	if !ok {
		return domain.ErrSubmissionFailed
	}
	row.Score = score
	return nil
}

func (s *memStore) InsertAnswerHistory(_ context.Context, record *domain.AnswerHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyCalls++
	if s.failHistoryAt > 0 && s.historyCalls >= s.failHistoryAt {
		return errors.New("storage write failed")
	}
	s.history = append(s.history, record)
	return nil
}

func (s *memStore) QuizLeaderboard(_ context.Context, quizID string) ([]domain.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []domain.LeaderboardEntry
	for _, row := range s.scores {
		if row.QuizID == quizID {
			entries = append(entries, domain.LeaderboardEntry{
				UserID:   row.UserID,
				Username: s.users[row.UserID],
				Score:    row.Score,
			})
		}
	}
	return entries, nil
}

func (s *memStore) GlobalLeaderboard(_ context.Context) ([]domain.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := make(map[string]int)
	for _, row := range s.scores {
		totals[row.UserID] += row.Score
	}
	var entries []domain.LeaderboardEntry
	for userID, total := range totals {
		entries = append(entries, domain.LeaderboardEntry{
			UserID:   userID,
			Username: s.users[userID],
			Score:    total,
		})
	}
	return entries, nil
}

func (s *memStore) UserTotalScore(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, row := range s.scores {
		if row.UserID == userID {
			total += row.Score
		}
	}
	return total, nil
}

func (s *memStore) SetUserQuizScore(_ context.Context, userID, quizID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byUserQuiz[userID+"/"+quizID]; ok {
		s.scores[id].Score = score
	}
	return nil
}

func (s *memStore) storedTotal(userID, quizID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byUserQuiz[userID+"/"+quizID]; ok {
		return s.scores[id].Score
	}
	return -1
}

// recorderQueue captures published reconciliation messages
type recorderQueue struct {
	mu       sync.Mutex
	messages []domain.ScoreUpdate
	fail     bool
}

func (q *recorderQueue) PublishScoreUpdate(_ context.Context, msg domain.ScoreUpdate) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return domain.ErrQueueUnavailable
	}
	q.messages = append(q.messages, msg)
	return nil
}

// recorderHub captures broadcast events in emission order
type recorderHub struct {
	mu     sync.Mutex
	events []string

	leaderboards [][]domain.LeaderboardEntry
	userScores   []int
	scoreUpdates []bool
}

func (h *recorderHub) BroadcastLeaderboardUpdate(_ string, entries []domain.LeaderboardEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "leaderBoardUpdated")
	h.leaderboards = append(h.leaderboards, entries)
}

func (h *recorderHub) BroadcastUserScoreUpdate(_, _ string, score int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "userScoreUpdated")
	h.userScores = append(h.userScores, score)
}

func (h *recorderHub) BroadcastScoreUpdate(_, _ string, _ int, isCorrect bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "scoreUpdated")
	h.scoreUpdates = append(h.scoreUpdates, isCorrect)
}

type testEnv struct {
	engine *Engine
	store  *memStore
	queue  *recorderQueue
	hub    *recorderHub
	mr     *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cache := rediscache.NewCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), slog.Default())
	store := newMemStore()
	boards := leaderboard.NewMaintainer(cache, store, time.Hour, slog.Default())
	queue := &recorderQueue{}
	hub := &recorderHub{}

	// Two-question quiz: Q1 single-choice worth 5, Q2 multiple-choice worth 10.
	store.addQuestion(&domain.Question{
		ID: "q1", QuestionText: "capital of France?", Score: 5, Type: domain.QuestionTypeSingle,
		Options: []domain.Option{
			{ID: "a", QuestionID: "q1", IsCorrect: true},
			{ID: "b", QuestionID: "q1"},
		},
	})
	store.addQuestion(&domain.Question{
		ID: "q2", QuestionText: "prime numbers?", Score: 10, Type: domain.QuestionTypeMultiple,
		Options: []domain.Option{
			{ID: "b2", QuestionID: "q2", IsCorrect: true},
			{ID: "c2", QuestionID: "q2", IsCorrect: true},
			{ID: "d2", QuestionID: "q2"},
		},
	})

	return &testEnv{
		engine: NewEngine(store, boards, queue, hub, slog.Default()),
		store:  store,
		queue:  queue,
		hub:    hub,
		mr:     mr,
	}
}

var alice = domain.Identity{UserID: "u1", Username: "alice"}

func TestSubmitBatchAllCorrect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.engine.SubmitBatch(ctx, "quiz-1", alice, []domain.AnswerSubmission{
		{QuestionID: "q1", OptionIDs: []string{"a"}},
		{QuestionID: "q2", OptionIDs: []string{"b2", "c2"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if result.UpdatedScore != 15 {
		t.Fatalf("expected total 15, got %d", result.UpdatedScore)
	}
	for i, r := range result.Results {
		if r.Status != domain.AnswerStatusGraded || !r.IsCorrect {
			t.Fatalf("expected answer %d correct, got %+v", i, r)
		}
	}
	if got := env.store.storedTotal("u1", "quiz-1"); got != 15 {
		t.Fatalf("expected persisted total 15, got %d", got)
	}

	// Sum of recorded per-question increments equals the final total.
	sum := 0
	for _, r := range result.Results {
		sum += r.Awarded
	}
	if sum != result.UpdatedScore {
		t.Fatalf("increments sum %d != total %d", sum, result.UpdatedScore)
	}
}

func TestSubmitBatchPartiallyCorrect(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.engine.SubmitBatch(context.Background(), "quiz-1", alice, []domain.AnswerSubmission{
		{QuestionID: "q1", OptionIDs: []string{"a"}},
		{QuestionID: "q2", OptionIDs: []string{"b2"}}, // subset of {b2, c2}
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if result.UpdatedScore != 5 {
		t.Fatalf("expected total 5, got %d", result.UpdatedScore)
	}
	if !result.Results[0].IsCorrect {
		t.Fatalf("expected q1 correct, got %+v", result.Results[0])
	}
	if result.Results[1].IsCorrect {
		t.Fatalf("expected q2 incorrect, got %+v", result.Results[1])
	}
	if len(result.Results[1].CorrectOptionIDs) != 2 {
		t.Fatalf("expected snapshot of correct set, got %+v", result.Results[1].CorrectOptionIDs)
	}
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	batch := []domain.AnswerSubmission{{QuestionID: "q1", OptionIDs: []string{"a"}}}
	if _, err := env.engine.SubmitBatch(ctx, "quiz-1", alice, batch); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err := env.engine.SubmitBatch(ctx, "quiz-1", alice, batch)
	if !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	// First submission's data is untouched.
	if got := env.store.storedTotal("u1", "quiz-1"); got != 5 {
		t.Fatalf("expected first total 5 preserved, got %d", got)
	}
	if len(env.store.history) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(env.store.history))
	}
}

func TestExactSetMatch(t *testing.T) {
	cases := []struct {
		name      string
		selection []string
		want      bool
	}{
		{"exact", []string{"b2", "c2"}, true},
		{"superset", []string{"b2", "c2", "d2"}, false},
		{"subset", []string{"c2"}, false},
		{"disjoint", []string{"d2"}, false},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			user := domain.Identity{UserID: fmt.Sprintf("u%d", i+1), Username: fmt.Sprintf("user%d", i+1)}

			result, err := env.engine.SubmitBatch(context.Background(), "quiz-1", user, []domain.AnswerSubmission{
				{QuestionID: "q2", OptionIDs: tc.selection},
			})
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if result.Results[0].IsCorrect != tc.want {
				t.Fatalf("selection %v: expected isCorrect=%v, got %+v", tc.selection, tc.want, result.Results[0])
			}
		})
	}
}

func TestValidationRejectsBeforeSideEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := [][]domain.AnswerSubmission{
		nil,
		{},
		{{QuestionID: "", OptionIDs: []string{"a"}}},
		{{QuestionID: "q1", OptionIDs: nil}},
	}
	for i, answers := range cases {
		if _, err := env.engine.SubmitBatch(ctx, "quiz-1", alice, answers); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	if _, err := env.engine.SubmitBatch(ctx, "quiz-1", domain.Identity{}, []domain.AnswerSubmission{
		{QuestionID: "q1", OptionIDs: []string{"a"}},
	}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for missing identity, got %v", err)
	}

	// Nothing was persisted or published.
	if got := env.store.storedTotal("u1", "quiz-1"); got != -1 {
		t.Fatalf("expected no score row, got total %d", got)
	}
	if len(env.queue.messages) != 0 {
		t.Fatalf("expected no queue messages, got %d", len(env.queue.messages))
	}
}

func TestUnknownQuestionDoesNotAbortBatch(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.engine.SubmitBatch(context.Background(), "quiz-1", alice, []domain.AnswerSubmission{
		{QuestionID: "missing", OptionIDs: []string{"a"}},
		{QuestionID: "q1", OptionIDs: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if result.Results[0].Status != domain.AnswerStatusQuestionNotFound {
		t.Fatalf("expected question_not_found, got %+v", result.Results[0])
	}
	if result.Results[1].Status != domain.AnswerStatusGraded || !result.Results[1].IsCorrect {
		t.Fatalf("expected q1 graded correct, got %+v", result.Results[1])
	}
	if result.UpdatedScore != 5 {
		t.Fatalf("expected total 5, got %d", result.UpdatedScore)
	}
	if len(env.store.history) != 1 {
		t.Fatalf("expected history only for graded answer, got %d", len(env.store.history))
	}
}

func TestInvalidOptionsSkipScoring(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.engine.SubmitBatch(context.Background(), "quiz-1", alice, []domain.AnswerSubmission{
		{QuestionID: "q1", OptionIDs: []string{"a", "not-an-option"}},
		{QuestionID: "q2", OptionIDs: []string{"b2", "c2"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if result.Results[0].Status != domain.AnswerStatusInvalidOptions {
		t.Fatalf("expected invalid_options, got %+v", result.Results[0])
	}
	if result.UpdatedScore != 10 {
		t.Fatalf("expected total 10, got %d", result.UpdatedScore)
	}
	if len(env.store.history) != 1 {
		t.Fatalf("expected no history for invalid selection, got %d", len(env.store.history))
	}
}

func TestStorageFailureNeverWritesInconsistentTotal(t *testing.T) {
	env := newTestEnv(t)
	env.store.failHistoryAt = 2

	_, err := env.engine.SubmitBatch(context.Background(), "quiz-1", alice, []domain.AnswerSubmission{
		{QuestionID: "q1", OptionIDs: []string{"a"}},
		{QuestionID: "q2", OptionIDs: []string{"b2", "c2"}},
	})
	if !errors.Is(err, domain.ErrSubmissionFailed) {
		t.Fatalf("expected submission failure, got %v", err)
	}

	// The score row exists (the lock was taken) but the total was never
	// written: it cannot run ahead of the persisted history.
	if got := env.store.storedTotal("u1", "quiz-1"); got != 0 {
		t.Fatalf("expected total still 0 after mid-batch failure, got %d", got)
	}
	if len(env.queue.messages) != 0 {
		t.Fatalf("expected no reconciliation message on failure, got %d", len(env.queue.messages))
	}
}

func TestSideEffectsOnSuccess(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.SubmitBatch(context.Background(), "quiz-1", alice, []domain.AnswerSubmission{
		{QuestionID: "q1", OptionIDs: []string{"a"}},
		{QuestionID: "q2", OptionIDs: []string{"b2", "c2"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Reconciliation message carries the absolute persisted total.
	if len(env.queue.messages) != 1 {
		t.Fatalf("expected 1 queue message, got %d", len(env.queue.messages))
	}
	msg := env.queue.messages[0]
	if msg.UserID != "u1" || msg.QuizID != "quiz-1" || msg.Score != 15 {
		t.Fatalf("unexpected queue message: %+v", msg)
	}

	// Both batch events were pushed, leaderboard first.
	if len(env.hub.events) != 2 || env.hub.events[0] != "leaderBoardUpdated" || env.hub.events[1] != "userScoreUpdated" {
		t.Fatalf("unexpected events: %v", env.hub.events)
	}
	if len(env.hub.leaderboards[0]) != 1 || env.hub.leaderboards[0][0].Score != 15 {
		t.Fatalf("unexpected broadcast snapshot: %+v", env.hub.leaderboards[0])
	}

	// The fast-path snapshot was cached with an expiration.
	if !env.mr.Exists("leaderboard:quiz-1") {
		t.Fatal("expected fast-path snapshot in cache")
	}
	if ttl := env.mr.TTL("leaderboard:quiz-1"); ttl != time.Hour {
		t.Fatalf("expected 1h TTL, got %v", ttl)
	}
	if !env.mr.Exists("global:leaderboard") {
		t.Fatal("expected global snapshot in cache")
	}
}

func TestCacheOutageDoesNotFailSubmission(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	result, err := env.engine.SubmitBatch(context.Background(), "quiz-1", alice, []domain.AnswerSubmission{
		{QuestionID: "q1", OptionIDs: []string{"a"}},
		{QuestionID: "q2", OptionIDs: []string{"b2", "c2"}},
	})
	if err != nil {
		t.Fatalf("expected success despite cache outage, got %v", err)
	}
	if result.UpdatedScore != 15 {
		t.Fatalf("expected total 15, got %d", result.UpdatedScore)
	}
	if got := env.store.storedTotal("u1", "quiz-1"); got != 15 {
		t.Fatalf("expected persisted total 15, got %d", got)
	}

	// The reconciliation message still goes out so the accurate path can
	// repopulate the cache once it recovers.
	if len(env.queue.messages) != 1 || env.queue.messages[0].Score != 15 {
		t.Fatalf("expected reconciliation message with score 15, got %+v", env.queue.messages)
	}

	// No snapshot exists to broadcast, so leaderBoardUpdated is withheld;
	// the user's score event still carries the persisted total.
	if len(env.hub.events) != 1 || env.hub.events[0] != "userScoreUpdated" {
		t.Fatalf("expected only userScoreUpdated, got %v", env.hub.events)
	}
	if env.hub.userScores[0] != 15 {
		t.Fatalf("expected broadcast score 15, got %d", env.hub.userScores[0])
	}
}

func TestQueueOutageDoesNotFailSubmission(t *testing.T) {
	env := newTestEnv(t)
	env.queue.fail = true

	result, err := env.engine.SubmitBatch(context.Background(), "quiz-1", alice, []domain.AnswerSubmission{
		{QuestionID: "q1", OptionIDs: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("expected success despite queue outage, got %v", err)
	}
	if result.UpdatedScore != 5 {
		t.Fatalf("expected total 5, got %d", result.UpdatedScore)
	}
}

func TestSubmitSingleEmitsScoreUpdated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.engine.SubmitSingle(ctx, "quiz-1", alice, domain.AnswerSubmission{
		QuestionID: "q1", OptionIDs: []string{"a"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.UpdatedScore != 5 {
		t.Fatalf("expected total 5, got %d", result.UpdatedScore)
	}

	if len(env.hub.scoreUpdates) != 1 || !env.hub.scoreUpdates[0] {
		t.Fatalf("expected one scoreUpdated event with isCorrect=true, got %v", env.hub.scoreUpdates)
	}

	// The single path shares the at-most-once lock with the batch path.
	_, err = env.engine.SubmitSingle(ctx, "quiz-1", alice, domain.AnswerSubmission{
		QuestionID: "q2", OptionIDs: []string{"b2", "c2"},
	})
	if !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}
