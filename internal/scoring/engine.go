package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quizlive/internal/domain"
	"github.com/quizlive/internal/leaderboard"
)

// Store is the durable-store surface the engine persists submissions through
type Store interface {
	EnsureUser(ctx context.Context, userID, username string) error
	GetQuestion(ctx context.Context, questionID string) (*domain.Question, error)
	CreateUserQuizScore(ctx context.Context, userID, quizID string) (string, error)
	UpdateUserQuizScore(ctx context.Context, scoreID string, score int) error
	InsertAnswerHistory(ctx context.Context, record *domain.AnswerHistoryRecord) error
}

// Publisher enqueues reconciliation messages for the accurate path
type Publisher interface {
	PublishScoreUpdate(ctx context.Context, msg domain.ScoreUpdate) error
}

// Broadcaster pushes score events to connected clients
type Broadcaster interface {
	BroadcastLeaderboardUpdate(quizID string, entries []domain.LeaderboardEntry)
	BroadcastUserScoreUpdate(userID, username string, score int)
	BroadcastScoreUpdate(userID, quizID string, score int, isCorrect bool)
}

// Engine grades answer batches against the stored correct options, persists
// results, and drives the downstream leaderboard and notification updates.
type Engine struct {
	store  Store
	boards *leaderboard.Maintainer
	queue  Publisher
	hub    Broadcaster
	logger *slog.Logger
}

// NewEngine creates a scoring engine
func NewEngine(store Store, boards *leaderboard.Maintainer, queue Publisher, hub Broadcaster, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		boards: boards,
		queue:  queue,
		hub:    hub,
		logger: logger,
	}
}

// SubmitBatch grades a full answer batch for one user on one quiz.
//
// The zero-score row is created first and acts as the at-most-once lock:
// a second batch for the same (user, quiz) fails with ErrDuplicateSubmission
// and mutates nothing. Per-answer failures (unknown question, invalid
// options) are recorded in the result and do not abort the batch. The final
// total write is always the last store write, so a mid-batch failure never
// reports a score inconsistent with the persisted history.
func (e *Engine) SubmitBatch(ctx context.Context, quizID string, user domain.Identity, answers []domain.AnswerSubmission) (*domain.SubmissionResult, error) {
	if err := validateBatch(quizID, user, answers); err != nil {
		return nil, err
	}

	if err := e.store.EnsureUser(ctx, user.UserID, user.Username); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSubmissionFailed, err)
	}

	scoreID, err := e.store.CreateUserQuizScore(ctx, user.UserID, quizID)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateSubmission) {
			return nil, domain.ErrDuplicateSubmission
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSubmissionFailed, err)
	}

	total := 0
	results := make([]domain.AnswerResult, 0, len(answers))

	for _, answer := range answers {
		result, increment, err := e.gradeAnswer(ctx, scoreID, answer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSubmissionFailed, err)
		}
		total += increment
		results = append(results, result)
	}

	// The total is written once, after every history record, so partial
	// failures never leave a score ahead of the recorded answers.
	if err := e.store.UpdateUserQuizScore(ctx, scoreID, total); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSubmissionFailed, err)
	}

	e.propagate(ctx, quizID, user, total)

	return &domain.SubmissionResult{
		UserID:       user.UserID,
		QuizID:       quizID,
		UpdatedScore: total,
		Results:      results,
	}, nil
}

// SubmitSingle grades a single answer through the same at-most-once batch
// flow and additionally pushes a scoreUpdated event carrying the answer's
// correctness.
func (e *Engine) SubmitSingle(ctx context.Context, quizID string, user domain.Identity, answer domain.AnswerSubmission) (*domain.SubmissionResult, error) {
	result, err := e.SubmitBatch(ctx, quizID, user, []domain.AnswerSubmission{answer})
	if err != nil {
		return nil, err
	}

	isCorrect := len(result.Results) == 1 && result.Results[0].IsCorrect
	e.hub.BroadcastScoreUpdate(user.UserID, quizID, result.UpdatedScore, isCorrect)

	return result, nil
}

// gradeAnswer grades one answer and appends its history record. The returned
// result reflects literally what was persisted.
func (e *Engine) gradeAnswer(ctx context.Context, scoreID string, answer domain.AnswerSubmission) (domain.AnswerResult, int, error) {
	result := domain.AnswerResult{
		QuestionID:  answer.QuestionID,
		UserAnswers: answer.OptionIDs,
	}

	question, err := e.store.GetQuestion(ctx, answer.QuestionID)
	if err != nil {
		if errors.Is(err, domain.ErrQuestionNotFound) {
			result.Status = domain.AnswerStatusQuestionNotFound
			return result, 0, nil
		}
		return result, 0, err
	}

	for _, id := range answer.OptionIDs {
		if !question.HasOption(id) {
			result.Status = domain.AnswerStatusInvalidOptions
			return result, 0, nil
		}
	}

	correctIDs := question.CorrectOptionIDs()
	isCorrect := sameIDSet(answer.OptionIDs, correctIDs)

	record := &domain.AnswerHistoryRecord{
		UserQuizScoreID:   scoreID,
		QuestionID:        question.ID,
		SelectedOptionIDs: answer.OptionIDs,
		CorrectOptionIDs:  correctIDs,
		IsCorrect:         isCorrect,
	}
	if err := e.store.InsertAnswerHistory(ctx, record); err != nil {
		return result, 0, err
	}

	increment := 0
	if record.IsCorrect {
		increment = question.Score
	}

	result.Status = domain.AnswerStatusGraded
	result.IsCorrect = record.IsCorrect
	result.CorrectOptionIDs = record.CorrectOptionIDs
	result.Awarded = increment
	return result, increment, nil
}

// propagate runs the post-submission side effects in order: fast-path cache
// patches, then the reconciliation message, then the broadcasts. All three
// channels are non-fatal; a cache, queue, or push outage never fails a
// submission that the durable store already accepted.
func (e *Engine) propagate(ctx context.Context, quizID string, user domain.Identity, total int) {
	quizEntries, err := e.boards.PatchQuiz(ctx, quizID, user.UserID, user.Username, total)
	if err != nil {
		e.logger.Warn("fast-path quiz leaderboard patch failed",
			"quiz_id", quizID, "user_id", user.UserID, "error", err)
	}

	if _, err := e.boards.PatchGlobal(ctx, user.UserID, user.Username, total); err != nil {
		e.logger.Warn("fast-path global leaderboard patch failed",
			"user_id", user.UserID, "error", err)
	}

	cumulative, patched, err := e.boards.PatchUserScore(ctx, user.Username, total)
	if err != nil {
		e.logger.Warn("fast-path user score patch failed",
			"username", user.Username, "error", err)
	}
	if !patched {
		cumulative = total
	}

	// The cache is patched before the message is enqueued, so the accurate
	// recomputation never races ahead of the update it corrects.
	msg := domain.ScoreUpdate{
		UserID:         user.UserID,
		QuizID:         quizID,
		Score:          total,
		ScoreIncrement: total,
	}
	if err := e.queue.PublishScoreUpdate(ctx, msg); err != nil {
		e.logger.Warn("failed to publish score update",
			"quiz_id", quizID, "user_id", user.UserID, "error", err)
	}

	// No snapshot to push when the patch failed; clients keep their last
	// board until the accurate path republishes.
	if quizEntries != nil {
		e.hub.BroadcastLeaderboardUpdate(quizID, quizEntries)
	}
	e.hub.BroadcastUserScoreUpdate(user.UserID, user.Username, cumulative)
}

func validateBatch(quizID string, user domain.Identity, answers []domain.AnswerSubmission) error {
	if quizID == "" || user.UserID == "" || user.Username == "" {
		return domain.ErrValidation
	}
	if len(answers) == 0 {
		return domain.ErrValidation
	}
	for _, answer := range answers {
		if answer.QuestionID == "" || len(answer.OptionIDs) == 0 {
			return domain.ErrValidation
		}
	}
	return nil
}

// sameIDSet reports whether the two id lists contain exactly the same set.
// Duplicate ids within a selection collapse to one.
func sameIDSet(selected, correct []string) bool {
	sel := make(map[string]struct{}, len(selected))
	for _, id := range selected {
		sel[id] = struct{}{}
	}
	if len(sel) != len(correct) {
		return false
	}
	for _, id := range correct {
		if _, ok := sel[id]; !ok {
			return false
		}
	}
	return true
}
