package domain

import "time"

// UserQuizScore holds the cumulative score for one user on one quiz.
// At most one row exists per (userId, quizId); the row is created as the
// uniqueness lock before any answer in a batch is graded.
type UserQuizScore struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	QuizID    string    `json:"quizId"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AnswerHistoryRecord is the append-only record of one graded answer.
// The correct-option set is snapshotted at submission time.
type AnswerHistoryRecord struct {
	ID                string    `json:"id"`
	UserQuizScoreID   string    `json:"userQuizScoreId"`
	QuestionID        string    `json:"questionId"`
	SelectedOptionIDs []string  `json:"selectedOptionIds"`
	CorrectOptionIDs  []string  `json:"correctOptionIds"`
	IsCorrect         bool      `json:"isCorrect"`
	CreatedAt         time.Time `json:"created_at"`
}

// AnswerSubmission is one submitted answer within a batch
type AnswerSubmission struct {
	QuestionID string   `json:"questionId"`
	OptionIDs  []string `json:"optionIds"`
}

// AnswerStatus classifies the per-answer outcome within a batch
type AnswerStatus string

const (
	AnswerStatusGraded           AnswerStatus = "graded"
	AnswerStatusQuestionNotFound AnswerStatus = "question_not_found"
	AnswerStatusInvalidOptions   AnswerStatus = "invalid_options"
)

// AnswerResult reports what was persisted for a single answer.
// It mirrors the stored AnswerHistoryRecord rather than being recomputed.
type AnswerResult struct {
	QuestionID       string       `json:"questionId"`
	Status           AnswerStatus `json:"status"`
	IsCorrect        bool         `json:"isCorrect"`
	Awarded          int          `json:"awarded"`
	CorrectOptionIDs []string     `json:"correctOptionIds,omitempty"`
	UserAnswers      []string     `json:"userAnswers"`
}

// SubmissionResult is the outcome of a full answer batch
type SubmissionResult struct {
	UserID       string         `json:"userId"`
	QuizID       string         `json:"quizId"`
	UpdatedScore int            `json:"updatedScore"`
	Results      []AnswerResult `json:"results"`
}

// LeaderboardEntry is one row of a cached leaderboard snapshot
type LeaderboardEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}

// ScoreUpdate is the queued reconciliation message emitted after each
// accepted submission. Score is the absolute persisted total so that
// reprocessing the same message converges to the same state.
type ScoreUpdate struct {
	UserID         string `json:"userId"`
	QuizID         string `json:"quizId"`
	Score          int    `json:"score"`
	ScoreIncrement int    `json:"scoreIncrement"`
}
