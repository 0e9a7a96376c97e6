package domain

import "errors"

// Domain errors
var (
	ErrValidation          = errors.New("invalid submission payload")
	ErrDuplicateSubmission = errors.New("answers already submitted for this quiz")
	ErrQuestionNotFound    = errors.New("question not found")
	ErrInvalidOptions      = errors.New("invalid options selected")
	ErrSubmissionFailed    = errors.New("submission failed")
	ErrQuizNotFound        = errors.New("quiz not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrCacheUnavailable    = errors.New("leaderboard cache unavailable")
	ErrQueueUnavailable    = errors.New("score update queue unavailable")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrQuizNotFound) || errors.Is(err, ErrQuestionNotFound) || errors.Is(err, ErrUserNotFound)
}
