package domain

import "time"

// QuestionType describes how many options may be selected
type QuestionType string

const (
	QuestionTypeSingle   QuestionType = "single"
	QuestionTypeMultiple QuestionType = "multiple"
)

// User represents an authenticated quiz participant.
// Users are created on first sighting; the identity collaborator
// guarantees the (ID, Username) pair is verified.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity is the verified (userId, username) pair supplied by the
// identity collaborator and trusted unconditionally by the pipeline.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Quiz represents a quiz with an ordered set of questions
type Quiz struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Question represents a single quiz question and its grading weight
type Question struct {
	ID           string       `json:"id"`
	QuestionText string       `json:"questionText"`
	Difficulty   string       `json:"difficulty"`
	Score        int          `json:"score"`
	Type         QuestionType `json:"type"`
	Options      []Option     `json:"options,omitempty"`
}

// Option represents a selectable answer; the correctness flags across a
// question's options are the grading ground truth.
type Option struct {
	ID         string `json:"id"`
	QuestionID string `json:"questionId"`
	OptionText string `json:"optionText"`
	IsCorrect  bool   `json:"isCorrect"`
}

// CorrectOptionIDs returns the ids of the question's correct options
func (q *Question) CorrectOptionIDs() []string {
	var ids []string
	for _, opt := range q.Options {
		if opt.IsCorrect {
			ids = append(ids, opt.ID)
		}
	}
	return ids
}

// HasOption reports whether the given id belongs to one of the question's options
func (q *Question) HasOption(id string) bool {
	for _, opt := range q.Options {
		if opt.ID == id {
			return true
		}
	}
	return false
}
