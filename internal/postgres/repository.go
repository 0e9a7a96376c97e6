package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quizlive/internal/config"
	"github.com/quizlive/internal/domain"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			username VARCHAR(255) NOT NULL UNIQUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS quizzes (
			id VARCHAR(64) PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			description TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			id VARCHAR(64) PRIMARY KEY,
			question_text TEXT NOT NULL,
			difficulty VARCHAR(20) DEFAULT 'medium',
			score INT NOT NULL DEFAULT 1,
			type VARCHAR(10) NOT NULL DEFAULT 'single'
		)`,
		`CREATE TABLE IF NOT EXISTS quiz_questions (
			quiz_id VARCHAR(64) NOT NULL REFERENCES quizzes(id) ON DELETE CASCADE,
			question_id VARCHAR(64) NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
			position INT NOT NULL DEFAULT 0,
			PRIMARY KEY (quiz_id, question_id)
		)`,
		`CREATE TABLE IF NOT EXISTS options (
			id VARCHAR(64) PRIMARY KEY,
			question_id VARCHAR(64) NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
			option_text TEXT NOT NULL,
			is_correct BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS user_quiz_scores (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL REFERENCES users(id),
			quiz_id VARCHAR(64) NOT NULL REFERENCES quizzes(id),
			score INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, quiz_id)
		)`,
		`CREATE TABLE IF NOT EXISTS answer_history (
			id VARCHAR(64) PRIMARY KEY,
			user_quiz_score_id VARCHAR(64) NOT NULL REFERENCES user_quiz_scores(id) ON DELETE CASCADE,
			question_id VARCHAR(64) NOT NULL,
			selected_option_ids TEXT[] NOT NULL,
			correct_option_ids TEXT[] NOT NULL,
			is_correct BOOLEAN NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_quiz_scores_quiz ON user_quiz_scores(quiz_id, score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_user_quiz_scores_user ON user_quiz_scores(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_answer_history_score ON answer_history(user_quiz_score_id)`,
		`CREATE INDEX IF NOT EXISTS idx_options_question ON options(question_id)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// EnsureUser creates a user row on first sighting. Existing rows are left
// untouched; users are immutable after creation.
func (r *Repository) EnsureUser(ctx context.Context, userID, username string) error {
	query := `
		INSERT INTO users (id, username, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query, userID, username, time.Now())
	if err != nil {
		return fmt.Errorf("ensuring user: %w", err)
	}
	return nil
}

// GetQuiz retrieves a quiz by ID
func (r *Repository) GetQuiz(ctx context.Context, quizID string) (*domain.Quiz, error) {
	query := `SELECT id, title, description, created_at FROM quizzes WHERE id = $1`
	var quiz domain.Quiz
	err := r.pool.QueryRow(ctx, query, quizID).Scan(
		&quiz.ID,
		&quiz.Title,
		&quiz.Description,
		&quiz.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrQuizNotFound
		}
		return nil, fmt.Errorf("getting quiz: %w", err)
	}
	return &quiz, nil
}

// ListQuizzes retrieves all quizzes
func (r *Repository) ListQuizzes(ctx context.Context) ([]domain.Quiz, error) {
	query := `SELECT id, title, description, created_at FROM quizzes ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing quizzes: %w", err)
	}
	defer rows.Close()

	var quizzes []domain.Quiz
	for rows.Next() {
		var quiz domain.Quiz
		if err := rows.Scan(&quiz.ID, &quiz.Title, &quiz.Description, &quiz.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning quiz: %w", err)
		}
		quizzes = append(quizzes, quiz)
	}
	return quizzes, nil
}

// GetQuizQuestions retrieves a quiz's questions with their options, in quiz order
func (r *Repository) GetQuizQuestions(ctx context.Context, quizID string) ([]domain.Question, error) {
	query := `
		SELECT q.id, q.question_text, q.difficulty, q.score, q.type
		FROM questions q
		JOIN quiz_questions qq ON qq.question_id = q.id
		WHERE qq.quiz_id = $1
		ORDER BY qq.position
	`
	rows, err := r.pool.Query(ctx, query, quizID)
	if err != nil {
		return nil, fmt.Errorf("getting quiz questions: %w", err)
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		var q domain.Question
		if err := rows.Scan(&q.ID, &q.QuestionText, &q.Difficulty, &q.Score, &q.Type); err != nil {
			return nil, fmt.Errorf("scanning question: %w", err)
		}
		questions = append(questions, q)
	}

	for i := range questions {
		options, err := r.getOptions(ctx, questions[i].ID)
		if err != nil {
			return nil, err
		}
		questions[i].Options = options
	}
	return questions, nil
}

// GetQuestion retrieves a question with its options
func (r *Repository) GetQuestion(ctx context.Context, questionID string) (*domain.Question, error) {
	query := `SELECT id, question_text, difficulty, score, type FROM questions WHERE id = $1`
	var q domain.Question
	err := r.pool.QueryRow(ctx, query, questionID).Scan(
		&q.ID,
		&q.QuestionText,
		&q.Difficulty,
		&q.Score,
		&q.Type,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrQuestionNotFound
		}
		return nil, fmt.Errorf("getting question: %w", err)
	}

	options, err := r.getOptions(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	q.Options = options
	return &q, nil
}

func (r *Repository) getOptions(ctx context.Context, questionID string) ([]domain.Option, error) {
	query := `SELECT id, question_id, option_text, is_correct FROM options WHERE question_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, query, questionID)
	if err != nil {
		return nil, fmt.Errorf("getting options: %w", err)
	}
	defer rows.Close()

	var options []domain.Option
	for rows.Next() {
		var opt domain.Option
		if err := rows.Scan(&opt.ID, &opt.QuestionID, &opt.OptionText, &opt.IsCorrect); err != nil {
			return nil, fmt.Errorf("scanning option: %w", err)
		}
		options = append(options, opt)
	}
	return options, nil
}

// CreateUserQuizScore atomically creates the zero-score row that acts as the
// at-most-once submission lock for (userID, quizID). The unique constraint on
// user_quiz_scores enforces the guarantee even under concurrent submissions:
// the loser of the race sees ErrDuplicateSubmission.
func (r *Repository) CreateUserQuizScore(ctx context.Context, userID, quizID string) (string, error) {
	query := `
		INSERT INTO user_quiz_scores (id, user_id, quiz_id, score, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4)
		ON CONFLICT (user_id, quiz_id) DO NOTHING
		RETURNING id
	`
	id := uuid.New().String()
	var returned string
	err := r.pool.QueryRow(ctx, query, id, userID, quizID, time.Now()).Scan(&returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrDuplicateSubmission
		}
		return "", fmt.Errorf("creating user quiz score: %w", err)
	}
	return returned, nil
}

// UpdateUserQuizScore writes the final batch total to an existing score row
func (r *Repository) UpdateUserQuizScore(ctx context.Context, scoreID string, score int) error {
	query := `UPDATE user_quiz_scores SET score = $2, updated_at = $3 WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, scoreID, score, time.Now())
	if err != nil {
		return fmt.Errorf("updating user quiz score: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrSubmissionFailed
	}
	return nil
}

// SetUserQuizScore writes an absolute score for (userID, quizID). Used by the
// reconciliation consumer; safe to apply repeatedly with the same value.
func (r *Repository) SetUserQuizScore(ctx context.Context, userID, quizID string, score int) error {
	query := `UPDATE user_quiz_scores SET score = $3, updated_at = $4 WHERE user_id = $1 AND quiz_id = $2`
	_, err := r.pool.Exec(ctx, query, userID, quizID, score, time.Now())
	if err != nil {
		return fmt.Errorf("setting user quiz score: %w", err)
	}
	return nil
}

// InsertAnswerHistory appends one graded answer record
func (r *Repository) InsertAnswerHistory(ctx context.Context, record *domain.AnswerHistoryRecord) error {
	query := `
		INSERT INTO answer_history (id, user_quiz_score_id, question_id, selected_option_ids, correct_option_ids, is_correct, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.CreatedAt = time.Now()
	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.UserQuizScoreID,
		record.QuestionID,
		record.SelectedOptionIDs,
		record.CorrectOptionIDs,
		record.IsCorrect,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting answer history: %w", err)
	}
	return nil
}

// GetAnswerHistory retrieves the graded answers for a score row
func (r *Repository) GetAnswerHistory(ctx context.Context, scoreID string) ([]domain.AnswerHistoryRecord, error) {
	query := `
		SELECT id, user_quiz_score_id, question_id, selected_option_ids, correct_option_ids, is_correct, created_at
		FROM answer_history
		WHERE user_quiz_score_id = $1
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query, scoreID)
	if err != nil {
		return nil, fmt.Errorf("getting answer history: %w", err)
	}
	defer rows.Close()

	var records []domain.AnswerHistoryRecord
	for rows.Next() {
		var rec domain.AnswerHistoryRecord
		err := rows.Scan(
			&rec.ID,
			&rec.UserQuizScoreID,
			&rec.QuestionID,
			&rec.SelectedOptionIDs,
			&rec.CorrectOptionIDs,
			&rec.IsCorrect,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning answer history: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// QuizLeaderboard derives the per-quiz leaderboard from user_quiz_scores,
// descending by score with a stable tie-break on user id
func (r *Repository) QuizLeaderboard(ctx context.Context, quizID string) ([]domain.LeaderboardEntry, error) {
	query := `
		SELECT s.user_id, u.username, s.score
		FROM user_quiz_scores s
		JOIN users u ON u.id = s.user_id
		WHERE s.quiz_id = $1
		ORDER BY s.score DESC, s.user_id
	`
	rows, err := r.pool.Query(ctx, query, quizID)
	if err != nil {
		return nil, fmt.Errorf("getting quiz leaderboard: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GlobalLeaderboard derives the cross-quiz leaderboard by summing each user's
// quiz scores, descending by total with a stable tie-break on user id
func (r *Repository) GlobalLeaderboard(ctx context.Context) ([]domain.LeaderboardEntry, error) {
	query := `
		SELECT s.user_id, u.username, COALESCE(SUM(s.score), 0) AS total
		FROM user_quiz_scores s
		JOIN users u ON u.id = s.user_id
		GROUP BY s.user_id, u.username
		ORDER BY total DESC, s.user_id
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("getting global leaderboard: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// UserTotalScore returns the sum of a user's quiz scores
func (r *Repository) UserTotalScore(ctx context.Context, userID string) (int, error) {
	query := `SELECT COALESCE(SUM(score), 0) FROM user_quiz_scores WHERE user_id = $1`
	var total int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("getting user total score: %w", err)
	}
	return total, nil
}

func scanEntries(rows pgx.Rows) ([]domain.LeaderboardEntry, error) {
	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var entry domain.LeaderboardEntry
		if err := rows.Scan(&entry.UserID, &entry.Username, &entry.Score); err != nil {
			return nil, fmt.Errorf("scanning leaderboard entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
