package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/quizlive/internal/domain"
	"github.com/quizlive/internal/leaderboard"
	"github.com/quizlive/internal/scoring"
	"github.com/quizlive/internal/websocket"
)

// QuizCatalog reads quiz content for the public browse endpoints
type QuizCatalog interface {
	GetQuiz(ctx context.Context, quizID string) (*domain.Quiz, error)
	ListQuizzes(ctx context.Context) ([]domain.Quiz, error)
	GetQuizQuestions(ctx context.Context, quizID string) ([]domain.Question, error)
}

// Handler provides HTTP handlers for the quiz scoring API
type Handler struct {
	engine  *scoring.Engine
	boards  *leaderboard.Maintainer
	quizzes QuizCatalog
	hub     *websocket.Hub
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(engine *scoring.Engine, boards *leaderboard.Maintainer, quizzes QuizCatalog, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		engine:  engine,
		boards:  boards,
		quizzes: quizzes,
		hub:     hub,
		logger:  logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/leaderboard", h.GetGlobalLeaderboard)

		r.Route("/quizzes", func(r chi.Router) {
			r.Get("/", h.ListQuizzes)

			r.Route("/{quizID}", func(r chi.Router) {
				r.Get("/", h.GetQuiz)
				r.Get("/questions", h.GetQuizQuestions)
				r.Get("/leaderboard", h.GetQuizLeaderboard)

				r.Group(func(r chi.Router) {
					r.Use(identityMiddleware)
					r.Post("/answers", h.SubmitAnswers)
					r.Post("/questions/{questionID}/answer", h.SubmitAnswer)
				})
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(identityMiddleware)
			r.Get("/users/me/score", h.GetUserScore)
		})

		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

type contextKey string

const identityKey contextKey = "identity"

// identityMiddleware extracts the verified identity supplied by the
// authentication collaborator. Token verification happens upstream; the
// pipeline trusts these headers unconditionally.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := domain.Identity{
			UserID:   r.Header.Get("X-User-ID"),
			Username: r.Header.Get("X-Username"),
		}
		if identity.UserID == "" || identity.Username == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(APIResponse{Success: false, Error: "missing identity"})
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) domain.Identity {
	identity, _ := ctx.Value(identityKey).(domain.Identity)
	return identity
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-User-ID, X-Username")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.TotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// SubmitAnswers handles a full answer batch for a quiz
func (h *Handler) SubmitAnswers(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	identity := identityFrom(r.Context())

	var answers []domain.AnswerSubmission
	if err := json.NewDecoder(r.Body).Decode(&answers); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrValidation)
		return
	}

	if _, err := h.quizzes.GetQuiz(r.Context(), quizID); err != nil {
		if errors.Is(err, domain.ErrQuizNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to load quiz", "quiz_id", quizID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrSubmissionFailed)
		return
	}

	result, err := h.engine.SubmitBatch(r.Context(), quizID, identity, answers)
	if err != nil {
		h.writeSubmissionError(w, err)
		return
	}

	h.writeSuccess(w, result)
}

// SubmitAnswer handles a single-answer submission for one question
func (h *Handler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	questionID := chi.URLParam(r, "questionID")
	identity := identityFrom(r.Context())

	var body struct {
		OptionIDs []string `json:"optionIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrValidation)
		return
	}

	answer := domain.AnswerSubmission{
		QuestionID: questionID,
		OptionIDs:  body.OptionIDs,
	}

	result, err := h.engine.SubmitSingle(r.Context(), quizID, identity, answer)
	if err != nil {
		h.writeSubmissionError(w, err)
		return
	}

	h.writeSuccess(w, result)
}

func (h *Handler) writeSubmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrDuplicateSubmission):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrQuizNotFound):
		h.writeError(w, http.StatusNotFound, err)
	default:
		h.logger.Error("submission failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrSubmissionFailed)
	}
}

// GetGlobalLeaderboard returns the global leaderboard, rebuilding the cached
// snapshot from the durable store on a miss
func (h *Handler) GetGlobalLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.boards.GlobalLeaderboard(r.Context())
	if err != nil {
		h.logger.Error("failed to fetch global leaderboard", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrCacheUnavailable)
		return
	}
	h.writeSuccess(w, entries)
}

// GetQuizLeaderboard returns a quiz's leaderboard, rebuilding the cached
// snapshot from the durable store on a miss
func (h *Handler) GetQuizLeaderboard(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	entries, err := h.boards.QuizLeaderboard(r.Context(), quizID)
	if err != nil {
		h.logger.Error("failed to fetch quiz leaderboard", "quiz_id", quizID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrCacheUnavailable)
		return
	}
	h.writeSuccess(w, entries)
}

// GetUserScore returns the authenticated user's cumulative score
func (h *Handler) GetUserScore(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	score, err := h.boards.UserScore(r.Context(), identity.UserID, identity.Username)
	if err != nil {
		h.logger.Error("failed to fetch user score", "user_id", identity.UserID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrCacheUnavailable)
		return
	}
	h.writeSuccess(w, map[string]int{"score": score})
}

// ListQuizzes returns all quizzes
func (h *Handler) ListQuizzes(w http.ResponseWriter, r *http.Request) {
	quizzes, err := h.quizzes.ListQuizzes(r.Context())
	if err != nil {
		h.logger.Error("failed to list quizzes", "error", err)
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeSuccess(w, quizzes)
}

// GetQuiz returns a quiz by ID
func (h *Handler) GetQuiz(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	quiz, err := h.quizzes.GetQuiz(r.Context(), quizID)
	if err != nil {
		if errors.Is(err, domain.ErrQuizNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get quiz", "quiz_id", quizID, "error", err)
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeSuccess(w, quiz)
}

// GetQuizQuestions returns a quiz's questions with their options
func (h *Handler) GetQuizQuestions(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	questions, err := h.quizzes.GetQuizQuestions(r.Context(), quizID)
	if err != nil {
		h.logger.Error("failed to get quiz questions", "quiz_id", quizID, "error", err)
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeSuccess(w, questions)
}
