package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/quizlive/internal/domain"
	"github.com/quizlive/internal/redis"
)

// Store is the durable-store surface the maintainer derives leaderboards from
type Store interface {
	QuizLeaderboard(ctx context.Context, quizID string) ([]domain.LeaderboardEntry, error)
	GlobalLeaderboard(ctx context.Context) ([]domain.LeaderboardEntry, error)
	UserTotalScore(ctx context.Context, userID string) (int, error)
	SetUserQuizScore(ctx context.Context, userID, quizID string, score int) error
}

// Maintainer keeps the cached leaderboard snapshots up to date via two
// decoupled paths: a synchronous in-process patch of the cached snapshot
// (fast, may drift under concurrent writers) and an asynchronous rebuild
// from the durable store (accurate, heals any drift). The fast path never
// reads the store; the accurate path never reads prior cache state.
type Maintainer struct {
	cache  *redis.Cache
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewMaintainer creates a leaderboard maintainer
func NewMaintainer(cache *redis.Cache, store Store, ttl time.Duration, logger *slog.Logger) *Maintainer {
	return &Maintainer{
		cache:  cache,
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// PatchQuiz applies a score increment to the cached per-quiz snapshot and
// returns the patched ordering. A cache miss starts from an empty snapshot.
// Last writer wins on the whole snapshot; drift is corrected by RebuildQuiz.
func (m *Maintainer) PatchQuiz(ctx context.Context, quizID, userID, username string, delta int) ([]domain.LeaderboardEntry, error) {
	entries, _, err := m.cache.GetQuizLeaderboard(ctx, quizID)
	if err != nil {
		return nil, err
	}

	entries = patchEntries(entries, userID, username, delta)
	if err := m.cache.SetQuizLeaderboard(ctx, quizID, entries, m.ttl); err != nil {
		return nil, err
	}
	return entries, nil
}

// PatchGlobal applies a score increment to the cached global snapshot
func (m *Maintainer) PatchGlobal(ctx context.Context, userID, username string, delta int) ([]domain.LeaderboardEntry, error) {
	entries, _, err := m.cache.GetGlobalLeaderboard(ctx)
	if err != nil {
		return nil, err
	}

	entries = patchEntries(entries, userID, username, delta)
	if err := m.cache.SetGlobalLeaderboard(ctx, entries, m.ttl); err != nil {
		return nil, err
	}
	return entries, nil
}

// PatchUserScore bumps the cached cumulative score for a user. On a cache
// miss nothing is written: the fast path never reads the store, and the
// read-through in UserScore rebuilds the value on the next fetch.
func (m *Maintainer) PatchUserScore(ctx context.Context, username string, delta int) (int, bool, error) {
	current, ok, err := m.cache.GetUserScore(ctx, username)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}

	updated := current + delta
	if err := m.cache.SetUserScore(ctx, username, updated, m.ttl); err != nil {
		return 0, false, err
	}
	return updated, true, nil
}

// RebuildQuiz re-derives the per-quiz leaderboard from the durable store and
// overwrites the cached snapshot unconditionally
func (m *Maintainer) RebuildQuiz(ctx context.Context, quizID string) ([]domain.LeaderboardEntry, error) {
	entries, err := m.store.QuizLeaderboard(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("rebuilding quiz leaderboard: %w", err)
	}
	if err := m.cache.SetQuizLeaderboard(ctx, quizID, entries, m.ttl); err != nil {
		return nil, err
	}
	return entries, nil
}

// RebuildGlobal re-derives the global leaderboard from the durable store and
// overwrites the cached snapshot unconditionally
func (m *Maintainer) RebuildGlobal(ctx context.Context) ([]domain.LeaderboardEntry, error) {
	entries, err := m.store.GlobalLeaderboard(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuilding global leaderboard: %w", err)
	}
	if err := m.cache.SetGlobalLeaderboard(ctx, entries, m.ttl); err != nil {
		return nil, err
	}
	return entries, nil
}

// QuizLeaderboard returns the cached per-quiz snapshot, rebuilding it from
// the durable store on a miss
func (m *Maintainer) QuizLeaderboard(ctx context.Context, quizID string) ([]domain.LeaderboardEntry, error) {
	entries, ok, err := m.cache.GetQuizLeaderboard(ctx, quizID)
	if err != nil {
		m.logger.Warn("quiz leaderboard cache read failed, rebuilding", "quiz_id", quizID, "error", err)
	} else if ok {
		return entries, nil
	}
	return m.RebuildQuiz(ctx, quizID)
}

// GlobalLeaderboard returns the cached global snapshot, rebuilding it from
// the durable store on a miss
func (m *Maintainer) GlobalLeaderboard(ctx context.Context) ([]domain.LeaderboardEntry, error) {
	entries, ok, err := m.cache.GetGlobalLeaderboard(ctx)
	if err != nil {
		m.logger.Warn("global leaderboard cache read failed, rebuilding", "error", err)
	} else if ok {
		return entries, nil
	}
	return m.RebuildGlobal(ctx)
}

// UserScore returns a user's cumulative score, computing it from the durable
// store and caching the result on a miss
func (m *Maintainer) UserScore(ctx context.Context, userID, username string) (int, error) {
	score, ok, err := m.cache.GetUserScore(ctx, username)
	if err != nil {
		m.logger.Warn("user score cache read failed, recomputing", "username", username, "error", err)
	} else if ok {
		return score, nil
	}

	total, err := m.store.UserTotalScore(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("computing user total score: %w", err)
	}
	if err := m.cache.SetUserScore(ctx, username, total, m.ttl); err != nil {
		m.logger.Warn("failed to cache user score", "username", username, "error", err)
	}
	return total, nil
}

// ProcessScoreUpdate handles one queued reconciliation message: it writes the
// absolute persisted score and rebuilds the affected snapshots from the
// durable store. Every step is idempotent, so redelivery of the same message
// converges to the same cache state. The fast-path patch is never re-applied
// here. Any error is returned to the consumer, which requeues the message.
func (m *Maintainer) ProcessScoreUpdate(ctx context.Context, msg domain.ScoreUpdate) error {
	if err := m.store.SetUserQuizScore(ctx, msg.UserID, msg.QuizID, msg.Score); err != nil {
		return fmt.Errorf("applying score update: %w", err)
	}
	if _, err := m.RebuildQuiz(ctx, msg.QuizID); err != nil {
		return err
	}
	global, err := m.RebuildGlobal(ctx)
	if err != nil {
		return err
	}

	// Refresh the cached cumulative score from the rebuilt global snapshot,
	// which carries the username the key is derived from.
	for _, entry := range global {
		if entry.UserID == msg.UserID {
			if err := m.cache.SetUserScore(ctx, entry.Username, entry.Score, m.ttl); err != nil {
				return fmt.Errorf("refreshing user score: %w", err)
			}
			break
		}
	}
	return nil
}

// patchEntries applies a delta to the user's entry (inserting one if absent)
// and re-sorts descending by score, stable for equal scores
func patchEntries(entries []domain.LeaderboardEntry, userID, username string, delta int) []domain.LeaderboardEntry {
	found := false
	for i := range entries {
		if entries[i].UserID == userID {
			entries[i].Score += delta
			if entries[i].Username == "" {
				entries[i].Username = username
			}
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, domain.LeaderboardEntry{
			UserID:   userID,
			Username: username,
			Score:    delta,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})
	return entries
}
