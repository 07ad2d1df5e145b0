// Package sm2 implements the SuperMemo-2 scheduling algorithm behind the
// scheduler interface. Per-card ease factor, interval and repetition count
// live in a private SQLite database inside the scheduler's state directory.
package sm2

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/AM-Campbell/sr/internal/domain"
	"github.com/AM-Campbell/sr/internal/scheduler"
	"github.com/AM-Campbell/sr/internal/storage"
)

const ID = "sm2"

const (
	defaultEase = 2.5
	minEase     = 1.3
	maxEase     = 3.0
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS sm2_state (
    card_id INTEGER PRIMARY KEY,
    ease_factor REAL NOT NULL DEFAULT 2.5,
    interval_days REAL NOT NULL DEFAULT 0,
    repetitions INTEGER NOT NULL DEFAULT 0,
    last_review TEXT,
    next_review TEXT
);
`

func init() {
	scheduler.Register(ID, New)
}

// Scheduler holds SM-2 state for every card it has seen.
type Scheduler struct {
	conn *sql.DB
	now  func() time.Time
}

// New opens the private state database inside stateDir.
func New(stateDir string, _ *storage.DB) (scheduler.Scheduler, error) {
	conn, err := sql.Open("sqlite", filepath.Join(stateDir, "sm2.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open sm2 state db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(stateSchema); err != nil {
		return nil, fmt.Errorf("failed to apply sm2 schema: %w", err)
	}
	return &Scheduler{conn: conn, now: time.Now}, nil
}

func (s *Scheduler) ID() string { return ID }

// Close releases the state database.
func (s *Scheduler) Close() error { return s.conn.Close() }

type state struct {
	ease       float64
	interval   float64 // days
	reps       int
	nextReview string
}

func (s *Scheduler) load(cardID int64) (state, bool, error) {
	var st state
	var next sql.NullString
	err := s.conn.QueryRow(`
		SELECT ease_factor, interval_days, repetitions, next_review FROM sm2_state WHERE card_id = ?
	`, cardID).Scan(&st.ease, &st.interval, &st.reps, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return state{ease: defaultEase}, false, nil
	}
	if err != nil {
		return state{}, false, fmt.Errorf("failed to load sm2 state for card %d: %w", cardID, err)
	}
	st.nextReview = next.String
	return st, true, nil
}

func (s *Scheduler) save(cardID int64, st state, lastReview string) error {
	var last, next any
	if lastReview != "" {
		last = lastReview
	}
	if st.nextReview != "" {
		next = st.nextReview
	}
	if _, err := s.conn.Exec(`
		INSERT OR REPLACE INTO sm2_state (card_id, ease_factor, interval_days, repetitions, last_review, next_review)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cardID, st.ease, st.interval, st.reps, last, next); err != nil {
		return fmt.Errorf("failed to save sm2 state for card %d: %w", cardID, err)
	}
	return nil
}

func precision(intervalDays float64) int {
	p := int(intervalDays * 86400 * 0.1) // 10% of the interval
	if p < 60 {
		p = 60
	}
	return p
}

func (s *Scheduler) recommend(cardID int64, st state) domain.Recommendation {
	next := s.now().UTC().Add(time.Duration(st.interval * float64(24*time.Hour)))
	return domain.Recommendation{CardID: cardID, Time: next, PrecisionSeconds: precision(st.interval)}
}

// OnReview applies the SM-2 update for one graded review.
func (s *Scheduler) OnReview(cardID int64, event domain.ReviewEvent) ([]domain.Recommendation, error) {
	st, _, err := s.load(cardID)
	if err != nil {
		return nil, err
	}

	if event.Grade == 1 {
		st.reps++
		switch st.reps {
		case 1:
			st.interval = 1
		case 2:
			st.interval = 6
		default:
			st.interval = st.interval * st.ease
		}
		switch event.Feedback {
		case "too_easy":
			st.ease = min(st.ease+0.15, maxEase)
		case "too_hard":
			st.ease = max(st.ease-0.15, minEase)
		}
	} else {
		st.reps = 0
		st.interval = 0.01 // roughly fifteen minutes
		st.ease = max(st.ease-0.2, minEase)
	}

	rec := s.recommend(cardID, st)
	st.nextReview = storage.FormatTime(rec.Time)
	if err := s.save(cardID, st, storage.FormatTime(event.Timestamp)); err != nil {
		return nil, err
	}
	return []domain.Recommendation{rec}, nil
}

// OnCardCreated schedules a fresh or reactivated card for immediate review.
func (s *Scheduler) OnCardCreated(cardID int64) (*domain.Recommendation, error) {
	st := state{ease: defaultEase}
	now := s.now().UTC()
	st.nextReview = storage.FormatTime(now)
	if err := s.save(cardID, st, ""); err != nil {
		return nil, err
	}
	return &domain.Recommendation{CardID: cardID, Time: now, PrecisionSeconds: 60}, nil
}

// OnCardReplaced migrates momentum from the retired card: the ease factor
// carries over, the interval shrinks and one repetition is forfeited. A
// replacement with no prior state is treated as a creation.
func (s *Scheduler) OnCardReplaced(oldCardID, newCardID int64) (*domain.Recommendation, error) {
	st, found, err := s.load(oldCardID)
	if err != nil {
		return nil, err
	}
	if !found {
		return s.OnCardCreated(newCardID)
	}

	st.interval = max(st.interval*0.7, 1)
	st.reps = max(st.reps-1, 0)
	rec := s.recommend(newCardID, st)
	st.nextReview = storage.FormatTime(rec.Time)
	if err := s.save(newCardID, st, ""); err != nil {
		return nil, err
	}
	return &rec, nil
}

// OnCardStatusChanged drops state for deleted cards. Suspension keeps the
// state frozen so reactivation can pick up where the card left off.
func (s *Scheduler) OnCardStatusChanged(cardID int64, status domain.Status) error {
	if status != domain.StatusDeleted {
		return nil
	}
	if _, err := s.conn.Exec(`DELETE FROM sm2_state WHERE card_id = ?`, cardID); err != nil {
		return fmt.Errorf("failed to drop sm2 state for card %d: %w", cardID, err)
	}
	return nil
}

// OnRelationsChanged is a no-op: SM-2 schedules each card independently.
// Whatever relation types the store grows, they are ignored here.
func (s *Scheduler) OnRelationsChanged([]int64) ([]domain.Recommendation, error) {
	return nil, nil
}

// ComputeAll rebuilds recommendations for every active card from stored
// state, scheduling stateless cards for immediate review.
func (s *Scheduler) ComputeAll(activeCardIDs []int64) ([]domain.Recommendation, error) {
	now := s.now().UTC()
	recs := make([]domain.Recommendation, 0, len(activeCardIDs))
	for _, cardID := range activeCardIDs {
		st, found, err := s.load(cardID)
		if err != nil {
			return nil, err
		}
		if found && st.nextReview != "" {
			t, err := storage.ParseTime(st.nextReview)
			if err != nil {
				return nil, err
			}
			recs = append(recs, domain.Recommendation{
				CardID: cardID, Time: t, PrecisionSeconds: precision(st.interval)})
		} else {
			recs = append(recs, domain.Recommendation{CardID: cardID, Time: now, PrecisionSeconds: 60})
		}
	}
	return recs, nil
}
