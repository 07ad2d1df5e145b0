// Package fsrs implements an FSRS-style scheduler: per-card stability and
// difficulty, with intervals derived from stability against a desired
// retention rate.
package fsrs

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/AM-Campbell/sr/internal/domain"
	"github.com/AM-Campbell/sr/internal/scheduler"
	"github.com/AM-Campbell/sr/internal/storage"
)

const ID = "fsrs"

const stateSchema = `
CREATE TABLE IF NOT EXISTS fsrs_state (
    card_id INTEGER PRIMARY KEY,
    stability REAL NOT NULL DEFAULT 0,
    difficulty REAL NOT NULL DEFAULT 5,
    last_review TEXT,
    next_review TEXT
);
`

func init() {
	scheduler.Register(ID, func(stateDir string, _ *storage.DB) (scheduler.Scheduler, error) {
		return New(stateDir)
	})
}

// Params holds the tunable constants of the stability update.
type Params struct {
	A                float64 // scales the overall memory increase
	B                float64 // difficulty exponent
	C                float64 // stability exponent
	D                float64 // retention effect scaler
	DesiredRetention float64
}

// DefaultParams provides a set of sensible defaults.
func DefaultParams() Params {
	return Params{
		A:                0.2,
		B:                0.5,
		C:                0.1,
		D:                4.0,
		DesiredRetention: 0.9,
	}
}

// Scheduler holds FSRS memory state for every card it has seen.
type Scheduler struct {
	conn   *sql.DB
	params Params
	now    func() time.Time
}

// New opens the private state database inside stateDir.
func New(stateDir string) (*Scheduler, error) {
	conn, err := sql.Open("sqlite", filepath.Join(stateDir, "fsrs.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open fsrs state db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(stateSchema); err != nil {
		return nil, fmt.Errorf("failed to apply fsrs schema: %w", err)
	}
	return &Scheduler{conn: conn, params: DefaultParams(), now: time.Now}, nil
}

func (s *Scheduler) ID() string { return ID }

// Close releases the state database.
func (s *Scheduler) Close() error { return s.conn.Close() }

type memory struct {
	stability  float64
	difficulty float64
	nextReview string
}

func (s *Scheduler) load(cardID int64) (memory, bool, error) {
	var m memory
	var next sql.NullString
	err := s.conn.QueryRow(`
		SELECT stability, difficulty, next_review FROM fsrs_state WHERE card_id = ?
	`, cardID).Scan(&m.stability, &m.difficulty, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return memory{difficulty: 5}, false, nil
	}
	if err != nil {
		return memory{}, false, fmt.Errorf("failed to load fsrs state for card %d: %w", cardID, err)
	}
	m.nextReview = next.String
	return m, true, nil
}

func (s *Scheduler) save(cardID int64, m memory, lastReview string) error {
	var last, next any
	if lastReview != "" {
		last = lastReview
	}
	if m.nextReview != "" {
		next = m.nextReview
	}
	if _, err := s.conn.Exec(`
		INSERT OR REPLACE INTO fsrs_state (card_id, stability, difficulty, last_review, next_review)
		VALUES (?, ?, ?, ?, ?)
	`, cardID, m.stability, m.difficulty, last, next); err != nil {
		return fmt.Errorf("failed to save fsrs state for card %d: %w", cardID, err)
	}
	return nil
}

// nextStability applies the core update for a successful review:
// S' = S * (1 + a * D^(-b) * S^c * (e^(d * (1-R)) - 1))
func (p Params) nextStability(stability, difficulty float64) float64 {
	if stability < 1 {
		stability = 1
	}
	if difficulty < 1 {
		difficulty = 1
	}
	factor := p.A * math.Pow(difficulty, -p.B) * math.Pow(stability, p.C)
	multiplier := math.Exp(p.D*(1-p.DesiredRetention)) - 1
	return stability * (1 + factor*multiplier)
}

func (s *Scheduler) recommend(cardID int64, stability float64) domain.Recommendation {
	days := math.Max(math.Round(stability), 1)
	next := s.now().UTC().Add(time.Duration(days * float64(24*time.Hour)))
	p := int(days * 86400 * 0.1)
	if p < 60 {
		p = 60
	}
	return domain.Recommendation{CardID: cardID, Time: next, PrecisionSeconds: p}
}

// OnReview updates stability and difficulty for one graded review. A wrong
// answer resets stability and raises difficulty; a correct answer grows
// stability, with "too hard" feedback nudging difficulty up.
func (s *Scheduler) OnReview(cardID int64, event domain.ReviewEvent) ([]domain.Recommendation, error) {
	m, _, err := s.load(cardID)
	if err != nil {
		return nil, err
	}

	if event.Grade == 0 {
		m.stability = 1
		m.difficulty = math.Min(10, m.difficulty+0.5)
	} else {
		m.stability = s.params.nextStability(m.stability, m.difficulty)
		if event.Feedback == "too_hard" {
			m.difficulty = math.Min(10, m.difficulty+0.1)
		}
	}

	rec := s.recommend(cardID, m.stability)
	m.nextReview = storage.FormatTime(rec.Time)
	if err := s.save(cardID, m, storage.FormatTime(event.Timestamp)); err != nil {
		return nil, err
	}
	return []domain.Recommendation{rec}, nil
}

// OnCardCreated schedules a fresh or reactivated card for immediate review.
func (s *Scheduler) OnCardCreated(cardID int64) (*domain.Recommendation, error) {
	m := memory{difficulty: 5}
	now := s.now().UTC()
	m.nextReview = storage.FormatTime(now)
	if err := s.save(cardID, m, ""); err != nil {
		return nil, err
	}
	return &domain.Recommendation{CardID: cardID, Time: now, PrecisionSeconds: 60}, nil
}

// OnCardReplaced decays the retired card's stability onto its replacement.
func (s *Scheduler) OnCardReplaced(oldCardID, newCardID int64) (*domain.Recommendation, error) {
	m, found, err := s.load(oldCardID)
	if err != nil {
		return nil, err
	}
	if !found {
		return s.OnCardCreated(newCardID)
	}

	m.stability = math.Max(m.stability*0.7, 1)
	rec := s.recommend(newCardID, m.stability)
	m.nextReview = storage.FormatTime(rec.Time)
	if err := s.save(newCardID, m, ""); err != nil {
		return nil, err
	}
	return &rec, nil
}

// OnCardStatusChanged drops state for deleted cards.
func (s *Scheduler) OnCardStatusChanged(cardID int64, status domain.Status) error {
	if status != domain.StatusDeleted {
		return nil
	}
	if _, err := s.conn.Exec(`DELETE FROM fsrs_state WHERE card_id = ?`, cardID); err != nil {
		return fmt.Errorf("failed to drop fsrs state for card %d: %w", cardID, err)
	}
	return nil
}

// OnRelationsChanged is a no-op; unknown relation types are ignored.
func (s *Scheduler) OnRelationsChanged([]int64) ([]domain.Recommendation, error) {
	return nil, nil
}

// ComputeAll rebuilds recommendations from stored state.
func (s *Scheduler) ComputeAll(activeCardIDs []int64) ([]domain.Recommendation, error) {
	now := s.now().UTC()
	recs := make([]domain.Recommendation, 0, len(activeCardIDs))
	for _, cardID := range activeCardIDs {
		m, found, err := s.load(cardID)
		if err != nil {
			return nil, err
		}
		if found && m.nextReview != "" {
			t, err := storage.ParseTime(m.nextReview)
			if err != nil {
				return nil, err
			}
			recs = append(recs, domain.Recommendation{CardID: cardID, Time: t, PrecisionSeconds: 60})
		} else {
			recs = append(recs, domain.Recommendation{CardID: cardID, Time: now, PrecisionSeconds: 60})
		}
	}
	return recs, nil
}
